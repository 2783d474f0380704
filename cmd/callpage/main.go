package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/config"
	"github.com/codeflex/program-call/internal/identity"
	"github.com/codeflex/program-call/internal/logging"
	"github.com/codeflex/program-call/internal/mcp"
	mcpconfig "github.com/codeflex/program-call/internal/mcp/config"
	"github.com/codeflex/program-call/internal/metrics"
	"github.com/codeflex/program-call/internal/page"
	"github.com/codeflex/program-call/internal/vapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const version = "0.1.0"

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("config load failed", "err", err)
	}
	logging.SetLevel(cfg.Logging.Level)
	logging.Infow("configuration loaded",
		"http.address", cfg.HTTP.Address,
		"provider.url", cfg.Provider.BaseURL,
		"redirect.destination", cfg.Redirect.Destination,
		"redirect.delay_ms", cfg.Redirect.DelayMS,
		"assistant", logging.Redact(map[string]any(cfg.Provider.Assistant)),
		"log.level", logging.Level())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	resolver, dg := buildIdentity(cfg.Identity)
	if dg != nil {
		defer dg.Close()
	}

	var (
		publisher *mcp.Publisher
		clients   []*mcp.ClientWrapper
	)
	if cfg.MCP.Enabled {
		publisher, clients = buildPublisher(cfg.MCP, m)
	}

	providerCfg := vapi.Config{
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		CreateTimeout: cfg.Provider.CreateTimeout(),
		HTTPClient:    &http.Client{Timeout: cfg.Provider.CreateTimeout() + 5*time.Second},
	}
	opts := page.Options{
		Text: page.Text{
			Title:          cfg.Page.Title,
			Subtitle:       cfg.Page.Subtitle,
			AssistantName:  cfg.Page.AssistantName,
			AssistantRole:  cfg.Page.AssistantRole,
			UserLabel:      cfg.Page.UserLabel,
			AvatarFallback: cfg.Page.AvatarFallback,
			EndMessage:     cfg.Page.EndMessage,
		},
		NewProvider:    func() call.Provider { return vapi.NewSession(providerCfg) },
		StartConfig:    call.StartConfig(cfg.Provider.Assistant),
		Destination:    cfg.Redirect.Destination,
		RedirectDelay:  cfg.Redirect.Delay(),
		Identity:       resolver,
		Metrics:        m,
		Gatherer:       reg,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if publisher != nil {
		opts.Summaries = publisher
	}
	srv, err := page.NewServer(opts)
	if err != nil {
		logging.FatalExitf("page server init failed", "err", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           srv,
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logging.Infow("http server listening", "addr", cfg.HTTP.Address)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("http server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutdown signal received, closing resources")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logging.Warnw("http shutdown error", "err", err)
	}
	if err := srv.Close(ctx); err != nil {
		logging.Warnw("page mounts did not close in time", "err", err, "mounts", srv.Mounts())
	}
	if publisher != nil {
		if err := publisher.Close(ctx); err != nil {
			logging.Warnw("summary queue not drained", "err", err)
		}
	}
	if err := mcp.CloseAll(clients); err != nil {
		logging.Warnw("mcp client close error", "err", err)
	}
	logging.Infow("shutdown complete")
}

// buildIdentity returns the session token resolver and, when a bot token is
// configured, the Discord session used to enrich profiles.
func buildIdentity(cfg config.IdentityConfig) (identity.Resolver, *discordgo.Session) {
	var dg *discordgo.Session
	if cfg.DiscordBotToken != "" {
		s, err := discordgo.New("Bot " + cfg.DiscordBotToken)
		if err != nil {
			logging.Warnw("discord session init failed; profiles will not be enriched", "err", err)
		} else {
			dg = s
		}
	}
	pem, err := identity.LoadPublicKey(cfg.JWTPublicKeyFile)
	if err != nil {
		logging.FatalExitf("identity key load failed", "err", err)
	}
	p, err := identity.NewJWTProvider(identity.JWTOptions{
		CookieName:   cfg.CookieName,
		Secret:       cfg.JWTSecret,
		PublicKeyPEM: pem,
		Discord:      identity.NewDiscordResolver(dg, time.Duration(cfg.ProfileCacheTTL)*time.Second),
	})
	if err != nil {
		logging.FatalExitf("identity provider init failed", "err", err)
	}
	if cfg.JWTSecret == "" && len(pem) == 0 {
		logging.Warnw("no session token key configured; every visitor is a guest")
	}
	return p, dg
}

func buildPublisher(cfg config.MCPConfig, m *metrics.Metrics) (*mcp.Publisher, []*mcp.ClientWrapper) {
	manifest, err := mcpconfig.Load(cfg.ManifestPath)
	if err != nil {
		logging.Warnw("mcp manifest load failed; summaries will not be published", "err", err)
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	clients, err := mcp.ConnectAll(ctx, manifest, cfg.ServiceName, version)
	if err != nil {
		logging.Warnw("some mcp servers are unavailable", "err", err)
	}
	if len(clients) == 0 {
		logging.Warnw("no mcp servers connected; summaries will not be published", "sources", manifest.Sources)
		return nil, nil
	}
	logging.Infow("mcp publishing enabled", "servers", len(clients), "tool", cfg.Tool)
	return mcp.NewPublisher(cfg.Tool, mcp.Callers(clients), cfg.QueueSize, m), clients
}
