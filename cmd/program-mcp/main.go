package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeflex/program-call/internal/logging"
	"github.com/codeflex/program-call/internal/mcp"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	stdio := flag.Bool("stdio", false, "serve a single MCP session over stdin/stdout")
	addr := flag.String("addr", "", "listen address for the websocket endpoint (default :$PORT or :9001)")
	flag.Parse()

	if *stdio {
		// stdout carries the JSON-RPC stream
		_ = os.Setenv("LOG_OUTPUT", "stderr")
	}
	logging.Init()
	defer func() { _ = logging.Sync() }()

	server := sdk.NewServer(&sdk.Implementation{Name: "program-mcp", Version: "0.1.0"}, nil)
	mcp.AddTranscriptTool(server, receiveTranscript)

	if *stdio {
		if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
			logging.Warnw("stdio session ended", "err", err)
		}
		return
	}

	if *addr == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "9001"
		}
		*addr = ":" + port
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	upgrader := websocket.Upgrader{}
	r.HandleFunc("/mcp/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logging.Debugw("ws upgrade failed", "err", err)
			return
		}
		go func() {
			session, err := server.Connect(context.Background(), mcp.NewWebSocketTransport(conn), nil)
			if err != nil {
				logging.Warnw("mcp server connect error", "err", err)
				_ = conn.Close()
				return
			}
			logging.Infow("mcp client connected", "remote", conn.RemoteAddr().String())
			if err := session.Wait(); err != nil {
				logging.Debugw("mcp session ended", "err", err)
			}
		}()
	}).Methods(http.MethodGet)

	httpSrv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logging.Infow("mcp server listening", "addr", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("mcp server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logging.Warnw("http shutdown error", "err", err)
	}
	logging.Infow("shutdown complete")
}

// receiveTranscript logs the delivered call. Nothing is stored.
func receiveTranscript(ctx context.Context, args mcp.TranscriptArgs) (string, error) {
	logging.Infow("call transcript received",
		"session.id", args.SessionID,
		"reason", args.Reason,
		"started_at", args.StartedAt,
		"ended_at", args.EndedAt,
		"entries", len(args.Transcript),
		"error", args.Error)
	return fmt.Sprintf("received %d entries for session %s", len(args.Transcript), args.SessionID), nil
}
