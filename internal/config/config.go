package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is unset. A missing default file is
// not an error; the defaults plus environment overrides apply.
const DefaultPath = "config.yaml"

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Provider ProviderConfig `yaml:"provider"`
	Redirect RedirectConfig `yaml:"redirect"`
	Page     PageConfig     `yaml:"page"`
	Identity IdentityConfig `yaml:"identity"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig contains the page server configuration
type HTTPConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeoutSeconds int      `yaml:"read_timeout_seconds"`
	ShutdownSeconds    int      `yaml:"shutdown_seconds"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// ProviderConfig describes the voice session provider. Assistant is passed
// to the provider untouched when a call starts.
type ProviderConfig struct {
	BaseURL              string         `yaml:"base_url"`
	APIKey               string         `yaml:"api_key"`
	CreateTimeoutSeconds int            `yaml:"create_timeout_seconds"`
	Assistant            map[string]any `yaml:"assistant"`
}

// RedirectConfig is where the page goes once a call has ended.
type RedirectConfig struct {
	Destination string `yaml:"destination"`
	DelayMS     int    `yaml:"delay_ms"`
}

// PageConfig holds the user-facing copy of the call page.
type PageConfig struct {
	Title          string `yaml:"title"`
	Subtitle       string `yaml:"subtitle"`
	AssistantName  string `yaml:"assistant_name"`
	AssistantRole  string `yaml:"assistant_role"`
	UserLabel      string `yaml:"user_label"`
	AvatarFallback string `yaml:"avatar_fallback"`
	EndMessage     string `yaml:"end_message"`
}

// IdentityConfig controls how the signed-in user is recognized. Either
// jwt_secret or jwt_public_key_file verifies the session token; with
// neither every visitor is a guest.
type IdentityConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	JWTPublicKeyFile string `yaml:"jwt_public_key_file"`
	CookieName       string `yaml:"cookie_name"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	ProfileCacheTTL  int    `yaml:"profile_cache_ttl_seconds"`
}

// MCPConfig enables publishing call summaries to MCP servers.
type MCPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ManifestPath string `yaml:"manifest_path"`
	Tool         string `yaml:"tool"`
	ServiceName  string `yaml:"service_name"`
	QueueSize    int    `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Address:            ":8080",
			ReadTimeoutSeconds: 10,
			ShutdownSeconds:    10,
		},
		Provider: ProviderConfig{
			BaseURL:              "https://api.vapi.ai",
			CreateTimeoutSeconds: 15,
		},
		Redirect: RedirectConfig{
			Destination: "/profile",
			DelayMS:     1500,
		},
		Page: PageConfig{
			Title:          "Generate Your Fitness Program",
			Subtitle:       "Have a voice conversation with our AI assistant to create your personalized plan",
			AssistantName:  "CodeFlex AI",
			AssistantRole:  "Fitness & Diet Coach",
			UserLabel:      "You",
			AvatarFallback: "/ai-avatar.png",
			EndMessage:     "Your fitness program has been created! Redirecting to your profile...",
		},
		Identity: IdentityConfig{
			CookieName:      "__session",
			ProfileCacheTTL: 300,
		},
		MCP: MCPConfig{
			Tool:        "submit_call_transcript",
			ServiceName: "program-call",
			QueueSize:   16,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads .env (if present), then the YAML file at CONFIG_PATH or
// DefaultPath over the defaults, then applies environment overrides and
// validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	path := os.Getenv("CONFIG_PATH")
	required := path != ""
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path, required)
}

// LoadFile is Load without .env handling. When required is false a missing
// file falls back to the defaults.
func LoadFile(path string, required bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.HTTP.Address, "HTTP_ADDRESS")
	set(&c.Provider.BaseURL, "PROVIDER_URL")
	set(&c.Provider.APIKey, "PROVIDER_API_KEY")
	set(&c.Redirect.Destination, "REDIRECT_DESTINATION")
	set(&c.Identity.JWTSecret, "JWT_SECRET")
	set(&c.Identity.DiscordBotToken, "DISCORD_BOT_TOKEN")
	set(&c.MCP.ManifestPath, "MCP_CONFIG_PATH")
	set(&c.Logging.Level, "LOG_LEVEL")
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if err := c.Redirect.Validate(); err != nil {
		return fmt.Errorf("redirect config: %w", err)
	}
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}
	if err := c.MCP.Validate(); err != nil {
		return fmt.Errorf("mcp config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h.ReadTimeoutSeconds < 0 || h.ShutdownSeconds < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func (p *ProviderConfig) Validate() error {
	if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", p.BaseURL)
	}
	if p.CreateTimeoutSeconds < 1 {
		return fmt.Errorf("create_timeout_seconds must be at least 1, got %d", p.CreateTimeoutSeconds)
	}
	return nil
}

func (p *ProviderConfig) CreateTimeout() time.Duration {
	return time.Duration(p.CreateTimeoutSeconds) * time.Second
}

func (r *RedirectConfig) Validate() error {
	if !strings.HasPrefix(r.Destination, "/") {
		return fmt.Errorf("destination must be a site-relative path, got %q", r.Destination)
	}
	if r.DelayMS < 0 {
		return fmt.Errorf("delay_ms cannot be negative, got %d", r.DelayMS)
	}
	return nil
}

func (r *RedirectConfig) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

func (i *IdentityConfig) Validate() error {
	if i.JWTSecret != "" && i.JWTPublicKeyFile != "" {
		return fmt.Errorf("jwt_secret and jwt_public_key_file are mutually exclusive")
	}
	if i.CookieName == "" {
		return fmt.Errorf("cookie_name cannot be empty")
	}
	if i.ProfileCacheTTL < 0 {
		return fmt.Errorf("profile_cache_ttl_seconds cannot be negative")
	}
	return nil
}

func (m *MCPConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Tool == "" {
		return fmt.Errorf("tool cannot be empty when mcp is enabled")
	}
	if m.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", m.QueueSize)
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
}
