// Package config loads the mcp.json manifest that lists the MCP servers call
// summaries are delivered to.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AppDir names the per-workspace and per-user configuration directory.
const AppDir = "program-call"

// Manifest represents the top-level structure of an MCP manifest file.
type Manifest struct {
	Servers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to connect to a single MCP server. A server
// has either a websocket transport or a command to spawn.
type ServerConfig struct {
	Transport *TransportConfig  `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

// TransportConfig captures remote connection information for an MCP server.
type TransportConfig struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Result holds the merged configuration after loading all manifest sources.
type Result struct {
	Servers map[string]ServerConfig
	Order   []string
	Sources []string
}

// EnabledValue reports whether the server should be used.
func (s ServerConfig) EnabledValue() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads the manifest at path when it is set. Otherwise it merges the
// workspace manifest (.program-call/mcp.json) and the user manifest
// ($XDG_CONFIG_HOME/program-call/mcp.json); the workspace wins on name
// clashes. Missing default manifests are not an error.
func Load(path string) (Result, error) {
	result := Result{Servers: make(map[string]ServerConfig)}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return result, err
		}
		m, err := readManifest(expanded)
		if err != nil {
			return result, err
		}
		merge(&result, expanded, m)
		return finalize(result), nil
	}

	candidates, err := defaultPaths()
	if err != nil {
		return result, err
	}
	for _, p := range candidates {
		m, err := readManifest(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return result, err
		}
		merge(&result, p, m)
	}
	return finalize(result), nil
}

// defaultPaths lists the user manifest first so the workspace one is merged
// over it.
func defaultPaths() ([]string, error) {
	var paths []string
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".config")
		}
	}
	if base != "" {
		paths = append(paths, filepath.Join(base, AppDir, "mcp.json"))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return append(paths, filepath.Join(cwd, "."+AppDir, "mcp.json")), nil
}

func merge(result *Result, source string, m Manifest) {
	for name, cfg := range m.Servers {
		result.Servers[name] = normalize(cfg)
	}
	result.Sources = append(result.Sources, source)
}

func finalize(result Result) Result {
	names := make([]string, 0, len(result.Servers))
	for name := range result.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	result.Order = names
	return result
}

func normalize(cfg ServerConfig) ServerConfig {
	expand := func(v string) string {
		if out, err := expandPath(v); err == nil {
			return out
		}
		return v
	}
	if cfg.Args != nil {
		args := make([]string, len(cfg.Args))
		for i, a := range cfg.Args {
			args[i] = expand(a)
		}
		cfg.Args = args
	}
	cfg.Command = expand(cfg.Command)
	if len(cfg.Env) > 0 {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = expand(os.ExpandEnv(v))
		}
		cfg.Env = env
	}
	if cfg.Transport != nil {
		t := *cfg.Transport
		t.URL = expand(t.URL)
		cfg.Transport = &t
	}
	return cfg
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for name, s := range m.Servers {
		if s.Command == "" && (s.Transport == nil || s.Transport.URL == "") {
			return Manifest{}, fmt.Errorf("parse %s: server %q has neither command nor transport url", path, name)
		}
	}
	return m, nil
}

func expandPath(value string) (string, error) {
	if !strings.HasPrefix(value, "~") {
		return value, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return value, err
	}
	if value == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(value[1:], "/")), nil
}
