package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeflex/program-call/internal/logging"
	"github.com/codeflex/program-call/internal/mcp/config"
)

// ConnectAll connects to every enabled server in the manifest, in order.
// Servers that fail to connect are skipped; their errors are joined into
// the returned error alongside the clients that did connect.
func ConnectAll(ctx context.Context, manifest config.Result, name, version string) ([]*ClientWrapper, error) {
	var (
		clients []*ClientWrapper
		errs    []error
	)
	for _, server := range manifest.Order {
		sc := manifest.Servers[server]
		if !sc.EnabledValue() {
			logging.Debugw("mcp: server disabled", "server", server)
			continue
		}
		w := NewClientWrapper(server, name, version)
		var err error
		switch {
		case sc.Transport != nil && sc.Transport.URL != "":
			if t := sc.Transport.Type; t != "" && t != "websocket" && t != "ws" {
				err = fmt.Errorf("mcp: server %s: unsupported transport %q", server, t)
				break
			}
			err = w.ConnectWebSocket(ctx, sc.Transport.URL)
		default:
			err = w.ConnectCommand(ctx, sc.Command, sc.Args, sc.Env)
		}
		if err != nil {
			logging.Warnw("mcp: server unavailable", "server", server, "err", err)
			errs = append(errs, err)
			continue
		}
		clients = append(clients, w)
	}
	return clients, errors.Join(errs...)
}

// Callers adapts connected clients for NewPublisher.
func Callers(clients []*ClientWrapper) []ToolCaller {
	out := make([]ToolCaller, len(clients))
	for i, c := range clients {
		out[i] = c
	}
	return out
}

// CloseAll closes every client.
func CloseAll(clients []*ClientWrapper) error {
	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
