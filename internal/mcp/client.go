// Package mcp delivers call summaries to MCP servers and defines the
// transcript tool those servers expose.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/logging"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var ErrNotConnected = errors.New("mcp: client not connected")

// keepaliveInterval is how often a connected session is pinged.
var keepaliveInterval = 30 * time.Second

// ClientWrapper connects to one MCP server over a websocket or a spawned
// command and owns the resulting session.
type ClientWrapper struct {
	server string
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
}

// NewClientWrapper creates a wrapper for the server named server. name and
// version identify this program to the server.
func NewClientWrapper(server, name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	return &ClientWrapper{server: server, client: sdk.NewClient(impl, nil)}
}

func (w *ClientWrapper) Server() string { return w.server }

// ConnectWebSocket dials rawurl (http(s) schemes are mapped to ws(s)) and
// starts a session over it.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return fmt.Errorf("mcp: parse url %q: %w", rawurl, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp: dial %s: %w", u.Redacted(), err)
	}
	if err := w.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: connected", "server", w.server, "url", u.Redacted())
	return nil
}

// ConnectCommand spawns a local MCP server process and connects via stdio.
// The process is killed by Close if it has not exited.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		return fmt.Errorf("mcp: start %s: %w", command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp: server stderr", "server", w.server, "line", scanner.Text())
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := w.connect(ctx, newPipeTransport(stdout, stdin)); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}
	logging.Infow("mcp: command server started", "server", w.server, "command", command, "args", strings.Join(args, " "))

	w.appendCloser(func() error {
		_ = stdin.Close()
		var err error
		select {
		case err = <-waitCh:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			err = <-waitCh
		}
		if err != nil {
			logging.Debugw("mcp: command server exited", "server", w.server, "err", err)
		}
		return nil
	})
	return nil
}

func (w *ClientWrapper) appendCloser(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closers = append(w.closers, fn)
}

func (w *ClientWrapper) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect %s: %w", w.server, err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	if prev := w.keepaliveCancel; prev != nil {
		prev()
	}
	w.session = sess
	w.keepaliveCancel = cancel
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil && kaCtx.Err() == nil {
					logging.Warnw("mcp: keepalive failed", "server", w.server, "err", err)
				}
			}
		}
	}()
	return nil
}

// CallTool invokes a tool on the connected server. A result flagged as an
// error by the server is returned as an error.
func (w *ClientWrapper) CallTool(ctx context.Context, name string, args any) (*sdk.CallToolResult, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s on %s: %w", name, w.server, err)
	}
	if res.IsError {
		return res, fmt.Errorf("mcp: tool %s on %s failed: %s", name, w.server, resultText(res))
	}
	return res, nil
}

func resultText(res *sdk.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
