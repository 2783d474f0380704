// Package vapi adapts a hosted voice-assistant call to call.Provider. A call
// is created over HTTP and then driven over a websocket that carries JSON
// control and status messages alongside binary audio.
package vapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/logging"
	"github.com/gorilla/websocket"
)

var (
	ErrAlreadyStarted = errors.New("vapi: session already started")
	ErrStopped        = errors.New("vapi: session stopped while starting")
	ErrNoControlURL   = errors.New("vapi: create call response has no websocket url")
)

// Config holds what a Session needs to reach the provider.
type Config struct {
	BaseURL       string
	APIKey        string
	CreateTimeout time.Duration
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
}

type createCallResponse struct {
	ID        string `json:"id"`
	Transport struct {
		WebsocketCallURL string `json:"websocketCallUrl"`
	} `json:"transport"`
}

type controlHeader struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Role   string `json:"role"`
}

// Session is one voice call. It implements call.Provider; handlers are
// invoked from the session's read goroutine or from Start.
type Session struct {
	cfg     Config
	events  *emitter
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	callID      string
	starting    bool
	stopping    bool
	cancelStart context.CancelFunc
	done        chan struct{}
}

func NewSession(cfg Config) *Session {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{cfg: cfg, events: newEmitter()}
}

func (s *Session) On(name string, handler func(call.Event)) func() {
	return s.events.on(name, handler)
}

// CallID returns the provider's id for the current call, if any.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Start creates a call and connects its control socket. call-start is
// emitted once the socket is up.
func (s *Session) Start(ctx context.Context, cfg call.StartConfig) error {
	s.mu.Lock()
	if s.conn != nil || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.starting = true
	s.stopping = false
	s.cancelStart = cancel
	s.mu.Unlock()

	conn, callID, err := s.connect(ctx, cfg)

	s.mu.Lock()
	s.starting = false
	s.cancelStart = nil
	if err == nil && s.stopping {
		err = ErrStopped
		_ = conn.Close()
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.conn = conn
	s.callID = callID
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	logging.Infow("vapi: call connected", "call.id", callID)
	s.events.emit(call.CallStartEvent{})
	go s.readLoop(conn, done)
	return nil
}

func (s *Session) connect(ctx context.Context, cfg call.StartConfig) (*websocket.Conn, string, error) {
	if cfg == nil {
		cfg = call.StartConfig{}
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("vapi: encode start config: %w", err)
	}
	out, err := postJSON(ctx, s.cfg.HTTPClient, s.cfg.BaseURL+"/call", body, s.cfg.APIKey, s.cfg.CreateTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("vapi: create call: %w", err)
	}
	var created createCallResponse
	if err := json.Unmarshal(out, &created); err != nil {
		return nil, "", fmt.Errorf("vapi: decode create call response: %w", err)
	}
	if created.Transport.WebsocketCallURL == "" {
		return nil, "", ErrNoControlURL
	}
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, created.Transport.WebsocketCallURL, header)
	if err != nil {
		return nil, "", fmt.Errorf("vapi: dial call socket: %w", err)
	}
	return conn, created.ID, nil
}

// Stop ends the call without waiting for the provider to acknowledge it.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.starting {
		s.stopping = true
		if s.cancelStart != nil {
			s.cancelStart()
		}
		s.mu.Unlock()
		return
	}
	conn, callID := s.conn, s.callID
	if conn == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.conn = nil
	s.mu.Unlock()

	go func() {
		if err := s.writeJSON(conn, map[string]string{"type": "end-call"}); err != nil {
			logging.Debugw("vapi: end-call write failed", "call.id", callID, "err", err)
		}
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
		logging.Infow("vapi: call stopped", "call.id", callID)
	}()
}

// Wait blocks until the read loop of the current call has exited.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Session) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if s.dispatch(data) {
			if s.finish(conn) {
				s.events.emit(call.CallEndEvent{})
			}
			return
		}
	}
}

// dispatch emits the events for one control message and reports whether
// the provider declared the call ended.
func (s *Session) dispatch(data []byte) bool {
	var head controlHeader
	if err := json.Unmarshal(data, &head); err != nil {
		logging.Debugw("vapi: dropping undecodable frame", "err", err)
		return false
	}
	switch head.Type {
	case "speech-update":
		if head.Role == string(call.RoleAssistant) {
			switch head.Status {
			case "started":
				s.events.emit(call.SpeechStartEvent{})
			case "stopped":
				s.events.emit(call.SpeechEndEvent{})
			}
		}
	case "error":
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &body)
		msg := body.Message
		if msg == "" {
			msg = body.Error
		}
		s.events.emit(call.ErrorEvent{Err: fmt.Errorf("vapi: %s", msg)})
	}
	msg, err := call.ParseMessage(data)
	if err != nil {
		logging.Debugw("vapi: dropping invalid message", "err", err)
	} else {
		s.events.emit(msg)
	}
	return head.Type == "status-update" && head.Status == "ended"
}

// finish detaches conn if it is still current. It reports false when the
// connection was already detached by Stop, in which case no further events
// are emitted for it.
func (s *Session) finish(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	_ = conn.Close()
	return true
}

func (s *Session) readFailed(conn *websocket.Conn, err error) {
	if !s.finish(conn) {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.events.emit(call.CallEndEvent{})
		return
	}
	logging.Warnw("vapi: call socket failed", "err", err)
	s.events.emit(call.ErrorEvent{Err: fmt.Errorf("vapi: read: %w", err)})
}
