package page

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/codeflex/program-call/internal/identity"
	"github.com/codeflex/program-call/internal/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// frame is a server to browser message.
type frame struct {
	Type        string `json:"type"`
	View        *View  `json:"view,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// inbound is a browser to server message.
type inbound struct {
	Type string `json:"type"`
}

// mount is one open call page: a websocket, the controller behind it and
// the provider session the controller drives.
type mount struct {
	id      string
	conn    *websocket.Conn
	ctrl    *call.Controller
	profile identity.Profile
	text    Text

	dirty chan struct{}
	nav   chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Server) newMount(conn *websocket.Conn, profile identity.Profile) *mount {
	ctx, cancel := context.WithCancel(context.Background())
	m := &mount{
		id:      uuid.NewString(),
		conn:    conn,
		profile: profile,
		text:    s.opts.Text,
		dirty:   make(chan struct{}, 1),
		nav:     make(chan string, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.ctx = logging.WithFields(ctx, append(logging.SessionFields(m.id, ""), "user.id", profile.UserID)...)

	opts := call.Options{
		SessionID:     m.id,
		StartConfig:   s.opts.StartConfig,
		Destination:   s.opts.Destination,
		RedirectDelay: s.opts.RedirectDelay,
		AfterFunc:     s.opts.AfterFunc,
		OnChange:      m.markDirty,
	}
	if s.opts.Metrics != nil {
		opts.Recorder = s.opts.Metrics
	}
	if s.opts.Summaries != nil {
		sink := s.opts.Summaries
		opts.OnEnded = func(sum call.Summary) {
			if !sink.Enqueue(sum) {
				logging.WarnwCtx(m.ctx, "page: summary queue full, dropping call summary", "entries", len(sum.Transcript))
			}
		}
	}
	m.ctrl = call.New(s.opts.NewProvider(), call.NavigatorFunc(m.navigate), opts)
	return m
}

func (m *mount) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// navigate runs under the controller lock. The controller navigates at most
// once so the buffered send never blocks.
func (m *mount) navigate(destination string) {
	select {
	case m.nav <- destination:
	default:
	}
}

// run serves the mount until the browser disconnects or ctx is cancelled.
func (m *mount) run(ctx context.Context) {
	defer m.close()
	if err := m.ctrl.Mount(); err != nil {
		logging.WarnwCtx(m.ctx, "page: controller mount failed", "err", err)
		return
	}
	logging.InfowCtx(m.ctx, "page: mounted", "user.name", m.profile.DisplayName())

	go func() {
		select {
		case <-ctx.Done():
			m.cancel()
		case <-m.ctx.Done():
		}
	}()

	m.wg.Add(1)
	go m.writePump()
	m.markDirty()
	m.readPump()
}

func (m *mount) readPump() {
	m.conn.SetReadLimit(4096)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.DebugwCtx(m.ctx, "page: socket read failed", "err", err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			logging.DebugwCtx(m.ctx, "page: dropping undecodable frame", "err", err)
			continue
		}
		switch in.Type {
		case "toggle":
			// Start blocks until the provider answers; toggles that arrive
			// meanwhile must still reach the controller's state guard.
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if err := m.ctrl.RequestToggle(m.ctx); err != nil {
					logging.WarnwCtx(m.ctx, "page: toggle failed", "err", err)
				}
			}()
		default:
			logging.DebugwCtx(m.ctx, "page: ignoring frame", "type", in.Type)
		}
	}
}

func (m *mount) writePump() {
	defer m.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			_ = m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = m.conn.Close()
			return
		case <-m.dirty:
			v := BuildView(m.ctrl.Snapshot(), m.profile, m.text)
			if err := m.write(frame{Type: "view", View: &v}); err != nil {
				m.shutdown()
				return
			}
		case dest := <-m.nav:
			if err := m.write(frame{Type: "navigate", Destination: dest}); err != nil {
				m.shutdown()
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.shutdown()
				return
			}
		}
	}
}

func (m *mount) write(f frame) error {
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := m.conn.WriteJSON(f); err != nil {
		logging.DebugwCtx(m.ctx, "page: socket write failed", "type", f.Type, "err", err)
		return err
	}
	return nil
}

// close tears the mount down: the controller releases its subscriptions,
// cancels the redirect and stops a live session before the socket closes.
func (m *mount) close() {
	m.once.Do(func() {
		m.cancel()
		_ = m.ctrl.Close()
		m.wg.Wait()
		_ = m.conn.Close()
		logging.InfowCtx(m.ctx, "page: unmounted")
	})
}

// shutdown closes the socket so the read pump, and with it run, returns.
func (m *mount) shutdown() {
	m.cancel()
	_ = m.conn.Close()
}
