package vapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codeflex/program-call/internal/call"
	"github.com/gorilla/websocket"
)

// fakeProvider serves POST /call and the call socket at /ws. script is sent
// to the client once the socket is up; received collects client frames.
type fakeProvider struct {
	t        *testing.T
	srv      *httptest.Server
	status   int
	script   []string
	abrupt   bool
	received chan string
	mu       sync.Mutex
	created  []map[string]any
	auth     string
}

func newFakeProvider(t *testing.T, script ...string) *fakeProvider {
	f := &fakeProvider{t: t, status: http.StatusCreated, script: script, received: make(chan string, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.created = append(f.created, body)
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		if f.status >= 300 {
			http.Error(w, "unauthorized", f.status)
			return
		}
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        "call-123",
			"transport": map[string]string{"websocketCallUrl": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"},
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.received <- string(data)
			}
		}()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		for _, frame := range f.script {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		if f.abrupt {
			_ = conn.Close()
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type eventLog struct {
	mu    sync.Mutex
	names []string
	msgs  []call.MessageEvent
	errs  []error
	done  chan struct{}
	once  sync.Once
}

func subscribeAll(s *Session) (*eventLog, func()) {
	l := &eventLog{done: make(chan struct{})}
	var removes []func()
	for _, name := range call.EventNames {
		removes = append(removes, s.On(name, func(ev call.Event) {
			l.mu.Lock()
			l.names = append(l.names, ev.EventName())
			switch e := ev.(type) {
			case call.MessageEvent:
				l.msgs = append(l.msgs, e)
			case call.ErrorEvent:
				l.errs = append(l.errs, e)
			}
			l.mu.Unlock()
			if ev.EventName() == call.EventCallEnd || ev.EventName() == call.EventError {
				l.once.Do(func() { close(l.done) })
			}
		}))
	}
	return l, func() {
		for _, r := range removes {
			r()
		}
	}
}

func (l *eventLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for terminal event")
	}
}

func TestSessionMapsControlMessages(t *testing.T) {
	f := newFakeProvider(t,
		`{"type":"speech-update","status":"started","role":"assistant"}`,
		`{"type":"transcript","transcriptType":"partial","transcript":"Hel","role":"assistant"}`,
		`{"type":"transcript","transcriptType":"final","transcript":"Hello","role":"assistant"}`,
		`{"type":"speech-update","status":"stopped","role":"assistant"}`,
		`{"type":"speech-update","status":"started","role":"user"}`,
		`not json`,
		`{"type":"status-update","status":"ended"}`,
	)
	s := NewSession(Config{BaseURL: f.srv.URL, APIKey: "pk-test"})
	log, unsubscribe := subscribeAll(s)
	defer unsubscribe()

	err := s.Start(context.Background(), call.StartConfig{"assistantId": "asst-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.wait(t)
	s.Wait()

	log.mu.Lock()
	defer log.mu.Unlock()
	want := []string{
		call.EventCallStart,
		call.EventSpeechStart, call.EventMessage,
		call.EventMessage,
		call.EventMessage,
		call.EventSpeechEnd, call.EventMessage,
		call.EventMessage,
		call.EventMessage,
		call.EventCallEnd,
	}
	if strings.Join(log.names, ",") != strings.Join(want, ",") {
		t.Fatalf("event order mismatch:\nwant=%v\n got=%v", want, log.names)
	}
	if entry, ok := log.msgs[2].Entry(); !ok || entry.Content != "Hello" {
		t.Fatalf("expected final transcript message, got %+v", log.msgs[2])
	}
	if s.CallID() != "call-123" {
		t.Fatalf("unexpected call id %q", s.CallID())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Bearer pk-test" {
		t.Fatalf("expected bearer auth, got %q", f.auth)
	}
	if len(f.created) != 1 || f.created[0]["assistantId"] != "asst-1" {
		t.Fatalf("start config not forwarded: %+v", f.created)
	}
}

func TestSessionStartFailureEmitsNothing(t *testing.T) {
	f := newFakeProvider(t)
	f.status = http.StatusUnauthorized
	s := NewSession(Config{BaseURL: f.srv.URL})
	log, unsubscribe := subscribeAll(s)
	defer unsubscribe()

	err := s.Start(context.Background(), nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.names) != 0 {
		t.Fatalf("expected no events, got %v", log.names)
	}
}

func TestSessionStopSendsEndCallWithoutEvents(t *testing.T) {
	f := newFakeProvider(t)
	s := NewSession(Config{BaseURL: f.srv.URL})
	log, unsubscribe := subscribeAll(s)
	defer unsubscribe()

	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()

	select {
	case got := <-f.received:
		if !strings.Contains(got, `"end-call"`) {
			t.Fatalf("expected end-call control message, got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for end-call")
	}
	s.Wait()

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.names) != 1 || log.names[0] != call.EventCallStart {
		t.Fatalf("expected only call-start after a local stop, got %v", log.names)
	}
}

func TestSessionAbruptCloseEmitsError(t *testing.T) {
	f := newFakeProvider(t)
	f.abrupt = true
	s := NewSession(Config{BaseURL: f.srv.URL})
	log, unsubscribe := subscribeAll(s)
	defer unsubscribe()

	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	log.wait(t)

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.errs) != 1 {
		t.Fatalf("expected one error event, got %v", log.names)
	}
}

func TestSessionRejectsSecondStart(t *testing.T) {
	f := newFakeProvider(t)
	s := NewSession(Config{BaseURL: f.srv.URL})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background(), nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEmitterRemoveIsIdempotent(t *testing.T) {
	e := newEmitter()
	calls := 0
	remove := e.on(call.EventCallStart, func(call.Event) { calls++ })
	e.emit(call.CallStartEvent{})
	remove()
	remove()
	e.emit(call.CallStartEvent{})
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if e.count() != 0 {
		t.Fatalf("expected no handlers left, got %d", e.count())
	}
}
