package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeProvider records Start/Stop calls and lets tests fire events through
// the handlers the controller registered.
type fakeProvider struct {
	mu       sync.Mutex
	handlers map[string]map[int]func(Event)
	nextID   int
	starts   int
	stops    int
	startErr error
	block    chan struct{}
	entered  chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{handlers: make(map[string]map[int]func(Event))}
}

func (f *fakeProvider) Start(ctx context.Context, cfg StartConfig) error {
	f.mu.Lock()
	f.starts++
	block, entered, err := f.block, f.entered, f.startErr
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeProvider) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeProvider) On(name string, h func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[int]func(Event))
	}
	id := f.nextID
	f.nextID++
	f.handlers[name][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[name], id)
	}
}

func (f *fakeProvider) emit(ev Event) {
	f.mu.Lock()
	var hs []func(Event)
	for _, h := range f.handlers[ev.EventName()] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeProvider) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeProvider) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// manualClock collects scheduled funcs so tests decide when they fire.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every timer that has not been stopped.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	ts := append([]*manualTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range ts {
		if t.stopped || t.fired {
			continue
		}
		t.fired = true
		t.f()
	}
}

func (c *manualClock) scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type recordingNavigator struct {
	mu    sync.Mutex
	dests []string
}

func (n *recordingNavigator) Navigate(d string) {
	n.mu.Lock()
	n.dests = append(n.dests, d)
	n.mu.Unlock()
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.dests)
}

type harness struct {
	p     *fakeProvider
	nav   *recordingNavigator
	clock *manualClock
	c     *Controller
	ended []Summary
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{p: newFakeProvider(), nav: &recordingNavigator{}, clock: &manualClock{}}
	h.c = New(h.p, h.nav, Options{
		SessionID: "test-session",
		AfterFunc: h.clock.AfterFunc,
		OnEnded:   func(s Summary) { h.ended = append(h.ended, s) },
	})
	if err := h.c.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return h
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("RequestToggle: %v", err)
	}
	h.p.emit(CallStartEvent{})
	if got := h.c.Snapshot().State; got != StateActive {
		t.Fatalf("expected active, got %s", got)
	}
}

func finalMessage(role Role, text string) MessageEvent {
	return MessageEvent{Type: "transcript", TranscriptType: "final", Transcript: text, Role: role}
}

func TestFullCallScenario(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.p.emit(SpeechStartEvent{})
	if !h.c.Snapshot().Speaking {
		t.Fatalf("expected speaking after speech-start")
	}
	h.p.emit(finalMessage(RoleAssistant, "Hello"))
	h.p.emit(SpeechEndEvent{})
	h.p.emit(CallEndEvent{})

	s := h.c.Snapshot()
	if s.State != StateEnded {
		t.Fatalf("expected ended, got %s", s.State)
	}
	if s.Speaking {
		t.Fatalf("expected speaking=false after call-end")
	}
	if len(s.Transcript) != 1 || s.Transcript[0] != (TranscriptEntry{Role: RoleAssistant, Content: "Hello"}) {
		t.Fatalf("unexpected transcript: %+v", s.Transcript)
	}
	if !s.RedirectPending {
		t.Fatalf("expected redirect to be scheduled")
	}
	if h.clock.scheduled() != 1 || h.clock.timers[0].d != DefaultRedirectDelay {
		t.Fatalf("expected one timer of %v, got %+v", DefaultRedirectDelay, h.clock.timers)
	}
	if len(h.ended) != 1 || h.ended[0].Reason != EndReasonCallEnd || len(h.ended[0].Transcript) != 1 {
		t.Fatalf("unexpected end summaries: %+v", h.ended)
	}
}

func TestErrorWhileConnectingRevertsToIdle(t *testing.T) {
	h := newHarness(t)
	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("RequestToggle: %v", err)
	}
	h.p.emit(ErrorEvent{Err: errors.New("mic denied")})

	s := h.c.Snapshot()
	if s.State != StateIdle {
		t.Fatalf("expected idle, got %s", s.State)
	}
	if len(s.Transcript) != 0 {
		t.Fatalf("expected empty transcript, got %+v", s.Transcript)
	}
	if s.RedirectPending || h.clock.scheduled() != 0 {
		t.Fatalf("expected no redirect scheduled")
	}
	if s.LastError != "mic denied" {
		t.Fatalf("expected surfaced error, got %q", s.LastError)
	}
}

func TestErrorWhileActiveEndsCall(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.emit(finalMessage(RoleUser, "I want to get stronger"))
	h.p.emit(ErrorEvent{Err: errors.New("socket closed")})

	s := h.c.Snapshot()
	if s.State != StateEnded {
		t.Fatalf("expected ended, got %s", s.State)
	}
	if len(s.Transcript) != 1 {
		t.Fatalf("expected partial transcript preserved, got %+v", s.Transcript)
	}
	if !s.RedirectPending {
		t.Fatalf("expected redirect armed")
	}
	if _, stops := h.p.counts(); stops != 1 {
		t.Fatalf("expected provider stop on fatal error, got %d", stops)
	}
	if len(h.ended) != 1 || h.ended[0].Reason != EndReasonProviderError {
		t.Fatalf("unexpected end summaries: %+v", h.ended)
	}
}

func TestStartFailureRevertsToIdle(t *testing.T) {
	h := newHarness(t)
	h.p.startErr = errors.New("401 unauthorized")

	err := h.c.RequestToggle(context.Background())
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	s := h.c.Snapshot()
	if s.State != StateIdle || s.LastError == "" {
		t.Fatalf("expected idle with surfaced error, got %+v", s)
	}

	// a later manual retry is allowed
	h.p.startErr = nil
	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if starts, _ := h.p.counts(); starts != 2 {
		t.Fatalf("expected 2 starts, got %d", starts)
	}
}

func TestRapidToggleWhileConnectingStartsOnce(t *testing.T) {
	h := newHarness(t)
	h.p.block = make(chan struct{})
	h.p.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.c.RequestToggle(context.Background()) }()
	<-h.p.entered

	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	close(h.p.block)
	if err := <-done; err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if starts, _ := h.p.counts(); starts != 1 {
		t.Fatalf("expected exactly one start, got %d", starts)
	}
	if got := h.c.Snapshot().State; got != StateConnecting {
		t.Fatalf("expected connecting until call-start, got %s", got)
	}
}

func TestUserStopIsOptimistic(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.emit(SpeechStartEvent{})

	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("stop toggle: %v", err)
	}
	s := h.c.Snapshot()
	if s.State != StateIdle || s.Speaking {
		t.Fatalf("expected idle and not speaking, got %+v", s)
	}
	if _, stops := h.p.counts(); stops != 1 {
		t.Fatalf("expected one stop, got %d", stops)
	}
	// the provider's own call-end arriving late does not end the call
	h.p.emit(CallEndEvent{})
	if got := h.c.Snapshot().State; got != StateIdle {
		t.Fatalf("expected idle after late call-end, got %s", got)
	}
}

func TestSpeakingOnlyWhileActive(t *testing.T) {
	h := newHarness(t)
	h.p.emit(SpeechStartEvent{})
	if h.c.Snapshot().Speaking {
		t.Fatalf("speaking must be false while idle")
	}
	_ = h.c.RequestToggle(context.Background())
	h.p.emit(SpeechStartEvent{})
	if h.c.Snapshot().Speaking {
		t.Fatalf("speaking must be false while connecting")
	}
	h.p.emit(CallStartEvent{})
	h.p.emit(SpeechStartEvent{})
	h.p.emit(CallEndEvent{})
	h.p.emit(SpeechStartEvent{})
	if s := h.c.Snapshot(); s.Speaking {
		t.Fatalf("speaking must be false while ended")
	}
}

func TestTranscriptOnlyWhileActiveAndFinal(t *testing.T) {
	h := newHarness(t)
	if h.c.AppendTranscript(TranscriptEntry{Role: RoleUser, Content: "early"}, true) {
		t.Fatalf("append accepted while idle")
	}
	h.activate(t)
	h.p.emit(MessageEvent{Type: "transcript", TranscriptType: "partial", Transcript: "Hel", Role: RoleAssistant})
	h.p.emit(MessageEvent{Type: "status-update"})
	if h.c.AppendTranscript(TranscriptEntry{Role: RoleUser, Content: "interim"}, false) {
		t.Fatalf("interim entry accepted")
	}
	if !h.c.AppendTranscript(TranscriptEntry{Role: RoleUser, Content: "final"}, true) {
		t.Fatalf("final entry rejected while active")
	}
	h.p.emit(finalMessage(RoleAssistant, "second"))

	got := h.c.Snapshot().Transcript
	if len(got) != 2 || got[0].Content != "final" || got[1].Content != "second" {
		t.Fatalf("unexpected transcript order: %+v", got)
	}

	h.p.emit(CallEndEvent{})
	h.p.emit(finalMessage(RoleAssistant, "after end"))
	if n := len(h.c.Snapshot().Transcript); n != 2 {
		t.Fatalf("transcript grew after end: %d", n)
	}
}

func TestRedirectFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.emit(CallEndEvent{})
	h.p.emit(CallEndEvent{})

	if h.clock.scheduled() != 1 {
		t.Fatalf("expected one scheduled redirect, got %d", h.clock.scheduled())
	}
	h.clock.fireAll()
	h.clock.fireAll()
	if h.nav.count() != 1 || h.nav.dests[0] != DefaultRedirectDestination {
		t.Fatalf("expected one navigation to %s, got %v", DefaultRedirectDestination, h.nav.dests)
	}
	// toggling after the redirect fired does not navigate again
	_ = h.c.RequestToggle(context.Background())
	if h.nav.count() != 1 {
		t.Fatalf("expected navigation at most once, got %d", h.nav.count())
	}
}

func TestToggleWhileEndedNavigatesImmediately(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.emit(CallEndEvent{})

	if err := h.c.RequestToggle(context.Background()); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if h.nav.count() != 1 {
		t.Fatalf("expected immediate navigation, got %d", h.nav.count())
	}
	if !h.clock.timers[0].stopped {
		t.Fatalf("expected pending redirect to be cancelled")
	}
	h.clock.fireAll()
	if h.nav.count() != 1 {
		t.Fatalf("expected no second navigation, got %d", h.nav.count())
	}
	if starts, _ := h.p.counts(); starts != 1 {
		t.Fatalf("toggle while ended must not start a call, got %d starts", starts)
	}
}

func TestCloseBeforeRedirectCancelsNavigation(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.p.emit(CallEndEvent{})

	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.clock.fireAll()
	if h.nav.count() != 0 {
		t.Fatalf("expected zero navigations after teardown, got %d", h.nav.count())
	}
	if n := h.p.handlerCount(); n != 0 {
		t.Fatalf("expected all subscriptions released, got %d", n)
	}
	if err := h.c.RequestToggle(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseStopsLiveSessionAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	if n := h.p.handlerCount(); n != len(EventNames) {
		t.Fatalf("expected %d subscriptions, got %d", len(EventNames), n)
	}
	_ = h.c.Close()
	_ = h.c.Close()
	if _, stops := h.p.counts(); stops != 1 {
		t.Fatalf("expected one stop on close, got %d", stops)
	}
	h.c.HandleEvent(CallEndEvent{})
	if h.clock.scheduled() != 0 {
		t.Fatalf("closed controller armed a redirect")
	}
	if s := h.c.Snapshot(); s.State != StateIdle || s.Transcript != nil {
		t.Fatalf("expected reset state after close, got %+v", s)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	h.c.HandleEvent(UnknownEvent{Name: "volume-level"})
	h.c.HandleEvent(nil)
	if got := h.c.Snapshot().State; got != StateActive {
		t.Fatalf("unknown event changed state to %s", got)
	}
}

func TestOnChangeSignalled(t *testing.T) {
	p := newFakeProvider()
	clock := &manualClock{}
	var mu sync.Mutex
	changes := 0
	c := New(p, &recordingNavigator{}, Options{
		AfterFunc: clock.AfterFunc,
		OnChange: func() {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	})
	_ = c.Mount()
	_ = c.RequestToggle(context.Background())
	p.emit(CallStartEvent{})
	p.emit(SpeechStartEvent{})
	p.emit(SpeechStartEvent{}) // no-op, already speaking

	mu.Lock()
	defer mu.Unlock()
	if changes != 3 {
		t.Fatalf("expected 3 change signals, got %d", changes)
	}
	if c.SessionID() == "" {
		t.Fatalf("expected generated session id")
	}
}
