package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeflex/program-call/internal/logging"
	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("call controller closed")
	ErrStartFailed = errors.New("voice session start failed")
)

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	SessionID     string
	StartConfig   StartConfig
	Destination   string
	RedirectDelay time.Duration
	AfterFunc     AfterFunc
	Now           func() time.Time
	Recorder      Recorder
	// OnChange is called after every change visible through Snapshot.
	OnChange func()
	// OnEnded is called once, when the call enters StateEnded.
	OnEnded func(Summary)
}

// Summary describes a call that reached StateEnded.
type Summary struct {
	SessionID  string            `json:"session_id"`
	Reason     EndReason         `json:"reason"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Transcript []TranscriptEntry `json:"transcript"`
	Error      string            `json:"error,omitempty"`
}

// Snapshot is an immutable copy of the controller's visible state.
type Snapshot struct {
	SessionID       string
	State           State
	Speaking        bool
	Transcript      []TranscriptEntry
	LastError       string
	RedirectPending bool
	Navigated       bool
}

// Controller mirrors a voice session's events into page state and
// redirects once the call has ended. One Controller serves one page mount.
type Controller struct {
	provider Provider
	nav      Navigator
	opts     Options

	mu         sync.Mutex
	state      State
	speaking   bool
	transcript transcript
	lastErr    error
	startedAt  time.Time
	subs       []func()
	mounted    bool
	closed     bool
	redirect   *redirectTask
	navigated  bool
}

// New creates a controller in StateIdle. Call Mount to subscribe to the
// provider and Close to release everything the controller holds.
func New(provider Provider, nav Navigator, opts Options) *Controller {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Destination == "" {
		opts.Destination = DefaultRedirectDestination
	}
	if opts.RedirectDelay <= 0 {
		opts.RedirectDelay = DefaultRedirectDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	return &Controller{
		provider: provider,
		nav:      nav,
		opts:     opts,
		state:    StateIdle,
	}
}

func (c *Controller) SessionID() string { return c.opts.SessionID }

// Mount subscribes to every provider event. Subscriptions are held as a set
// and released together by Close.
func (c *Controller) Mount() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.mounted {
		return nil
	}
	for _, name := range EventNames {
		c.subs = append(c.subs, c.provider.On(name, c.HandleEvent))
	}
	c.mounted = true
	logging.Debugw("call: mounted", "session.id", c.opts.SessionID, "subscriptions", len(c.subs))
	return nil
}

// Close unsubscribes from the provider, cancels a pending redirect, stops a
// session that is still live and clears the transcript. It is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.redirect.cancel()
	c.redirect = nil
	live := c.state.Live()
	c.state = StateIdle
	c.speaking = false
	c.transcript.reset()
	c.mu.Unlock()

	for _, remove := range subs {
		remove()
	}
	if live {
		c.provider.Stop()
	}
	logging.Debugw("call: closed", "session.id", c.opts.SessionID, "stopped_live_session", live)
	return nil
}

// RequestToggle is the single user action of the page. In StateEnded it
// navigates immediately; in StateActive it stops the session; in StateIdle
// it starts one and blocks until the provider's Start returns. A toggle
// while a start is in flight does nothing.
func (c *Controller) RequestToggle(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateEnded:
		c.navigateLocked(true)
		c.mu.Unlock()
		c.changed()
		return nil
	case StateActive:
		c.transitionLocked(StateIdle, "user-stop")
		c.mu.Unlock()
		c.provider.Stop()
		c.changed()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		logging.Debugw("call: start already in flight", "session.id", c.opts.SessionID)
		return nil
	}

	c.transitionLocked(StateConnecting, "user-start")
	c.lastErr = nil
	cfg := c.opts.StartConfig
	c.mu.Unlock()
	c.opts.Recorder.CallRequested()
	c.changed()

	err := c.provider.Start(ctx, cfg)
	if err == nil {
		return nil
	}

	c.opts.Recorder.StartFailed()
	logging.Warnw("call: voice session start failed", "session.id", c.opts.SessionID, "err", err)
	c.mu.Lock()
	reverted := !c.closed && c.state == StateConnecting
	if reverted {
		c.transitionLocked(StateIdle, "start-failed")
		c.lastErr = err
	}
	c.mu.Unlock()
	if reverted {
		c.changed()
	}
	return fmt.Errorf("%w: %w", ErrStartFailed, err)
}

// HandleEvent applies one provider event. Events that do not apply to the
// current state are ignored, as are unknown events.
func (c *Controller) HandleEvent(ev Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var (
		changed      bool
		stopProvider bool
		ended        *Summary
	)
	switch e := ev.(type) {
	case CallStartEvent:
		if c.state == StateConnecting {
			c.transitionLocked(StateActive, EventCallStart)
			c.lastErr = nil
			c.startedAt = c.opts.Now()
			c.opts.Recorder.CallStarted()
			changed = true
		}
	case CallEndEvent:
		if c.state == StateActive {
			ended = c.endLocked(EndReasonCallEnd)
			changed = true
		}
	case SpeechStartEvent:
		if c.state == StateActive && !c.speaking {
			c.speaking = true
			changed = true
		}
	case SpeechEndEvent:
		if c.state == StateActive && c.speaking {
			c.speaking = false
			changed = true
		}
	case MessageEvent:
		if entry, ok := e.Entry(); ok {
			changed = c.appendLocked(entry)
		}
	case ErrorEvent:
		c.opts.Recorder.ProviderError(c.state)
		logging.Warnw("call: provider error", "session.id", c.opts.SessionID, "state", c.state.String(), "err", e.Error())
		switch c.state {
		case StateConnecting:
			c.transitionLocked(StateIdle, EventError)
			c.lastErr = e
			stopProvider = true
			changed = true
		case StateActive:
			c.lastErr = e
			ended = c.endLocked(EndReasonProviderError)
			stopProvider = true
			changed = true
		}
	default:
		if ev != nil {
			logging.Debugw("call: ignoring unknown provider event", "session.id", c.opts.SessionID, "event", ev.EventName())
		}
	}
	c.mu.Unlock()

	if stopProvider {
		c.provider.Stop()
	}
	if ended != nil && c.opts.OnEnded != nil {
		c.opts.OnEnded(*ended)
	}
	if changed {
		c.changed()
	}
}

// AppendTranscript adds a finalized entry while the call is active. It
// reports whether the entry was appended.
func (c *Controller) AppendTranscript(entry TranscriptEntry, final bool) bool {
	if !final || !entry.Role.Valid() {
		return false
	}
	c.mu.Lock()
	ok := !c.closed && c.appendLocked(entry)
	c.mu.Unlock()
	if ok {
		c.changed()
	}
	return ok
}

// Snapshot returns a copy of the visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		SessionID:       c.opts.SessionID,
		State:           c.state,
		Speaking:        c.speaking,
		Transcript:      c.transcript.snapshot(),
		RedirectPending: c.redirect != nil,
		Navigated:       c.navigated,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Controller) appendLocked(entry TranscriptEntry) bool {
	if c.state != StateActive {
		return false
	}
	n := c.transcript.append(entry)
	c.opts.Recorder.TranscriptAppended(entry.Role)
	logging.Debugw("call: transcript entry appended", "session.id", c.opts.SessionID, "role", string(entry.Role), "entries", n)
	return true
}

func (c *Controller) transitionLocked(to State, cause string) {
	from := c.state
	c.state = to
	if to != StateActive {
		c.speaking = false
	}
	logging.Infow("call: state transition", append(logging.TransitionFields(from.String(), to.String(), cause), "session.id", c.opts.SessionID)...)
}

// endLocked enters StateEnded and arms the redirect. StateEnded is terminal
// so this runs at most once per controller.
func (c *Controller) endLocked(reason EndReason) *Summary {
	c.transitionLocked(StateEnded, string(reason))
	now := c.opts.Now()
	var d time.Duration
	if !c.startedAt.IsZero() {
		d = now.Sub(c.startedAt)
	}
	c.opts.Recorder.CallEnded(reason, d)
	if c.redirect == nil && !c.navigated {
		c.redirect = &redirectTask{
			timer:   c.opts.AfterFunc(c.opts.RedirectDelay, c.fireRedirect),
			armedAt: now,
		}
		logging.Debugw("call: redirect armed", "session.id", c.opts.SessionID, "destination", c.opts.Destination, "delay_ms", c.opts.RedirectDelay.Milliseconds())
	}
	sum := &Summary{
		SessionID:  c.opts.SessionID,
		Reason:     reason,
		StartedAt:  c.startedAt,
		EndedAt:    now,
		Transcript: c.transcript.snapshot(),
	}
	if c.lastErr != nil {
		sum.Error = c.lastErr.Error()
	}
	return sum
}

func (c *Controller) fireRedirect() {
	c.mu.Lock()
	if c.closed || c.navigated {
		c.mu.Unlock()
		return
	}
	c.navigateLocked(false)
	c.mu.Unlock()
	c.changed()
}

// navigateLocked performs the one navigation this controller may do.
func (c *Controller) navigateLocked(immediate bool) {
	if c.navigated {
		return
	}
	c.redirect.cancel()
	c.redirect = nil
	c.navigated = true
	if c.nav != nil {
		c.nav.Navigate(c.opts.Destination)
	}
	c.opts.Recorder.Redirected(immediate)
	logging.Infow("call: navigated", "session.id", c.opts.SessionID, "destination", c.opts.Destination, "immediate", immediate)
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
