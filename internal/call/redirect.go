package call

import "time"

const (
	DefaultRedirectDelay       = 1500 * time.Millisecond
	DefaultRedirectDestination = "/profile"
)

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc so tests can
// substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// redirectTask is the one-shot navigation owned by a controller. It is
// acquired on entering StateEnded and released by firing, by an immediate
// navigation, or by Close.
type redirectTask struct {
	timer   Timer
	armedAt time.Time
}

func (r *redirectTask) cancel() {
	if r != nil && r.timer != nil {
		r.timer.Stop()
	}
}
