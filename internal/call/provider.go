package call

import (
	"context"
	"time"
)

// StartConfig is handed to the provider untouched. Recognized keys are
// defined by the provider, not by this package.
type StartConfig map[string]any

// Provider is the voice session the controller drives. Handlers registered
// with On may be invoked from any goroutine; the returned func removes the
// handler and is safe to call more than once.
type Provider interface {
	Start(ctx context.Context, cfg StartConfig) error
	Stop()
	On(name string, handler func(Event)) (remove func())
}

// Navigator sends the user to another view. Navigate is called with the
// controller lock held and must not call back into the controller.
type Navigator interface {
	Navigate(destination string)
}

// NavigatorFunc adapts a plain function to Navigator.
type NavigatorFunc func(destination string)

func (f NavigatorFunc) Navigate(destination string) { f(destination) }

// Recorder receives lifecycle counts. internal/metrics implements it.
type Recorder interface {
	CallRequested()
	CallStarted()
	CallEnded(reason EndReason, duration time.Duration)
	StartFailed()
	ProviderError(state State)
	TranscriptAppended(role Role)
	Redirected(immediate bool)
}

type noopRecorder struct{}

func (noopRecorder) CallRequested()                     {}
func (noopRecorder) CallStarted()                       {}
func (noopRecorder) CallEnded(EndReason, time.Duration) {}
func (noopRecorder) StartFailed()                       {}
func (noopRecorder) ProviderError(State)                {}
func (noopRecorder) TranscriptAppended(Role)            {}
func (noopRecorder) Redirected(bool)                    {}
