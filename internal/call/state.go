package call

// State is the lifecycle state of one voice call as seen by a page mount.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
)

// Live reports whether a provider session may still be running.
func (s State) Live() bool {
	return s == StateConnecting || s == StateActive
}

func (s State) String() string { return string(s) }

// EndReason records why a call entered StateEnded.
type EndReason string

const (
	EndReasonCallEnd       EndReason = "call-end"
	EndReasonProviderError EndReason = "provider-error"
)
