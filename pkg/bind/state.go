package bind

// State is the resolution state of a bind attempt towards one identity
type State int

const (
	StateIdle State = iota
	StateResolving
	StateRelaying
	StateRequesting
	StateAccepted
	StateRejected
	StateTimedOut
	// StateFailed covers attempts that ended without a route or with a provisioning failure
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolving:
		return "RESOLVING"
	case StateRelaying:
		return "RELAYING"
	case StateRequesting:
		return "REQUESTING"
	case StateAccepted:
		return "ACCEPTED"
	case StateRejected:
		return "REJECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition follows s within an attempt
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateTimedOut, StateFailed:
		return true
	default:
		return false
	}
}
