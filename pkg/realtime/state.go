package realtime

// StateKind enumerates the phases of a session connection attempt.
type StateKind int

const (
	StateIdle StateKind = iota
	StateConnecting
	// StateConnected means the transport is negotiated but the control
	// channel has not been confirmed open yet.
	StateConnected
	// StateReady means the control channel is open and the initial session
	// configuration was sent successfully. Outbound protocol events are only
	// valid in this state.
	StateReady
	StateFailed
	StateDisconnected
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// State is the externally observable connection state. Reason is only set
// when Kind is StateFailed.
type State struct {
	Kind   StateKind
	Reason error
}

func (s State) String() string {
	if s.Kind == StateFailed && s.Reason != nil {
		return s.Kind.String() + ": " + s.Reason.Error()
	}
	return s.Kind.String()
}

// Mode selects which input modality the session is configured for.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)
