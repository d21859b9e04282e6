package streams

// State is a stream's position in its lifecycle. The string forms double as
// the status values published to the control plane.
type State int

const (
	StateDownloading State = iota
	StateStarting
	StateStreaming
	StateRestarting
	StateUpdating
	StateStopping
	StateError
)

// StatusStopped is published after a record is removed; it is not a state a
// live record can hold.
const StatusStopped = "STOPPED"

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "DOWNLOADING"
	case StateStarting:
		return "STARTING"
	case StateStreaming:
		return "STREAMING"
	case StateRestarting:
		return "RESTARTING"
	case StateUpdating:
		return "UPDATING"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the stream counts toward the host's active set.
func (s State) Active() bool {
	switch s {
	case StateDownloading, StateStarting, StateStreaming, StateRestarting, StateUpdating:
		return true
	default:
		return false
	}
}

// validTransitions is the allowed edge set of the lifecycle. STOPPING and
// ERROR end with record removal rather than another transition.
var validTransitions = map[State][]State{
	StateDownloading: {StateStarting, StateStopping, StateError},
	StateStarting:    {StateStreaming, StateStopping, StateError},
	StateStreaming:   {StateRestarting, StateUpdating, StateStopping, StateError},
	StateRestarting:  {StateStreaming, StateStopping, StateError},
	StateUpdating:    {StateStreaming, StateStopping, StateError},
	StateStopping:    {StateError},
	StateError:       {},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
