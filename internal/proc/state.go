package proc

// State is a stage's position in its lifecycle. Created through Stopped form
// the normal progression; Cancelled is terminal and reachable from any
// non-terminal state.
type State int

const (
	StateCreated State = iota
	StateLinked
	StateStarted
	StateProcessing
	StateInterrupting
	StateStopped
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLinked:
		return "linked"
	case StateStarted:
		return "started"
	case StateProcessing:
		return "processing"
	case StateInterrupting:
		return "interrupting"
	case StateStopped:
		return "stopped"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateStopped || s == StateCancelled
}
