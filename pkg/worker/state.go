package worker

// State is the lifecycle phase of a worker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDeclaring
	StateSubscribed
	// StateProcessing means at least one delivery is being handled.
	StateProcessing
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaring:
		return "declaring"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
