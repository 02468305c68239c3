package pipeline

import "fmt"

// State is the orchestrator lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Running
	Draining
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initialized:
		return "Initialized"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateError reports an operation invoked in the wrong lifecycle state.
// It is a programming error and is never retried.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.State)
}
