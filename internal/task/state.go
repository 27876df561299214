package task

import "fmt"

// State is the lifecycle state of a task.
//
//	QUEUED ──► EXECUTING ──► SUCCEEDED | FAILED | TIMED_OUT | SOFTLY_CANCELLED | INTERRUPTED
//	   │
//	   └─────► CANCELLED (removed before it ever executed)
type State int

const (
	Queued State = iota
	Executing
	Succeeded
	Failed
	TimedOut
	SoftlyCancelled
	Interrupted
	Cancelled
)

var stateNames = [...]string{
	Queued:          "QUEUED",
	Executing:       "EXECUTING",
	Succeeded:       "SUCCEEDED",
	Failed:          "FAILED",
	TimedOut:        "TIMED_OUT",
	SoftlyCancelled: "SOFTLY_CANCELLED",
	Interrupted:     "INTERRUPTED",
	Cancelled:       "CANCELLED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s >= Succeeded
}

// IsError reports whether the state counts as an error for retry accounting.
// Supersession, cancellation and interruption are not errors.
func (s State) IsError() bool {
	return s == Failed || s == TimedOut
}

// ValidTransition reports whether from → to is a legal lifecycle change.
func ValidTransition(from, to State) bool {
	switch from {
	case Queued:
		return to == Executing || to == Cancelled
	case Executing:
		return to.IsTerminal() && to != Cancelled
	default:
		return false
	}
}
