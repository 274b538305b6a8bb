package training

import "fmt"

// Phase is the orchestrator's state machine position. A run moves
// Initializing → Running, cycles through Checkpointing at epoch
// boundaries, and terminates in Completed, EarlyStopped or Failed.
type Phase int

const (
	Initializing Phase = iota
	Running
	Checkpointing
	EarlyStopped
	Completed
	Failed
)

// String returns the phase name for logs and tests.
func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Checkpointing:
		return "Checkpointing"
	case EarlyStopped:
		return "EarlyStopped"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == EarlyStopped || p == Completed || p == Failed
}
