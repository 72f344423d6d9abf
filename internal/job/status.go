package job

import "fmt"

// Status is the lifecycle state of a download job.
//
// Queued -> Probing -> Planning -> Active -> {Paused, Completed, Failed,
// Cancelled}; Paused and Failed can re-enter the queue via resume.
// Completed, Failed and Cancelled are terminal.
type Status int32

const (
	Queued Status = iota
	Probing
	Planning
	Active
	Paused
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "Queued"
	case Probing:
		return "Probing"
	case Planning:
		return "Planning"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}
