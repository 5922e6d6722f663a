package models

// JobStatus is the lifecycle state of a split job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusSuccess   JobStatus = "success"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSuccess, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool { return s.rank() == 2 }

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
// Re-asserting the current status is allowed; leaving a terminal status is not.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Predecessors lists the statuses from which next may be reached.
func Predecessors(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range []JobStatus{StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}
