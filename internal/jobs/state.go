package jobs

type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING_FOR_CHILDREN"
	StatusComplete  Status = "COMPLETE"
	StatusErrored   Status = "ERRORED"
	StatusCancelled Status = "CANCELLED"
	StatusDeleted   Status = "DELETED"
)

var AllStatuses = []Status{
	StatusStarted, StatusRunning, StatusWaiting,
	StatusComplete, StatusErrored, StatusCancelled, StatusDeleted,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Finished reports whether a job in this status counts as done for its
// parent's fan-in. Errored and cancelled children do not block a parent.
func (s Status) Finished() bool {
	switch s {
	case StatusComplete, StatusErrored, StatusCancelled, StatusDeleted:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusStarted:   {StatusRunning, StatusCancelled, StatusDeleted},
	StatusRunning:   {StatusRunning, StatusComplete, StatusWaiting, StatusErrored, StatusCancelled, StatusDeleted},
	StatusWaiting:   {StatusComplete, StatusCancelled, StatusDeleted},
	StatusErrored:   {StatusStarted, StatusDeleted},
	StatusComplete:  {StatusDeleted},
	StatusCancelled: {StatusDeleted},
	StatusDeleted:   nil,
}

// CanTransition reports whether from -> to is an edge of the job state
// machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanRestart reports whether an operator may put a job in this status back
// to STARTED and onto the queue. Jobs mid-flight or deleted cannot be
// restarted.
func CanRestart(from Status) bool {
	switch from {
	case StatusStarted, StatusErrored, StatusCancelled, StatusComplete:
		return true
	default:
		return false
	}
}
