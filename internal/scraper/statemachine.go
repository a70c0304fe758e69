package scraper

// transitions enumerates the legal status changes. RUNNING -> RUNNING carries
// progress updates only and is not a state change.
var transitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an InvalidTransitionError if the change is illegal.
func CheckTransition(jobID string, from, to JobStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{JobID: jobID, From: from, To: to}
	}
	return nil
}
