package batch

// AllowedTransitions defines valid lifecycle moves. Failed and partially
// failed batches re-enter processing only through RetryFailed.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusProcessing:     {StatusCompleted, StatusPartialFailure, StatusFailed},
		StatusPartialFailure: {StatusProcessing},
		StatusFailed:         {StatusProcessing},
		StatusCompleted:      {},
	}
}

// CanTransition checks if a lifecycle move is allowed
func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic progress remains for s.
func IsTerminal(s Status) bool {
	return s != StatusProcessing
}

func transition(h *Header, to Status) error {
	if !CanTransition(h.Status, to) {
		return &TransitionError{BatchID: h.BatchID, From: h.Status, To: to}
	}
	h.Status = to
	return nil
}

// aggregateStatus derives the terminal status from item outcomes.
func aggregateStatus(success, failure int) Status {
	switch {
	case failure == 0:
		return StatusCompleted
	case success == 0:
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}
