package core

import "fmt"

// JobStatus represents the current state of a prepare-content job.
type JobStatus string

const (
	StatusWaitingForPrepare          JobStatus = "WAITING_FOR_PREPARE"
	StatusWaitingForExamCompletion   JobStatus = "WAITING_FOR_EXAM_COMPLETION"
	StatusWaitingForExamFinalization JobStatus = "WAITING_FOR_EXAM_FINALIZATION"
	StatusWaitingForDelayExpiration  JobStatus = "WAITING_FOR_DELAY_EXPIRATION"
	StatusRetrievalStarted           JobStatus = "RETRIEVAL_STARTED"
	StatusWaitingForTransfer         JobStatus = "WAITING_FOR_TRANSFER" // Images staged, ready for transfer

	StatusFailedToPrepare    JobStatus = "FAILED_TO_PREPARE"
	StatusUnableToFindImages JobStatus = "UNABLE_TO_FIND_IMAGES"
	StatusRetrievalFailed    JobStatus = "RETRIEVAL_FAILED"
)

// WaitingStatuses lists the non-terminal states the monitor evaluates on every
// poll, in evaluation order.
var WaitingStatuses = []JobStatus{
	StatusWaitingForPrepare,
	StatusWaitingForExamCompletion,
	StatusWaitingForExamFinalization,
	StatusWaitingForDelayExpiration,
}

// ReceivableStatuses lists the states in which an inbound object may still be
// filed under a job: an active retrieval or a retrieval that may have failed
// spuriously.
var ReceivableStatuses = []JobStatus{
	StatusRetrievalStarted,
	StatusFailedToPrepare,
	StatusUnableToFindImages,
	StatusRetrievalFailed,
}

var allStatuses = []JobStatus{
	StatusWaitingForPrepare,
	StatusWaitingForExamCompletion,
	StatusWaitingForExamFinalization,
	StatusWaitingForDelayExpiration,
	StatusRetrievalStarted,
	StatusWaitingForTransfer,
	StatusFailedToPrepare,
	StatusUnableToFindImages,
	StatusRetrievalFailed,
}

// transitions is the explicit transition table. A status missing from the
// table has no outgoing transitions.
var transitions = map[JobStatus][]JobStatus{
	StatusWaitingForPrepare: {
		StatusWaitingForExamCompletion, StatusWaitingForExamFinalization,
		StatusWaitingForDelayExpiration, StatusRetrievalStarted, StatusFailedToPrepare,
	},
	StatusWaitingForExamCompletion: {
		StatusWaitingForPrepare, StatusWaitingForExamFinalization,
		StatusWaitingForDelayExpiration, StatusRetrievalStarted, StatusFailedToPrepare,
	},
	StatusWaitingForExamFinalization: {
		StatusWaitingForPrepare, StatusWaitingForExamCompletion,
		StatusWaitingForDelayExpiration, StatusRetrievalStarted, StatusFailedToPrepare,
	},
	StatusWaitingForDelayExpiration: {
		StatusWaitingForPrepare, StatusWaitingForExamCompletion,
		StatusWaitingForExamFinalization, StatusRetrievalStarted, StatusFailedToPrepare,
	},
	StatusRetrievalStarted: {
		StatusWaitingForTransfer, StatusUnableToFindImages, StatusRetrievalFailed,
		StatusFailedToPrepare, StatusWaitingForPrepare,
	},
	StatusFailedToPrepare:    {StatusRetrievalStarted, StatusWaitingForPrepare},
	StatusUnableToFindImages: {StatusRetrievalStarted, StatusWaitingForPrepare},
	StatusRetrievalFailed:    {StatusRetrievalStarted, StatusWaitingForPrepare},
}

func (s JobStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsWaiting reports whether the monitor still has to evaluate the job.
func (s JobStatus) IsWaiting() bool {
	for _, w := range WaitingStatuses {
		if s == w {
			return true
		}
	}
	return false
}

// IsFailure reports whether s is one of the terminal failure states.
func (s JobStatus) IsFailure() bool {
	switch s {
	case StatusFailedToPrepare, StatusUnableToFindImages, StatusRetrievalFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends the job's lifecycle in this service.
func (s JobStatus) IsTerminal() bool {
	return s == StatusWaitingForTransfer || s.IsFailure()
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	for _, allowed := range transitions[s] {
		if allowed == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
}

// ParseJobStatus converts a string to a JobStatus. Unknown values yield "".
func ParseJobStatus(v string) JobStatus {
	s := JobStatus(v)
	if s.Valid() {
		return s
	}
	return ""
}

// AllStatuses returns every known status.
func AllStatuses() []JobStatus {
	out := make([]JobStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}
