// Package lifecycle decides how a waiting job advances. It is pure: given a
// job, its exam snapshot and the current time it returns the next status or
// reports the job ready for retrieval.
package lifecycle

import (
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// Status messages recorded with the decisions below.
const (
	MsgExamUnavailable  = "unable to load exam data"
	MsgExamCanceled     = "exam has been canceled"
	MsgAwaitCompletion  = "waiting for exam completion"
	MsgAwaitFinalReport = "waiting for exam finalization"
	MsgAwaitDelay       = "waiting for delay expiration"
)

// Decision is the outcome of Evaluate. When Ready is true the job may be
// dispatched and Next is empty.
type Decision struct {
	Ready   bool
	Next    core.JobStatus
	Message string
}

// Changes reports whether applying d to a job currently in status requires a
// store write.
func (d Decision) Changes(status core.JobStatus) bool {
	return !d.Ready && d.Next != status
}

// completeStatuses may be sent before a final report when the job allows it.
var completeStatuses = map[core.ExamStatus]bool{
	core.ExamCompleted:     true,
	core.ExamDictated:      true,
	core.ExamPreliminary:   true,
	core.ExamFinalized:     true,
	core.ExamRevised:       true,
	core.ExamAddended:      true,
	core.ExamNonReportable: true,
}

// Evaluate applies the waiting-state rules to job. exam is the snapshot loaded
// for this poll; nil means the lookup failed.
func Evaluate(job *core.Job, exam *core.Exam, now time.Time) Decision {
	if exam == nil {
		return Decision{Next: core.StatusFailedToPrepare, Message: MsgExamUnavailable}
	}

	status := exam.Status.Normalize()
	if status == core.ExamCanceled {
		return Decision{Next: core.StatusFailedToPrepare, Message: MsgExamCanceled}
	}

	if !ReadyForSend(job, status) {
		if job.SendOnComplete {
			return Decision{Next: core.StatusWaitingForExamCompletion, Message: MsgAwaitCompletion}
		}
		return Decision{Next: core.StatusWaitingForExamFinalization, Message: MsgAwaitFinalReport}
	}

	if DelayNeeded(job, exam, now) {
		return Decision{Next: core.StatusWaitingForDelayExpiration, Message: MsgAwaitDelay}
	}

	return Decision{Ready: true}
}

// ReadyForSend reports whether images for an exam in status may be sent.
func ReadyForSend(job *core.Job, status core.ExamStatus) bool {
	status = status.Normalize()
	if status == core.ExamFinalized || status == core.ExamNonReportable {
		return true
	}
	return job.SendOnComplete && completeStatuses[status]
}

// DelayNeeded reports whether the job's hold period after the exam's last
// status change has not yet elapsed. Negative ages and delays clamp to zero.
func DelayNeeded(job *core.Job, exam *core.Exam, now time.Time) bool {
	if job.SendOnComplete {
		return false
	}

	age := now.Sub(exam.StatusTimestamp)
	if age < 0 {
		age = 0
	}

	delay := time.Duration(job.DelayInHours) * time.Hour
	if delay < 0 {
		delay = 0
	}

	return age < delay
}
