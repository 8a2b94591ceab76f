// Package prepcontent stages the images of radiology exams for transfer.
//
// A Service ties together the job monitor, the retrieval workers, the
// inbound STOW-RS receiver and device verification on top of a GORM job
// store. This is the main package users should import; it re-exports the
// public types of the pkg/ packages.
//
// Basic usage:
//
//	cfg, _ := prepcontent.LoadConfig("prepcontent.yaml")
//	store, _ := prepcontent.OpenStore(ctx, cfg)
//	store.Migrate(ctx)
//
//	svc, _ := prepcontent.New(cfg, store)
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package prepcontent

import (
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/config"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/storage"
)

// Type aliases for the public data model.
type (
	// Job is a request to stage the images of one exam.
	Job = core.Job

	// Exam is the exam a job prepares content for.
	Exam = core.Exam

	// Device is a remote archive queried for studies.
	Device = core.Device

	// Transaction is one entry of a job's status history.
	Transaction = core.Transaction

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// ExamStatus is the report status of an exam.
	ExamStatus = core.ExamStatus

	// Event is emitted on the service's event bus.
	Event = core.Event

	JobDispatched       = core.JobDispatched
	StatusChanged       = core.StatusChanged
	RetrievalFinished   = core.RetrievalFinished
	ObjectStored        = core.ObjectStored
	AssociationReleased = core.AssociationReleased
	DeviceVerified      = core.DeviceVerified

	// Config is the service configuration.
	Config = config.Config

	// Store is the GORM job store.
	Store = storage.GormStorage
)

// Job status constants
const (
	StatusWaitingForPrepare          = core.StatusWaitingForPrepare
	StatusWaitingForExamCompletion   = core.StatusWaitingForExamCompletion
	StatusWaitingForExamFinalization = core.StatusWaitingForExamFinalization
	StatusWaitingForDelayExpiration  = core.StatusWaitingForDelayExpiration
	StatusRetrievalStarted           = core.StatusRetrievalStarted
	StatusWaitingForTransfer         = core.StatusWaitingForTransfer
	StatusFailedToPrepare            = core.StatusFailedToPrepare
	StatusUnableToFindImages         = core.StatusUnableToFindImages
	StatusRetrievalFailed            = core.StatusRetrievalFailed
)

// Exam status constants
const (
	ExamFinalized     = core.ExamFinalized
	ExamDictated      = core.ExamDictated
	ExamPreliminary   = core.ExamPreliminary
	ExamAddended      = core.ExamAddended
	ExamRevised       = core.ExamRevised
	ExamNonReportable = core.ExamNonReportable
	ExamCanceled      = core.ExamCanceled
	ExamCompleted     = core.ExamCompleted
	ExamScheduled     = core.ExamScheduled
	ExamInProgress    = core.ExamInProgress
)

// LoadConfig reads configuration from path (optional) and the environment.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseJobStatus converts a string to a JobStatus. Unknown values yield "".
func ParseJobStatus(s string) JobStatus {
	return core.ParseJobStatus(s)
}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []JobStatus {
	return core.AllStatuses()
}
