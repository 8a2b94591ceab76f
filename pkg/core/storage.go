package core

import (
	"context"
)

// JobStore is the durable record of jobs and their exams.
//
// Status writes are compare-and-set against the caller's snapshot: UpdateStatus
// succeeds only while the stored status still equals job.Status and returns
// ErrStaleStatus otherwise. On success the snapshot is updated in place.
type JobStore interface {
	// JobsByStatus returns jobs in the given status with their exam loaded,
	// ordered by job id.
	JobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)

	// UpdateStatus transitions a job and appends the change to its history.
	UpdateStatus(ctx context.Context, job *Job, status JobStatus, message string) error

	// UpdateProgressMessage rewrites the status message while the job is still
	// in status. It does not append history.
	UpdateProgressMessage(ctx context.Context, job *Job, status JobStatus, message string) error

	// JobsByPatientAndAccession returns jobs for the exam in any of statuses.
	JobsByPatientAndAccession(ctx context.Context, mrn, accessionNumber string, statuses ...JobStatus) ([]*Job, error)

	// JobByID returns the job or nil when it does not exist.
	JobByID(ctx context.Context, id int64) (*Job, error)
}

// DeviceRegistry lists the remote archives to query.
type DeviceRegistry interface {
	ListDevices(ctx context.Context) ([]Device, error)
}
