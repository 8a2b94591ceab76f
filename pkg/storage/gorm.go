// Package storage provides the GORM-backed job store for the prepare-content
// service.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/security"
)

// MsgRequeued is recorded when an operator puts a failed job back in line.
const MsgRequeued = "requeued by operator"

// GormStorage implements core.JobStore and core.DeviceRegistry using GORM.
type GormStorage struct {
	db *gorm.DB
}

var (
	_ core.JobStore       = (*GormStorage)(nil)
	_ core.DeviceRegistry = (*GormStorage)(nil)
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying GORM handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the store runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db.Dialector.Name() == "sqlite"
}

// Close closes the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(&core.Exam{}, &core.Job{}, &core.Transaction{}, &core.Device{})
	return wrap("migrate", err)
}

// JobsByStatus returns jobs in status with their exam preloaded, oldest first.
func (s *GormStorage) JobsByStatus(ctx context.Context, status core.JobStatus) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Preload("Exam").
		Where("status = ?", status).
		Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, wrap("jobs by status", err)
	}
	return jobs, nil
}

// UpdateStatus moves job from its snapshot status to status and appends the
// change to the job's history in the same transaction. It returns
// core.ErrStaleStatus when the stored status no longer matches the snapshot.
func (s *GormStorage) UpdateStatus(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	if err := job.Status.ValidateTransition(status); err != nil {
		return err
	}

	message = security.SanitizeMessage(message)
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]any{
				"status":         status,
				"status_message": message,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return missingOrStale(tx, job.ID)
		}

		return tx.Create(&core.Transaction{
			JobID:         job.ID,
			Status:        status,
			StatusMessage: message,
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		return wrap("update status", err)
	}

	job.Status = status
	job.StatusMessage = message
	job.UpdatedAt = now
	return nil
}

// UpdateProgressMessage rewrites the status message while the job is still in
// status. History is not appended.
func (s *GormStorage) UpdateProgressMessage(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	message = security.SanitizeMessage(message)

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", job.ID, status).
		Updates(map[string]any{
			"status_message": message,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return wrap("update progress", result.Error)
	}
	if result.RowsAffected == 0 {
		return core.ErrStaleStatus
	}

	job.StatusMessage = message
	return nil
}

// JobsByPatientAndAccession returns the jobs of every exam matching mrn and
// accessionNumber whose status is one of statuses. With no statuses all jobs
// are returned.
func (s *GormStorage) JobsByPatientAndAccession(ctx context.Context, mrn, accessionNumber string, statuses ...core.JobStatus) ([]*core.Job, error) {
	db := s.db.WithContext(ctx)
	exams := db.Model(&core.Exam{}).
		Select("id").
		Where("mrn = ? AND accession_number = ?", mrn, accessionNumber)

	q := db.Preload("Exam").Where("exam_id IN (?)", exams)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var jobs []*core.Job
	if err := q.Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, wrap("jobs by patient and accession", err)
	}
	return jobs, nil
}

// JobByID returns the job with its exam, or nil when it does not exist.
func (s *GormStorage) JobByID(ctx context.Context, id int64) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).Preload("Exam").First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("job by id", err)
	}
	return &job, nil
}

// ListDevices returns every registered device ordered by id.
func (s *GormStorage) ListDevices(ctx context.Context) ([]core.Device, error) {
	var devices []core.Device
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&devices).Error; err != nil {
		return nil, wrap("list devices", err)
	}
	return devices, nil
}

// CreateExam inserts an exam.
func (s *GormStorage) CreateExam(ctx context.Context, exam *core.Exam) error {
	return wrap("create exam", s.db.WithContext(ctx).Create(exam).Error)
}

// UpdateExamStatus records a new report status for an exam.
func (s *GormStorage) UpdateExamStatus(ctx context.Context, examID int64, status core.ExamStatus, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Exam{}).
		Where("id = ?", examID).
		Updates(map[string]any{"status": status, "status_timestamp": at})
	if result.Error != nil {
		return wrap("update exam status", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("exam %d not found", examID)
	}
	return nil
}

// CreateJob inserts a job and its first history entry. An empty status
// defaults to WAITING_FOR_PREPARE.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.Status == "" {
		job.Status = core.StatusWaitingForPrepare
	}
	job.StatusMessage = security.SanitizeMessage(job.StatusMessage)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Exam").Create(job).Error; err != nil {
			return err
		}
		return tx.Create(&core.Transaction{
			JobID:         job.ID,
			Status:        job.Status,
			StatusMessage: job.StatusMessage,
		}).Error
	})
	return wrap("create job", err)
}

// CreateDevice registers a device.
func (s *GormStorage) CreateDevice(ctx context.Context, device *core.Device) error {
	return wrap("create device", s.db.WithContext(ctx).Create(device).Error)
}

// History returns a job's status history, oldest first.
func (s *GormStorage) History(ctx context.Context, jobID int64) ([]core.Transaction, error) {
	var txns []core.Transaction
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&txns).Error
	if err != nil {
		return nil, wrap("history", err)
	}
	return txns, nil
}

// CountByStatus returns the number of jobs in every status that has any.
func (s *GormStorage) CountByStatus(ctx context.Context) (map[core.JobStatus]int64, error) {
	var rows []struct {
		Status core.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrap("count by status", err)
	}

	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// Requeue moves a failed job back to WAITING_FOR_PREPARE so the monitor
// evaluates it again.
func (s *GormStorage) Requeue(ctx context.Context, jobID int64) (*core.Job, error) {
	job, err := s.JobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.ErrJobNotFound
	}
	if !job.Status.IsFailure() {
		return nil, fmt.Errorf("%w: %s is not a failure state", core.ErrInvalidTransition, job.Status)
	}
	if err := s.UpdateStatus(ctx, job, core.StatusWaitingForPrepare, MsgRequeued); err != nil {
		return nil, err
	}
	return job, nil
}

func missingOrStale(tx *gorm.DB, id int64) error {
	var count int64
	if err := tx.Model(&core.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return core.ErrStaleStatus
}

// wrap converts driver failures into *core.StoreError. Domain sentinels pass
// through unchanged.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrStaleStatus) ||
		errors.Is(err, core.ErrJobNotFound) ||
		errors.Is(err, core.ErrInvalidTransition) {
		return err
	}
	return &core.StoreError{Op: op, Err: err}
}
