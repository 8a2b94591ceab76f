package coretest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// MemoryStore is an in-memory core.JobStore and core.DeviceRegistry with the
// same compare-and-set semantics as the database store.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*core.Job
	history map[int64][]core.Transaction
	devices []core.Device
	errs    map[string]error
	writes  int
}

var (
	_ core.JobStore       = (*MemoryStore)(nil)
	_ core.DeviceRegistry = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[int64]*core.Job),
		history: make(map[int64][]core.Transaction),
		errs:    make(map[string]error),
	}
}

// Add stores a copy of job, assigning an id when it has none. The job's
// exam is kept by value.
func (s *MemoryStore) Add(job *core.Job) *core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == 0 {
		s.nextID++
		job.ID = s.nextID
	} else if job.ID > s.nextID {
		s.nextID = job.ID
	}
	if job.Status == "" {
		job.Status = core.StatusWaitingForPrepare
	}
	s.jobs[job.ID] = clone(job)
	return job
}

// SetExam replaces the exam snapshot of a job. A nil exam simulates an exam
// that cannot be loaded.
func (s *MemoryStore) SetExam(jobID int64, exam *core.Exam) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		if exam == nil {
			j.Exam = nil
			return
		}
		e := *exam
		j.Exam = &e
	}
}

// SetStatus forces a job's status without validation or history.
func (s *MemoryStore) SetStatus(jobID int64, status core.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.Status = status
	}
}

// AddDevice registers a device.
func (s *MemoryStore) AddDevice(d core.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == 0 {
		d.ID = int64(len(s.devices) + 1)
	}
	s.devices = append(s.devices, d)
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
// Ops are the method names of core.JobStore and core.DeviceRegistry.
func (s *MemoryStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// Get returns a copy of the stored job or nil.
func (s *MemoryStore) Get(id int64) *core.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return clone(j)
	}
	return nil
}

// History returns the status changes recorded for a job.
func (s *MemoryStore) History(id int64) []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Transaction(nil), s.history[id]...)
}

// Writes counts successful UpdateStatus calls.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) JobsByStatus(ctx context.Context, status core.JobStatus) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["JobsByStatus"]; err != nil {
		return nil, err
	}

	var out []*core.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	if err := job.Status.ValidateTransition(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["UpdateStatus"]; err != nil {
		return err
	}

	stored, ok := s.jobs[job.ID]
	if !ok {
		return core.ErrJobNotFound
	}
	if stored.Status != job.Status {
		return core.ErrStaleStatus
	}

	now := time.Now()
	stored.Status = status
	stored.StatusMessage = message
	stored.UpdatedAt = now
	s.history[job.ID] = append(s.history[job.ID], core.Transaction{
		ID:            int64(len(s.history[job.ID]) + 1),
		JobID:         job.ID,
		Status:        status,
		StatusMessage: message,
		CreatedAt:     now,
	})
	s.writes++

	job.Status = status
	job.StatusMessage = message
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateProgressMessage(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["UpdateProgressMessage"]; err != nil {
		return err
	}

	stored, ok := s.jobs[job.ID]
	if !ok || stored.Status != status {
		return core.ErrStaleStatus
	}
	stored.StatusMessage = message
	job.StatusMessage = message
	return nil
}

func (s *MemoryStore) JobsByPatientAndAccession(ctx context.Context, mrn, accessionNumber string, statuses ...core.JobStatus) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["JobsByPatientAndAccession"]; err != nil {
		return nil, err
	}

	var out []*core.Job
	for _, j := range s.jobs {
		if j.MRN() != mrn || j.AccessionNumber() != accessionNumber {
			continue
		}
		if len(statuses) > 0 && !contains(statuses, j.Status) {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *MemoryStore) JobByID(ctx context.Context, id int64) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["JobByID"]; err != nil {
		return nil, err
	}
	if j, ok := s.jobs[id]; ok {
		return clone(j), nil
	}
	return nil, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]core.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs["ListDevices"]; err != nil {
		return nil, err
	}
	return append([]core.Device(nil), s.devices...), nil
}

func clone(j *core.Job) *core.Job {
	c := *j
	if j.Exam != nil {
		e := *j.Exam
		c.Exam = &e
	}
	return &c
}

func contains(statuses []core.JobStatus, s core.JobStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
