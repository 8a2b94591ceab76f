package monitor

import (
	"context"
	"sync"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/security"
)

// Admission is the result of asking the pool for a worker slot.
type Admission int

const (
	Admitted Admission = iota
	// Saturated means every slot is taken.
	Saturated
	// ExamActive means another worker holds the same exam.
	ExamActive
	// JobActive means a worker already exists for the job.
	JobActive
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Saturated:
		return "saturated"
	case ExamActive:
		return "exam active"
	case JobActive:
		return "job active"
	default:
		return "unknown"
	}
}

// Pool tracks running retrieval workers. The count, the per-job set and the
// per-exam set change together under one mutex, so at most max workers run
// and no two of them hold the same exam.
type Pool struct {
	mu    sync.Mutex
	max   int
	jobs  map[int64]core.ExamKey
	exams map[core.ExamKey]int64
	// idle is closed when the last worker is released.
	idle chan struct{}
}

// NewPool creates a pool with max slots, clamped to [1, MaxConcurrency].
func NewPool(max int) *Pool {
	return &Pool{
		max:   security.ClampConcurrency(max),
		jobs:  make(map[int64]core.ExamKey),
		exams: make(map[core.ExamKey]int64),
	}
}

// TryAcquire claims a slot for the job. On Admitted the caller must call
// Release(jobID) when the worker exits.
func (p *Pool) TryAcquire(jobID int64, key core.ExamKey) Admission {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.jobs) >= p.max {
		return Saturated
	}
	if _, ok := p.jobs[jobID]; ok {
		return JobActive
	}
	if _, ok := p.exams[key]; ok {
		return ExamActive
	}

	if len(p.jobs) == 0 {
		p.idle = make(chan struct{})
	}
	p.jobs[jobID] = key
	p.exams[key] = jobID
	return Admitted
}

// Release frees the job's slot. Releasing an unknown job is a no-op.
func (p *Pool) Release(jobID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.jobs[jobID]
	if !ok {
		return
	}
	delete(p.jobs, jobID)
	if p.exams[key] == jobID {
		delete(p.exams, key)
	}
	if len(p.jobs) == 0 {
		close(p.idle)
	}
}

// Active returns the number of running workers.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Max returns the slot count.
func (p *Pool) Max() int {
	return p.max
}

// HoldsJob reports whether a worker is running for the job.
func (p *Pool) HoldsJob(jobID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[jobID]
	return ok
}

// HoldsExam reports whether a worker is running for the exam.
func (p *Pool) HoldsExam(key core.ExamKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.exams[key]
	return ok
}

// Wait blocks until no worker is running or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	if len(p.jobs) == 0 {
		p.mu.Unlock()
		return nil
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
