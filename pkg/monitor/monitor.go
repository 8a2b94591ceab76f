// Package monitor drives waiting jobs through the lifecycle rules and hands
// ready jobs to retrieval workers with bounded concurrency.
//
// The monitor is a single polling loop. Each cycle evaluates every job in a
// waiting status, persists the resulting transitions and dispatches ready
// jobs while worker slots remain. Store failures outside a single job's
// evaluation are fatal: the loop exits and reports the error through Err, and
// the process is expected to restart and recover orphaned jobs on Start.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/lifecycle"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/worker"
)

// MsgRetrying is recorded when startup recovery resets an orphaned retrieval.
const MsgRetrying = "retrying job"

// Runner performs one job's retrieval. It is called on its own goroutine.
type Runner interface {
	Run(ctx context.Context, job *core.Job) worker.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *core.Job) worker.Outcome

func (f RunnerFunc) Run(ctx context.Context, job *core.Job) worker.Outcome { return f(ctx, job) }

// Monitor is the job scheduler.
type Monitor struct {
	store  core.JobStore
	runner Runner
	pool   *Pool
	config MonitorConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a monitor. It does not start polling until Start.
func New(store core.JobStore, runner Runner, opts ...MonitorOption) *Monitor {
	config := DefaultMonitorConfig()
	for _, opt := range opts {
		opt.applyMonitor(&config)
	}

	return &Monitor{
		store:  store,
		runner: runner,
		pool:   NewPool(config.MaxConcurrency),
		config: config,
		logger: config.Logger,
	}
}

// Pool returns the monitor's worker pool.
func (m *Monitor) Pool() *Pool {
	return m.pool
}

// Start recovers jobs orphaned in RETRIEVAL_STARTED by a previous process,
// then starts the poll loop in the background. A recovery failure is
// returned and the loop is not started.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return core.ErrMonitorRunning
	}

	if _, err := m.Recover(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}

	stopCtx, stop := context.WithCancel(ctx)
	m.running = true
	m.stop = stop
	m.done = make(chan struct{})
	m.err = nil

	go m.loop(ctx, stopCtx, m.done)
	return nil
}

// Stop asks the loop to exit after the current cycle and waits for it, at
// most StopTimeout. Dispatched workers keep running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stop, done := m.stop, m.done
	m.mu.Unlock()

	stop()

	timer := time.NewTimer(m.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return core.ErrStopTimeout
	}
}

// Drain waits for dispatched workers to finish or ctx to end. Workers still
// running when ctx ends are reset by Recover on the next Start.
func (m *Monitor) Drain(ctx context.Context) error {
	if err := m.pool.Wait(ctx); err != nil {
		return fmt.Errorf("%d workers still running: %w", m.pool.Active(), err)
	}
	return nil
}

// Done is closed when the loop has exited. It is nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns the error that terminated the loop, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Recover resets every job in RETRIEVAL_STARTED to WAITING_FOR_PREPARE. It
// returns the number of jobs reset.
func (m *Monitor) Recover(ctx context.Context) (int, error) {
	jobs, err := m.store.JobsByStatus(ctx, core.StatusRetrievalStarted)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range jobs {
		if m.pool.HoldsJob(job.ID) {
			continue
		}
		err := m.transition(ctx, job, core.StatusWaitingForPrepare, MsgRetrying)
		if isJobLocal(err) {
			m.logger.Warn("skipped orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		m.logger.Info("reset orphaned retrievals", "count", n)
	}
	return n, nil
}

func (m *Monitor) loop(ctx, stopCtx context.Context, done chan struct{}) {
	defer close(done)
	m.logger.Info("started monitor", "max_concurrency", m.pool.Max())

	// A cycle always runs to completion; stopCtx only ends the loop between
	// cycles.
	cycleCtx := context.WithoutCancel(ctx)

	var fatal error
	for stopCtx.Err() == nil {
		saturated, err := m.RunCycle(cycleCtx)
		if err != nil {
			fatal = err
			break
		}

		wait := m.config.PollInterval
		if saturated && m.config.SaturationPause > 0 {
			wait = m.config.SaturationPause
		}
		if err := m.config.Clock.Sleep(stopCtx, wait); err != nil {
			break
		}
	}

	m.mu.Lock()
	m.running = false
	m.err = fatal
	m.mu.Unlock()

	if fatal != nil {
		m.logger.Error("uncaught exception while processing jobs, monitor stopped", "error", fatal)
		return
	}
	m.logger.Info("stopped monitor")
}

// RunCycle evaluates every waiting job once and dispatches ready jobs. It
// reports whether dispatching stopped because the pool was full. Errors that
// concern a single job are logged and skipped; any other error aborts the
// cycle and is returned.
func (m *Monitor) RunCycle(ctx context.Context) (saturated bool, err error) {
	start := m.config.Clock.Now()
	defer func() {
		m.config.Metrics.ObservePollCycle(ctx, m.config.Clock.Now().Sub(start))
	}()

	var ready []*core.Job
	for _, status := range core.WaitingStatuses {
		jobs, err := m.store.JobsByStatus(ctx, status)
		if err != nil {
			return false, fmt.Errorf("load %s jobs: %w", status, err)
		}

		for _, job := range jobs {
			d := lifecycle.Evaluate(job, job.Exam, m.config.Clock.Now())
			if d.Ready {
				ready = append(ready, job)
				continue
			}
			if !d.Changes(job.Status) {
				continue
			}

			err := m.transition(ctx, job, d.Next, d.Message)
			if isJobLocal(err) {
				m.logger.Warn("unable to update job", "job_id", job.ID, "error", err)
				continue
			}
			if err != nil {
				return false, err
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	for _, job := range ready {
		switch adm := m.pool.TryAcquire(job.ID, job.Key()); adm {
		case Saturated:
			m.logger.Debug("worker pool saturated", "active", m.pool.Active(), "pending", len(ready))
			return true, nil
		case ExamActive, JobActive:
			m.logger.Debug("skipped dispatch", "job_id", job.ID, "reason", adm.String())
			continue
		}

		err := m.transition(ctx, job, core.StatusRetrievalStarted, "")
		if err != nil {
			m.pool.Release(job.ID)
			if isJobLocal(err) {
				m.logger.Warn("unable to start retrieval", "job_id", job.ID, "error", err)
				continue
			}
			return false, err
		}
		m.dispatch(ctx, job)
	}
	return false, nil
}

// dispatch runs the job on a new goroutine holding its pool slot. Workers
// outlive a stopped monitor.
func (m *Monitor) dispatch(ctx context.Context, job *core.Job) {
	workerCtx := context.WithoutCancel(ctx)

	m.config.Metrics.IncJobsDispatched(ctx)
	m.config.Metrics.WorkerStarted(ctx)
	m.config.Bus.Emit(&core.JobDispatched{Job: job, Active: m.pool.Active(), Timestamp: m.config.Clock.Now()})
	m.logger.Info("dispatched job", "job_id", job.ID, "exam", job.Key().String(), "active", m.pool.Active())

	go func() {
		defer m.pool.Release(job.ID)
		defer m.config.Metrics.WorkerFinished(workerCtx)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("worker panicked", "job_id", job.ID, "panic", r)
			}
		}()
		m.runner.Run(workerCtx, job)
	}()
}

func (m *Monitor) transition(ctx context.Context, job *core.Job, to core.JobStatus, message string) error {
	from := job.Status
	if err := m.store.UpdateStatus(ctx, job, to, message); err != nil {
		return err
	}

	m.logger.Info("updated job status", "job_id", job.ID, "from", from, "to", to, "message", message)
	m.config.Bus.Emit(&core.StatusChanged{
		JobID:     job.ID,
		From:      from,
		To:        to,
		Message:   message,
		Timestamp: m.config.Clock.Now(),
	})
	return nil
}

// isJobLocal reports errors confined to one job that must not abort a cycle.
func isJobLocal(err error) bool {
	return errors.Is(err, core.ErrStaleStatus) ||
		errors.Is(err, core.ErrJobNotFound) ||
		errors.Is(err, core.ErrInvalidTransition)
}
