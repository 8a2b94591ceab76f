package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryWithBackoff runs operation until it succeeds, fails with an error
// IsRetryableError rejects, or the attempts are used up. It returns the last
// error.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) || attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// RetryingStore decorates a JobStore so that transient failures are retried
// with bounded exponential backoff. Lost compare-and-set races and missing
// jobs are returned immediately.
type RetryingStore struct {
	next   core.JobStore
	config RetryConfig
}

var _ core.JobStore = (*RetryingStore)(nil)

// WithRetry wraps next. A zero MaxAttempts uses DefaultRetryConfig.
func WithRetry(next core.JobStore, config RetryConfig) *RetryingStore {
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}
	return &RetryingStore{next: next, config: config}
}

func (r *RetryingStore) JobsByStatus(ctx context.Context, status core.JobStatus) ([]*core.Job, error) {
	var jobs []*core.Job
	err := retryWithBackoff(ctx, r.config, func() error {
		var err error
		jobs, err = r.next.JobsByStatus(ctx, status)
		return err
	})
	return jobs, err
}

func (r *RetryingStore) UpdateStatus(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	return retryWithBackoff(ctx, r.config, func() error {
		return r.next.UpdateStatus(ctx, job, status, message)
	})
}

func (r *RetryingStore) UpdateProgressMessage(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	return retryWithBackoff(ctx, r.config, func() error {
		return r.next.UpdateProgressMessage(ctx, job, status, message)
	})
}

func (r *RetryingStore) JobsByPatientAndAccession(ctx context.Context, mrn, accessionNumber string, statuses ...core.JobStatus) ([]*core.Job, error) {
	var jobs []*core.Job
	err := retryWithBackoff(ctx, r.config, func() error {
		var err error
		jobs, err = r.next.JobsByPatientAndAccession(ctx, mrn, accessionNumber, statuses...)
		return err
	})
	return jobs, err
}

func (r *RetryingStore) JobByID(ctx context.Context, id int64) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, r.config, func() error {
		var err error
		job, err = r.next.JobByID(ctx, id)
		return err
	})
	return job, err
}
