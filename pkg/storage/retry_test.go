package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 0.1, cfg.JitterFraction)
}

func TestRetryWithBackoff_SuccessAfterRetries(t *testing.T) {
	var attempts int

	err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_ExhaustsAttempts(t *testing.T) {
	var attempts int
	expectedErr := errors.New("persistent error")

	err := retryWithBackoff(context.Background(), fastRetry(3), func() error {
		attempts++
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_DoesNotRetryDomainOutcomes(t *testing.T) {
	for _, sentinel := range []error{core.ErrStaleStatus, core.ErrJobNotFound, core.ErrInvalidTransition, context.Canceled} {
		var attempts int
		err := retryWithBackoff(context.Background(), fastRetry(5), func() error {
			attempts++
			return fmt.Errorf("op: %w", sentinel)
		})

		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, attempts, sentinel.Error())
	}
}

func TestRetryWithBackoff_RespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, cfg, func() error {
		attempts.Add(1)
		return errors.New("keep failing")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, attempts.Load(), int32(1))
}

func TestRetryWithBackoff_RespectsMaxBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    20 * time.Millisecond,
		MaxBackoff:        25 * time.Millisecond,
		BackoffMultiplier: 10.0,
	}

	var timestamps []time.Time
	err := retryWithBackoff(context.Background(), cfg, func() error {
		timestamps = append(timestamps, time.Now())
		return errors.New("fail")
	})

	assert.Error(t, err)
	require.Len(t, timestamps, 5)
	for i := 2; i < len(timestamps); i++ {
		assert.LessOrEqual(t, timestamps[i].Sub(timestamps[i-1]), 80*time.Millisecond)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context.Canceled", context.Canceled, false},
		{"context.DeadlineExceeded", context.DeadlineExceeded, false},
		{"stale status", core.ErrStaleStatus, false},
		{"job not found", fmt.Errorf("x: %w", core.ErrJobNotFound), false},
		{"invalid transition", core.ErrInvalidTransition, false},
		{"sqlite busy", &core.StoreError{Op: "update", Err: sqlite3.Error{Code: sqlite3.ErrBusy}}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"generic error", errors.New("some error"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryableError(tt.err))
		})
	}
}

type flakyStore struct {
	core.JobStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) UpdateStatus(ctx context.Context, job *core.Job, status core.JobStatus, message string) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	job.Status = status
	return nil
}

func (f *flakyStore) JobByID(ctx context.Context, id int64) (*core.Job, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &core.Job{ID: id}, nil
}

func TestRetryingStore_RetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{failures: 2, err: &core.StoreError{Op: "update status", Err: sqlite3.Error{Code: sqlite3.ErrBusy}}}
	store := WithRetry(inner, fastRetry(5))

	job := &core.Job{ID: 1, Status: core.StatusRetrievalStarted}
	require.NoError(t, store.UpdateStatus(context.Background(), job, core.StatusWaitingForTransfer, ""))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, core.StatusWaitingForTransfer, job.Status)
}

func TestRetryingStore_ReturnsStaleImmediately(t *testing.T) {
	inner := &flakyStore{failures: 10, err: core.ErrStaleStatus}
	store := WithRetry(inner, fastRetry(5))

	_, err := store.JobByID(context.Background(), 4)
	assert.ErrorIs(t, err, core.ErrStaleStatus)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingStore_GivesUpAsStoreUnavailable(t *testing.T) {
	inner := &flakyStore{failures: 10, err: &core.StoreError{Op: "job by id", Err: errors.New("connection refused")}}
	store := WithRetry(inner, fastRetry(3))

	_, err := store.JobByID(context.Background(), 4)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_ZeroConfigUsesDefaults(t *testing.T) {
	store := WithRetry(&flakyStore{}, RetryConfig{})
	assert.Equal(t, DefaultRetryConfig(), store.config)
}
