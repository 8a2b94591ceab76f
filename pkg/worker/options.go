// Package worker implements the retrieval worker: for one job it discovers
// the exam's studies on every registered device, retrieves what is not yet
// staged, waits for the objects to arrive and records a terminal status.
package worker

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/telemetry"
)

// WorkerOption configures a Retriever.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds retrieval worker configuration.
type WorkerConfig struct {
	// ArrivalTimeout is how long to wait without the staged count changing.
	// Default: 600s
	ArrivalTimeout time.Duration

	// PollInterval is the period between staged-object counts.
	// Default: 1s
	PollInterval time.Duration

	// ProgressInterval is the period between "waiting" status messages.
	// Default: 10s
	ProgressInterval time.Duration

	// ProgressLimit and ProgressBurst throttle persistence of retrieve
	// progress messages.
	// Default: 1 per second, burst 1
	ProgressLimit rate.Limit
	ProgressBurst int

	Logger  *slog.Logger
	Bus     *core.Bus
	Metrics *telemetry.Metrics
	Clock   core.Clock
}

// DefaultWorkerConfig returns the default configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ArrivalTimeout:   600 * time.Second,
		PollInterval:     time.Second,
		ProgressInterval: 10 * time.Second,
		ProgressLimit:    rate.Every(time.Second),
		ProgressBurst:    1,
		Logger:           slog.Default(),
		Clock:            core.SystemClock{},
	}
}

// ArrivalTimeout sets the inactivity timeout of the arrival wait.
func ArrivalTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ArrivalTimeout = d
		}
	})
}

// PollInterval sets how often staged objects are counted.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// ProgressInterval sets how often a waiting worker publishes its status.
func ProgressInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ProgressInterval = d
		}
	})
}

// ProgressRate throttles retrieve progress writes.
func ProgressRate(limit rate.Limit, burst int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ProgressLimit = limit
		if burst < 1 {
			burst = 1
		}
		c.ProgressBurst = burst
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}

// WithBus publishes RetrievalFinished and StatusChanged events to b.
func WithBus(b *core.Bus) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Bus = b
	})
}

// WithMetrics records retrieval outcomes.
func WithMetrics(m *telemetry.Metrics) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Metrics = m
	})
}

// WithClock replaces the wall clock.
func WithClock(clk core.Clock) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if clk != nil {
			c.Clock = clk
		}
	})
}
