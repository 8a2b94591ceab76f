package monitor

import (
	"log/slog"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/security"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/telemetry"
)

// MonitorOption configures a Monitor.
type MonitorOption interface {
	applyMonitor(*MonitorConfig)
}

type monitorOptionFunc func(*MonitorConfig)

func (f monitorOptionFunc) applyMonitor(c *MonitorConfig) { f(c) }

// MonitorConfig holds monitor configuration.
type MonitorConfig struct {
	MaxConcurrency  int           // default 5
	PollInterval    time.Duration // default 1s
	SaturationPause time.Duration // default 10s
	StopTimeout     time.Duration // default 10s

	Logger  *slog.Logger
	Bus     *core.Bus
	Metrics *telemetry.Metrics
	Clock   core.Clock
}

// DefaultMonitorConfig returns the default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		MaxConcurrency:  5,
		PollInterval:    time.Second,
		SaturationPause: 10 * time.Second,
		StopTimeout:     10 * time.Second,
		Logger:          slog.Default(),
		Clock:           core.SystemClock{},
	}
}

// MaxConcurrency sets the number of simultaneous retrievals.
// Values are clamped to [1, security.MaxConcurrency].
func MaxConcurrency(n int) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		c.MaxConcurrency = security.ClampConcurrency(n)
	})
}

// PollInterval sets the sleep between cycles.
func PollInterval(d time.Duration) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// SaturationPause sets the sleep after a cycle that found the pool full.
// Zero disables the pause.
func SaturationPause(d time.Duration) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		if d >= 0 {
			c.SaturationPause = d
		}
	})
}

// StopTimeout bounds how long Stop waits for the loop to exit.
func StopTimeout(d time.Duration) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		if d > 0 {
			c.StopTimeout = d
		}
	})
}

func WithLogger(l *slog.Logger) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}

func WithBus(b *core.Bus) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		c.Bus = b
	})
}

func WithMetrics(m *telemetry.Metrics) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		c.Metrics = m
	})
}

func WithClock(clk core.Clock) MonitorOption {
	return monitorOptionFunc(func(c *MonitorConfig) {
		if clk != nil {
			c.Clock = clk
		}
	})
}
