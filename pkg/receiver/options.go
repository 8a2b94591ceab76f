package receiver

import (
	"log/slog"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/telemetry"
)

// ReceiverOption configures a Receiver.
type ReceiverOption interface {
	applyReceiver(*ReceiverConfig)
}

type receiverOptionFunc func(*ReceiverConfig)

func (f receiverOptionFunc) applyReceiver(c *ReceiverConfig) { f(c) }

// ActivityFunc reports whether a retrieval worker currently owns a job.
type ActivityFunc func(jobID int64) bool

// ReceiverConfig holds receiver configuration.
type ReceiverConfig struct {
	// SOPClasses lists the accepted storage SOP classes.
	// Default: imaging.NewSOPClasses()
	SOPClasses imaging.SOPClasses

	// Headers extracts routing attributes from spooled objects.
	// Default: imaging.DicomHeaderReader
	Headers imaging.HeaderReader

	// Active, when set, keeps Release from resetting jobs a live worker owns.
	Active ActivityFunc

	Logger  *slog.Logger
	Bus     *core.Bus
	Metrics *telemetry.Metrics
	Clock   core.Clock
}

// DefaultReceiverConfig returns the default configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		SOPClasses: imaging.NewSOPClasses(),
		Headers:    imaging.DicomHeaderReader{},
		Logger:     slog.Default(),
		Clock:      core.SystemClock{},
	}
}

// SOPClasses replaces the accepted storage SOP classes. A nil set accepts
// every class.
func SOPClasses(set imaging.SOPClasses) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		c.SOPClasses = set
	})
}

// WithHeaderReader sets the parser used for routing attributes.
func WithHeaderReader(h imaging.HeaderReader) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		if h != nil {
			c.Headers = h
		}
	})
}

// WithActivity sets the check for jobs owned by a running worker.
func WithActivity(fn ActivityFunc) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		c.Active = fn
	})
}

func WithLogger(l *slog.Logger) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		if l != nil {
			c.Logger = l
		}
	})
}

func WithBus(b *core.Bus) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		c.Bus = b
	})
}

func WithMetrics(m *telemetry.Metrics) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		c.Metrics = m
	})
}

func WithClock(clk core.Clock) ReceiverOption {
	return receiverOptionFunc(func(c *ReceiverConfig) {
		if clk != nil {
			c.Clock = clk
		}
	})
}
