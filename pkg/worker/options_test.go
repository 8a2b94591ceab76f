package worker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := DefaultWorkerConfig()

	assert.Equal(t, 600*time.Second, cfg.ArrivalTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.ProgressInterval)
	assert.Equal(t, rate.Every(time.Second), cfg.ProgressLimit)
	assert.Equal(t, 1, cfg.ProgressBurst)
	assert.IsType(t, core.SystemClock{}, cfg.Clock)
}

func TestWorkerOptions(t *testing.T) {
	cfg := DefaultWorkerConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, opt := range []WorkerOption{
		ArrivalTimeout(30 * time.Second),
		PollInterval(250 * time.Millisecond),
		ProgressInterval(5 * time.Second),
		ProgressRate(rate.Limit(4), 0),
		WithLogger(logger),
	} {
		opt.ApplyWorker(&cfg)
	}

	assert.Equal(t, 30*time.Second, cfg.ArrivalTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.ProgressInterval)
	assert.Equal(t, rate.Limit(4), cfg.ProgressLimit)
	assert.Equal(t, 1, cfg.ProgressBurst, "burst clamps to 1")
	assert.Same(t, logger, cfg.Logger)
}

func TestWorkerOptions_IgnoreNonPositiveDurations(t *testing.T) {
	cfg := DefaultWorkerConfig()

	ArrivalTimeout(0).ApplyWorker(&cfg)
	PollInterval(-time.Second).ApplyWorker(&cfg)
	WithLogger(nil).ApplyWorker(&cfg)
	WithClock(nil).ApplyWorker(&cfg)

	assert.Equal(t, 600*time.Second, cfg.ArrivalTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Clock)
}
