// Package verify checks on a schedule that every registered device answers.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/schedule"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/telemetry"
)

// maxParallelEchoes bounds concurrent echoes in one run.
const maxParallelEchoes = 8

// Result is the outcome of one device echo.
type Result struct {
	Device core.Device
	Err    error
}

// OK reports whether the device answered.
func (r Result) OK() bool { return r.Err == nil }

// Verifier echoes devices.
type Verifier struct {
	devices core.DeviceRegistry
	client  imaging.Client
	logger  *slog.Logger
	bus     *core.Bus
	metrics *telemetry.Metrics
	clock   core.Clock
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithBus(b *core.Bus) Option {
	return func(v *Verifier) { v.bus = b }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

func WithClock(c core.Clock) Option {
	return func(v *Verifier) {
		if c != nil {
			v.clock = c
		}
	}
}

// New creates a verifier.
func New(devices core.DeviceRegistry, client imaging.Client, opts ...Option) *Verifier {
	v := &Verifier{
		devices: devices,
		client:  client,
		logger:  slog.Default(),
		clock:   core.SystemClock{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RunOnce echoes the registered devices whose AE title is in aeTitles, or
// every device when aeTitles is empty. Results keep registry order. An
// unknown AE title is reported as a failed result.
func (v *Verifier) RunOnce(ctx context.Context, aeTitles ...string) ([]Result, error) {
	devices, err := v.devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices, unknown := filter(devices, aeTitles)

	results := make([]Result, len(devices))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelEchoes)
	for i, d := range devices {
		g.Go(func() error {
			err := v.client.Echo(gctx, d)
			mu.Lock()
			results[i] = Result{Device: d, Err: err}
			mu.Unlock()
			v.record(gctx, d, err)
			return nil
		})
	}
	_ = g.Wait()

	for _, ae := range unknown {
		results = append(results, Result{Device: core.Device{AETitle: ae}, Err: fmt.Errorf("unknown device %s", ae)})
	}
	return results, nil
}

func (v *Verifier) record(ctx context.Context, d core.Device, err error) {
	v.metrics.IncDeviceEcho(ctx, err == nil)
	v.bus.Emit(&core.DeviceVerified{Device: d, Err: err, Timestamp: v.clock.Now()})
	if err != nil {
		v.logger.Warn("device echo failed", "device", d.String(), "error", err)
		return
	}
	v.logger.Info("device echo succeeded", "device", d.String())
}

func filter(devices []core.Device, aeTitles []string) ([]core.Device, []string) {
	if len(aeTitles) == 0 {
		return devices, nil
	}
	byAE := make(map[string]core.Device, len(devices))
	for _, d := range devices {
		byAE[d.AETitle] = d
	}

	var out []core.Device
	var unknown []string
	for _, ae := range aeTitles {
		d, ok := byAE[ae]
		if !ok {
			unknown = append(unknown, ae)
			continue
		}
		out = append(out, d)
	}
	return out, unknown
}

// Run echoes all devices at every time s yields until ctx is done. A
// registry failure is logged and the next run proceeds.
func (v *Verifier) Run(ctx context.Context, s schedule.Schedule) error {
	v.logger.Info("started device verification")
	err := schedule.Run(ctx, v.clock, s, func(ctx context.Context) {
		if _, err := v.RunOnce(ctx); err != nil {
			v.logger.Error("device verification failed", "error", err)
		}
	})
	v.logger.Info("stopped device verification")
	if ctx.Err() != nil {
		return nil
	}
	return err
}
