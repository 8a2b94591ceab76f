// Package telemetry defines the OpenTelemetry instruments recorded by the
// monitor, retrieval workers, receiver and device verifier.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "prepcontent"

// Metrics records service metrics. A nil *Metrics records nothing.
type Metrics struct {
	jobsDispatched    metric.Int64Counter
	activeWorkers     metric.Int64UpDownCounter
	pollCycleDuration metric.Float64Histogram
	retrievals        metric.Int64Counter
	objectsStored     metric.Int64Counter
	objectsRejected   metric.Int64Counter
	deviceEchoes      metric.Int64Counter
}

// New creates the instruments on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.jobsDispatched, err = meter.Int64Counter(
		"prepcontent_jobs_dispatched_total",
		metric.WithDescription("Total number of jobs handed to a retrieval worker"),
	); err != nil {
		return nil, err
	}

	if m.activeWorkers, err = meter.Int64UpDownCounter(
		"prepcontent_active_workers",
		metric.WithDescription("Number of retrieval workers currently running"),
	); err != nil {
		return nil, err
	}

	if m.pollCycleDuration, err = meter.Float64Histogram(
		"prepcontent_poll_cycle_duration_seconds",
		metric.WithDescription("Time spent evaluating and dispatching jobs in one monitor cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.retrievals, err = meter.Int64Counter(
		"prepcontent_retrievals_total",
		metric.WithDescription("Total number of finished retrievals by outcome"),
	); err != nil {
		return nil, err
	}

	if m.objectsStored, err = meter.Int64Counter(
		"prepcontent_objects_stored_total",
		metric.WithDescription("Total number of inbound objects filed under at least one job"),
	); err != nil {
		return nil, err
	}

	if m.objectsRejected, err = meter.Int64Counter(
		"prepcontent_objects_rejected_total",
		metric.WithDescription("Total number of inbound objects rejected"),
	); err != nil {
		return nil, err
	}

	if m.deviceEchoes, err = meter.Int64Counter(
		"prepcontent_device_echo_total",
		metric.WithDescription("Total number of device verifications by result"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns Metrics backed by a no-op provider.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider())
	return m
}

func (m *Metrics) IncJobsDispatched(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsDispatched.Add(ctx, 1)
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func (m *Metrics) WorkerStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(ctx, 1)
}

func (m *Metrics) WorkerFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(ctx, -1)
}

func (m *Metrics) ObservePollCycle(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.pollCycleDuration.Record(ctx, d.Seconds())
}

// IncRetrievals counts a finished retrieval under its terminal status.
func (m *Metrics) IncRetrievals(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.retrievals.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) IncObjectsStored(ctx context.Context) {
	if m == nil {
		return
	}
	m.objectsStored.Add(ctx, 1)
}

func (m *Metrics) IncObjectsRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.objectsRejected.Add(ctx, 1)
}

// IncDeviceEcho counts a verification as "success" or "failure".
func (m *Metrics) IncDeviceEcho(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.deviceEchoes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
