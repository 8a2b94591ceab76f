package prepcontent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging/dicomweb"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/monitor"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/receiver"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/schedule"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/storage"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/telemetry"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/verify"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/worker"
)

// Option configures a Service.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	client        imaging.Client
	meterProvider metric.MeterProvider
	clock         core.Clock
	retry         storage.RetryConfig
}

// WithLogger sets the logger of every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClient replaces the DICOMweb client used for discovery, retrieval and
// echo.
func WithClient(c imaging.Client) Option {
	return func(o *options) { o.client = c }
}

// WithMeterProvider sets where metrics are recorded. Default: the global
// OpenTelemetry provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithClock sets the time source of the monitor, workers and verifier.
func WithClock(c core.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStoreRetry sets the backoff applied to job store calls.
func WithStoreRetry(cfg storage.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// Service is an assembled prepare-content node.
type Service struct {
	config  *Config
	store   *storage.GormStorage
	jobs    core.JobStore
	layout  *staging.Layout
	bus     *core.Bus
	metrics *telemetry.Metrics
	logger  *slog.Logger

	receiver  *receiver.Receiver
	client    imaging.Client
	retriever *worker.Retriever
	monitor   *monitor.Monitor
	verifier  *verify.Verifier
	stow      *dicomweb.Server
	schedule  schedule.Schedule
}

// OpenStore connects to the configured database.
func OpenStore(ctx context.Context, cfg *Config) (*Store, error) {
	return storage.Open(ctx, storage.OpenConfig{
		Driver:         cfg.Database.Driver,
		DSN:            cfg.Database.DSN,
		ConnectTimeout: cfg.Database.ConnectTimeout,
		Pool: storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		},
	})
}

// New assembles a service from cfg over store. Nothing runs until Run.
func New(cfg *Config, store *Store, opts ...Option) (*Service, error) {
	o := options{
		logger: slog.Default(),
		clock:  core.SystemClock{},
		retry:  storage.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	metrics, err := telemetry.New(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	s := &Service{
		config:  cfg,
		store:   store,
		jobs:    storage.WithRetry(store, o.retry),
		layout:  staging.New(cfg.Staging.Root),
		bus:     core.NewBus(),
		metrics: metrics,
		logger:  o.logger,
	}

	if cfg.Verify.Schedule != "" {
		if s.schedule, err = schedule.Cron(cfg.Verify.Schedule); err != nil {
			return nil, err
		}
	}

	s.receiver = receiver.New(s.jobs, s.layout,
		receiver.SOPClasses(imaging.NewSOPClasses(cfg.SCP.SOPClasses...)),
		receiver.WithActivity(func(id int64) bool { return s.monitor.Pool().HoldsJob(id) }),
		receiver.WithLogger(o.logger.With("component", "receiver")),
		receiver.WithBus(s.bus),
		receiver.WithMetrics(metrics),
		receiver.WithClock(o.clock),
	)

	s.client = o.client
	if s.client == nil {
		s.client = dicomweb.NewClient(
			dicomweb.Scheme(cfg.DICOMweb.Scheme),
			dicomweb.BasePath(cfg.DICOMweb.BasePath),
			dicomweb.Timeout(cfg.DICOMweb.Timeout),
			dicomweb.Destination(s.receiver),
			dicomweb.WithLogger(o.logger.With("component", "dicomweb")),
		)
	}

	s.retriever = worker.NewRetriever(s.jobs, store, s.client, s.layout,
		worker.ArrivalTimeout(cfg.Retrieval.ArrivalTimeout),
		worker.PollInterval(cfg.Retrieval.ArrivalPollInterval),
		worker.ProgressInterval(cfg.Retrieval.ProgressInterval),
		worker.ProgressRate(rate.Limit(cfg.Retrieval.ProgressRate), cfg.Retrieval.ProgressBurst),
		worker.WithLogger(o.logger.With("component", "worker")),
		worker.WithBus(s.bus),
		worker.WithMetrics(metrics),
		worker.WithClock(o.clock),
	)

	s.monitor = monitor.New(s.jobs, s.retriever,
		monitor.MaxConcurrency(cfg.Monitor.MaxConcurrency),
		monitor.PollInterval(cfg.Monitor.PollInterval),
		monitor.SaturationPause(cfg.Monitor.SaturationPause),
		monitor.StopTimeout(cfg.Monitor.StopTimeout),
		monitor.WithLogger(o.logger.With("component", "monitor")),
		monitor.WithBus(s.bus),
		monitor.WithMetrics(metrics),
		monitor.WithClock(o.clock),
	)

	s.verifier = verify.New(store, s.client,
		verify.WithLogger(o.logger.With("component", "verify")),
		verify.WithBus(s.bus),
		verify.WithMetrics(metrics),
		verify.WithClock(o.clock),
	)

	s.stow = dicomweb.NewServer(s.receiver, o.logger.With("component", "stow"))
	return s, nil
}

func (s *Service) Store() *Store                { return s.store }
func (s *Service) Monitor() *monitor.Monitor    { return s.monitor }
func (s *Service) Receiver() *receiver.Receiver { return s.receiver }
func (s *Service) Verifier() *verify.Verifier   { return s.verifier }
func (s *Service) Layout() *staging.Layout      { return s.layout }

// Handler returns the STOW-RS endpoint.
func (s *Service) Handler() http.Handler { return s.stow }

// Subscribe returns a channel of service events. Call Unsubscribe when done.
func (s *Service) Subscribe(buffer int) <-chan Event { return s.bus.Subscribe(buffer) }

// Unsubscribe removes a channel returned by Subscribe.
func (s *Service) Unsubscribe(ch <-chan Event) { s.bus.Unsubscribe(ch) }

// Run starts the monitor, the STOW-RS listener on scp.listen and, when
// scheduled, device verification. It blocks until ctx is canceled or a
// component fails; a monitor failure is returned so the process can exit
// non-zero and be restarted.
func (s *Service) Run(ctx context.Context) error {
	if err := s.monitor.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-s.monitor.Done():
			if err := s.monitor.Err(); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		case <-gctx.Done():
			stopErr := s.monitor.Stop()
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Monitor.DrainTimeout)
			defer cancel()
			if err := s.monitor.Drain(drainCtx); err != nil {
				s.logger.Warn("shutting down with retrievals in flight; they resume on next start", "error", err)
			}
			return stopErr
		}
	})

	srv := s.stow.HTTPServer(s.config.SCP.Listen, s.config.SCP.ReadTimeout)
	g.Go(func() error {
		s.logger.Info("listening for STOW-RS", "addr", srv.Addr, "ae_title", s.config.SCP.AETitle)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stow-rs listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SCP.ReleaseTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	if s.schedule != nil {
		g.Go(func() error {
			return s.verifier.Run(gctx, s.schedule)
		})
	}

	return g.Wait()
}
