package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
)

// Status messages recorded by the worker.
const (
	MsgNoMRN            = "no MRN"
	MsgNoAccession      = "no accession number"
	MsgNoStudies        = "unable to find study on any remote device"
	MsgNoImagesReceived = "no images received"
)

// Outcome is the terminal status a worker reports for its job.
type Outcome struct {
	Status  core.JobStatus
	Message string
}

// Retriever runs retrievals. One Retriever serves any number of concurrent
// jobs; each Run call owns exactly one job.
type Retriever struct {
	store   core.JobStore
	devices core.DeviceRegistry
	client  imaging.Client
	layout  *staging.Layout
	config  WorkerConfig
	logger  *slog.Logger
}

// NewRetriever creates a retrieval worker.
func NewRetriever(store core.JobStore, devices core.DeviceRegistry, client imaging.Client, layout *staging.Layout, opts ...WorkerOption) *Retriever {
	config := DefaultWorkerConfig()
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	return &Retriever{
		store:   store,
		devices: devices,
		client:  client,
		layout:  layout,
		config:  config,
		logger:  config.Logger,
	}
}

// Run retrieves the job's studies and persists exactly one terminal status.
// The job must be in RETRIEVAL_STARTED. Panics are recovered and reported as
// RETRIEVAL_FAILED.
func (r *Retriever) Run(ctx context.Context, job *core.Job) (out Outcome) {
	start := r.config.Clock.Now()
	log := r.logger.With("job_id", job.ID)
	log.Info("started worker")

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("uncaught panic while processing job", "panic", rec)
			out = Outcome{Status: core.StatusRetrievalFailed, Message: fmt.Sprintf("internal error: %v", rec)}
		}
		r.finish(ctx, job, out, r.config.Clock.Now().Sub(start))
	}()

	return r.process(ctx, job, log)
}

func (r *Retriever) process(ctx context.Context, job *core.Job, log *slog.Logger) Outcome {
	mrn, acc := job.MRN(), job.AccessionNumber()
	if mrn == "" {
		return Outcome{Status: core.StatusFailedToPrepare, Message: MsgNoMRN}
	}
	if acc == "" {
		return Outcome{Status: core.StatusFailedToPrepare, Message: MsgNoAccession}
	}

	devices, err := r.devices.ListDevices(ctx)
	if err != nil {
		return Outcome{Status: core.StatusRetrievalFailed, Message: fmt.Sprintf("unable to list devices: %v", err)}
	}
	if len(devices) == 0 {
		return Outcome{Status: core.StatusUnableToFindImages, Message: errNoDevices.Error()}
	}

	found := r.discover(ctx, devices, mrn, acc)
	if found.allFailed(len(devices)) {
		return Outcome{Status: core.StatusRetrievalFailed, Message: fmt.Sprintf("study discovery failed on every device: %v", found.err)}
	}
	if len(found.studies) == 0 {
		return Outcome{Status: core.StatusUnableToFindImages, Message: MsgNoStudies}
	}

	for _, study := range found.studies {
		if out, ok := r.retrieveStudy(ctx, job, study, log); !ok {
			return out
		}
	}

	log.Info("completed processing", "studies", len(found.studies))
	return Outcome{Status: core.StatusWaitingForTransfer}
}

// retrieveStudy stages one study. It returns ok=false with the job's
// terminal outcome when the study cannot be staged.
func (r *Retriever) retrieveStudy(ctx context.Context, job *core.Job, study core.StudyLookupResult, log *slog.Logger) (Outcome, bool) {
	uid, ae := study.StudyUID, study.Device.AETitle
	log = log.With("study_uid", uid, "device", ae)

	loc := staging.Location{JobID: job.ID, MRN: job.MRN(), AccessionNumber: job.AccessionNumber(), StudyUID: uid}
	onDisk, err := r.layout.Count(loc)
	if err != nil {
		return Outcome{Status: core.StatusRetrievalFailed, Message: fmt.Sprintf("unable to stage study %s: %v", uid, err)}, false
	}

	expected := study.ExpectedCount
	switch {
	case expected > 0 && onDisk == expected:
		log.Info("study already staged", "count", onDisk)
		return Outcome{}, true

	case expected > 0 && onDisk > expected:
		log.Warn("staged count exceeds expected, waiting without retrieve", "count", onDisk, "expected", expected)
		expected = 0

	default:
		log.Info("started retrieve")
		final, err := r.client.RetrieveStudy(ctx, study.Device, uid, r.progressFunc(ctx, job, uid, ae))
		if err == nil {
			err = imaging.CheckCompletion(final)
		}
		if err != nil {
			log.Error("retrieve failed", "error", err)
			return Outcome{Status: core.StatusRetrievalFailed, Message: retrieveFailure(uid, ae, err)}, false
		}
		log.Info("completed retrieve", "completed", final.Completed)
	}

	arrival := r.awaitArrival(ctx, job, loc, expected)
	log.Info("finished waiting for images",
		"received", arrival.Received, "expected", arrival.Expected, "timed_out", arrival.TimedOut, "resets", arrival.Resets)

	if out, ok := classify(uid, arrival); !ok {
		return out, false
	}
	return Outcome{}, true
}

// classify turns an arrival into a failure outcome, or ok=true on success.
func classify(studyUID string, a Arrival) (Outcome, bool) {
	if a.Received == 0 {
		return Outcome{Status: core.StatusRetrievalFailed, Message: fmt.Sprintf("%s for study %s", MsgNoImagesReceived, studyUID)}, false
	}
	if a.Expected > 0 && a.Received < a.Expected {
		return Outcome{
			Status:  core.StatusRetrievalFailed,
			Message: fmt.Sprintf("received %d of %d images for study %s", a.Received, a.Expected, studyUID),
		}, false
	}
	return Outcome{}, true
}

func retrieveFailure(uid, ae string, err error) string {
	var remote *core.RemoteError
	if errors.As(err, &remote) {
		return fmt.Sprintf("unable to retrieve study %s from %s: %s", uid, ae, remote.Error())
	}
	return fmt.Sprintf("unable to retrieve study %s from %s: %v", uid, ae, err)
}

// progressFunc persists pending retrieve responses, throttled by a token
// bucket so a chatty archive cannot flood the store.
func (r *Retriever) progressFunc(ctx context.Context, job *core.Job, uid, ae string) imaging.ProgressFunc {
	limiter := rate.NewLimiter(r.config.ProgressLimit, r.config.ProgressBurst)
	return func(p imaging.Progress) {
		if !limiter.AllowN(r.config.Clock.Now(), 1) {
			return
		}
		r.publishProgress(ctx, job, fmt.Sprintf("Retrieving study %s from %s. %s", uid, ae, p))
	}
}

func (r *Retriever) publishProgress(ctx context.Context, job *core.Job, msg string) {
	err := r.store.UpdateProgressMessage(ctx, job, core.StatusRetrievalStarted, msg)
	if err != nil && !errors.Is(err, core.ErrStaleStatus) {
		r.logger.Warn("unable to update progress", "job_id", job.ID, "error", err)
	}
}

func (r *Retriever) finish(ctx context.Context, job *core.Job, out Outcome, elapsed time.Duration) {
	from := job.Status
	err := r.store.UpdateStatus(ctx, job, out.Status, out.Message)
	switch {
	case errors.Is(err, core.ErrStaleStatus):
		r.logger.Warn("job changed while retrieving, outcome discarded",
			"job_id", job.ID, "status", out.Status, "message", out.Message)
	case err != nil:
		r.logger.Error("unable to record outcome", "job_id", job.ID, "status", out.Status, "error", err)
	default:
		r.config.Bus.Emit(&core.StatusChanged{
			JobID: job.ID, From: from, To: out.Status, Message: out.Message, Timestamp: r.config.Clock.Now(),
		})
	}

	level := slog.LevelInfo
	if out.Status != core.StatusWaitingForTransfer {
		level = slog.LevelError
	}
	r.logger.Log(ctx, level, "finished worker", "job_id", job.ID, "status", out.Status, "message", out.Message, "duration", elapsed)

	r.config.Metrics.IncRetrievals(ctx, string(out.Status))
	r.config.Bus.Emit(&core.RetrievalFinished{
		JobID:     job.ID,
		Status:    out.Status,
		Message:   out.Message,
		Duration:  elapsed,
		Timestamp: r.config.Clock.Now(),
	})
}
