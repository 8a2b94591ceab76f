// Package receiver files objects pushed by remote archives under the jobs
// waiting for them.
//
// Each association resolves the receivable jobs of an exam once and reuses
// the result for every object of that exam. Jobs that had already failed are
// restarted when their images arrive and become retry candidates: on
// Release, a candidate still in RETRIEVAL_STARTED is handed back to the
// monitor.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
)

const (
	// MsgReceiving is recorded when inbound images restart a failed job.
	MsgReceiving = "receiving images"

	// MsgRetried is recorded when Release hands a restarted job back to the
	// monitor.
	MsgRetried = "retried by receiver"

	msgNoPendingJobs = "no pending jobs associated with this study"
)

// Receiver implements imaging.StoreService on top of a JobStore and a
// staging layout.
type Receiver struct {
	store  core.JobStore
	layout *staging.Layout
	config ReceiverConfig
	logger *slog.Logger

	mu     sync.Mutex
	assocs map[string]*association
}

var _ imaging.StoreService = (*Receiver)(nil)

// New creates a receiver.
func New(store core.JobStore, layout *staging.Layout, opts ...ReceiverOption) *Receiver {
	config := DefaultReceiverConfig()
	for _, opt := range opts {
		opt.applyReceiver(&config)
	}

	return &Receiver{
		store:  store,
		layout: layout,
		config: config,
		logger: config.Logger,
		assocs: make(map[string]*association),
	}
}

// Accept opens an association for peer.
func (r *Receiver) Accept(ctx context.Context, peer imaging.Peer) (imaging.Association, error) {
	a := newAssociation(r, peer)

	r.mu.Lock()
	r.assocs[a.id] = a
	r.mu.Unlock()

	r.logger.Debug("accepted association", "association", a.id, "peer", peer.String())
	return a, nil
}

// Open reports the number of associations not yet released.
func (r *Receiver) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assocs)
}

func (r *Receiver) lookup(assoc imaging.Association) (*association, error) {
	a, ok := assoc.(*association)
	if !ok || a.owner != r {
		return nil, core.ErrForeignAssociation
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assocs[a.id] != a {
		return nil, core.ErrForeignAssociation
	}
	return a, nil
}

// Store files one object. The object is spooled to disk, routed by its
// header and placed under every matching job. A rejection is returned as
// *imaging.StoreError carrying the status for the peer; success is only
// reported once every copy is on disk.
func (r *Receiver) Store(ctx context.Context, assoc imaging.Association, object io.Reader) (*imaging.StoredObject, error) {
	a, err := r.lookup(assoc)
	if err != nil {
		return nil, err
	}

	a.serial.Lock()
	defer a.serial.Unlock()

	stored, err := r.file(ctx, a, object)
	if err != nil {
		r.config.Metrics.IncObjectsRejected(ctx)
		r.logger.Warn("rejected object", "association", a.id, "peer", a.peer.String(), "error", err)
		return nil, err
	}

	r.config.Metrics.IncObjectsStored(ctx)
	r.config.Bus.Emit(&core.ObjectStored{
		AssociationID: a.id,
		InstanceUID:   stored.Header.InstanceUID,
		JobIDs:        stored.JobIDs,
		Timestamp:     r.config.Clock.Now(),
	})
	r.logger.Debug("stored object", "association", a.id, "instance_uid", stored.Header.InstanceUID, "jobs", stored.JobIDs)
	return stored, nil
}

func (r *Receiver) file(ctx context.Context, a *association, object io.Reader) (*imaging.StoredObject, error) {
	spooled, err := r.layout.Spool(object)
	if err != nil {
		return nil, imaging.Reject(imaging.StatusOutOfResources, "unable to spool object", err)
	}
	defer os.Remove(spooled)

	h, err := r.config.Headers.ReadHeader(spooled)
	if err != nil {
		return nil, imaging.Reject(imaging.StatusCannotUnderstand, "unable to parse object", err)
	}
	if missing := h.Missing(); len(missing) > 0 {
		return nil, imaging.Reject(imaging.StatusProcessingFailure, "missing "+strings.Join(missing, ", "), nil)
	}
	if !r.config.SOPClasses.Allows(h.SOPClassUID) {
		return nil, imaging.Reject(imaging.StatusSOPClassNotSupported, "SOP class not supported: "+h.SOPClassUID, nil)
	}

	key := core.ExamKey{MRN: h.MRN, AccessionNumber: h.AccessionNumber}
	jobs, err := a.resolve(ctx, r.store, key)
	if err != nil {
		return nil, imaging.Reject(imaging.StatusProcessingFailure, "unable to look up jobs", err)
	}
	if len(jobs) == 0 {
		return nil, imaging.Reject(imaging.StatusProcessingFailure, msgNoPendingJobs, core.ErrNoPendingJobs)
	}

	locs := make([]staging.Location, len(jobs))
	for i, job := range jobs {
		locs[i] = staging.Location{
			JobID:           job.ID,
			MRN:             h.MRN,
			AccessionNumber: h.AccessionNumber,
			StudyUID:        h.StudyUID,
		}
		if _, err := r.layout.InstancePath(locs[i], h.InstanceUID); err != nil {
			return nil, imaging.Reject(imaging.StatusProcessingFailure, "unusable identifiers", err)
		}
	}

	// Every copy is on disk before any job is restarted, so a rejected
	// object never moves a job.
	ids := make([]int64, 0, len(jobs))
	for i, job := range jobs {
		if _, err := r.layout.Place(spooled, locs[i], h.InstanceUID); err != nil {
			if errors.Is(err, core.ErrUnsafePathSegment) {
				return nil, imaging.Reject(imaging.StatusProcessingFailure, "unusable identifiers", err)
			}
			return nil, imaging.Reject(imaging.StatusOutOfResources, "unable to store object", err)
		}
		ids = append(ids, job.ID)
	}

	for _, job := range jobs {
		if err := r.restart(ctx, a, job); err != nil {
			return nil, imaging.Reject(imaging.StatusProcessingFailure, "unable to update job", err)
		}
	}

	return &imaging.StoredObject{Header: h, JobIDs: ids}, nil
}

// restart moves a job that is not actively retrieving back to
// RETRIEVAL_STARTED, once per association. A lost race is logged and the
// object is still filed.
func (r *Receiver) restart(ctx context.Context, a *association, job *core.Job) error {
	if job.Status == core.StatusRetrievalStarted || !a.claim(job.ID) {
		return nil
	}

	from := job.Status
	err := r.store.UpdateStatus(ctx, job, core.StatusRetrievalStarted, MsgReceiving)
	switch {
	case errors.Is(err, core.ErrStaleStatus), errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrInvalidTransition):
		r.logger.Warn("unable to restart job", "job_id", job.ID, "association", a.id, "error", err)
		return nil
	case err != nil:
		return err
	}

	a.addRetry(job.ID)
	r.logger.Info("restarted job from inbound images", "job_id", job.ID, "from", from, "association", a.id)
	r.config.Bus.Emit(&core.StatusChanged{
		JobID:     job.ID,
		From:      from,
		To:        core.StatusRetrievalStarted,
		Message:   MsgReceiving,
		Timestamp: r.config.Clock.Now(),
	})
	return nil
}

// Release closes an association. Retry candidates still in RETRIEVAL_STARTED
// and not owned by a running worker are reset to WAITING_FOR_PREPARE.
// Release of an unknown association is logged and ignored.
func (r *Receiver) Release(ctx context.Context, assoc imaging.Association) {
	a, err := r.lookup(assoc)
	if err != nil {
		r.logger.Warn("release of unknown association", "error", err)
		return
	}

	r.mu.Lock()
	delete(r.assocs, a.id)
	r.mu.Unlock()

	var retried []int64
	for _, id := range a.candidates() {
		ok, err := r.retry(ctx, id)
		if err != nil {
			r.logger.Warn("unable to retry job", "job_id", id, "association", a.id, "error", err)
			continue
		}
		if ok {
			retried = append(retried, id)
		}
	}

	r.config.Bus.Emit(&core.AssociationReleased{
		AssociationID: a.id,
		Retried:       retried,
		Timestamp:     r.config.Clock.Now(),
	})
	r.logger.Debug("released association", "association", a.id, "retried", len(retried))
}

func (r *Receiver) retry(ctx context.Context, id int64) (bool, error) {
	job, err := r.store.JobByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil || job.Status != core.StatusRetrievalStarted {
		return false, nil
	}
	if r.config.Active != nil && r.config.Active(id) {
		return false, nil
	}

	if err := r.store.UpdateStatus(ctx, job, core.StatusWaitingForPrepare, MsgRetried); err != nil {
		if errors.Is(err, core.ErrStaleStatus) {
			return false, nil
		}
		return false, fmt.Errorf("reset job %d: %w", id, err)
	}

	r.logger.Warn("retrying job", "job_id", id)
	r.config.Bus.Emit(&core.StatusChanged{
		JobID:     id,
		From:      core.StatusRetrievalStarted,
		To:        core.StatusWaitingForPrepare,
		Message:   MsgRetried,
		Timestamp: r.config.Clock.Now(),
	})
	return true, nil
}
