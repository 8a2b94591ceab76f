package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core/coretest"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging/imagingtest"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
)

// pipeHeaders reads "mrn|accession|study|instance|sopclass" text objects.
type pipeHeaders struct{}

func (pipeHeaders) ReadHeader(path string) (imaging.Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return imaging.Header{}, err
	}
	f := strings.Split(string(data), "|")
	if len(f) != 5 {
		return imaging.Header{}, errors.New("not an object")
	}
	return imaging.Header{MRN: f[0], AccessionNumber: f[1], StudyUID: f[2], InstanceUID: f[3], SOPClassUID: f[4]}, nil
}

func object(mrn, acc, study, instance string) *bytes.Reader {
	return bytes.NewReader([]byte(strings.Join([]string{mrn, acc, study, instance, imagingtest.CTImageStorage}, "|")))
}

// countingStore counts exam lookups.
type countingStore struct {
	*coretest.MemoryStore
	mu      sync.Mutex
	lookups int
}

func (s *countingStore) JobsByPatientAndAccession(ctx context.Context, mrn, acc string, statuses ...core.JobStatus) ([]*core.Job, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.MemoryStore.JobsByPatientAndAccession(ctx, mrn, acc, statuses...)
}

type fixture struct {
	mem    *coretest.MemoryStore
	store  *countingStore
	layout *staging.Layout
	bus    *core.Bus
	rcv    *Receiver
}

func newFixture(t *testing.T, opts ...ReceiverOption) *fixture {
	t.Helper()
	mem := coretest.NewMemoryStore()
	f := &fixture{
		mem:    mem,
		store:  &countingStore{MemoryStore: mem},
		layout: staging.New(t.TempDir()),
		bus:    core.NewBus(),
	}
	base := []ReceiverOption{WithHeaderReader(pipeHeaders{}), WithBus(f.bus)}
	f.rcv = New(f.store, f.layout, append(base, opts...)...)
	return f
}

func (f *fixture) addJob(status core.JobStatus, mrn, acc string) *core.Job {
	return f.mem.Add(&core.Job{Status: status, Exam: &core.Exam{MRN: mrn, AccessionNumber: acc, Status: core.ExamFinalized}})
}

func (f *fixture) count(t *testing.T, jobID int64, mrn, acc, study string) int {
	t.Helper()
	n, err := f.layout.Count(staging.Location{JobID: jobID, MRN: mrn, AccessionNumber: acc, StudyUID: study})
	require.NoError(t, err)
	return n
}

func requireStatus(t *testing.T, err error, status uint16) *imaging.StoreError {
	t.Helper()
	var se *imaging.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, status, se.Status)
	return se
}

// ──────────────────────────────────────────────────────────────────────────────
// Routing
// ──────────────────────────────────────────────────────────────────────────────

func TestStore_FilesUnderEveryMatchingJob(t *testing.T) {
	f := newFixture(t)
	a := f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	b := f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	other := f.addJob(core.StatusRetrievalStarted, "M2", "A2")
	ctx := context.Background()

	assoc, err := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS", Addr: "10.0.0.1"})
	require.NoError(t, err)

	stored, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, stored.JobIDs)
	assert.Equal(t, "1.2.3.1", stored.Header.InstanceUID)

	assert.Equal(t, 1, f.count(t, a.ID, "M1", "A1", "1.2.3"))
	assert.Equal(t, 1, f.count(t, b.ID, "M1", "A1", "1.2.3"))
	assert.Equal(t, 0, f.count(t, other.ID, "M1", "A1", "1.2.3"))

	// Removing one job's tree leaves the other's copy intact.
	require.NoError(t, os.RemoveAll(filepath.Join(f.layout.Root(), "1")))
	assert.Equal(t, 1, f.count(t, b.ID, "M1", "A1", "1.2.3"))

	f.rcv.Release(ctx, assoc)
}

func TestStore_LooksUpEachExamOncePerAssociation(t *testing.T) {
	f := newFixture(t)
	f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	for _, uid := range []string{"1.2.3.1", "1.2.3.2", "1.2.3.3"} {
		_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", uid))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.lookups)
	f.rcv.Release(ctx, assoc)

	assoc, _ = f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.lookups, "cache does not outlive the association")
	f.rcv.Release(ctx, assoc)
}

func TestStore_NoPendingJobs(t *testing.T) {
	f := newFixture(t)
	f.addJob(core.StatusWaitingForTransfer, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	se := requireStatus(t, err, imaging.StatusProcessingFailure)
	assert.Equal(t, "no pending jobs associated with this study", se.Comment)
	assert.ErrorIs(t, err, core.ErrNoPendingJobs)

	// An empty result is not cached: a job created meanwhile is found.
	job := f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	stored, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	require.NoError(t, err)
	assert.Equal(t, []int64{job.ID}, stored.JobIDs)
	f.rcv.Release(ctx, assoc)
}

func TestStore_RejectsIncompleteHeaders(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer f.rcv.Release(ctx, assoc)

	tests := []struct {
		name    string
		obj     *bytes.Reader
		missing string
	}{
		{"no MRN", object("", "A1", "1.2.3", "1.2.3.1"), "PatientID"},
		{"no accession", object("M1", "", "1.2.3", "1.2.3.1"), "AccessionNumber"},
		{"no study", object("M1", "A1", "", "1.2.3.1"), "StudyInstanceUID"},
		{"no instance", object("M1", "A1", "1.2.3", ""), "SOPInstanceUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rcv.Store(ctx, assoc, tt.obj)
			se := requireStatus(t, err, imaging.StatusProcessingFailure)
			assert.Contains(t, se.Comment, tt.missing)
		})
	}
	assert.Zero(t, f.store.lookups)
	assert.Equal(t, 0, f.count(t, job.ID, "M1", "A1", "1.2.3"))
}

func TestStore_RejectsUnparseableObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer f.rcv.Release(ctx, assoc)

	_, err := f.rcv.Store(ctx, assoc, bytes.NewReader([]byte("garbage")))
	requireStatus(t, err, imaging.StatusCannotUnderstand)
}

func TestStore_RejectsUnsupportedSOPClass(t *testing.T) {
	f := newFixture(t, SOPClasses(imaging.SOPClasses{"1.2.840.10008.5.1.4.1.1.4": {}}))
	f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer f.rcv.Release(ctx, assoc)

	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	requireStatus(t, err, imaging.StatusSOPClassNotSupported)
}

func TestStore_RejectsUnsafeIdentifiers(t *testing.T) {
	f := newFixture(t)
	f.addJob(core.StatusRetrievalStarted, "../M1", "A1")
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer f.rcv.Release(ctx, assoc)

	_, err := f.rcv.Store(ctx, assoc, object("../M1", "A1", "1.2.3", "1.2.3.1"))
	requireStatus(t, err, imaging.StatusProcessingFailure)
	assert.ErrorIs(t, err, core.ErrUnsafePathSegment)
}

func TestStore_RejectedObjectDoesNotRestartJobs(t *testing.T) {
	f := newFixture(t)
	safe := f.addJob(core.StatusUnableToFindImages, "M1", "A1")
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})

	// A study UID that cannot name a directory.
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "..", "1.2.3.1"))
	requireStatus(t, err, imaging.StatusProcessingFailure)
	assert.ErrorIs(t, err, core.ErrUnsafePathSegment)

	f.rcv.Release(ctx, assoc)
	got := f.mem.Get(safe.ID)
	assert.Equal(t, core.StatusUnableToFindImages, got.Status)
	assert.Empty(t, f.mem.History(safe.ID))
}

func TestStore_DiskFailureDoesNotRestartJobs(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(core.StatusRetrievalFailed, "M1", "A1")
	ctx := context.Background()

	// A file where the job's directory belongs.
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.Root(), fmt.Sprint(job.ID)), nil, 0o600))

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	requireStatus(t, err, imaging.StatusOutOfResources)

	f.rcv.Release(ctx, assoc)
	got := f.mem.Get(job.ID)
	assert.Equal(t, core.StatusRetrievalFailed, got.Status)
	assert.Empty(t, f.mem.History(job.ID))
}

func TestStore_StoreFailureIsRejected(t *testing.T) {
	f := newFixture(t)
	f.mem.FailOn("JobsByPatientAndAccession", &core.StoreError{Op: "find jobs", Err: errors.New("locked")})
	ctx := context.Background()
	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer f.rcv.Release(ctx, assoc)

	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	requireStatus(t, err, imaging.StatusProcessingFailure)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestStore_RealDicomObject(t *testing.T) {
	mem := coretest.NewMemoryStore()
	layout := staging.New(t.TempDir())
	rcv := New(mem, layout)
	job := mem.Add(&core.Job{Status: core.StatusRetrievalStarted, Exam: &core.Exam{MRN: "MRN42", AccessionNumber: "ACC42"}})
	ctx := context.Background()

	assoc, _ := rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	defer rcv.Release(ctx, assoc)

	data := imagingtest.Part10(imaging.Header{
		MRN:             "MRN42",
		AccessionNumber: "ACC42",
		StudyUID:        "1.2.840.99.1",
		InstanceUID:     "1.2.840.99.1.1",
		SOPClassUID:     imagingtest.CTImageStorage,
	})
	stored, err := rcv.Store(ctx, assoc, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []int64{job.ID}, stored.JobIDs)

	path, err := layout.InstancePath(staging.Location{JobID: job.ID, MRN: "MRN42", AccessionNumber: "ACC42", StudyUID: "1.2.840.99.1"}, "1.2.840.99.1.1")
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	spool, err := os.ReadDir(filepath.Join(layout.Root(), ".spool"))
	require.NoError(t, err)
	assert.Empty(t, spool, "spooled copy removed")
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry on release
// ──────────────────────────────────────────────────────────────────────────────

func TestStore_RestartsFailedJobsOncePerAssociation(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(core.StatusUnableToFindImages, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	for _, uid := range []string{"1.2.3.1", "1.2.3.2"} {
		_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", uid))
		require.NoError(t, err)
	}

	got := f.mem.Get(job.ID)
	assert.Equal(t, core.StatusRetrievalStarted, got.Status)
	assert.Equal(t, MsgReceiving, got.StatusMessage)
	assert.Len(t, f.mem.History(job.ID), 1)

	events := f.bus.Subscribe(10)
	f.rcv.Release(ctx, assoc)

	got = f.mem.Get(job.ID)
	assert.Equal(t, core.StatusWaitingForPrepare, got.Status)
	assert.Equal(t, MsgRetried, got.StatusMessage)

	var released *core.AssociationReleased
	for released == nil {
		if e, ok := (<-events).(*core.AssociationReleased); ok {
			released = e
		}
	}
	assert.Equal(t, []int64{job.ID}, released.Retried)
	assert.Equal(t, assoc.ID(), released.AssociationID)
}

func TestRelease_LeavesJobsThatMovedOn(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(core.StatusRetrievalFailed, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	require.NoError(t, err)

	// A worker finished the job before the association closed.
	snapshot := f.mem.Get(job.ID)
	require.NoError(t, f.mem.UpdateStatus(ctx, snapshot, core.StatusWaitingForTransfer, ""))

	f.rcv.Release(ctx, assoc)
	assert.Equal(t, core.StatusWaitingForTransfer, f.mem.Get(job.ID).Status)
}

func TestRelease_SkipsJobsOwnedByWorker(t *testing.T) {
	f := newFixture(t, WithActivity(func(id int64) bool { return true }))
	job := f.addJob(core.StatusFailedToPrepare, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	require.NoError(t, err)
	f.rcv.Release(ctx, assoc)

	assert.Equal(t, core.StatusRetrievalStarted, f.mem.Get(job.ID).Status)
}

func TestRelease_ActiveRetrievalIsNotACandidate(t *testing.T) {
	f := newFixture(t)
	job := f.addJob(core.StatusRetrievalStarted, "M1", "A1")
	ctx := context.Background()

	assoc, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "PACS"})
	_, err := f.rcv.Store(ctx, assoc, object("M1", "A1", "1.2.3", "1.2.3.1"))
	require.NoError(t, err)
	f.rcv.Release(ctx, assoc)

	assert.Equal(t, core.StatusRetrievalStarted, f.mem.Get(job.ID).Status)
	assert.Empty(t, f.mem.History(job.ID))
}

func TestRelease_StateDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "A"})
	second, _ := f.rcv.Accept(ctx, imaging.Peer{AETitle: "B"})
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 2, f.rcv.Open())

	f.rcv.Release(ctx, first)
	f.rcv.Release(ctx, second)
	assert.Zero(t, f.rcv.Open())

	_, err := f.rcv.Store(ctx, first, object("M1", "A1", "1.2.3", "1.2.3.1"))
	assert.ErrorIs(t, err, core.ErrForeignAssociation)

	other := New(f.store, f.layout)
	foreign, _ := other.Accept(ctx, imaging.Peer{AETitle: "C"})
	_, err = f.rcv.Store(ctx, foreign, object("M1", "A1", "1.2.3", "1.2.3.1"))
	assert.ErrorIs(t, err, core.ErrForeignAssociation)
	f.rcv.Release(ctx, foreign)
	assert.Equal(t, 1, other.Open(), "foreign release ignored")
}
