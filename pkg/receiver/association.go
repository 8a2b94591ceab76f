package receiver

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

// association is the state a Receiver keeps for one open session. It is
// dropped on Release.
type association struct {
	id    string
	peer  imaging.Peer
	owner *Receiver

	// serial orders Store calls; cached job snapshots are updated in place.
	serial sync.Mutex

	mu    sync.Mutex
	jobs  map[core.ExamKey][]*core.Job
	tried map[int64]struct{}
	retry map[int64]struct{}
}

var _ imaging.Association = (*association)(nil)

func newAssociation(owner *Receiver, peer imaging.Peer) *association {
	return &association{
		id:    uuid.NewString(),
		peer:  peer,
		owner: owner,
		jobs:  make(map[core.ExamKey][]*core.Job),
		tried: make(map[int64]struct{}),
		retry: make(map[int64]struct{}),
	}
}

func (a *association) ID() string         { return a.id }
func (a *association) Peer() imaging.Peer { return a.peer }

// resolve returns the receivable jobs of an exam, querying the store the
// first time the exam is seen. Empty results are not cached so jobs created
// while the association is open are still found.
func (a *association) resolve(ctx context.Context, store core.JobStore, key core.ExamKey) ([]*core.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if jobs, ok := a.jobs[key]; ok {
		return jobs, nil
	}

	jobs, err := store.JobsByPatientAndAccession(ctx, key.MRN, key.AccessionNumber, core.ReceivableStatuses...)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		a.jobs[key] = jobs
	}
	return jobs, nil
}

// claim reports whether this is the association's first attempt to restart
// the job.
func (a *association) claim(jobID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tried[jobID]; ok {
		return false
	}
	a.tried[jobID] = struct{}{}
	return true
}

// addRetry registers a job restarted by this association.
func (a *association) addRetry(jobID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retry[jobID] = struct{}{}
}

// candidates returns the retry candidates ordered by id.
func (a *association) candidates() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int64, 0, len(a.retry))
	for id := range a.retry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
