package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
)

// Arrival is the outcome of waiting for a study's objects.
type Arrival struct {
	Received int
	// Expected is the count still trusted when the wait ended; 0 if unknown.
	Expected int
	TimedOut bool
	// Resets counts how often progress pushed the deadline out.
	Resets int
}

// awaitArrival polls the staged object count until expected objects are
// present or the count has not changed for the arrival timeout. A count
// above a nonzero expected makes expected untrusted for the rest of the
// wait.
func (r *Retriever) awaitArrival(ctx context.Context, job *core.Job, loc staging.Location, expected int) Arrival {
	clk := r.config.Clock
	timeout := r.config.ArrivalTimeout

	res := Arrival{Expected: expected}
	last := -1
	deadline := clk.Now().Add(timeout)
	var lastPublished time.Time

	for {
		count, err := r.layout.Count(loc)
		if err != nil {
			r.logger.Warn("unable to count staged objects", "job_id", job.ID, "study_uid", loc.StudyUID, "error", err)
			count = max(last, 0)
		}

		now := clk.Now()
		if count != last {
			if last >= 0 {
				res.Resets++
			}
			last = count
			deadline = now.Add(timeout)
		}
		res.Received = count

		if res.Expected > 0 && count > res.Expected {
			r.logger.Warn("more objects than expected, ignoring expected count",
				"job_id", job.ID, "study_uid", loc.StudyUID, "received", count, "expected", res.Expected)
			res.Expected = 0
		}
		if res.Expected > 0 && count == res.Expected {
			return res
		}
		if !now.Before(deadline) {
			res.TimedOut = true
			return res
		}

		if lastPublished.IsZero() || now.Sub(lastPublished) >= r.config.ProgressInterval {
			lastPublished = now
			r.publishProgress(ctx, job, waitingMessage(loc.StudyUID, res, deadline.Sub(now)))
		}

		if err := clk.Sleep(ctx, r.config.PollInterval); err != nil {
			res.TimedOut = errors.Is(err, context.DeadlineExceeded)
			return res
		}
	}
}

func waitingMessage(studyUID string, a Arrival, remaining time.Duration) string {
	total := "unknown"
	if a.Expected > 0 {
		total = fmt.Sprint(a.Expected)
	}
	return fmt.Sprintf("Waiting for study %s. Received %d of %s objects. Timeout in %ds.",
		studyUID, a.Received, total, int(remaining.Round(time.Second)/time.Second))
}
