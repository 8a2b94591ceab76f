package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// discovery is the merged result of querying every device.
type discovery struct {
	studies []core.StudyLookupResult
	failed  int
	err     error // last device failure
}

// discover queries all devices concurrently. A failing device does not stop
// the others; its error is counted.
func (r *Retriever) discover(ctx context.Context, devices []core.Device, mrn, acc string) discovery {
	perDevice := make([][]core.StudyLookupResult, len(devices))
	errs := make([]error, len(devices))

	var g errgroup.Group
	for i, device := range devices {
		g.Go(func() error {
			found, err := r.client.FindStudies(ctx, device, mrn, acc)
			if err != nil {
				errs[i] = err
				return nil
			}
			for _, s := range found {
				r.logger.Info("found study",
					"device", device.AETitle, "study_uid", s.StudyUID, "expected", s.ExpectedCount)
			}
			perDevice[i] = found
			return nil
		})
	}
	_ = g.Wait()

	var d discovery
	for i, err := range errs {
		if err != nil {
			d.failed++
			d.err = err
			r.logger.Warn("study discovery failed", "device", devices[i].AETitle, "error", err)
		}
	}
	d.studies = Deduplicate(perDevice...)
	return d
}

// allFailed reports whether every device failed to answer.
func (d discovery) allFailed(devices int) bool {
	return devices > 0 && d.failed == devices
}

// Deduplicate merges per-device results, in device order, into one entry
// per study UID. When several devices report a study the one announcing the
// larger expected count wins; on a tie the first seen is kept. Output order
// follows first appearance. Blank study UIDs are dropped.
func Deduplicate(perDevice ...[]core.StudyLookupResult) []core.StudyLookupResult {
	index := make(map[string]int)
	var out []core.StudyLookupResult

	for _, results := range perDevice {
		for _, res := range results {
			if res.StudyUID == "" {
				continue
			}
			if res.ExpectedCount < 0 {
				res.ExpectedCount = 0
			}
			i, seen := index[res.StudyUID]
			if !seen {
				index[res.StudyUID] = len(out)
				out = append(out, res)
				continue
			}
			if res.ExpectedCount > out[i].ExpectedCount {
				out[i] = res
			}
		}
	}
	return out
}

var errNoDevices = errors.New("no remote devices configured")
