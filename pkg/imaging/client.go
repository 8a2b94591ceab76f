package imaging

import (
	"context"
	"fmt"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// Progress is a snapshot of a retrieve's sub-operation counters.
type Progress struct {
	Completed int
	Remaining int
	Warning   int
	Failed    int
}

// Total is the number of sub-operations the remote announced so far.
func (p Progress) Total() int {
	return p.Completed + p.Remaining + p.Warning + p.Failed
}

func (p Progress) String() string {
	return fmt.Sprintf("Received %d of %d objects.", p.Completed, p.Total())
}

// ProgressFunc receives pending retrieve responses. It is called on the
// retrieving goroutine and must not block for long.
type ProgressFunc func(Progress)

// Client issues query and retrieve operations against remote archives.
type Client interface {
	// FindStudies returns the studies a device holds for the exam.
	FindStudies(ctx context.Context, device core.Device, mrn, accessionNumber string) ([]core.StudyLookupResult, error)

	// RetrieveStudy asks device to send a study to this node and blocks until
	// the remote reports completion. A remote rejection is returned as
	// *core.RemoteError; no response at all wraps core.ErrTransport.
	RetrieveStudy(ctx context.Context, device core.Device, studyUID string, progress ProgressFunc) (Progress, error)

	// Echo checks that device is reachable.
	Echo(ctx context.Context, device core.Device) error
}

// CheckCompletion converts a final retrieve status into an error when any
// sub-operation did not succeed.
func CheckCompletion(p Progress) error {
	if p.Warning == 0 && p.Failed == 0 {
		return nil
	}
	return &core.RemoteError{
		Code:    StatusSubOpsFailed,
		Comment: fmt.Sprintf("unable to retrieve study: %d warnings and %d failures", p.Warning, p.Failed),
	}
}
