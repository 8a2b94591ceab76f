package prepcontent

import (
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/storage"
)

// Errors returned by the service and its store.
var (
	ErrJobNotFound       = core.ErrJobNotFound
	ErrStaleStatus       = core.ErrStaleStatus
	ErrInvalidTransition = core.ErrInvalidTransition
	ErrStoreUnavailable  = core.ErrStoreUnavailable
	ErrNoPendingJobs     = core.ErrNoPendingJobs
	ErrStopTimeout       = core.ErrStopTimeout
	ErrTransport         = core.ErrTransport
	ErrMonitorRunning    = core.ErrMonitorRunning
)

type (
	// StoreError wraps a failed job store operation.
	StoreError = core.StoreError

	// RemoteError reports a non-success status from a remote archive.
	RemoteError = core.RemoteError
)

// IsRetryable reports whether a store error is worth retrying.
func IsRetryable(err error) bool {
	return storage.IsRetryableError(err)
}
