package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound        = errors.New("prepcontent: job not found")
	ErrStaleStatus        = errors.New("prepcontent: job status changed since it was read")
	ErrInvalidTransition  = errors.New("prepcontent: invalid job status transition")
	ErrStoreUnavailable   = errors.New("prepcontent: job store unavailable")
	ErrNoPendingJobs      = errors.New("prepcontent: no pending jobs associated with this study")
	ErrStopTimeout        = errors.New("prepcontent: timed out waiting for monitor to stop")
	ErrTransport          = errors.New("prepcontent: transport failure")
	ErrMonitorRunning     = errors.New("prepcontent: monitor already running")
	ErrForeignAssociation = errors.New("prepcontent: association was not opened by this receiver")
	ErrInvalidUID         = errors.New("prepcontent: invalid DICOM UID")
	ErrUnsafePathSegment  = errors.New("prepcontent: identifier cannot be used as a path segment")
)

// StoreError wraps a failure of a Job Store operation. It matches
// ErrStoreUnavailable with errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports ErrStoreUnavailable as a match.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// RemoteError reports a non-success completion from a remote archive. Code and
// Comment are the peer's diagnostics, kept verbatim for operators.
type RemoteError struct {
	Code    int
	Comment string
}

func (e *RemoteError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("remote error 0x%04X", e.Code)
	}
	return fmt.Sprintf("remote error 0x%04X: %s", e.Code, e.Comment)
}
