package imaging

import (
	"context"
	"fmt"
	"io"
)

// DIMSE status codes used in store responses.
const (
	StatusSuccess              = 0x0000
	StatusProcessingFailure    = 0x0110
	StatusSOPClassNotSupported = 0x0122
	StatusOutOfResources       = 0xA700
	StatusCannotUnderstand     = 0xC000
	StatusSubOpsFailed         = 0xB000
)

// Peer describes the remote end of an association.
type Peer struct {
	AETitle string
	Addr    string
}

func (p Peer) String() string {
	if p.AETitle == "" {
		return p.Addr
	}
	return p.AETitle + "@" + p.Addr
}

// Association is the per-session handle a StoreService hands out on accept.
// It is passed back on every Store call and on Release.
type Association interface {
	ID() string
	Peer() Peer
}

// StoreService receives objects pushed by remote archives. The server calls
// Accept when a session opens, Store once per object and Release exactly once
// when the session ends, whatever the outcome.
type StoreService interface {
	Accept(ctx context.Context, peer Peer) (Association, error)
	Store(ctx context.Context, assoc Association, object io.Reader) (*StoredObject, error)
	Release(ctx context.Context, assoc Association)
}

// StoredObject describes an object after it has been filed.
type StoredObject struct {
	Header Header
	JobIDs []int64
}

// StoreError is a protocol-level rejection of one inbound object.
type StoreError struct {
	Status  uint16
	Comment string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store rejected 0x%04X: %s: %v", e.Status, e.Comment, e.Err)
	}
	return fmt.Sprintf("store rejected 0x%04X: %s", e.Status, e.Comment)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Reject builds a StoreError.
func Reject(status uint16, comment string, err error) *StoreError {
	return &StoreError{Status: status, Comment: comment, Err: err}
}
