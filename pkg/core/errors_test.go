package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&StoreError{Op: "update status", Err: cause})

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "update status")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{Code: 0xA701, Comment: "Refused: Out of Resources"}
	assert.Equal(t, "remote error 0xA701: Refused: Out of Resources", err.Error())

	bare := &RemoteError{Code: 0xC000}
	assert.Equal(t, "remote error 0xC000", bare.Error())
}

func TestErrorVariables(t *testing.T) {
	assert.Contains(t, ErrStaleStatus.Error(), "status changed")
	assert.Contains(t, ErrNoPendingJobs.Error(), "no pending jobs")
	assert.Contains(t, ErrInvalidTransition.Error(), "invalid job status transition")
}
