package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// IsRetryableError determines if a store error is worth retrying.
// Returns false for errors that indicate permanent failures or lost races.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Domain outcomes: retrying cannot change the answer.
	if errors.Is(err, core.ErrStaleStatus) ||
		errors.Is(err, core.ErrJobNotFound) ||
		errors.Is(err, core.ErrInvalidTransition) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCode(pgErr.Code)
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unknown failures are usually connection trouble; the retry budget
	// is bounded anyway.
	return true
}

func retryablePgCode(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", // connection exception
		"40", // transaction rollback: serialization failure, deadlock
		"53": // insufficient resources
		return true
	}
	// admin_shutdown, crash_shutdown, cannot_connect_now
	return code == "57P01" || code == "57P02" || code == "57P03"
}
