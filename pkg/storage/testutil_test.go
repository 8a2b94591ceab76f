package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// newTestStorage opens a migrated store for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a private shared-cache in-memory SQLite database.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()

	cfg := OpenConfig{Driver: DriverSQLite, DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"}
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		cfg = OpenConfig{Driver: DriverPostgres, DSN: dsn, Pool: PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2}}
	}

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err, "open test db")
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")

	if !s.IsSQLite() {
		// Clean before AND after to ensure test isolation.
		cleanupDB(s)
		t.Cleanup(func() { cleanupDB(s) })
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// cleanupDB deletes all rows so tests are isolated without requiring a fresh
// database per test.
func cleanupDB(s *GormStorage) {
	for _, tbl := range []string{"transactions", "jobs", "exams", "devices"} {
		s.DB().Exec("DELETE FROM " + tbl)
	}
}

// seedJob creates an exam and a job for it.
func seedJob(t *testing.T, s *GormStorage, mrn, acc string, status core.JobStatus) *core.Job {
	t.Helper()
	ctx := context.Background()

	exam := &core.Exam{MRN: mrn, AccessionNumber: acc, Status: core.ExamFinalized, StatusTimestamp: time.Now().Add(-time.Hour)}
	require.NoError(t, s.CreateExam(ctx, exam))

	job := &core.Job{ExamID: exam.ID, Status: status, DelayInHours: 1}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}
