package prepcontent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/config"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging/imagingtest"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/staging"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/storage"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	cfg.Staging.Root = t.TempDir()
	cfg.Monitor.PollInterval = 10 * time.Millisecond
	cfg.Retrieval.ArrivalPollInterval = 10 * time.Millisecond
	cfg.Retrieval.ArrivalTimeout = 500 * time.Millisecond
	cfg.Verify.Schedule = ""
	cfg.SCP.Listen = "127.0.0.1:0"
	return cfg
}

func openTestStore(t *testing.T, cfg *Config) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *Store, mrn, acc string) *Job {
	t.Helper()
	ctx := context.Background()
	exam := &Exam{MRN: mrn, AccessionNumber: acc, Status: ExamFinalized, StatusTimestamp: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateExam(ctx, exam))
	job := &Job{ExamID: exam.ID}
	require.NoError(t, store.CreateJob(ctx, job))
	return job
}

// pushStudy pushes n objects of a study into svc's receiver the way a
// remote archive answering a retrieve would.
func pushStudy(svc *Service, mrn, acc, studyUID string, n int) error {
	ctx := context.Background()
	rcv := svc.Receiver()
	assoc, err := rcv.Accept(ctx, imaging.Peer{AETitle: "PACS", Addr: "pacs.local"})
	if err != nil {
		return err
	}
	defer rcv.Release(ctx, assoc)

	for i := 1; i <= n; i++ {
		obj := imagingtest.Part10(imaging.Header{
			MRN:             mrn,
			AccessionNumber: acc,
			StudyUID:        studyUID,
			InstanceUID:     fmt.Sprintf("%s.%d", studyUID, i),
			SOPClassUID:     imagingtest.CTImageStorage,
		})
		if _, err := rcv.Store(ctx, assoc, bytes.NewReader(obj)); err != nil {
			return err
		}
	}
	return nil
}

func waitForStatus(t *testing.T, store *Store, id int64, want JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := store.JobByID(context.Background(), id)
		return err == nil && job != nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %d never reached %s", id, want)
}

func TestService_StagesExamEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	store := openTestStore(t, cfg)
	ctx := context.Background()

	device := Device{AETitle: "PACS", Host: "pacs.local", Port: 104}
	require.NoError(t, store.CreateDevice(ctx, &device))
	job := seed(t, store, "MRN1", "ACC1")

	client := imagingtest.NewFakeClient()
	client.AddStudy(device, "1.2.840.1", 3)

	reader := sdkmetric.NewManualReader()
	var svc *Service
	client.OnRetrieve(func(ctx context.Context, d core.Device, uid string, progress imaging.ProgressFunc) (imaging.Progress, error) {
		if err := pushStudy(svc, "MRN1", "ACC1", uid, 3); err != nil {
			return imaging.Progress{}, err
		}
		return imaging.Progress{Completed: 3}, nil
	})

	svc, err := New(cfg, store, WithClient(client), WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)
	events := svc.Subscribe(100)
	defer svc.Unsubscribe(events)

	_, err = svc.Monitor().RunCycle(ctx)
	require.NoError(t, err)
	waitForStatus(t, store, job.ID, StatusWaitingForTransfer)
	require.NoError(t, svc.Monitor().Pool().Wait(ctx))

	n, err := svc.Layout().Count(staging.Location{JobID: job.ID, MRN: "MRN1", AccessionNumber: "ACC1", StudyUID: "1.2.840.1"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	history, err := store.History(ctx, job.ID)
	require.NoError(t, err)
	var statuses []JobStatus
	for _, h := range history {
		statuses = append(statuses, h.Status)
	}
	assert.Equal(t, []JobStatus{StatusWaitingForPrepare, StatusRetrievalStarted, StatusWaitingForTransfer}, statuses)

	var finished bool
	for len(events) > 0 {
		if e, ok := (<-events).(*core.RetrievalFinished); ok && e.JobID == job.ID {
			finished = true
		}
	}
	assert.True(t, finished)
}

func TestService_ReceiverRetriesFailedJob(t *testing.T) {
	cfg := testConfig(t)
	store := openTestStore(t, cfg)
	ctx := context.Background()

	job := seed(t, store, "MRN2", "ACC2")
	snapshot, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, snapshot, StatusRetrievalStarted, ""))
	require.NoError(t, store.UpdateStatus(ctx, snapshot, StatusUnableToFindImages, "no studies found"))

	svc, err := New(cfg, store, WithClient(imagingtest.NewFakeClient()))
	require.NoError(t, err)

	require.NoError(t, pushStudy(svc, "MRN2", "ACC2", "1.2.840.2", 2))

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForPrepare, got.Status)
	assert.Equal(t, "retried by receiver", got.StatusMessage)
}

func TestService_RunServesSTOWAndStops(t *testing.T) {
	cfg := testConfig(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.SCP.Listen = l.Addr().String()
	require.NoError(t, l.Close())

	store := openTestStore(t, cfg)
	svc, err := New(cfg, store, WithClient(imagingtest.NewFakeClient()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Post("http://"+cfg.SCP.Listen+"/studies", "application/json", nil)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusUnsupportedMediaType
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestService_RunDrainsRetrievalsOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.DrainTimeout = 5 * time.Second
	store := openTestStore(t, cfg)
	ctx := context.Background()

	device := Device{AETitle: "PACS", Host: "pacs.local", Port: 104}
	require.NoError(t, store.CreateDevice(ctx, &device))
	job := seed(t, store, "MRN3", "ACC3")

	client := imagingtest.NewFakeClient()
	client.AddStudy(device, "1.2.840.3", 1)
	retrieving := make(chan struct{})
	client.OnRetrieve(func(ctx context.Context, d core.Device, uid string, progress imaging.ProgressFunc) (imaging.Progress, error) {
		close(retrieving)
		time.Sleep(100 * time.Millisecond)
		return imaging.Progress{}, nil
	})

	svc, err := New(cfg, store, WithClient(client))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	select {
	case <-retrieving:
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got, err := store.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrievalFailed, got.Status, "worker finished before Run returned")
	assert.Zero(t, svc.Monitor().Pool().Active())
}

func TestService_RunFailsWhenStoreIsClosed(t *testing.T) {
	cfg := testConfig(t)
	store := openTestStore(t, cfg)
	svc, err := New(cfg, store, WithClient(imagingtest.NewFakeClient()), WithStoreRetry(storage.RetryConfig{MaxAttempts: 1}))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = svc.Run(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.Schedule = "not a schedule"
	_, err := New(cfg, openTestStore(t, cfg))
	assert.Error(t, err)
}
