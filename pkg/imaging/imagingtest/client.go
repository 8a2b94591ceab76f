package imagingtest

import (
	"context"
	"sync"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

// RetrieveFunc handles one RetrieveStudy call.
type RetrieveFunc func(ctx context.Context, device core.Device, studyUID string, progress imaging.ProgressFunc) (imaging.Progress, error)

// FakeClient is a scriptable imaging.Client. Results and errors are keyed by
// device AE title.
type FakeClient struct {
	mu        sync.Mutex
	studies   map[string][]core.StudyLookupResult
	findErrs  map[string]error
	echoErrs  map[string]error
	retrieve  RetrieveFunc
	retrieves []string
	finds     int
}

var _ imaging.Client = (*FakeClient)(nil)

// NewFakeClient returns a client that finds nothing and retrieves
// successfully.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		studies:  make(map[string][]core.StudyLookupResult),
		findErrs: make(map[string]error),
		echoErrs: make(map[string]error),
	}
}

// AddStudy makes device report studyUID with expected objects.
func (c *FakeClient) AddStudy(device core.Device, studyUID string, expected int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.studies[device.AETitle] = append(c.studies[device.AETitle], core.StudyLookupResult{
		StudyUID: studyUID, Device: device, ExpectedCount: expected,
	})
}

// FailFind makes queries against the device fail.
func (c *FakeClient) FailFind(aeTitle string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findErrs[aeTitle] = err
}

// FailEcho makes echoes of the device fail.
func (c *FakeClient) FailEcho(aeTitle string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.echoErrs[aeTitle] = err
}

// OnRetrieve installs the retrieve handler.
func (c *FakeClient) OnRetrieve(fn RetrieveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrieve = fn
}

// Retrieves returns "AE/studyUID" for every RetrieveStudy call, in order.
func (c *FakeClient) Retrieves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.retrieves...)
}

// Finds counts FindStudies calls.
func (c *FakeClient) Finds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finds
}

func (c *FakeClient) FindStudies(ctx context.Context, device core.Device, mrn, accessionNumber string) ([]core.StudyLookupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finds++
	if err := c.findErrs[device.AETitle]; err != nil {
		return nil, err
	}
	return append([]core.StudyLookupResult(nil), c.studies[device.AETitle]...), nil
}

func (c *FakeClient) RetrieveStudy(ctx context.Context, device core.Device, studyUID string, progress imaging.ProgressFunc) (imaging.Progress, error) {
	c.mu.Lock()
	c.retrieves = append(c.retrieves, device.AETitle+"/"+studyUID)
	fn := c.retrieve
	c.mu.Unlock()

	if fn == nil {
		return imaging.Progress{}, nil
	}
	return fn(ctx, device, studyUID, progress)
}

func (c *FakeClient) Echo(ctx context.Context, device core.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.echoErrs[device.AETitle]
}
