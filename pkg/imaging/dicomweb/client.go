// Package dicomweb binds the imaging ports to DICOMweb: QIDO-RS for study
// discovery, WADO-RS for retrieval and STOW-RS for inbound objects.
//
// A WADO-RS retrieve is pushed part by part into the local StoreService over
// a single association, the same path objects take when a remote archive
// stores them unsolicited.
package dicomweb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

const (
	tagStudyInstanceUID                    = "0020000D"
	tagNumberOfStudyRelatedInstances       = "00201208"
	mediaTypeDicomJSON                     = "application/dicom+json"
	mediaTypeDicom                         = "application/dicom"
	acceptMultipartDicom                   = `multipart/related; type="application/dicom"`
	maxErrorBody                     int64 = 1024
)

// Client implements imaging.Client against DICOMweb services.
type Client struct {
	http   *http.Client
	config ClientConfig
	logger *slog.Logger
}

var _ imaging.Client = (*Client)(nil)

// NewClient creates a client.
func NewClient(opts ...ClientOption) *Client {
	config := DefaultClientConfig()
	for _, opt := range opts {
		opt.applyClient(&config)
	}

	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{http: hc, config: config, logger: config.Logger}
}

func (c *Client) baseURL(device core.Device) *url.URL {
	path := c.config.BasePath
	if strings.Contains(path, "%s") {
		path = fmt.Sprintf(path, url.PathEscape(device.AETitle))
	}
	return &url.URL{
		Scheme: c.config.Scheme,
		Host:   net.JoinHostPort(device.Host, strconv.Itoa(device.Port)),
		Path:   strings.TrimRight(path, "/"),
	}
}

func (c *Client) get(ctx context.Context, u *url.URL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		comment := strings.TrimSpace(string(body))
		if comment == "" {
			comment = http.StatusText(resp.StatusCode)
		}
		return nil, &core.RemoteError{Code: resp.StatusCode, Comment: comment}
	}
	return resp, nil
}

// attribute is one element of a DICOM JSON dataset.
type attribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value"`
}

type dataset map[string]attribute

func (d dataset) str(tag string) string {
	a, ok := d[tag]
	if !ok || len(a.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Value[0], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// integer reads an IS value, which archives send as a number or a string.
func (d dataset) integer(tag string) int {
	a, ok := d[tag]
	if !ok || len(a.Value) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(a.Value[0], &v); err != nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

// FindStudies runs a study-level QIDO-RS query for the exam.
func (c *Client) FindStudies(ctx context.Context, device core.Device, mrn, accessionNumber string) ([]core.StudyLookupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	u := c.baseURL(device)
	u.Path += "/studies"
	q := url.Values{}
	q.Set("PatientID", mrn)
	q.Set("AccessionNumber", accessionNumber)
	q.Set("includefield", tagNumberOfStudyRelatedInstances)
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u, mediaTypeDicomJSON)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var matches []dataset
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: decode QIDO response: %w", core.ErrTransport, err)
	}

	results := make([]core.StudyLookupResult, 0, len(matches))
	for _, m := range matches {
		uid := m.str(tagStudyInstanceUID)
		if uid == "" {
			c.logger.Warn("skipped study without UID", "device", device.AETitle, "mrn", mrn, "accession", accessionNumber)
			continue
		}
		results = append(results, core.StudyLookupResult{
			StudyUID:      uid,
			Device:        device,
			ExpectedCount: max(m.integer(tagNumberOfStudyRelatedInstances), 0),
		})
	}
	return results, nil
}

// RetrieveStudy fetches a study with WADO-RS and stores every part through
// the destination StoreService. Parts the destination rejects count as
// failed sub-operations.
func (c *Client) RetrieveStudy(ctx context.Context, device core.Device, studyUID string, progress imaging.ProgressFunc) (imaging.Progress, error) {
	var p imaging.Progress
	if c.config.Destination == nil {
		return p, errors.New("dicomweb: no retrieve destination configured")
	}

	// Timeout bounds how long the remote may stay silent, not the whole
	// transfer: every byte received pushes the deadline out.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.config.Timeout, func() {
		cancel(fmt.Errorf("%w: no data from %s for %s", core.ErrTransport, device.AETitle, c.config.Timeout))
	})
	defer idle.Stop()
	stalled := func(err error) error {
		if cause := context.Cause(ctx); errors.Is(cause, core.ErrTransport) {
			return cause
		}
		return err
	}

	u := c.baseURL(device)
	u.Path += "/studies/" + url.PathEscape(studyUID)

	resp, err := c.get(ctx, u, acceptMultipartDicom)
	if err != nil {
		return p, stalled(err)
	}
	defer resp.Body.Close()
	idle.Reset(c.config.Timeout)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return p, &core.RemoteError{Code: resp.StatusCode, Comment: "unexpected content type " + resp.Header.Get("Content-Type")}
	}

	dest := c.config.Destination
	assoc, err := dest.Accept(ctx, imaging.Peer{AETitle: device.AETitle, Addr: u.Host})
	if err != nil {
		return p, fmt.Errorf("open association: %w", err)
	}
	defer dest.Release(context.WithoutCancel(ctx), assoc)

	body := &idleReader{r: resp.Body, timer: idle, timeout: c.config.Timeout}
	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p, stalled(fmt.Errorf("%w: read multipart: %w", core.ErrTransport, err))
		}

		_, err = dest.Store(ctx, assoc, part)
		_ = part.Close()
		var rejected *imaging.StoreError
		switch {
		case errors.As(err, &rejected):
			p.Failed++
			c.logger.Warn("retrieved object rejected", "study_uid", studyUID, "device", device.AETitle, "status", rejected.Status, "comment", rejected.Comment)
		case err != nil:
			return p, stalled(err)
		default:
			p.Completed++
		}
		idle.Reset(c.config.Timeout)

		if progress != nil {
			progress(p)
		}
	}
	return p, nil
}

// idleReader pushes timer out by timeout whenever data arrives.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(b []byte) (int, error) {
	n, err := ir.r.Read(b)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// Echo checks the device answers a minimal QIDO-RS query.
func (c *Client) Echo(ctx context.Context, device core.Device) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	u := c.baseURL(device)
	u.Path += "/studies"
	u.RawQuery = "limit=1"

	resp, err := c.get(ctx, u, mediaTypeDicomJSON)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
