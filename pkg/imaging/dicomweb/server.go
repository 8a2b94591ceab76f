package dicomweb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

// CallingAEHeader names the request header carrying the sender's AE title.
const CallingAEHeader = "X-Calling-AE"

const (
	tagFailedSOPSequence     = "00081198"
	tagReferencedSOPSequence = "00081199"
	tagReferencedSOPClass    = "00081150"
	tagReferencedSOPInstance = "00081155"
	tagFailureReason         = "00081197"
)

// Server accepts STOW-RS requests. Each request is one association: every
// part is stored through the StoreService and the association is released
// when the body has been consumed.
type Server struct {
	svc    imaging.StoreService
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a STOW-RS endpoint serving POST /studies.
func NewServer(svc imaging.StoreService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /studies", s.handleStore)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HTTPServer wraps the endpoint in an instrumented http.Server.
func (s *Server) HTTPServer(addr string, readTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s, "stow-rs"),
		ReadHeaderTimeout: readTimeout,
	}
}

type jsonValue struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

type jsonDataset map[string]jsonValue

func sopItem(classUID, instanceUID string) jsonDataset {
	item := jsonDataset{}
	if classUID != "" {
		item[tagReferencedSOPClass] = jsonValue{VR: "UI", Value: []any{classUID}}
	}
	if instanceUID != "" {
		item[tagReferencedSOPInstance] = jsonValue{VR: "UI", Value: []any{instanceUID}}
	}
	return item
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" || params["boundary"] == "" {
		http.Error(w, "expected multipart/related", http.StatusUnsupportedMediaType)
		return
	}
	if t := params["type"]; t != "" && t != mediaTypeDicom {
		http.Error(w, "unsupported part type "+t, http.StatusUnsupportedMediaType)
		return
	}

	ctx := r.Context()
	peer := imaging.Peer{AETitle: strings.TrimSpace(r.Header.Get(CallingAEHeader)), Addr: r.RemoteAddr}
	assoc, err := s.svc.Accept(ctx, peer)
	if err != nil {
		s.logger.Error("unable to accept association", "peer", peer.String(), "error", err)
		http.Error(w, "association rejected", http.StatusServiceUnavailable)
		return
	}
	defer s.svc.Release(context.WithoutCancel(ctx), assoc)

	var stored, failed []any
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("malformed STOW-RS body", "association", assoc.ID(), "error", err)
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}

		obj, err := s.svc.Store(ctx, assoc, part)
		_ = part.Close()
		if err != nil {
			failed = append(failed, failureItem(err))
			continue
		}
		stored = append(stored, sopItem(obj.Header.SOPClassUID, obj.Header.InstanceUID))
	}

	if len(stored) == 0 && len(failed) == 0 {
		http.Error(w, "no objects in request", http.StatusBadRequest)
		return
	}

	resp := jsonDataset{}
	if len(stored) > 0 {
		resp[tagReferencedSOPSequence] = jsonValue{VR: "SQ", Value: stored}
	}
	if len(failed) > 0 {
		resp[tagFailedSOPSequence] = jsonValue{VR: "SQ", Value: failed}
	}

	status := http.StatusOK
	switch {
	case len(stored) == 0:
		status = http.StatusConflict
	case len(failed) > 0:
		status = http.StatusAccepted
	}

	w.Header().Set("Content-Type", mediaTypeDicomJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("unable to write STOW-RS response", "association", assoc.ID(), "error", err)
	}
}

// failureItem reports a rejected part. The failure reason is the store
// status, or processing failure for errors without one.
func failureItem(err error) jsonDataset {
	item := jsonDataset{}
	code := uint16(imaging.StatusProcessingFailure)

	var rejected *imaging.StoreError
	if errors.As(err, &rejected) {
		code = rejected.Status
	}
	item[tagFailureReason] = jsonValue{VR: "US", Value: []any{code}}
	return item
}
