// Package api provides the sds HTTP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/klauspost/compress/gzhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/sds/internal/auth"
	"github.com/fruitsalade/sds/internal/lease"
	"github.com/fruitsalade/sds/internal/logging"
	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/internal/repository"
	"github.com/fruitsalade/sds/pkg/protocol"
)

// Store is the transactional repository the handlers drive.
type Store interface {
	BeginNewVersion(ctx context.Context, artifact string) (string, error)
	PutFile(ctx context.Context, artifact, token, rel string, body io.Reader, contentHash string) (int64, error)
	DeleteFile(ctx context.Context, artifact, token, rel string) error
	Finalize(ctx context.Context, artifact, token string) error
	Abort(ctx context.Context, artifact, token string) error
	CurrentIndex(ctx context.Context, artifact string) ([]protocol.FileEntry, error)
	ReadFile(ctx context.Context, artifact, rel string) (afero.File, os.FileInfo, error)
}

// Authorizer decides whether a signed request may proceed.
type Authorizer interface {
	Authorize(req auth.Request) error
	Visible(user, hash string, timestamp int64) []protocol.ArtifactInfo
}

// errProtocol marks malformed requests.
var errProtocol = errors.New("malformed request")

// Server is the sds HTTP server.
type Server struct {
	store         Store
	authz         Authorizer
	maxUploadSize int64
}

// NewServer creates a server. A non-positive maxUploadSize disables the limit.
func NewServer(store Store, authz Authorizer, maxUploadSize int64) *Server {
	return &Server{store: store, authz: authz, maxUploadSize: maxUploadSize}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Listings are JSON and compress well.
	mux.Handle("GET /artifacts", gzhttp.GzipHandler(http.HandlerFunc(s.handleArtifacts)))
	mux.Handle("GET /artifacts/{id}/_index", gzhttp.GzipHandler(http.HandlerFunc(s.handleIndex)))

	// Upload transaction
	mux.HandleFunc("GET /artifacts/{id}/_new-version", s.handleNewVersion)
	mux.HandleFunc("PUT /artifacts/{id}", s.handlePut)
	mux.HandleFunc("DELETE /artifacts/{id}", s.handleDelete)
	mux.HandleFunc("GET /artifacts/{id}/_finalize", s.handleFinalize)
	mux.HandleFunc("GET /artifacts/{id}/_finalize-error", s.handleFinalizeError)

	// Content
	mux.HandleFunc("GET /artifacts/{id}/{path...}", s.handleDownload)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// authorize checks the signature parameters of r for artifact and writes
// the error response when the check fails.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, artifact string, write bool) bool {
	q := r.URL.Query()
	ts, _ := strconv.ParseInt(q.Get(protocol.ParamTimestamp), 10, 64)
	err := s.authz.Authorize(auth.Request{
		Artifact:  artifact,
		User:      q.Get(protocol.ParamUser),
		Hash:      q.Get(protocol.ParamHash),
		Timestamp: ts,
		Write:     write,
	})
	if err != nil {
		s.fail(w, r, artifact, "authorize", err)
		return false
	}
	return true
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ts, _ := strconv.ParseInt(q.Get(protocol.ParamTimestamp), 10, 64)
	sendJSON(w, http.StatusOK, protocol.ArtifactsResponse{
		Artifacts: s.authz.Visible(q.Get(protocol.ParamUser), q.Get(protocol.ParamHash), ts),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	artifact := r.PathValue("id")
	if !s.authorize(w, r, artifact, false) {
		return
	}
	files, err := s.store.CurrentIndex(r.Context(), artifact)
	if err != nil {
		s.fail(w, r, artifact, "index", err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.IndexResponse{Artifact: artifact, Files: files})
}

func (s *Server) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	artifact := r.PathValue("id")
	if !s.authorize(w, r, artifact, true) {
		return
	}
	token, err := s.store.BeginNewVersion(r.Context(), artifact)
	if err != nil {
		s.fail(w, r, artifact, "new-version", err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.NewVersionResponse{Token: token})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	artifact := r.PathValue("id")
	if !s.authorize(w, r, artifact, true) {
		return
	}
	q := r.URL.Query()
	rel, token := q.Get(protocol.ParamPath), q.Get(protocol.ParamToken)
	if rel == "" || token == "" {
		s.fail(w, r, artifact, "put", errors.Join(errProtocol, errors.New("path and token are required")))
		return
	}

	body := io.Reader(r.Body)
	if s.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	n, err := s.store.PutFile(r.Context(), artifact, token, rel, body, q.Get(protocol.ParamContentHash))
	if err != nil {
		s.fail(w, r, artifact, "put", err)
		return
	}
	logging.WithContext(r.Context()).Debug("file uploaded",
		logging.Artifact(artifact), logging.Path(rel), zap.Int64("size", n))
	sendJSON(w, http.StatusOK, protocol.Envelope{})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	artifact := r.PathValue("id")
	if !s.authorize(w, r, artifact, true) {
		return
	}
	q := r.URL.Query()
	rel, token := q.Get(protocol.ParamPath), q.Get(protocol.ParamToken)
	if rel == "" || token == "" {
		s.fail(w, r, artifact, "delete", errors.Join(errProtocol, errors.New("path and token are required")))
		return
	}
	if err := s.store.DeleteFile(r.Context(), artifact, token, rel); err != nil {
		s.fail(w, r, artifact, "delete", err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.Envelope{})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.endTransaction(w, r, "finalize", s.store.Finalize)
}

func (s *Server) handleFinalizeError(w http.ResponseWriter, r *http.Request) {
	s.endTransaction(w, r, "finalize-error", s.store.Abort)
}

func (s *Server) endTransaction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, artifact, token string) error) {
	artifact := r.PathValue("id")
	if !s.authorize(w, r, artifact, true) {
		return
	}
	token := r.URL.Query().Get(protocol.ParamToken)
	if token == "" {
		s.fail(w, r, artifact, op, errors.Join(errProtocol, errors.New("token is required")))
		return
	}
	if err := fn(r.Context(), artifact, token); err != nil {
		s.fail(w, r, artifact, op, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.Envelope{})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	artifact := r.PathValue("id")
	rel := r.PathValue("path")
	if !s.authorize(w, r, artifact, false) {
		return
	}
	f, info, err := s.store.ReadFile(r.Context(), artifact, rel)
	if err != nil {
		s.fail(w, r, artifact, "download", err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, path.Base(rel), info.ModTime(), f)
	metrics.RecordDownload(info.Size())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var integrity *protocol.IntegrityError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, auth.ErrUnknownArtifact),
		errors.Is(err, repository.ErrUnknownArtifact),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case lease.IsLeaseError(err), errors.Is(err, repository.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &integrity),
		errors.Is(err, errProtocol),
		errors.Is(err, repository.ErrInvalidPath),
		errors.Is(err, repository.ErrNoUpload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, artifact, op string, err error) {
	status := statusFor(err)
	logger := logging.WithContext(r.Context())
	fields := []zap.Field{logging.Artifact(artifact), zap.String("op", op), zap.Int("status", status), logging.Err(err)}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request rejected", fields...)
	}
	sendError(w, status, err.Error(), logging.GetRequestID(r.Context()))
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, msg, requestID string) {
	sendJSON(w, status, protocol.ErrorResponse{
		Envelope:  protocol.Envelope{Error: true, Message: msg},
		Code:      status,
		RequestID: requestID,
	})
}
