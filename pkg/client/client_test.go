package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sds/pkg/protocol"
	"github.com/fruitsalade/sds/pkg/retry"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:  srv.URL,
		Identity: "ci",
		Key:      "secret",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestRequestsAreSigned(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "ci", q.Get(protocol.ParamUser))
		ts, err := strconv.ParseInt(q.Get(protocol.ParamTimestamp), 10, 64)
		require.NoError(t, err)
		assert.Equal(t, protocol.Sign("ci", ts, "secret"), q.Get(protocol.ParamHash))
		assert.Equal(t, "/artifacts/app/_index", r.URL.Path)
		writeJSON(w, http.StatusOK, protocol.IndexResponse{
			Artifact: "app",
			Files:    []protocol.FileEntry{{Name: "a/b", MD5: "x", Size: 1}},
		})
	})

	files, err := c.Index(t.Context(), "app")
	require.NoError(t, err)
	assert.Equal(t, []protocol.FileEntry{{Name: "a/b", MD5: "x", Size: 1}}, files)
}

func TestErrorEnvelope(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, protocol.ErrorResponse{
			Envelope:  protocol.Envelope{Error: true, Message: "artifact is locked"},
			Code:      http.StatusConflict,
			RequestID: "req-1",
		})
	})

	_, err := c.NewVersion(t.Context(), "app")
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "artifact is locked")
	assert.Contains(t, err.Error(), "(request req-1)")
}

func TestErrorFlagOnSuccessStatus(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.Envelope{Error: true, Message: "nope"})
	})
	err := c.Finalize(t.Context(), "app", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRetriesServerErrorsOnReads(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, protocol.ArtifactsResponse{
			Artifacts: []protocol.ArtifactInfo{{Name: "app"}},
		})
	})

	arts, err := c.Artifacts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []protocol.ArtifactInfo{{Name: "app"}}, arts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{
			Envelope: protocol.Envelope{Error: true, Message: "bad signature"},
		})
	})

	_, err := c.Index(t.Context(), "app")
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransactionCalls(t *testing.T) {
	var seen []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, "/_new-version"):
			writeJSON(w, http.StatusOK, protocol.NewVersionResponse{Token: "tok"})
			return
		case r.Method == http.MethodPut:
			assert.Equal(t, "dir/f.txt", q.Get(protocol.ParamPath))
			assert.Equal(t, "tok", q.Get(protocol.ParamToken))
			assert.Equal(t, "abc", q.Get(protocol.ParamContentHash))
			assert.Equal(t, int64(5), r.ContentLength)
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "hello", string(body))
		case r.Method == http.MethodDelete:
			assert.Equal(t, "old", q.Get(protocol.ParamPath))
			assert.Equal(t, "tok", q.Get(protocol.ParamToken))
		default:
			assert.Equal(t, "tok", q.Get(protocol.ParamToken))
		}
		writeJSON(w, http.StatusOK, protocol.Envelope{})
	})

	ctx := t.Context()
	token, err := c.NewVersion(ctx, "app")
	require.NoError(t, err)
	require.Equal(t, "tok", token)
	require.NoError(t, c.Put(ctx, "app", token, "dir/f.txt", strings.NewReader("hello"), 5, "abc"))
	require.NoError(t, c.Delete(ctx, "app", token, "old"))
	require.NoError(t, c.Finalize(ctx, "app", token))
	require.NoError(t, c.FinalizeError(ctx, "app", token))

	assert.Equal(t, []string{
		"GET /artifacts/app/_new-version",
		"PUT /artifacts/app",
		"DELETE /artifacts/app",
		"GET /artifacts/app/_finalize",
		"GET /artifacts/app/_finalize-error",
	}, seen)
}

func TestDownload(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/artifacts/app/sub dir/f.bin" {
			w.Header().Set("Content-Length", "4")
			io.WriteString(w, "data")
			return
		}
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{
			Envelope: protocol.Envelope{Error: true, Message: "not found"},
		})
	})

	body, size, err := c.Download(t.Context(), "app", "sub dir/f.bin")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, int64(4), size)

	_, _, err = c.Download(t.Context(), "app", "missing")
	assert.True(t, IsNotFound(err))
}

func TestPing(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
	})
	assert.NoError(t, c.Ping(t.Context()))
}
