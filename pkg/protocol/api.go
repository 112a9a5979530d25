// Package protocol defines the HTTP request/response types shared by the
// sds server and client.
package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names.
const (
	ParamUser        = "user"
	ParamHash        = "hash"
	ParamTimestamp   = "timestamp"
	ParamToken       = "token"
	ParamPath        = "path"
	ParamContentHash = "contentHash"
)

// SignatureMaxAge is how old a signed timestamp may be before it is rejected.
const SignatureMaxAge = 24 * time.Hour

// Envelope carries the error flag every response starts with.
type Envelope struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Envelope
	Code      int    `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// FileEntry describes one file of an artifact's current generation.
type FileEntry struct {
	Name string `json:"name"`
	CRC  uint32 `json:"crc"`
	MD5  string `json:"md5"`
	Size int64  `json:"size"`
}

// IndexResponse is returned by GET /artifacts/{id}/_index.
type IndexResponse struct {
	Envelope
	Artifact string      `json:"artifact"`
	Files    []FileEntry `json:"files"`
}

// ArtifactInfo is one entry of the artifact listing.
type ArtifactInfo struct {
	Name   string `json:"name"`
	Public bool   `json:"public,omitempty"`
}

// ArtifactsResponse is returned by GET /artifacts.
type ArtifactsResponse struct {
	Envelope
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// NewVersionResponse is returned by GET /artifacts/{id}/_new-version.
type NewVersionResponse struct {
	Envelope
	Token string `json:"token"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IntegrityError reports a checksum or length mismatch for one file.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

// Sign returns the request signature for user at the given unix timestamp.
func Sign(user string, timestamp int64, key string) string {
	sum := md5.Sum([]byte(user + strconv.FormatInt(timestamp, 10) + key))
	return hex.EncodeToString(sum[:])
}

// SignedQuery returns the user, timestamp and hash parameters for a request
// issued at now.
func SignedQuery(user, key string, now time.Time) url.Values {
	ts := now.Unix()
	q := url.Values{}
	q.Set(ParamUser, user)
	q.Set(ParamTimestamp, strconv.FormatInt(ts, 10))
	q.Set(ParamHash, Sign(user, ts, key))
	return q
}
