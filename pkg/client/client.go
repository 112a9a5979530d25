// Package client is the HTTP client for the sds server. Every request is
// signed with the configured identity and key.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fruitsalade/sds/pkg/protocol"
	"github.com/fruitsalade/sds/pkg/retry"
)

// APIError is a non-success response from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	if e.Message == "" {
		msg = fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsConflict reports a lease conflict or a busy artifact.
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

// IsUnauthorized reports a rejected signature or missing grant.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsNotFound reports an unknown artifact or file.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Identity    string
	Key         string
	Timeout     time.Duration
	RetryConfig retry.Config
	Clock       clockwork.Clock
}

// Client talks to one sds server.
type Client struct {
	baseURL     string
	identity    string
	key         string
	httpClient  *http.Client
	retryConfig retry.Config
	clock       clockwork.Clock
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		identity: cfg.Identity,
		key:      cfg.Key,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		clock:       cfg.Clock,
	}
}

// artifactURL builds /artifacts/{artifact}[/{path}] with signature and
// extra parameters.
func (c *Client) artifactURL(artifact, suffix string, params url.Values) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/artifacts")
	if artifact != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(artifact))
	}
	if suffix != "" {
		for _, seg := range strings.Split(suffix, "/") {
			b.WriteString("/")
			b.WriteString(url.PathEscape(seg))
		}
	}

	q := url.Values{}
	if c.identity != "" {
		q = protocol.SignedQuery(c.identity, c.key, c.clock.Now())
	}
	for k, v := range params {
		q[k] = v
	}
	b.WriteString("?")
	b.WriteString(q.Encode())
	return b.String()
}

// do sends req and decodes a JSON success body into out. Failures are
// returned as *APIError.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := readAPIError(resp)
		if resp.StatusCode >= 500 {
			return retry.Retryable(apiErr)
		}
		return apiErr
	}

	var env protocol.Envelope
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Retryable(fmt.Errorf("read response: %w", err))
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}
	var er protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&er); err == nil {
		apiErr.Message = er.Message
		apiErr.RequestID = er.RequestID
	}
	return apiErr
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var resp protocol.HealthResponse
	if err := c.get(ctx, c.baseURL+"/health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// Artifacts lists the artifacts visible to the configured identity.
func (c *Client) Artifacts(ctx context.Context) ([]protocol.ArtifactInfo, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]protocol.ArtifactInfo, error) {
		var resp protocol.ArtifactsResponse
		if err := c.get(ctx, c.artifactURL("", "", nil), &resp); err != nil {
			return nil, err
		}
		return resp.Artifacts, nil
	})
}

// Index fetches the current file listing of artifact.
func (c *Client) Index(ctx context.Context, artifact string) ([]protocol.FileEntry, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() ([]protocol.FileEntry, error) {
		var resp protocol.IndexResponse
		if err := c.get(ctx, c.artifactURL(artifact, "_index", nil), &resp); err != nil {
			return nil, err
		}
		return resp.Files, nil
	})
}

// NewVersion begins an upload transaction and returns its token.
func (c *Client) NewVersion(ctx context.Context, artifact string) (string, error) {
	var resp protocol.NewVersionResponse
	if err := c.get(ctx, c.artifactURL(artifact, "_new-version", nil), &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("server returned no token")
	}
	return resp.Token, nil
}

// Put uploads one file into the transaction. size may be -1 when unknown.
func (c *Client) Put(ctx context.Context, artifact, token, rel string, body io.Reader, size int64, contentHash string) error {
	u := c.artifactURL(artifact, "", url.Values{
		protocol.ParamPath:        {rel},
		protocol.ParamToken:       {token},
		protocol.ParamContentHash: {contentHash},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.do(req, nil)
}

// Delete removes a file or directory from the transaction.
func (c *Client) Delete(ctx context.Context, artifact, token, rel string) error {
	u := c.artifactURL(artifact, "", url.Values{
		protocol.ParamPath:  {rel},
		protocol.ParamToken: {token},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Finalize commits the transaction.
func (c *Client) Finalize(ctx context.Context, artifact, token string) error {
	return c.get(ctx, c.artifactURL(artifact, "_finalize", url.Values{protocol.ParamToken: {token}}), nil)
}

// FinalizeError aborts the transaction.
func (c *Client) FinalizeError(ctx context.Context, artifact, token string) error {
	return c.get(ctx, c.artifactURL(artifact, "_finalize-error", url.Values{protocol.ParamToken: {token}}), nil)
}

// Download opens one file of the current generation. The caller closes the
// body. The returned size is -1 when the server did not announce it.
func (c *Client) Download(ctx context.Context, artifact, rel string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.artifactURL(artifact, rel, nil), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, retry.Retryable(fmt.Errorf("download %s: %w", rel, err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := readAPIError(resp)
		if resp.StatusCode >= 500 {
			return nil, 0, retry.Retryable(apiErr)
		}
		return nil, 0, apiErr
	}
	return resp.Body, resp.ContentLength, nil
}
