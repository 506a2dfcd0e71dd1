// Package engine is the HTTP client for the external AI research engine.
//
// The engine exposes POST /research, a synchronous call that runs the full
// research pipeline and can take tens of minutes, and GET /health. The
// response body of a successful call is stored verbatim as the job result.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxResponseBytes caps how much of a research response is read. Reports with
// embedded figures run to a few MB; 32 MB is far above anything observed.
const maxResponseBytes = 32 << 20

// Config holds the engine connection settings (sourced from config.Config).
type Config struct {
	BaseURL string
	// Secret, when non-empty, is sent as a bearer token on every request.
	Secret string
	// RequestTimeout bounds a single research call. Default 30 minutes.
	RequestTimeout time.Duration
}

// Client talks to the research engine. Construct once at startup.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// New creates a Client. The underlying http.Client carries the long research
// timeout; WaitReady uses short per-request timeouts via context instead.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// ResearchRequest is the POST /research payload.
type ResearchRequest struct {
	Task        string     `json:"task"`
	Depth       string     `json:"depth"`
	PaperURL    *string    `json:"paper_url,omitempty"`
	JobID       int64      `json:"job_id"`
	WorkspaceID *uuid.UUID `json:"workspace_id,omitempty"`
}

// Research runs one research call. On success the raw JSON response body is
// returned for verbatim storage. Timeouts, non-2xx statuses, and non-JSON
// bodies are all errors — the caller's retry policy decides what happens next.
func (c *Client) Research(ctx context.Context, r ResearchRequest) (json.RawMessage, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/research", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", strconv.FormatInt(r.JobID, 10))
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: research call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("engine: research returned HTTP %d: %s",
			resp.StatusCode, truncate(data, 200))
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("engine: research returned malformed JSON (%d bytes)", len(data))
	}
	return data, nil
}

// WaitReady polls GET /health with linear backoff until the engine responds
// 200 or the attempt budget runs out. Without a reachable engine no job can
// ever complete, so callers treat an error here as fatal.
func (c *Client) WaitReady(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 30
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.ping(ctx)
		if lastErr == nil {
			return nil
		}
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(min(attempt, 10)) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("engine unreachable after %d attempts: %w", attempts, lastErr)
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("engine: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("engine: health check: %w", err)
	}
	defer resp.Body.Close()                               //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
