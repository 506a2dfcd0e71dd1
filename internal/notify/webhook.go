// ABOUTME: Signed webhook fan-out of job transitions collaborators display live.
// ABOUTME: Best-effort: delivery failures are logged by callers, never affect job state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Event is the payload POSTed to the collaborator webhook when a job enters a
// state shown live (processing, queued-for-retry, completed, failed).
type Event struct {
	JobID      int64     `json:"job_id"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers signed job events to a single configured webhook.
// A nil *Publisher is valid and publishes nothing, so callers never need to
// branch on whether the fan-out is configured.
type Publisher struct {
	client *http.Client
	url    string
	secret string
}

// NewPublisher creates a Publisher, or nil when url is empty (fan-out
// disabled). client should be the safeurl-wrapped production client.
func NewPublisher(client *http.Client, url, secret string) *Publisher {
	if url == "" {
		return nil
	}
	return &Publisher{client: client, url: url, secret: secret}
}

// Publish posts ev to the webhook, signed with HMAC-SHA256 over
// "timestamp.body". No-op on a nil receiver.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(ts + "." + string(payload)))
	req.Header.Set("X-Research-Timestamp", ts)
	req.Header.Set("X-Research-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("event POST: %w", err)
	}
	defer resp.Body.Close()                              //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
