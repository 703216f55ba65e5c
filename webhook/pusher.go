package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MergeStrategyReplace tells the display to drop variables not in the payload.
	MergeStrategyReplace = "replace"

	deliveryHeader = "X-Statuslanes-Delivery"
	attemptHeader  = "X-Statuslanes-Attempt"
	maxErrorBody   = 512
)

// ErrNoWebhookURL is returned when a device has no webhook configured.
var ErrNoWebhookURL = errors.New("webhook url not configured")

// Payload is the body posted to a display webhook.
type Payload struct {
	MergeVariables map[string]string `json:"merge_variables"`
	MergeStrategy  string            `json:"merge_strategy"`
}

// NewPayload wraps vars with the replace merge strategy.
func NewPayload(vars map[string]string) Payload {
	if vars == nil {
		vars = make(map[string]string)
	}
	return Payload{MergeVariables: vars, MergeStrategy: MergeStrategyReplace}
}

// DeliveryError is returned once retries are exhausted or a permanent
// failure occurred.
type DeliveryError struct {
	URL        string
	DeliveryID string
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery %s failed after %d attempt(s): %v", e.DeliveryID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StatusCode returns the last HTTP status seen, or 0 for transport errors.
func (e *DeliveryError) StatusCode() int {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}

// Pusher posts payloads to webhooks with bounded retry.
type Pusher struct {
	client *http.Client
	policy RetryPolicy
}

// NewPusher builds a Pusher. A nil client gets a 10s timeout client.
func NewPusher(client *http.Client, policy RetryPolicy) *Pusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pusher{client: client, policy: policy}
}

// Push delivers payload to url.
func (p *Pusher) Push(ctx context.Context, url string, payload Payload) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrNoWebhookURL
	}
	if err := CheckURL(url); err != nil {
		return &DeliveryError{URL: url, Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	deliveryID := uuid.NewString()
	attempts, err := Retry(ctx, p.policy, func(ctx context.Context, attempt int) error {
		err := p.post(ctx, url, deliveryID, attempt, body)
		if err != nil && attempt < p.policy.MaxAttempts && IsTransient(err) {
			log.Printf("Webhook: transient failure delivery=%s attempt=%d: %v", deliveryID, attempt, err)
		}
		return err
	})
	if err != nil {
		return &DeliveryError{URL: url, DeliveryID: deliveryID, Attempts: attempts, Err: err}
	}
	return nil
}

func (p *Pusher) post(ctx context.Context, url, deliveryID string, attempt int, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deliveryHeader, deliveryID)
	req.Header.Set(attemptHeader, strconv.Itoa(attempt))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
