/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package webhook emits a best-effort notification on automatic canary
// rollback. Delivery never blocks or fails the rollback it reports.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/canarylabs/promptcanary/internal/metrics"
)

const (
	postTimeout         = 5 * time.Second
	rateLimitInterval   = 1 * time.Minute
	maxRetries          = 3
	initialRetryBackoff = 1 * time.Second
	backoffMultiplier   = 2
	contentTypeJSON     = "application/json"
)

// Payload is the JSON body POSTed on automatic rollback.
type Payload struct {
	Type       string  `json:"type"`
	PromptID   int64   `json:"prompt_id"`
	Message    string  `json:"message"`
	CanaryAvg  float64 `json:"canary_avg"`
	ActiveAvg  float64 `json:"active_avg"`
}

// Dispatcher posts rollback notifications to a single configured URL.
// If the URL is empty, Fire is a no-op.
type Dispatcher struct {
	url        string
	httpClient *http.Client
	logger     logr.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	lastFired map[int64]time.Time
}

// NewDispatcher creates a Dispatcher that posts to url. An empty url
// disables delivery entirely. mtx may be nil to disable delivery-outcome
// metrics recording.
func NewDispatcher(url string, logger logr.Logger, mtx *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		url:        url,
		httpClient: &http.Client{Timeout: postTimeout},
		logger:     logger,
		metrics:    mtx,
		lastFired:  make(map[int64]time.Time),
	}
}

// Fire sends the rollback payload for promptID. It never returns an error
// to the caller; all failures are logged. Rate-limited to one delivery per
// prompt per rateLimitInterval so a flapping canary does not spam the
// configured endpoint.
func (d *Dispatcher) Fire(ctx context.Context, promptID int64, message string, canaryAvg, activeAvg float64) {
	if d.url == "" {
		return
	}

	if d.isRateLimited(promptID) {
		d.logger.V(1).Info("webhook rate limited", "prompt_id", promptID)
		return
	}

	payload := Payload{
		Type:      "prompt_canary_rollback",
		PromptID:  promptID,
		Message:   message,
		CanaryAvg: canaryAvg,
		ActiveAvg: activeAvg,
	}

	if err := d.send(ctx, payload); err != nil {
		d.logger.Error(err, "rollback webhook delivery failed", "prompt_id", promptID, "url", d.url)
		if d.metrics != nil {
			d.metrics.RecordWebhookDelivery(false)
		}
		return
	}

	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(true)
	}
	d.recordFired(promptID)
}

func (d *Dispatcher) send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	backoff := initialRetryBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, backoff); err != nil {
				return fmt.Errorf("retry wait interrupted: %w", err)
			}
			backoff *= backoffMultiplier
		}

		lastErr = d.doPost(ctx, body)
		if lastErr == nil {
			return nil
		}

		d.logger.V(1).Info("webhook attempt failed", "attempt", attempt+1, "error", lastErr.Error())
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

func (d *Dispatcher) doPost(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", d.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("POST %s returned status %d", d.url, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) isRateLimited(promptID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.lastFired[promptID]
	if !ok {
		return false
	}
	return time.Since(last) < rateLimitInterval
}

func (d *Dispatcher) recordFired(promptID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastFired[promptID] = time.Now()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
