// SPDX-License-Identifier: Apache-2.0

// Package notify delivers signed batch completion webhooks.
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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	webhookTimeout       = 10 * time.Second
)

type batchWebhookPayload struct {
	BatchID    int64              `json:"batch_id"`
	Name       string             `json:"name,omitempty"`
	Status     domain.BatchStatus `json:"status"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Passed     int                `json:"passed"`
	FinishedAt time.Time          `json:"finished_at"`
}

type Deps struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Webhook posts the final state of a batch to a fixed URL.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewWebhook returns nil when no URL is configured.
func NewWebhook(deps Deps) *Webhook {
	url := strings.TrimSpace(deps.URL)
	if url == "" {
		return nil
	}

	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}

	return &Webhook{
		url:        url,
		secret:     deps.Secret,
		httpClient: client,
		logger:     l,
		now:        time.Now,
	}
}

func (w *Webhook) BatchCompleted(ctx context.Context, batch domain.BatchRun) {
	if w == nil {
		return
	}

	body, err := json.Marshal(batchWebhookPayload{
		BatchID:    batch.ID,
		Name:       batch.Name,
		Status:     batch.Status,
		Total:      batch.Total,
		Completed:  batch.Completed,
		Passed:     batch.Passed,
		FinishedAt: w.now().UTC(),
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed",
			"batch_id", batch.ID,
			"status", batch.Status,
			"error", err,
		)
		return
	}

	signature := signPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"batch_id", batch.ID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"batch_id", batch.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"batch_id", batch.ID,
					"status", batch.Status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"batch_id", batch.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry",
					"batch_id", batch.ID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		w.logger.Error("webhook retries exhausted",
			"batch_id", batch.ID,
			"status", batch.Status,
			"error", lastErr,
		)
	}
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
