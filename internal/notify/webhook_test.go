// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/ussd-runner/internal/domain"
	"github.com/stretchr/testify/assert"
)

func testWebhook(client *http.Client, secret string) *Webhook {
	w := NewWebhook(Deps{
		URL:        "http://webhook.local/callback",
		Secret:     secret,
		HTTPClient: client,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return w
}

func TestBatchCompletedRetriesAndSigns(t *testing.T) {
	var attempts int32
	finishedAt := time.Now().UTC().Truncate(time.Second)
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, signPayload(secret, body), r.Header.Get(webhookHeaderSig))

		var payload batchWebhookPayload
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, int64(42), payload.BatchID)
		assert.Equal(t, domain.BatchCompletedFail, payload.Status)
		assert.Equal(t, 2, payload.Passed)
		assert.Equal(t, 3, payload.Total)
		assert.True(t, payload.FinishedAt.Equal(finishedAt), "finished_at %s", payload.FinishedAt)

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	w := testWebhook(client, secret)
	w.now = func() time.Time { return finishedAt }

	w.BatchCompleted(context.Background(), domain.BatchRun{
		ID:        42,
		Status:    domain.BatchCompletedFail,
		Total:     3,
		Completed: 3,
		Passed:    2,
	})

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestBatchCompletedStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		assert.Empty(t, r.Header.Get(webhookHeaderSig), "unsigned without a secret")
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	testWebhook(client, "").BatchCompleted(context.Background(), domain.BatchRun{ID: 1, Status: domain.BatchCompletedPass})

	assert.EqualValues(t, webhookRetryAttempts, atomic.LoadInt32(&attempts))
}

func TestNewWebhookWithoutURL(t *testing.T) {
	w := NewWebhook(Deps{URL: "  "})
	assert.Nil(t, w)
	// a nil webhook is a no-op notifier
	w.BatchCompleted(context.Background(), domain.BatchRun{ID: 1})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
