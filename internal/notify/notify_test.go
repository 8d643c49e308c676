package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/task"
)

func testNotifier() *Notifier {
	return &Notifier{
		http:       &http.Client{Timeout: 2 * time.Second},
		log:        zerolog.Nop(),
		webhookLog: zerolog.Nop(),
		sleep:      func(time.Duration) {},
	}
}

func completedTask(webhookURL string) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:          "task-123",
		Description: "find widgets",
		UserID:      "user-1",
		WebhookURL:  webhookURL,
		Status:      task.StatusCompleted,
		Result:      json.RawMessage(`{"items":[{"name":"widget"}],"metadata":{"query":"find widgets","timestamp":"2026-01-01T00:00:00Z"}}`),
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: &now,
	}
}

func TestNotify_NoURL(t *testing.T) {
	n := testNotifier()

	delivery := n.Notify(context.Background(), completedTask(""))

	assert.Nil(t, delivery)
}

func TestNotify_Success(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask(srv.URL))

	require.NotNil(t, delivery)
	assert.True(t, delivery.Success)
	assert.Equal(t, http.StatusOK, delivery.StatusCode)
	assert.Equal(t, 1, delivery.Attempts)
	assert.Equal(t, "ok", delivery.Response)
	assert.Empty(t, delivery.Error)
	assert.NotEmpty(t, delivery.DeliveredAt)

	assert.Equal(t, "task-123", received["task_id"])
	assert.Equal(t, "user-1", received["user_id"])
	assert.Equal(t, "completed", received["status"])
	items, ok := received["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
}

func TestNotify_RetriesTransientThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask(srv.URL))

	require.NotNil(t, delivery)
	assert.True(t, delivery.Success)
	assert.Equal(t, 3, delivery.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNotify_PermanentClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask(srv.URL))

	require.NotNil(t, delivery)
	assert.False(t, delivery.Success)
	assert.Equal(t, http.StatusBadRequest, delivery.StatusCode)
	assert.Equal(t, 1, delivery.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.NotEmpty(t, delivery.Error)
}

func TestNotify_TooManyRequestsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask(srv.URL))

	require.NotNil(t, delivery)
	assert.False(t, delivery.Success)
	assert.Equal(t, 3, delivery.Attempts)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNotify_ConnectionFailure(t *testing.T) {
	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask("http://127.0.0.1:1/hook"))

	require.NotNil(t, delivery)
	assert.False(t, delivery.Success)
	assert.Equal(t, 3, delivery.Attempts)
	assert.NotEmpty(t, delivery.Error)
}

func TestNotify_ResponseTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	n := testNotifier()
	delivery := n.Notify(context.Background(), completedTask(srv.URL))

	require.NotNil(t, delivery)
	assert.True(t, delivery.Success)
	assert.Len(t, delivery.Response, maxResponseSize)
}

func TestNotify_FailedTaskSendsEmptyItems(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
	}))
	defer srv.Close()

	now := time.Now().UTC()
	failed := &task.Task{
		ID:          "task-999",
		UserID:      "user-1",
		WebhookURL:  srv.URL,
		Status:      task.StatusFailed,
		Result:      json.RawMessage(`{"error":"pipeline failed","raw_output":"...","timestamp":"2026-01-01T00:00:00Z"}`),
		CompletedAt: &now,
	}

	n := testNotifier()
	delivery := n.Notify(context.Background(), failed)

	require.NotNil(t, delivery)
	assert.Equal(t, "failed", received["status"])
	items, ok := received["items"].([]any)
	require.True(t, ok)
	assert.Empty(t, items)
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "empty is allowed", url: "", wantErr: false},
		{name: "valid https", url: "https://example.com/hook", wantErr: false},
		{name: "valid http with port", url: "http://localhost:8080/hook", wantErr: false},
		{name: "missing scheme", url: "example.com/hook", wantErr: true},
		{name: "missing host", url: "https://", wantErr: true},
		{name: "garbage", url: "::::not a url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
}

func TestSendReceipt_NotConfigured(t *testing.T) {
	n := testNotifier()

	// no email config: must be a no-op
	n.SendReceipt(completedTask(""))
}
