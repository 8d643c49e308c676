// Package notify delivers terminal-task notifications: a webhook POST with
// bounded retry, and an optional email receipt. Delivery is observational;
// failures are recorded but never affect the task's status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/natefinch/lumberjack.v2"

	"taskpilot/internal/metrics"
	"taskpilot/internal/task"
)

const (
	maxAttempts     = 3
	baseBackoff     = time.Second
	maxResponseSize = 512
)

// Delivery is the webhook receipt merged into task metadata under the
// "webhook_delivery" key.
type Delivery struct {
	URL         string `json:"url"`
	Success     bool   `json:"success"`
	StatusCode  int    `json:"status_code,omitempty"`
	Attempts    int    `json:"attempts"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
	DeliveredAt string `json:"delivered_at"`
}

type payload struct {
	TaskID      string           `json:"task_id"`
	UserID      string           `json:"user_id"`
	Status      string           `json:"status"`
	Items       []map[string]any `json:"items"`
	CompletedAt *time.Time       `json:"completed_at"`
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

type Notifier struct {
	http       *http.Client
	log        zerolog.Logger
	webhookLog zerolog.Logger
	email      EmailConfig
	sleep      func(time.Duration)
}

// NewNotifier builds a notifier whose webhook delivery attempts are also
// appended to a dedicated rotating log file.
func NewNotifier(webhookLogPath string, email EmailConfig, log zerolog.Logger) *Notifier {
	rotating := &lumberjack.Logger{
		Filename:   webhookLogPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
	}

	return &Notifier{
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        log,
		webhookLog: zerolog.New(rotating).With().Timestamp().Logger(),
		email:      email,
		sleep:      time.Sleep,
	}
}

// ValidateWebhookURL rejects callback URLs without a scheme and host.
// Called at task creation, before any record is persisted.
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webhook URL must have a scheme and host")
	}

	return nil
}

// Notify delivers the webhook for a terminal task. Returns nil when no
// callback URL is registered; otherwise the delivery receipt, regardless
// of outcome.
func (n *Notifier) Notify(ctx context.Context, t *task.Task) *Delivery {
	if t.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(payload{
		TaskID:      t.ID,
		UserID:      t.UserID,
		Status:      string(t.Status),
		Items:       extractItems(t.Result),
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		return &Delivery{
			URL:         t.WebhookURL,
			Error:       fmt.Sprintf("failed to encode webhook payload: %v", err),
			DeliveredAt: time.Now().UTC().Format(time.RFC3339),
		}
	}

	delivery := n.post(ctx, t.WebhookURL, body)
	delivery.DeliveredAt = time.Now().UTC().Format(time.RFC3339)

	event := n.webhookLog.Info()
	if !delivery.Success {
		event = n.webhookLog.Error()
	}
	event.
		Str("task_id", t.ID).
		Str("url", t.WebhookURL).
		Bool("success", delivery.Success).
		Int("status_code", delivery.StatusCode).
		Int("attempts", delivery.Attempts).
		Str("error", delivery.Error).
		Msg("webhook delivery")

	metrics.RecordWebhookDelivery(delivery.Success)

	return delivery
}

// post performs the HTTP POST with up to maxAttempts tries. Only transient
// failures are retried: connection errors, 408, 429 and 5xx.
func (n *Notifier) post(ctx context.Context, target string, body []byte) *Delivery {
	delivery := &Delivery{URL: target}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivery.Attempts = attempt

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			delivery.Error = err.Error()
			return delivery
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.http.Do(req)
		if err != nil {
			delivery.Error = err.Error()
			if attempt < maxAttempts {
				n.sleep(backoff(attempt))
				continue
			}
			return delivery
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()

		delivery.StatusCode = resp.StatusCode
		delivery.Response = string(respBody)

		if resp.StatusCode < 400 {
			delivery.Success = true
			delivery.Error = ""
			return delivery
		}

		delivery.Error = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
		if !transient(resp.StatusCode) || attempt == maxAttempts {
			return delivery
		}

		n.sleep(backoff(attempt))
	}

	return delivery
}

func transient(statusCode int) bool {
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

func backoff(attempt int) time.Duration {
	return baseBackoff << (attempt - 1)
}

func extractItems(result json.RawMessage) []map[string]any {
	if len(result) == 0 {
		return []map[string]any{}
	}

	var parsed struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.Items == nil {
		return []map[string]any{}
	}

	return parsed.Items
}

// SendReceipt emails a short completion summary when a receipt address is
// configured. Failures are logged only.
func (n *Notifier) SendReceipt(t *task.Task) {
	if n.email.To == "" || n.email.APIKey == "" {
		return
	}

	subject := fmt.Sprintf("Task %s %s", t.ID, t.Status)
	body := fmt.Sprintf("Task %q finished with status %s.", t.Description, t.Status)

	from := mail.NewEmail(n.email.FromName, n.email.FromAddress)
	to := mail.NewEmail("", n.email.To)
	email := mail.NewSingleEmail(from, subject, to, body, body)

	client := sendgrid.NewSendClient(n.email.APIKey)
	response, err := client.Send(email)
	if err != nil {
		n.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to send receipt email")
		return
	}
	if response.StatusCode >= 400 {
		n.log.Warn().Int("status", response.StatusCode).Str("task_id", t.ID).Msg("sendgrid rejected receipt email")
		return
	}

	n.log.Info().Str("task_id", t.ID).Str("to", n.email.To).Msg("receipt email sent")
}
