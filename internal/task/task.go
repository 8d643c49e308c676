// Package task defines the task domain model used by the store, worker,
// and persistence layers. It contains task metadata, status definitions,
// and serialization helpers.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	Status string
	Task   struct {
		ID          string          `json:"id"`
		Description string          `json:"description"`
		UserID      string          `json:"user_id"`
		WebhookURL  string          `json:"webhook_url,omitempty"`
		Status      Status          `json:"status"`
		Result      json.RawMessage `json:"result,omitempty"`
		Metadata    map[string]any  `json:"metadata,omitempty"`
		CreatedAt   time.Time       `json:"created_at"`
		CompletedAt *time.Time      `json:"completed_at,omitempty"`
	}
)

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func New(description, userID, webhookURL string) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		UserID:      userID,
		WebhookURL:  webhookURL,
		Status:      StatusPending,
		Metadata:    map[string]any{},
		CreatedAt:   time.Now().UTC(),
	}
}

func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func (t *Task) ToJSON() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}

	return &t, nil
}
