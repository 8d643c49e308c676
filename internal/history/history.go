// Package history provides PostgreSQL persistence for finished tasks and
// the aggregate queries behind the dashboard. The repository is optional:
// a nil *Repository is safe to call and does nothing.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"taskpilot/internal/task"
)

type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

type StatusStats struct {
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int     `json:"max_duration_ms"`
	MinDurationMs int     `json:"min_duration_ms"`
}

type RecentTask struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func NewRepository(connectionString string, log zerolog.Logger) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{db: db, log: log}, nil
}

// Record upserts a task's final state. Called once per terminal transition;
// the upsert also covers the initial pending insert at creation time.
func (r *Repository) Record(ctx context.Context, t *task.Task) error {
	if r == nil {
		return nil
	}

	query := `
		INSERT INTO task_history (
			task_id, description, user_id, status,
			created_at, completed_at, duration_ms, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error
	`

	var completedAt any
	var durationMs any
	if t.CompletedAt != nil {
		completedAt = *t.CompletedAt
		durationMs = int(t.CompletedAt.Sub(t.CreatedAt).Milliseconds())
	}

	var errMsg any
	if t.Status == task.StatusFailed && len(t.Result) > 0 {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(t.Result, &payload); err == nil && payload.Error != "" {
			errMsg = payload.Error
		}
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Description,
		t.UserID,
		t.Status,
		t.CreatedAt,
		completedAt,
		durationMs,
		errMsg,
	)

	return err
}

func (r *Repository) Stats(ctx context.Context, hours int) ([]StatusStats, error) {
	if r == nil {
		return []StatusStats{}, nil
	}

	query := `
		SELECT
			status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms,
			COALESCE(MIN(duration_ms), 0) as min_duration_ms
		FROM task_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warn().Err(err).Msg("failed to close rows")
		}
	}()

	var stats []StatusStats
	for rows.Next() {
		var s StatusStats
		if err := rows.Scan(
			&s.Status,
			&s.Count,
			&s.AvgDurationMs,
			&s.MaxDurationMs,
			&s.MinDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]RecentTask, error) {
	if r == nil {
		return []RecentTask{}, nil
	}

	query := `
		SELECT
			task_id, description, user_id, status, created_at,
			completed_at, duration_ms, COALESCE(error, '')
		FROM task_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Warn().Err(err).Msg("failed to close rows")
		}
	}()

	var tasks []RecentTask
	for rows.Next() {
		var t RecentTask
		if err := rows.Scan(
			&t.TaskID,
			&t.Description,
			&t.UserID,
			&t.Status,
			&t.CreatedAt,
			&t.CompletedAt,
			&t.DurationMs,
			&t.Error,
		); err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (r *Repository) Close() error {
	if r == nil {
		return nil
	}

	return r.db.Close()
}
