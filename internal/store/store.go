// Package store persists tasks in Redis and feeds the worker pool through a
// FIFO pending queue. Each task lives under its own "task:<id>" key so that
// WATCH covers the exact key a read-modify-write touches; two sorted sets
// scored by creation time provide FIFO dequeue and newest-first listing.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/task"
)

const (
	taskKeyPrefix = "task:"
	pendingKey    = "tasks:pending"
	indexKey      = "tasks:index"
	searchModeKey = "config:search_mode"
)

// maxTxRetries bounds how often a watched transaction is retried after a
// concurrent writer invalidates it.
const maxTxRetries = 100

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

// ErrTerminal is returned when a status update targets a task that has
// already reached completed or failed.
var ErrTerminal = errors.New("task already in a terminal status")

// ErrInvalidMode is returned when a search mode other than online or mock
// is requested.
var ErrInvalidMode = errors.New("invalid search mode")

type Store struct {
	client      *redis.Client
	defaultMode string
}

func New(redisAddr, defaultSearchMode string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:      client,
		defaultMode: defaultSearchMode,
	}, nil
}

func (s *Store) Create(ctx context.Context, t *task.Task) error {
	taskJSON, err := t.ToJSON()
	if err != nil {
		return err
	}

	score := float64(t.CreatedAt.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.ID), taskJSON, 0)
		pipe.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: t.ID})
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: t.ID})
		return nil
	})

	return err
}

// Get returns the task with the given id, or nil when no such task exists.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	taskJSON, err := s.client.Get(ctx, taskKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return task.FromJSON(taskJSON)
}

// List returns every task, newest first.
func (s *Store) List(ctx context.Context) ([]*task.Task, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	rows, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(rows))
	for _, row := range rows {
		taskJSON, ok := row.(string)
		if !ok {
			continue
		}
		t, err := task.FromJSON(taskJSON)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// UpdateStatus moves a task out of pending exactly once, stamping
// CompletedAt and attaching the result payload. Unknown ids are a no-op;
// a second terminal transition returns ErrTerminal.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status task.Status, result json.RawMessage) error {
	return s.modify(ctx, taskID, func(t *task.Task) error {
		if t.Terminal() {
			return ErrTerminal
		}

		t.Status = status
		t.Result = result
		if t.Terminal() {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
		return nil
	})
}

// MergeMetadata overlays the given keys onto the task's metadata without
// touching status or result. Unknown ids are a no-op.
func (s *Store) MergeMetadata(ctx context.Context, taskID string, partial map[string]any) error {
	return s.modify(ctx, taskID, func(t *task.Task) error {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		for k, v := range partial {
			t.Metadata[k] = v
		}
		return nil
	})
}

// modify applies fn to the stored task inside a WATCH transaction on the
// task's own key, retrying when a concurrent writer invalidates it. Unknown
// ids are a no-op.
func (s *Store) modify(ctx context.Context, taskID string, fn func(*task.Task) error) error {
	key := taskKey(taskID)

	txn := func(tx *redis.Tx) error {
		taskJSON, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		t, err := task.FromJSON(taskJSON)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}

		updated, err := t.ToJSON()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("task %s: transaction retries exhausted", taskID)
}

// NextPending pops the oldest pending task id. Returns nil when the queue
// is empty.
func (s *Store) NextPending(ctx context.Context) (*task.Task, error) {
	results, err := s.client.ZPopMin(ctx, pendingKey, 1).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	taskID, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type in pending queue")
	}

	return s.Get(ctx, taskID)
}

// Requeue puts a popped task back on the pending queue under its original
// score, so it keeps its place in FIFO order.
func (s *Store) Requeue(ctx context.Context, t *task.Task) error {
	score := float64(t.CreatedAt.UnixNano())
	return s.client.ZAdd(ctx, pendingKey, redis.Z{Score: score, Member: t.ID}).Err()
}

// PendingCount reports how many tasks are waiting for a worker.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, pendingKey).Result()
}

// SearchMode returns the persisted search tool mode, falling back to the
// configured default when none has been set.
func (s *Store) SearchMode(ctx context.Context) (string, error) {
	mode, err := s.client.Get(ctx, searchModeKey).Result()
	if errors.Is(err, redis.Nil) {
		return s.defaultMode, nil
	}
	if err != nil {
		return "", err
	}

	return mode, nil
}

func (s *Store) SetSearchMode(ctx context.Context, mode string) error {
	if mode != "online" && mode != "mock" {
		return fmt.Errorf("%w %q", ErrInvalidMode, mode)
	}

	return s.client.Set(ctx, searchModeKey, mode, 0).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
