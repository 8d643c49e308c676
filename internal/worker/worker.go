// Package worker owns the task lifecycle: it accepts submissions, feeds a
// bounded pool that runs the agent pipeline, normalizes the output, and
// applies the single terminal status transition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/auth"
	"taskpilot/internal/history"
	"taskpilot/internal/metrics"
	"taskpilot/internal/normalize"
	"taskpilot/internal/notify"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/store"
	"taskpilot/internal/task"
)

// ErrValidation marks submission errors the HTTP layer reports as 400.
var ErrValidation = errors.New("invalid task request")

// Runner abstracts the pipeline so the pool can be tested with a fake.
type Runner interface {
	Run(ctx context.Context, query string) (string, []pipeline.LogEntry, error)
}

// Notifier abstracts terminal-task notification delivery.
type Notifier interface {
	Notify(ctx context.Context, t *task.Task) *notify.Delivery
	SendReceipt(t *task.Task)
}

type Config struct {
	Size         int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

type Pool struct {
	store        *store.Store
	history      *history.Repository
	tokens       *auth.TokenManager
	runner       Runner
	notifier     Notifier
	log          zerolog.Logger
	size         int
	pollInterval time.Duration
	taskTimeout  time.Duration
}

func NewPool(s *store.Store, h *history.Repository, tokens *auth.TokenManager, runner Runner, notifier Notifier, cfg Config, log zerolog.Logger) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout == 0 {
		taskTimeout = 10 * time.Minute
	}

	return &Pool{
		store:        s,
		history:      h,
		tokens:       tokens,
		runner:       runner,
		notifier:     notifier,
		log:          log,
		size:         size,
		pollInterval: pollInterval,
		taskTimeout:  taskTimeout,
	}
}

// Submit validates the request, persists a pending task, issues its access
// token, and queues it for execution. The caller gets the id and token back
// immediately; the pipeline runs on the pool.
func (p *Pool) Submit(ctx context.Context, description, userID, webhookURL string) (*task.Task, string, error) {
	if strings.TrimSpace(description) == "" {
		return nil, "", fmt.Errorf("%w: task description is required", ErrValidation)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, "", fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if err := notify.ValidateWebhookURL(webhookURL); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	t := task.New(description, userID, webhookURL)

	token, err := p.tokens.Issue(t.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue task token: %w", err)
	}
	t.Metadata["token"] = token

	if err := p.store.Create(ctx, t); err != nil {
		return nil, "", fmt.Errorf("failed to persist task: %w", err)
	}

	if err := p.history.Record(ctx, t); err != nil {
		p.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to record task history")
	}

	metrics.RecordTaskCreated()
	p.log.Info().Str("task_id", t.ID).Str("user_id", userID).Msg("task accepted")

	return t, token, nil
}

// Start runs the pool until the context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.size; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.run(ctx, workerID)
			return nil
		})
	}

	return g.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	p.log.Info().Str("worker", workerID).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Str("worker", workerID).Msg("worker stopped")
			return
		default:
			t, err := p.store.NextPending(ctx)
			if err != nil || t == nil {
				select {
				case <-ctx.Done():
				case <-time.After(p.pollInterval):
				}
				continue
			}

			p.Process(ctx, workerID, t)
		}
	}
}

// Process runs one task to its terminal state: pipeline, normalization,
// the single status transition, history, and notification.
func (p *Pool) Process(ctx context.Context, workerID string, t *task.Task) {
	p.log.Info().Str("worker", workerID).Str("task_id", t.ID).Msg("processing task")
	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	output, runLog, runErr := p.runPipeline(runCtx, t.Description)
	cancel()

	var status task.Status
	var result normalize.Result
	if runErr != nil {
		status = task.StatusFailed
		result = normalize.Result{
			Error:     runErr.Error(),
			RawOutput: output,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var pipeErr *pipeline.RunError
		if errors.As(runErr, &pipeErr) {
			runLog = pipeErr.Log
		}
	} else {
		status = task.StatusCompleted
		result = normalize.Normalize(normalize.Text(output), t.Description)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to encode result")
		payload = []byte(fmt.Sprintf(`{"error":"failed to encode result","raw_output":%q,"timestamp":%q}`,
			output, time.Now().UTC().Format(time.RFC3339)))
		status = task.StatusFailed
	}

	if err := p.store.UpdateStatus(ctx, t.ID, status, payload); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to apply terminal transition")
		p.requeue(t)
		return
	}

	if len(runLog) > 0 {
		if err := p.store.MergeMetadata(ctx, t.ID, map[string]any{"execution_log": runLog}); err != nil {
			p.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to attach execution log")
		}
	}

	duration := time.Since(start)
	if status == task.StatusCompleted {
		metrics.RecordTaskCompleted(duration)
	} else {
		metrics.RecordTaskFailed(duration)
	}

	updated, err := p.store.Get(ctx, t.ID)
	if err != nil || updated == nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to reload task after transition")
		return
	}

	if err := p.history.Record(ctx, updated); err != nil {
		p.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to record task history")
	}

	if delivery := p.notifier.Notify(ctx, updated); delivery != nil {
		if err := p.store.MergeMetadata(ctx, t.ID, map[string]any{"webhook_delivery": delivery}); err != nil {
			p.log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to record webhook delivery")
		}
	}
	p.notifier.SendReceipt(updated)

	p.log.Info().
		Str("worker", workerID).
		Str("task_id", t.ID).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("task finished")
}

// requeue puts a popped task back on the pending queue when its terminal
// transition could not be applied, so a shutdown mid-flight does not strand
// it. Uses a fresh context because the caller's may already be cancelled.
func (p *Pool) requeue(t *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.Requeue(ctx, t); err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to requeue task")
	}
}

// runPipeline shields the pool from panics inside agent or tool code;
// a panic fails the task like any other pipeline error.
func (p *Pool) runPipeline(ctx context.Context, query string) (output string, runLog []pipeline.LogEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	return p.runner.Run(ctx, query)
}
