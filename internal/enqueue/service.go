// Package enqueue is the idempotent submission path shared by the HTTP API
// and the cron scheduler.
package enqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
)

// ValidationError rejects malformed input synchronously, before anything is
// persisted.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s is required", e.Field)
}

// Request carries one submission.
type Request struct {
	JobType        string
	Agent          string
	Source         string
	Input          map[string]any
	IdempotencyKey string
	ScheduleID     *string
	Metadata       map[string]any
	Priority       string
	RunAt          time.Time
}

// Store is the ledger surface the enqueue path needs.
type Store interface {
	CreateRun(ctx context.Context, p store.CreateRunParams) (models.Run, string, bool, error)
	FindItemByRef(ctx context.Context, kind, ref string) (models.QueueItem, error)
	AppendRunEvent(ctx context.Context, runID, eventType, idempotencyKey string, payload map[string]any) error
}

// Service writes the pending run plus its queue item and makes the item
// claimable.
type Service struct {
	store  Store
	queue  *queue.RedisQueue
	policy *dispatch.Policy
	logger *slog.Logger
}

func New(st Store, q *queue.RedisQueue, policy *dispatch.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, queue: q, policy: policy, logger: logger}
}

// Enqueue validates, gates, and durably queues a run. Calling it twice with
// the same idempotency key returns the same run with alreadyExists=true and
// creates nothing new. Validation and policy failures surface synchronously
// and leave no partial run behind.
func (s *Service) Enqueue(ctx context.Context, req Request) (models.Run, bool, error) {
	if err := validate(req); err != nil {
		return models.Run{}, false, err
	}
	if err := s.policy.AssertJobAllowed(req.Agent, req.JobType); err != nil {
		return models.Run{}, false, err
	}

	run, itemID, alreadyExists, err := s.store.CreateRun(ctx, store.CreateRunParams{
		JobType:        req.JobType,
		Agent:          req.Agent,
		Source:         req.Source,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		ScheduleID:     req.ScheduleID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return models.Run{}, false, err
	}
	if alreadyExists {
		telemetry.EnqueueDuplicates.Inc()
		s.repairStranded(ctx, run.ID, req.Priority)
		return run, true, nil
	}

	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	if err := s.queue.Enqueue(ctx, itemID, req.Priority, runAt); err != nil {
		// The run and item are durable; a worker's scheduled-promotion pass
		// will not see the item, so record the condition loudly.
		s.logger.Error("redis enqueue failed, item stays queued in postgres", "run_id", run.ID, "error", err)
		return run, false, fmt.Errorf("enqueue queue item: %w", err)
	}

	_ = s.store.AppendRunEvent(ctx, run.ID, "run.enqueued", run.ID+":run.enqueued", map[string]any{
		"job_type": run.JobType,
		"agent":    run.Agent,
		"source":   run.Source,
	})
	telemetry.EnqueueCounter.Inc()
	return run, false, nil
}

// repairStranded re-pushes a queue item whose Postgres insert committed but
// whose Redis push failed on an earlier call. Without this, workers never
// see the item: they claim only from Redis. The meta-record check keeps the
// common duplicate (item already in Redis) from producing a second entry.
func (s *Service) repairStranded(ctx context.Context, runID, priority string) {
	item, err := s.store.FindItemByRef(ctx, models.KindRun, runID)
	if err != nil || item.Status != models.ItemQueued {
		return
	}
	if tracked, err := s.queue.Tracked(ctx, item.ID); err != nil || tracked {
		return
	}
	if err := s.queue.Enqueue(ctx, item.ID, priority, item.AvailableAt); err != nil {
		s.logger.Error("repair stranded queue item", "run_id", runID, "item_id", item.ID, "error", err)
		return
	}
	s.logger.Warn("re-pushed stranded queue item", "run_id", runID, "item_id", item.ID)
}

func validate(req Request) error {
	switch {
	case req.JobType == "":
		return &ValidationError{Field: "job_type"}
	case req.Agent == "":
		return &ValidationError{Field: "agent"}
	case req.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key"}
	}
	return nil
}
