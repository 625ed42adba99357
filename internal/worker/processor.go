package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"run-orchestrator/internal/artifacts"
	"run-orchestrator/internal/config"
	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
)

// Processor drives the run-queue execution cycle: promote scheduled items,
// reap expired leases, claim a batch, dispatch each claimed run, persist the
// outcome. It owns all ledger writes; handlers never touch the store.
type Processor struct {
	cfg        config.Config
	queue      *queue.RedisQueue
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	artifacts  artifacts.Store
	backoff    BackoffPolicy
	workerID   string
	logger     *slog.Logger
}

// NewProcessor wires the worker loop. The backoff policy defaults to capped
// exponential from config when nil.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, d *dispatch.Dispatcher, sink artifacts.Store, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:        cfg,
		queue:      q,
		store:      st,
		dispatcher: d,
		artifacts:  sink,
		backoff:    ExponentialBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.MaxAttempts),
		workerID:   workerID,
		logger:     logger.With("worker_id", workerID),
	}
}

// SetBackoffPolicy swaps the retry policy before Run starts.
func (p *Processor) SetBackoffPolicy(policy BackoffPolicy) {
	if policy != nil {
		p.backoff = policy
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		p.reapExpired(ctx)
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		ids, err := p.queue.ClaimBatch(ctx, p.workerID, p.cfg.ClaimBatchSize)
		if err != nil {
			p.logger.Error("claim failed", "error", err)
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}
		if len(ids) == 0 {
			time.Sleep(p.cfg.WorkerPollInterval)
			continue
		}

		for _, itemID := range ids {
			p.processItem(ctx, itemID)
		}
	}
}

// reapExpired reclaims leases from crashed workers: the Redis side goes back
// to ready, the Postgres row back to queued.
func (p *Processor) reapExpired(ctx context.Context) {
	reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100)
	if len(reclaimed) == 0 {
		return
	}
	telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
	for _, id := range reclaimed {
		if err := p.store.ReleaseItem(ctx, id); err != nil {
			p.logger.Error("release reclaimed item", "item_id", id, "error", err)
		}
	}
	p.logger.Info("reclaimed expired leases", "count", len(reclaimed))
}

func (p *Processor) processItem(ctx context.Context, itemID string) {
	item, err := p.store.GetQueueItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			_ = p.queue.Ack(ctx, itemID)
			return
		}
		p.logger.Error("load queue item", "item_id", itemID, "error", err)
		_ = p.queue.Ack(ctx, itemID)
		return
	}
	if item.Status == models.ItemDone || item.Status == models.ItemDead {
		// Stale Redis entry for an item that already finished, e.g. a
		// duplicate push from the stranded-item repair.
		_ = p.queue.Ack(ctx, itemID)
		return
	}
	_ = p.store.MarkItemClaimed(ctx, item.ID, p.workerID)

	run, err := p.store.GetRun(ctx, item.Ref)
	if err != nil {
		p.deadLetter(ctx, item, item.Attempts, fmt.Sprintf("load run %s: %v", item.Ref, err))
		return
	}
	if run.Status == models.RunCancelled {
		_ = p.store.MarkItemDone(ctx, item.ID)
		_ = p.queue.Ack(ctx, item.ID)
		return
	}

	msg := dispatch.Message{
		RunID:          run.ID,
		JobType:        run.JobType,
		Agent:          run.Agent,
		Input:          run.Input,
		IdempotencyKey: run.IdempotencyKey,
		ScheduleID:     run.ScheduleID,
	}

	// Gate before any run mutation: a policy violation must never put the
	// run into an executing state, and no retry can fix a static denial.
	if err := p.dispatcher.Authorize(run.Agent, run.JobType); err != nil {
		p.logger.Warn("policy violation", "run_id", run.ID, "agent", run.Agent, "job_type", run.JobType)
		errMsg := err.Error()
		_ = p.store.MarkRunFinished(ctx, run.ID, models.RunFailed, nil, &errMsg)
		p.deadLetter(ctx, item, item.Attempts, errMsg)
		return
	}

	if err := p.store.MarkRunRunning(ctx, run.ID); err != nil {
		p.logger.Error("mark running", "run_id", run.ID, "error", err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Keep the lease alive while the handler runs so a slow handler is not
	// reaped and handed to another worker mid-execution.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, item.ID)

	result, err := p.dispatcher.Dispatch(ctx, msg)
	stopHeartbeat()
	if err != nil {
		// Only the policy gate errors here, and it was already checked;
		// treat a late denial the same way.
		errMsg := err.Error()
		_ = p.store.MarkRunFinished(ctx, run.ID, models.RunFailed, nil, &errMsg)
		p.deadLetter(ctx, item, item.Attempts, errMsg)
		return
	}

	if result.Status == dispatch.StatusCompleted {
		p.persistSuccess(ctx, run.ID, item.ID, result)
		return
	}

	errMsg := result.Error
	if errMsg == "" {
		errMsg = "handler reported failure"
	}
	attempts := item.Attempts + 1
	delay, dead := p.backoff(attempts)
	if dead {
		_ = p.store.MarkRunFinished(ctx, run.ID, models.RunFailed, nil, &errMsg)
		p.deadLetter(ctx, item, attempts, errMsg)
		return
	}

	nextRun := time.Now().Add(delay)
	// Read the priority before Ack deletes the meta record, so a retried
	// high-priority run is not demoted to default.
	priority := p.queue.ItemPriority(ctx, item.ID)
	_ = p.store.RequeueItem(ctx, item.ID, attempts, nextRun, errMsg)
	_ = p.store.RequeueRun(ctx, run.ID, attempts, errMsg, nextRun)
	_ = p.queue.Ack(ctx, item.ID)
	_ = p.queue.Schedule(ctx, item.ID, priority, nextRun)
	telemetry.RunFailures.Inc()
	p.logger.Info("retry scheduled", "run_id", run.ID, "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339))
}

func (p *Processor) heartbeat(ctx context.Context, itemID string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, itemID, p.cfg.VisibilityTimeout); err != nil {
				p.logger.Warn("extend lease", "item_id", itemID, "error", err)
			}
		}
	}
}

func (p *Processor) persistSuccess(ctx context.Context, runID, itemID string, result dispatch.HandlerResult) {
	for i, ev := range result.Events {
		key := fmt.Sprintf("%s:%s:%d", runID, ev.EventType, i)
		if err := p.store.AppendRunEvent(ctx, runID, ev.EventType, key, ev.Payload); err != nil {
			p.logger.Error("append handler event", "run_id", runID, "event_type", ev.EventType, "error", err)
		}
	}
	for i, art := range result.Artifacts {
		location, err := p.artifacts.Save(ctx, runID+"/"+art.Name, art.Data, art.ContentType)
		if err != nil {
			p.logger.Error("save artifact", "run_id", runID, "name", art.Name, "error", err)
			continue
		}
		key := fmt.Sprintf("%s:run.artifact:%d", runID, i)
		_ = p.store.AppendRunEvent(ctx, runID, "run.artifact", key, map[string]any{
			"name":     art.Name,
			"location": location,
		})
	}

	_ = p.store.MarkRunFinished(ctx, runID, models.RunCompleted, result.Output, nil)
	_ = p.store.MarkItemDone(ctx, itemID)
	_ = p.queue.Ack(ctx, itemID)
	telemetry.RunSuccess.Inc()
}

// deadLetter finalizes an item nothing can retry: terminal in Postgres,
// pushed to the DLQ list for operational inspection.
func (p *Processor) deadLetter(ctx context.Context, item models.QueueItem, attempts int, errMsg string) {
	_ = p.store.MarkItemDead(ctx, item.ID, attempts, errMsg)
	_ = p.queue.Ack(ctx, item.ID)
	_ = p.queue.DLQPush(ctx, item.ID)
	telemetry.RunDeadLetter.Inc()
	p.logger.Error("dead-lettered", "item_id", item.ID, "ref", item.Ref, "error", errMsg)
}
