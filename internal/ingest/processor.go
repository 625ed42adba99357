package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"run-orchestrator/internal/config"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
	"run-orchestrator/internal/worker"
)

// Processor drains the normalization queue: claim, load the referenced
// delivery, normalize, merge-upsert the work item. Failures mark both the
// queue item and the ledger row failed and reschedule after a fixed delay;
// the max-attempt cap is configurable and unlimited by default.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    *store.Store
	backoff  worker.BackoffPolicy
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		backoff:  worker.ConstantRetry(cfg.NormalizeRetryDelay, cfg.NormalizeMaxAttempts),
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// Run polls until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			for _, id := range reclaimed {
				_ = p.store.ReleaseItem(ctx, id)
			}
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

func (p *Processor) processItem(ctx context.Context, itemID string) {
	item, err := p.store.GetQueueItem(ctx, itemID)
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			p.logger.Error("load queue item", "item_id", itemID, "error", err)
		}
		_ = p.queue.Ack(ctx, itemID)
		return
	}
	if item.Status == models.ItemDone || item.Status == models.ItemDead {
		_ = p.queue.Ack(ctx, itemID)
		return
	}
	_ = p.store.MarkItemClaimed(ctx, item.ID, p.workerID)

	delivery, err := p.store.GetDelivery(ctx, item.Ref)
	if err != nil {
		// A ledger row never disappears under normal operation; treat a
		// missing one as terminal rather than retrying forever.
		_ = p.store.MarkItemDead(ctx, item.ID, item.Attempts, err.Error())
		_ = p.queue.Ack(ctx, item.ID)
		_ = p.queue.DLQPush(ctx, item.ID)
		return
	}

	wi, err := Normalize(delivery.Source, delivery.Payload)
	if err == nil {
		err = p.store.UpsertWorkItem(ctx, wi)
	}
	if err == nil {
		_ = p.store.MarkDeliveryDone(ctx, delivery.ID)
		_ = p.store.MarkItemDone(ctx, item.ID)
		_ = p.queue.Ack(ctx, item.ID)
		telemetry.NormalizeSuccess.Inc()
		p.logger.Info("normalized", "source", delivery.Source, "delivery_id", delivery.DeliveryID, "ref", wi.Ref)
		return
	}

	errMsg := err.Error()
	attempts := item.Attempts + 1
	_ = p.store.MarkDeliveryFailed(ctx, delivery.ID, errMsg)
	telemetry.NormalizeFailures.Inc()

	delay, dead := p.backoff(attempts)
	if dead {
		_ = p.store.MarkItemDead(ctx, item.ID, attempts, errMsg)
		_ = p.queue.Ack(ctx, item.ID)
		_ = p.queue.DLQPush(ctx, item.ID)
		p.logger.Error("normalization dead-lettered", "delivery_id", delivery.DeliveryID, "error", errMsg)
		return
	}

	nextRun := time.Now().Add(delay)
	priority := p.queue.ItemPriority(ctx, item.ID)
	_ = p.store.RequeueItem(ctx, item.ID, attempts, nextRun, errMsg)
	_ = p.queue.Ack(ctx, item.ID)
	_ = p.queue.Schedule(ctx, item.ID, priority, nextRun)
	p.logger.Warn("normalization failed, rescheduled", "delivery_id", delivery.DeliveryID, "attempts", attempts, "error", errMsg)
}
