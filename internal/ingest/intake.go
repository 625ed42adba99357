package ingest

import (
	"context"
	"log/slog"
	"time"

	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/telemetry"
)

// Ledger is the store surface the intake stage needs.
type Ledger interface {
	RecordDelivery(ctx context.Context, source, deliveryID, event string, payload []byte) (models.Delivery, string, bool, error)
	FindItemByRef(ctx context.Context, kind, ref string) (models.QueueItem, error)
}

// Intake records inbound deliveries in the ledger and feeds the
// normalization queue. A redelivery of the same (source, delivery_id) is
// acknowledged without creating a second queue item.
type Intake struct {
	store  Ledger
	queue  *queue.RedisQueue
	logger *slog.Logger
}

func NewIntake(st Ledger, q *queue.RedisQueue, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{store: st, queue: q, logger: logger}
}

// Record persists the delivery and makes its normalization item claimable.
// It returns whether the delivery was new.
func (i *Intake) Record(ctx context.Context, source, deliveryID, event string, payload []byte) (bool, error) {
	delivery, itemID, inserted, err := i.store.RecordDelivery(ctx, source, deliveryID, event, payload)
	if err != nil {
		return false, err
	}
	if !inserted {
		telemetry.DeliveriesDuplicate.Inc()
		i.repairStranded(ctx, delivery.ID)
		i.logger.Debug("duplicate delivery", "source", source, "delivery_id", deliveryID, "status", delivery.Status)
		return false, nil
	}

	if err := i.queue.Enqueue(ctx, itemID, "default", time.Now()); err != nil {
		i.logger.Error("enqueue normalize item", "delivery_id", deliveryID, "error", err)
		return true, err
	}
	telemetry.DeliveriesReceived.Inc()
	i.logger.Info("delivery recorded", "source", source, "delivery_id", deliveryID, "event", event)
	return true, nil
}

// repairStranded re-pushes a normalize item whose ledger row committed but
// whose Redis push failed on the original delivery. Provider redeliveries
// hit the duplicate branch, so they double as the retry channel here.
func (i *Intake) repairStranded(ctx context.Context, deliveryRowID string) {
	item, err := i.store.FindItemByRef(ctx, models.KindNormalize, deliveryRowID)
	if err != nil || item.Status != models.ItemQueued {
		return
	}
	if tracked, err := i.queue.Tracked(ctx, item.ID); err != nil || tracked {
		return
	}
	if err := i.queue.Enqueue(ctx, item.ID, "default", item.AvailableAt); err != nil {
		i.logger.Error("repair stranded normalize item", "item_id", item.ID, "error", err)
		return
	}
	i.logger.Warn("re-pushed stranded normalize item", "item_id", item.ID)
}
