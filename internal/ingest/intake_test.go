package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
)

type stubLedger struct {
	delivery models.Delivery
	itemID   string
	inserted bool
	item     models.QueueItem
	itemErr  error
}

func (s *stubLedger) RecordDelivery(context.Context, string, string, string, []byte) (models.Delivery, string, bool, error) {
	return s.delivery, s.itemID, s.inserted, nil
}

func (s *stubLedger) FindItemByRef(context.Context, string, string) (models.QueueItem, error) {
	return s.item, s.itemErr
}

func newIntakeQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisQueue(client, queue.Options{Namespace: "normalize"})
}

func TestRecordNewDeliveryBecomesClaimable(t *testing.T) {
	st := &stubLedger{
		delivery: models.Delivery{ID: "d1"},
		itemID:   "norm-1",
		inserted: true,
	}
	q := newIntakeQueue(t)
	intake := NewIntake(st, q, nil)

	inserted, err := intake.Record(context.Background(), "github", "del-1", "push", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"norm-1"}, ids)
}

func TestRecordRedeliveryRepairsStrandedItem(t *testing.T) {
	// The delivery row and its normalize item committed, but the Redis push
	// failed. The provider's redelivery hits the duplicate branch and must
	// put the item back in front of the normalize workers.
	st := &stubLedger{
		delivery: models.Delivery{ID: "d1"},
		inserted: false,
		item:     models.QueueItem{ID: "norm-1", Status: models.ItemQueued},
	}
	q := newIntakeQueue(t)
	intake := NewIntake(st, q, nil)

	inserted, err := intake.Record(context.Background(), "github", "del-1", "push", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, inserted)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"norm-1"}, ids)
}

func TestRecordRedeliveryLeavesTrackedItemAlone(t *testing.T) {
	st := &stubLedger{
		delivery: models.Delivery{ID: "d1"},
		inserted: false,
		item:     models.QueueItem{ID: "norm-1", Status: models.ItemQueued},
	}
	q := newIntakeQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), "norm-1", "default", time.Time{}))
	intake := NewIntake(st, q, nil)

	_, err := intake.Record(context.Background(), "github", "del-1", "push", []byte(`{}`))
	require.NoError(t, err)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"norm-1"}, ids, "item already in redis must not be duplicated")
}
