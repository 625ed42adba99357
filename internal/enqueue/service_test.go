package enqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/queue"
	"run-orchestrator/internal/store"
)

type stubStore struct {
	run           models.Run
	itemID        string
	alreadyExists bool
	item          models.QueueItem
	itemErr       error
	events        []string
}

func (s *stubStore) CreateRun(context.Context, store.CreateRunParams) (models.Run, string, bool, error) {
	return s.run, s.itemID, s.alreadyExists, nil
}

func (s *stubStore) FindItemByRef(context.Context, string, string) (models.QueueItem, error) {
	return s.item, s.itemErr
}

func (s *stubStore) AppendRunEvent(_ context.Context, _, eventType, _ string, _ map[string]any) error {
	s.events = append(s.events, eventType)
	return nil
}

func newTestQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisQueue(client, queue.Options{Namespace: "runs"})
}

func testPolicy() *dispatch.Policy {
	return dispatch.NewPolicy(map[string][]string{"ping-agent": {"ping"}})
}

func validRequest() Request {
	return Request{
		JobType:        "ping",
		Agent:          "ping-agent",
		IdempotencyKey: "key-1",
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc := New(&stubStore{}, newTestQueue(t), testPolicy(), nil)

	for _, tc := range []struct {
		name  string
		req   Request
		field string
	}{
		{"job type", Request{Agent: "ping-agent", IdempotencyKey: "k"}, "job_type"},
		{"agent", Request{JobType: "ping", IdempotencyKey: "k"}, "agent"},
		{"idempotency key", Request{JobType: "ping", Agent: "ping-agent"}, "idempotency_key"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Enqueue(context.Background(), tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestEnqueuePolicyFailsClosed(t *testing.T) {
	svc := New(&stubStore{}, newTestQueue(t), testPolicy(), nil)

	req := validRequest()
	req.Agent = "rogue-agent"
	_, _, err := svc.Enqueue(context.Background(), req)

	var perr *dispatch.PolicyViolationError
	require.ErrorAs(t, err, &perr)
}

func TestEnqueueNewRunBecomesClaimable(t *testing.T) {
	st := &stubStore{
		run:    models.Run{ID: "r1", JobType: "ping", Agent: "ping-agent"},
		itemID: "item-1",
	}
	q := newTestQueue(t)
	svc := New(st, q, testPolicy(), nil)

	_, alreadyExists, err := svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, alreadyExists)
	assert.Contains(t, st.events, "run.enqueued")

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, ids)
}

func TestEnqueueDuplicateRepairsStrandedItem(t *testing.T) {
	// The run and its queue item committed to Postgres, but the Redis push
	// failed: the item is queued durably yet invisible to workers. The next
	// enqueue with the same idempotency key must re-push it.
	st := &stubStore{
		run:           models.Run{ID: "r1"},
		alreadyExists: true,
		item:          models.QueueItem{ID: "item-1", Status: models.ItemQueued},
	}
	q := newTestQueue(t)
	svc := New(st, q, testPolicy(), nil)

	_, alreadyExists, err := svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, alreadyExists)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, ids)
}

func TestEnqueueDuplicateLeavesTrackedItemAlone(t *testing.T) {
	st := &stubStore{
		run:           models.Run{ID: "r1"},
		alreadyExists: true,
		item:          models.QueueItem{ID: "item-1", Status: models.ItemQueued},
	}
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), "item-1", "default", time.Time{}))
	svc := New(st, q, testPolicy(), nil)

	_, _, err := svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, ids, "item already in redis must not be duplicated")
}

func TestEnqueueDuplicateSkipsFinishedItem(t *testing.T) {
	st := &stubStore{
		run:           models.Run{ID: "r1"},
		alreadyExists: true,
		item:          models.QueueItem{ID: "item-1", Status: models.ItemDone},
	}
	q := newTestQueue(t)
	svc := New(st, q, testPolicy(), nil)

	_, _, err := svc.Enqueue(context.Background(), validRequest())
	require.NoError(t, err)

	ids, err := q.ClaimBatch(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "a finished item must not be re-queued")
}
