package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"run-orchestrator/internal/config"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/store"
)

type stubStore struct {
	Store
	cancelErr  error
	item       models.QueueItem
	itemErr    error
	markedDone []string
}

func (s *stubStore) MarkRunCancelled(context.Context, string) error { return s.cancelErr }

func (s *stubStore) FindItemByRef(context.Context, string, string) (models.QueueItem, error) {
	return s.item, s.itemErr
}

func (s *stubStore) MarkItemDone(_ context.Context, id string) error {
	s.markedDone = append(s.markedDone, id)
	return nil
}

type stubQueue struct {
	Queue
	cancelled []string
}

func (q *stubQueue) Cancel(_ context.Context, itemID string) error {
	q.cancelled = append(q.cancelled, itemID)
	return nil
}

func testRouter() http.Handler {
	return routerWith(&stubStore{}, &stubQueue{})
}

func routerWith(st Store, q Queue) http.Handler {
	s := New(config.Config{}, st, q, nil, nil, nil, nil)
	return s.Router()
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{not json"))
	testRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCancelPendingRun(t *testing.T) {
	st := &stubStore{item: models.QueueItem{ID: "item-1", Status: models.ItemQueued}}
	q := &stubQueue{}

	rec := httptest.NewRecorder()
	routerWith(st, q).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/r1/cancel", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(st.markedDone) != 1 || st.markedDone[0] != "item-1" {
		t.Fatalf("queue item not finalized: %v", st.markedDone)
	}
	if len(q.cancelled) != 1 || q.cancelled[0] != "item-1" {
		t.Fatalf("queue item not removed from redis: %v", q.cancelled)
	}
}

func TestCancelFinishedRunConflict(t *testing.T) {
	st := &stubStore{cancelErr: store.ErrRunFinished}
	q := &stubQueue{}

	rec := httptest.NewRecorder()
	routerWith(st, q).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/r1/cancel", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(q.cancelled) != 0 {
		t.Fatalf("finished run's item must not be touched: %v", q.cancelled)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	st := &stubStore{cancelErr: store.ErrRunNotFound}

	rec := httptest.NewRecorder()
	routerWith(st, &stubQueue{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/missing/cancel", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	cases := map[string]string{
		"missing fields": `{"cron": "0 * * * *"}`,
		"bad cron":       `{"cron": "nope", "job_type": "ping", "agent": "ping-agent"}`,
		"not json":       `{{{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(body))
			testRouter().ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestWorkItemLookupRequiresRef(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/work-items", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRequiresDeliveryID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader("{}"))
	testRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "X-Delivery-ID") {
		t.Fatalf("body should name the missing header, got %q", rec.Body.String())
	}
}

func TestWebhookRejectsOversizedPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(strings.Repeat("a", 1<<20+1)))
	req.Header.Set("X-Delivery-ID", "d-1")
	testRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}
