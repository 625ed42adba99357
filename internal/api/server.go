package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"run-orchestrator/internal/config"
	"run-orchestrator/internal/dispatch"
	"run-orchestrator/internal/enqueue"
	"run-orchestrator/internal/ingest"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/ratelimit"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
)

// Store is the ledger surface the handlers read and write.
type Store interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
	ListRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error)
	MarkRunCancelled(ctx context.Context, runID string) error
	FindItemByRef(ctx context.Context, kind, ref string) (models.QueueItem, error)
	MarkItemDone(ctx context.Context, id string) error
	CreateSchedule(ctx context.Context, sched models.Schedule) (models.Schedule, error)
	CountReady(ctx context.Context, kind string) (int64, error)
	GetWorkItem(ctx context.Context, ref string) (models.WorkItem, error)
}

// Queue is the Redis surface the handlers touch directly.
type Queue interface {
	Cancel(ctx context.Context, itemID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the producer API and webhook intake.
type Server struct {
	cfg      config.Config
	store    Store
	queue    Queue
	enqueuer *enqueue.Service
	intake   *ingest.Intake
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, q Queue, enq *enqueue.Service, intake *ingest.Intake, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		enqueuer: enq,
		intake:   intake,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs", s.handleEnqueue)
	r.Post("/schedules", s.handleCreateSchedule)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/events", s.handleRunEvents)
	r.Post("/runs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/stats", s.handleStats)
	r.Post("/hooks/{source}", s.handleWebhook)
	r.Get("/work-items", s.handleGetWorkItem)
	return r
}

type enqueueRequest struct {
	JobType        string         `json:"job_type"`
	Agent          string         `json:"agent"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key"`
	ScheduleID     *string        `json:"schedule_id"`
	Metadata       map[string]any `json:"metadata"`
	Priority       string         `json:"priority"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
}

type enqueueResponse struct {
	RunID         string     `json:"run_id"`
	AlreadyExists bool       `json:"already_exists"`
	Run           models.Run `json:"run"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		limKey := fmt.Sprintf("rl:%s", req.Agent)
		allowed, _, err := s.limiter.Allow(r.Context(), limKey)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	runAt := time.Time{}
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	run, alreadyExists, err := s.enqueuer.Enqueue(r.Context(), enqueue.Request{
		JobType:        req.JobType,
		Agent:          req.Agent,
		Source:         "api",
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		ScheduleID:     req.ScheduleID,
		Metadata:       req.Metadata,
		Priority:       req.Priority,
		RunAt:          runAt,
	})
	if err != nil {
		var verr *enqueue.ValidationError
		var perr *dispatch.PolicyViolationError
		switch {
		case errors.As(err, &verr):
			http.Error(w, verr.Error(), http.StatusBadRequest)
		case errors.As(err, &perr):
			http.Error(w, perr.Error(), http.StatusForbidden)
		default:
			s.logger.Error("enqueue failed", "error", err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusAccepted
	if alreadyExists {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{RunID: run.ID, AlreadyExists: alreadyExists, Run: run})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.ListRunEvents(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancel marks the run cancelled and pulls its queue item out of
// Redis. A worker that already claimed the item notices the cancelled
// status and skips execution. A run that already reached a terminal status
// stays as it is and the request is rejected with 409.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.MarkRunCancelled(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			http.Error(w, "run not found", http.StatusNotFound)
		case errors.Is(err, store.ErrRunFinished):
			http.Error(w, "run already finished", http.StatusConflict)
		default:
			s.logger.Error("cancel run", "run_id", id, "error", err)
			http.Error(w, "failed to cancel run", http.StatusInternalServerError)
		}
		return
	}
	if item, err := s.store.FindItemByRef(r.Context(), models.KindRun, id); err == nil {
		_ = s.store.MarkItemDone(r.Context(), item.ID)
		_ = s.queue.Cancel(r.Context(), item.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.RunCancelled})
}

type scheduleRequest struct {
	Cron    string         `json:"cron"`
	JobType string         `json:"job_type"`
	Agent   string         `json:"agent"`
	Input   map[string]any `json:"input"`
	Enabled *bool          `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Cron == "" || req.JobType == "" || req.Agent == "" {
		http.Error(w, "cron, job_type, and agent are required", http.StatusBadRequest)
		return
	}
	if _, err := cron.ParseStandard(req.Cron); err != nil {
		http.Error(w, fmt.Sprintf("invalid cron expression: %v", err), http.StatusBadRequest)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched, err := s.store.CreateSchedule(r.Context(), models.Schedule{
		Cron:    req.Cron,
		JobType: req.JobType,
		Agent:   req.Agent,
		Input:   req.Input,
		Enabled: enabled,
	})
	if err != nil {
		s.logger.Error("create schedule", "error", err)
		http.Error(w, "failed to create schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// handleDLQ returns the DLQ contents (queue item IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleStats reports ready-item counts from the durable ledger, useful for
// a quick operational look without scraping /metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	runsReady, err := s.store.CountReady(r.Context(), models.KindRun)
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	normalizeReady, err := s.store.CountReady(r.Context(), models.KindNormalize)
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"runs_ready":      runsReady,
		"normalize_ready": normalizeReady,
	})
}

// handleWebhook records an already-authenticated inbound delivery in the
// ledger. Signature verification happens at the edge, before this service.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	deliveryID := r.Header.Get("X-Delivery-ID")
	if deliveryID == "" {
		http.Error(w, "X-Delivery-ID header is required", http.StatusBadRequest)
		return
	}
	event := r.Header.Get("X-Event-Type")

	// Reject oversized payloads outright. Truncating would hand the
	// normalizer mangled JSON that can never parse, yet retries forever
	// under an unlimited attempt cap.
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}

	inserted, err := s.intake.Record(r.Context(), source, deliveryID, event, payload)
	if err != nil {
		s.logger.Error("record delivery", "source", source, "delivery_id", deliveryID, "error", err)
		http.Error(w, "failed to record delivery", http.StatusInternalServerError)
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// handleGetWorkItem looks up a normalized work item. The ref goes in a query
// parameter because it contains '/' and '#' ("source:project#id").
func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "ref query parameter is required", http.StatusBadRequest)
		return
	}
	wi, err := s.store.GetWorkItem(r.Context(), ref)
	if err != nil {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, wi)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
