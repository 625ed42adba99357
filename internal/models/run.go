package models

import (
	"time"
)

// RunStatus enumerates run lifecycle states persisted in Postgres.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// QueueItemStatus enumerates queue item states. Transitions form a DAG:
// queued -> claimed -> done | failed -> queued (bounded) | dead.
const (
	ItemQueued  = "queued"
	ItemClaimed = "claimed"
	ItemDone    = "done"
	ItemFailed  = "failed"
	ItemDead    = "dead"
)

// Queue item kinds distinguish the run queue from the normalization queue.
const (
	KindRun       = "run"
	KindNormalize = "normalize"
)

// Run is a tracked unit of work, deduplicated by idempotency key.
type Run struct {
	ID             string         `json:"id"`
	JobType        string         `json:"job_type"`
	Agent          string         `json:"agent"`
	Status         string         `json:"status"`
	Source         string         `json:"source"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *string        `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ScheduleID     *string        `json:"schedule_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// RunEvent is an append-only audit row. Its own idempotency key
// (e.g. "{run_id}:run.started") makes duplicate transitions harmless.
type RunEvent struct {
	ID             int64          `json:"id"`
	RunID          string         `json:"run_id"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// QueueItem is the generic retry unit shared by the run queue and the
// ingestion normalizer. Ref points at a run id or a delivery row.
type QueueItem struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Ref         string     `json:"ref"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	AvailableAt time.Time  `json:"available_at"`
	ClaimedBy   *string    `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Schedule produces enqueue calls when its cron expression fires.
type Schedule struct {
	ID          string         `json:"id"`
	Cron        string         `json:"cron"`
	JobType     string         `json:"job_type"`
	Agent       string         `json:"agent"`
	Input       map[string]any `json:"input"`
	Enabled     bool           `json:"enabled"`
	LastRunID   *string        `json:"last_run_id,omitempty"`
	LastFiredAt *time.Time     `json:"last_fired_at,omitempty"`
}
