package dispatch

import "context"

// Message is the unit handed to a handler after a queue item is claimed.
type Message struct {
	RunID          string         `json:"run_id"`
	JobType        string         `json:"job_type"`
	Agent          string         `json:"agent"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key"`
	ScheduleID     *string        `json:"schedule_id,omitempty"`
}

// Handler result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is an audit entry a handler wants recorded alongside its result.
type Event struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Artifact is a blob a handler produced; the worker persists it through the
// artifact sink, handlers never touch storage themselves.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// HandlerResult is what a handler returns. Handlers never write to the
// ledger; the worker loop is the sole writer.
type HandlerResult struct {
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Events    []Event        `json:"events,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
}

// Handler maps a dispatched message to a result. Handlers are pure: input
// in, result out, no store access, so they are trivially unit-testable.
type Handler func(ctx context.Context, msg Message) HandlerResult

// Failed builds a failed result from an error string.
func Failed(errMsg string) HandlerResult {
	return HandlerResult{Status: StatusFailed, Error: errMsg}
}
