package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"run-orchestrator/internal/models"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
)

// Store wraps pgxpool for Postgres persistence of the run ledger.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRunParams collects inputs required to insert a run and its queue item.
type CreateRunParams struct {
	JobType        string
	Agent          string
	Source         string
	Input          map[string]any
	IdempotencyKey string
	ScheduleID     *string
	Metadata       map[string]any
}

// CreateRun inserts a pending run plus its queue item, honoring the
// idempotency key. It returns the run, the queue item id (empty when the key
// matched an existing run), and whether an existing run was reused.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, string, bool, error) {
	if p.Source == "" {
		p.Source = "adhoc"
	}
	if p.Input == nil {
		p.Input = map[string]any{}
	}

	// If the idempotency key already exists, short-circuit before creating anything.
	if existing, found, err := s.FindRunByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
		return models.Run{}, "", false, err
	} else if found {
		return existing, "", true, nil
	}

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return models.Run{}, "", false, fmt.Errorf("marshal input: %w", err)
	}
	var metaJSON []byte
	if p.Metadata != nil {
		if metaJSON, err = json.Marshal(p.Metadata); err != nil {
			return models.Run{}, "", false, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Run{}, "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	runID := uuid.New().String()
	itemID := uuid.New().String()
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		INSERT INTO runs (id, job_type, agent, status, source, input, idempotency_key, schedule_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, runID, p.JobType, p.Agent, models.RunPending, p.Source, inputJSON, p.IdempotencyKey, p.ScheduleID, metaJSON, now)
	if err != nil {
		return models.Run{}, "", false, fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else claimed the key after our initial check; return the existing run.
		if err := tx.Rollback(ctx); err != nil {
			return models.Run{}, "", false, fmt.Errorf("rollback after idempotency conflict: %w", err)
		}
		existing, found, err := s.FindRunByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Run{}, "", false, err
		}
		if !found {
			return models.Run{}, "", false, errors.New("idempotency conflict but no existing run found")
		}
		return existing, "", true, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_items (id, kind, ref, status, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5, $5)
	`, itemID, models.KindRun, runID, models.ItemQueued, now)
	if err != nil {
		return models.Run{}, "", false, fmt.Errorf("insert queue item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Run{}, "", false, fmt.Errorf("commit: %w", err)
	}

	return models.Run{
		ID:             runID,
		JobType:        p.JobType,
		Agent:          p.Agent,
		Status:         models.RunPending,
		Source:         p.Source,
		Input:          p.Input,
		IdempotencyKey: p.IdempotencyKey,
		ScheduleID:     p.ScheduleID,
		Metadata:       p.Metadata,
		CreatedAt:      now,
	}, itemID, false, nil
}

// FindRunByIdempotencyKey returns the run mapped to the key if present.
func (s *Store) FindRunByIdempotencyKey(ctx context.Context, key string) (models.Run, bool, error) {
	run, err := s.scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE idempotency_key = $1`, key))
	if errors.Is(err, ErrRunNotFound) {
		return models.Run{}, false, nil
	}
	if err != nil {
		return models.Run{}, false, err
	}
	return run, true, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, id))
}

const runSelect = `
	SELECT id, job_type, agent, status, source, input, output, error, idempotency_key, schedule_id, metadata, created_at, started_at, completed_at
	FROM runs`

func (s *Store) scanRun(row pgx.Row) (models.Run, error) {
	var run models.Run
	var inputJSON, outputJSON, metaJSON []byte
	var errText, schedID pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&run.ID, &run.JobType, &run.Agent, &run.Status, &run.Source, &inputJSON, &outputJSON,
		&errText, &run.IdempotencyKey, &schedID, &metaJSON, &run.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, ErrRunNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.Input); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &run.Output); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &run.Metadata); err != nil {
			return models.Run{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	run.Error = textPtr(errText)
	run.ScheduleID = textPtr(schedID)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

// MarkRunRunning transitions a run to running and appends the run.started
// event in one transaction. The event insert is keyed by "{run_id}:run.started",
// so retrying the same transition never duplicates the audit row.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE runs SET status = $2, started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ($3, $2)
	`, runID, models.RunRunning, models.RunPending)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if err := appendEventTx(ctx, tx, runID, "run.started", runID+":run.started", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkRunFinished sets the terminal status plus output or error, and appends
// the matching event, atomically.
func (s *Store) MarkRunFinished(ctx context.Context, runID, status string, output map[string]any, errMsg *string) error {
	var outputJSON []byte
	if output != nil {
		var err error
		if outputJSON, err = json.Marshal(output); err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE runs SET status = $2, output = $3, error = $4, completed_at = NOW()
		WHERE id = $1
	`, runID, status, outputJSON, errMsg)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}

	eventType := "run." + status
	var payload map[string]any
	if errMsg != nil {
		payload = map[string]any{"error": *errMsg}
	}
	if err := appendEventTx(ctx, tx, runID, eventType, runID+":"+eventType, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequeueRun returns a run to pending after a failed attempt and records
// the retry event. The event key carries the attempt number so each retry
// gets exactly one audit row.
func (s *Store) RequeueRun(ctx context.Context, runID string, attempts int, errMsg string, nextRun time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE runs SET status = $2, error = $3 WHERE id = $1
	`, runID, models.RunPending, errMsg)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}

	key := fmt.Sprintf("%s:run.retry_scheduled:%d", runID, attempts)
	payload := map[string]any{
		"attempts": attempts,
		"error":    errMsg,
		"next_run": nextRun.UTC().Format(time.RFC3339),
	}
	if err := appendEventTx(ctx, tx, runID, "run.retry_scheduled", key, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkRunCancelled is the out-of-band terminal transition. Only pending or
// running runs can be cancelled; a run that already reached a terminal
// status keeps it, along with its recorded output and error, and the call
// returns ErrRunFinished.
func (s *Store) MarkRunCancelled(ctx context.Context, runID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE runs SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, runID, models.RunCancelled, models.RunPending, models.RunRunning)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return fmt.Errorf("rollback after cancel conflict: %w", err)
		}
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrRunFinished
	}

	if err := appendEventTx(ctx, tx, runID, "run.cancelled", runID+":run.cancelled", nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendRunEvent appends one audit event. A duplicate idempotency key is a
// no-op, which is what makes transition retries safe.
func (s *Store) AppendRunEvent(ctx context.Context, runID, eventType, idempotencyKey string, payload map[string]any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := appendEventTx(ctx, tx, runID, eventType, idempotencyKey, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendEventTx(ctx context.Context, tx pgx.Tx, runID, eventType, idempotencyKey string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO run_events (run_id, event_type, idempotency_key, payload, ts)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, runID, eventType, idempotencyKey, payloadJSON)
	if err != nil {
		return fmt.Errorf("append event %s: %w", eventType, err)
	}
	return nil
}

// ListRunEvents returns the append-only event stream for a run, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]models.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, event_type, idempotency_key, payload, ts
		FROM run_events WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []models.RunEvent
	for rows.Next() {
		var ev models.RunEvent
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.IdempotencyKey, &payloadJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
