package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"run-orchestrator/internal/models"
)

var ErrDeliveryNotFound = errors.New("delivery not found")

// RecordDelivery appends a row to the delivery ledger, keyed by the
// provider-supplied delivery id. A redelivery of the same id inserts
// nothing and returns the existing row with inserted=false. On first
// insert the normalization queue item is created in the same transaction.
func (s *Store) RecordDelivery(ctx context.Context, source, deliveryID, event string, payload []byte) (models.Delivery, string, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Delivery{}, "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	itemID := uuid.New().String()
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		INSERT INTO deliveries (id, source, delivery_id, event, payload, status, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (source, delivery_id) DO NOTHING
	`, id, source, deliveryID, event, payload, models.DeliveryReceived, now)
	if err != nil {
		return models.Delivery{}, "", false, fmt.Errorf("insert delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return models.Delivery{}, "", false, fmt.Errorf("rollback after redelivery: %w", err)
		}
		existing, err := s.GetDeliveryByKey(ctx, source, deliveryID)
		if err != nil {
			return models.Delivery{}, "", false, err
		}
		return existing, "", false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_items (id, kind, ref, status, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5, $5)
	`, itemID, models.KindNormalize, id, models.ItemQueued, now)
	if err != nil {
		return models.Delivery{}, "", false, fmt.Errorf("insert normalize item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Delivery{}, "", false, fmt.Errorf("commit: %w", err)
	}

	return models.Delivery{
		ID:         id,
		Source:     source,
		DeliveryID: deliveryID,
		Event:      event,
		Payload:    payload,
		Status:     models.DeliveryReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}, itemID, true, nil
}

// GetDelivery fetches a ledger row by internal id.
func (s *Store) GetDelivery(ctx context.Context, id string) (models.Delivery, error) {
	return s.scanDelivery(s.pool.QueryRow(ctx, deliverySelect+` WHERE id = $1`, id))
}

// GetDeliveryByKey fetches a ledger row by its natural key.
func (s *Store) GetDeliveryByKey(ctx context.Context, source, deliveryID string) (models.Delivery, error) {
	return s.scanDelivery(s.pool.QueryRow(ctx, deliverySelect+` WHERE source = $1 AND delivery_id = $2`, source, deliveryID))
}

const deliverySelect = `
	SELECT id, source, delivery_id, event, payload, status, last_error, received_at, updated_at
	FROM deliveries`

func (s *Store) scanDelivery(row pgx.Row) (models.Delivery, error) {
	var d models.Delivery
	var lastErr pgtype.Text
	err := row.Scan(&d.ID, &d.Source, &d.DeliveryID, &d.Event, &d.Payload, &d.Status, &lastErr, &d.ReceivedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Delivery{}, ErrDeliveryNotFound
	}
	if err != nil {
		return models.Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.LastError = textPtr(lastErr)
	return d, nil
}

// MarkDeliveryDone flags a ledger row as normalized.
func (s *Store) MarkDeliveryDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.DeliveryDone)
	return err
}

// MarkDeliveryFailed records the normalization error on the ledger row.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.DeliveryFailed, lastErr)
	return err
}

// UpsertWorkItem merges a normalized record by ref. Re-processing the same
// delivery converges to the same end state instead of duplicating rows.
func (s *Store) UpsertWorkItem(ctx context.Context, wi models.WorkItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_items (ref, system, external_id, project, title, state, assignee, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ref) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			assignee = EXCLUDED.assignee,
			updated_at = EXCLUDED.updated_at
	`, wi.Ref, wi.System, wi.ExternalID, wi.Project, wi.Title, wi.State, wi.Assignee, wi.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert work item: %w", err)
	}
	return nil
}

// GetWorkItem fetches a normalized record by ref.
func (s *Store) GetWorkItem(ctx context.Context, ref string) (models.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ref, system, external_id, project, title, state, assignee, updated_at
		FROM work_items WHERE ref = $1
	`, ref)
	var wi models.WorkItem
	var assignee pgtype.Text
	if err := row.Scan(&wi.Ref, &wi.System, &wi.ExternalID, &wi.Project, &wi.Title, &wi.State, &assignee, &wi.UpdatedAt); err != nil {
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	wi.Assignee = textPtr(assignee)
	return wi, nil
}
