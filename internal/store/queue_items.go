package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"run-orchestrator/internal/models"
)

var ErrItemNotFound = errors.New("queue item not found")

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, ref, status, attempts, available_at, claimed_by, claimed_at, last_error, created_at, updated_at
		FROM queue_items WHERE id = $1
	`, id)

	var item models.QueueItem
	var claimedBy, lastErr pgtype.Text
	var claimedAt pgtype.Timestamptz
	err := row.Scan(&item.ID, &item.Kind, &item.Ref, &item.Status, &item.Attempts, &item.AvailableAt,
		&claimedBy, &claimedAt, &lastErr, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrItemNotFound
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	item.ClaimedBy = textPtr(claimedBy)
	item.ClaimedAt = timePtr(claimedAt)
	item.LastError = textPtr(lastErr)
	return item, nil
}

// MarkItemClaimed stamps the owner and claim time on a queued item.
func (s *Store) MarkItemClaimed(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, claimed_by = $3, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, models.ItemClaimed, workerID)
	return err
}

// MarkItemDone finalizes a successfully processed item.
func (s *Store) MarkItemDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.ItemDone)
	return err
}

// RequeueItem returns a failed item to the queue with a new available_at.
func (s *Store) RequeueItem(ctx context.Context, id string, attempts int, availableAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, attempts = $3, available_at = $4, last_error = $5,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.ItemQueued, attempts, availableAt, lastErr)
	return err
}

// MarkItemDead moves an item to the terminal dead state. It is never
// automatically re-queued from there.
func (s *Store) MarkItemDead(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.ItemDead, attempts, lastErr)
	return err
}

// ReleaseItem puts a claimed item back to queued without counting an
// attempt. Used by the lease reaper when a worker dies mid-claim.
func (s *Store) ReleaseItem(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.ItemQueued, models.ItemClaimed)
	return err
}

// FindItemByRef finds the most recent queue item pointing at a ref.
func (s *Store) FindItemByRef(ctx context.Context, kind, ref string) (models.QueueItem, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM queue_items WHERE kind = $1 AND ref = $2 ORDER BY created_at DESC LIMIT 1
	`, kind, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueItem{}, ErrItemNotFound
	}
	if err != nil {
		return models.QueueItem{}, fmt.Errorf("find item by ref: %w", err)
	}
	return s.GetQueueItem(ctx, id)
}

// CountReady returns how many items of a kind are eligible to claim.
func (s *Store) CountReady(ctx context.Context, kind string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE kind = $1 AND status = $2 AND available_at <= NOW()
	`, kind, models.ItemQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready items: %w", err)
	}
	return n, nil
}
