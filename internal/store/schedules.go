package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"run-orchestrator/internal/models"
)

// CreateSchedule inserts a cron schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched models.Schedule) (models.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.Input == nil {
		sched.Input = map[string]any{}
	}
	inputJSON, err := json.Marshal(sched.Input)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, cron, job_type, agent, input, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sched.ID, sched.Cron, sched.JobType, sched.Agent, inputJSON, sched.Enabled)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

// ListEnabledSchedules returns all schedules eligible to fire.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cron, job_type, agent, input, enabled, last_run_id, last_fired_at
		FROM schedules WHERE enabled
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var sched models.Schedule
		var inputJSON []byte
		var lastRunID pgtype.Text
		var lastFiredAt pgtype.Timestamptz
		if err := rows.Scan(&sched.ID, &sched.Cron, &sched.JobType, &sched.Agent, &inputJSON, &sched.Enabled, &lastRunID, &lastFiredAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &sched.Input); err != nil {
				return nil, fmt.Errorf("unmarshal schedule input: %w", err)
			}
		}
		sched.LastRunID = textPtr(lastRunID)
		sched.LastFiredAt = timePtr(lastFiredAt)
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleFired records the run produced by the latest fire.
func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID, runID string, firedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET last_run_id = $2, last_fired_at = $3 WHERE id = $1
	`, scheduleID, runID, firedAt)
	return err
}
