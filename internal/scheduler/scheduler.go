// Package scheduler fires enabled cron schedules into enqueue calls. The
// idempotency key embeds the fire time, so a scheduler re-firing after a
// restart (or a second scheduler racing the first) reuses the existing run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"run-orchestrator/internal/enqueue"
	"run-orchestrator/internal/models"
	"run-orchestrator/internal/store"
	"run-orchestrator/internal/telemetry"
)

// Runner polls schedule rows and enqueues a run per elapsed fire time.
type Runner struct {
	store    *store.Store
	enqueuer *enqueue.Service
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(st *store.Store, enq *enqueue.Service, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		enqueuer: enq,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	schedules, err := r.store.ListEnabledSchedules(ctx)
	if err != nil {
		r.logger.Error("list schedules", "error", err)
		return
	}
	now := r.now()
	for _, sched := range schedules {
		fireTime, due, err := NextFire(sched, now)
		if err != nil {
			r.logger.Error("bad cron expression", "schedule_id", sched.ID, "cron", sched.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}
		r.fire(ctx, sched, fireTime)
	}
}

func (r *Runner) fire(ctx context.Context, sched models.Schedule, fireTime time.Time) {
	key := IdempotencyKey(sched.ID, fireTime)
	run, alreadyExists, err := r.enqueuer.Enqueue(ctx, enqueue.Request{
		JobType:        sched.JobType,
		Agent:          sched.Agent,
		Source:         "schedule",
		Input:          sched.Input,
		IdempotencyKey: key,
		ScheduleID:     &sched.ID,
	})
	if err != nil {
		r.logger.Error("enqueue scheduled run", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := r.store.MarkScheduleFired(ctx, sched.ID, run.ID, fireTime); err != nil {
		r.logger.Error("mark schedule fired", "schedule_id", sched.ID, "error", err)
	}
	if !alreadyExists {
		telemetry.ScheduleFires.Inc()
		r.logger.Info("schedule fired", "schedule_id", sched.ID, "run_id", run.ID, "fire_time", fireTime.UTC().Format(time.RFC3339))
	}
}

// NextFire computes the most recent elapsed fire time after the schedule
// last fired. due is false when the next fire is still in the future.
func NextFire(sched models.Schedule, now time.Time) (time.Time, bool, error) {
	spec, err := cron.ParseStandard(sched.Cron)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cron %q: %w", sched.Cron, err)
	}
	from := now.Add(-time.Hour)
	if sched.LastFiredAt != nil {
		from = *sched.LastFiredAt
	}
	fire := spec.Next(from)
	if fire.IsZero() || fire.After(now) {
		return time.Time{}, false, nil
	}
	// Catch up to the latest elapsed fire rather than replaying every
	// missed interval after long downtime.
	for {
		next := spec.Next(fire)
		if next.IsZero() || next.After(now) {
			break
		}
		fire = next
	}
	return fire, true, nil
}

// IdempotencyKey names one fire of one schedule.
func IdempotencyKey(scheduleID string, fireTime time.Time) string {
	return fmt.Sprintf("sched:%s:%s", scheduleID, fireTime.UTC().Format(time.RFC3339))
}
