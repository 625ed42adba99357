package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"run-orchestrator/internal/models"
)

func TestNextFireDue(t *testing.T) {
	last := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	sched := models.Schedule{Cron: "0 * * * *", LastFiredAt: &last}

	fire, due, err := NextFire(sched, now)
	require.NoError(t, err)
	require.True(t, due)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), fire)
}

func TestNextFireNotDue(t *testing.T) {
	last := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	sched := models.Schedule{Cron: "0 * * * *", LastFiredAt: &last}

	_, due, err := NextFire(sched, now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestNextFireCatchesUpToLatest(t *testing.T) {
	// Scheduler was down for five hours; only the latest elapsed fire
	// should be replayed, not all five.
	last := time.Date(2026, 8, 30, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	sched := models.Schedule{Cron: "0 * * * *", LastFiredAt: &last}

	fire, due, err := NextFire(sched, now)
	require.NoError(t, err)
	require.True(t, due)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), fire)
}

func TestNextFireNeverFiredLooksBackOneHour(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	sched := models.Schedule{Cron: "0 * * * *"}

	fire, due, err := NextFire(sched, now)
	require.NoError(t, err)
	require.True(t, due)
	assert.Equal(t, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), fire)
}

func TestNextFireBadCron(t *testing.T) {
	_, _, err := NextFire(models.Schedule{Cron: "not a cron"}, time.Now())
	require.Error(t, err)
}

func TestIdempotencyKeyStableAcrossZones(t *testing.T) {
	fire := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	inParis := fire.In(time.FixedZone("CEST", 2*60*60))

	key := IdempotencyKey("sched-1", fire)
	assert.Equal(t, "sched:sched-1:2026-08-30T12:00:00Z", key)
	assert.Equal(t, key, IdempotencyKey("sched-1", inParis))
}
