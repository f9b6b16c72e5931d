package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/models"
	"ratchet/pkg/queue"
	"ratchet/pkg/scheduler"
	"ratchet/pkg/storage/memory"
)

func setup(t *testing.T) (*scheduler.Scheduler, *memory.MemoryStore) {
	t.Helper()
	store := memory.NewMemoryStore()
	q := queue.New(store, queue.DefaultConfig(), nil)
	return scheduler.New(store, q, scheduler.DefaultConfig(), nil), store
}

func createSchedule(t *testing.T, store *memory.MemoryStore, s *models.Schedule) *models.Schedule {
	t.Helper()
	require.NoError(t, store.CreateSchedule(context.Background(), s))
	return s
}

func TestScheduleFiresOnceAndDisablesAtMax(t *testing.T) {
	sched, store := setup(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	nextRun := now.Add(-time.Second)
	maxExec := int64(1)

	s := createSchedule(t, store, &models.Schedule{
		TaskID:         1,
		Name:           "every-minute-once",
		CronExpression: "* * * * *",
		Input:          models.RawJSON(`{"tick":true}`),
		Enabled:        true,
		NextRunAt:      &nextRun,
		MaxExecutions:  &maxExec,
		OutputDestinations: models.DestinationList{
			{Type: "filesystem", Path: "/tmp/out-{{job_id}}.json", Format: "json"},
		},
	})

	fired, err := sched.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// Exactly one job, carrying the schedule's input and destinations.
	stats, err := store.JobStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobQueued])

	jobs, err := store.ClaimJobs(context.Background(), 10, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.PriorityNormal, jobs[0].Priority)
	assert.JSONEq(t, `{"tick":true}`, string(jobs[0].Input))
	require.Len(t, jobs[0].OutputDestinations, 1)
	assert.Equal(t, "filesystem", jobs[0].OutputDestinations[0].Type)

	// The schedule is disabled after reaching max_executions.
	got, err := store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, int64(1), got.ExecutionCount)
	nextAfterDisable := *got.NextRunAt

	// A later tick fires nothing and leaves next_run_at unchanged.
	fired, err = sched.Tick(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	got, err = store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, nextAfterDisable, *got.NextRunAt)
}

func TestNextRunStrictlyMonotone(t *testing.T) {
	sched, store := setup(t)
	base := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	nextRun := base.Add(-time.Minute)

	s := createSchedule(t, store, &models.Schedule{
		TaskID:         1,
		Name:           "monotone",
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      &nextRun,
	})

	_, err := sched.Tick(context.Background(), base)
	require.NoError(t, err)
	afterFirst, err := store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, afterFirst.NextRunAt.After(nextRun))

	second := afterFirst.NextRunAt.Add(time.Second)
	_, err = sched.Tick(context.Background(), second)
	require.NoError(t, err)
	afterSecond, err := store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, afterSecond.NextRunAt.After(*afterFirst.NextRunAt))
	assert.Equal(t, int64(2), afterSecond.ExecutionCount)
}

func TestMissedTicksCatchUpOnce(t *testing.T) {
	sched, store := setup(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Downtime: the schedule is three hours late.
	nextRun := now.Add(-3 * time.Hour)

	s := createSchedule(t, store, &models.Schedule{
		TaskID:         1,
		Name:           "stale",
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      &nextRun,
	})

	fired, err := sched.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// No back-fill: one catch-up job, next_run_at in the future.
	stats, err := store.JobStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.JobQueued])

	got, err := store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(now))
}

func TestTickOrderIsByScheduleID(t *testing.T) {
	sched, store := setup(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	// Created in reverse name order; firing order follows ids.
	for _, name := range []string{"zeta", "alpha", "mid"} {
		createSchedule(t, store, &models.Schedule{
			TaskID:         1,
			Name:           name,
			CronExpression: "* * * * *",
			Enabled:        true,
			NextRunAt:      &past,
		})
	}

	due, err := store.ListDueSchedules(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.True(t, due[0].ID < due[1].ID && due[1].ID < due[2].ID)

	fired, err := sched.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, fired)
}

func TestInvalidCronDisablesSchedule(t *testing.T) {
	sched, store := setup(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	s := createSchedule(t, store, &models.Schedule{
		TaskID:         1,
		Name:           "broken",
		CronExpression: "not a cron",
		Enabled:        true,
		NextRunAt:      &past,
	})

	_, err := sched.Tick(context.Background(), now)
	require.NoError(t, err)

	got, err := store.GetSchedule(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDisabledSchedulesNeverFire(t *testing.T) {
	sched, store := setup(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	createSchedule(t, store, &models.Schedule{
		TaskID:         1,
		Name:           "off",
		CronExpression: "* * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	})

	fired, err := sched.Tick(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}
