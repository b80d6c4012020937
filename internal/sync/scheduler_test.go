package sync

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/notify"
	"assessment-sync/internal/store"
)

func TestTick_IntervalScheduleStepsFromAnchor(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 1)
	f.clock.Set(at(t, "2025-04-01T04:00:00Z"))

	sched, err := f.manager.CreateSchedule(f.ctx, &store.SyncSchedule{
		Name: "every-4h", JobType: store.JobFull, Kind: store.ScheduleInterval, IntervalSeconds: 4 * 3600, IsActive: true,
	})
	require.NoError(t, err)
	assertInstant(t, "2025-04-01T08:00:00Z", sched.NextRun)

	// the tick runs an hour late
	f.clock.Set(at(t, "2025-04-01T09:00:00Z"))
	require.NoError(t, f.manager.Scheduler().Tick(f.ctx))

	got, err := f.manager.GetSchedule(f.ctx, sched.ID)
	require.NoError(t, err)
	assertInstant(t, "2025-04-01T12:00:00Z", got.NextRun)
	assertInstant(t, "2025-04-01T08:00:00Z", got.LastRun)
	require.NotEmpty(t, got.LastJobID)
	first := got.LastJobID

	job, err := f.manager.GetJob(f.ctx, first)
	require.NoError(t, err)
	assert.Equal(t, sched.ID, job.ScheduleID)
	assert.Equal(t, "scheduler", job.Initiator)

	f.clock.Set(at(t, "2025-04-01T09:30:00Z"))
	require.NoError(t, f.manager.Scheduler().Tick(f.ctx))
	jobs, err := f.manager.ListJobs(f.ctx, store.JobFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "not due yet")

	// the first job never ran, so the next due run is skipped
	f.clock.Set(at(t, "2025-04-01T12:05:00Z"))
	require.NoError(t, f.manager.Scheduler().Tick(f.ctx))
	got, err = f.manager.GetSchedule(f.ctx, sched.ID)
	require.NoError(t, err)
	assertInstant(t, "2025-04-01T16:00:00Z", got.NextRun)
	assertInstant(t, "2025-04-01T08:00:00Z", got.LastRun)
	assert.Equal(t, first, got.LastJobID)
	jobs, err = f.manager.ListJobs(f.ctx, store.JobFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestTick_ArmsUnarmedAndPausesInvalid(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 1)
	now := f.clock.Now()

	unarmed := &store.SyncSchedule{
		Name: "fresh", JobType: store.JobFull, Kind: store.ScheduleInterval, IntervalSeconds: 600,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	broken := &store.SyncSchedule{
		Name: "broken", JobType: store.JobFull, Kind: store.ScheduleCron, CronExpression: "whenever",
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateSchedule(f.ctx, unarmed))
	require.NoError(t, f.store.CreateSchedule(f.ctx, broken))

	require.NoError(t, f.manager.Scheduler().Tick(f.ctx))

	got, err := f.manager.GetSchedule(f.ctx, unarmed.ID)
	require.NoError(t, err)
	assertInstant(t, "2025-04-01T09:10:00Z", got.NextRun)
	assert.Nil(t, got.LastRun)

	got, err = f.manager.GetSchedule(f.ctx, broken.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRun)

	jobs, err := f.manager.ListJobs(f.ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestNextRun_CronInScheduleTimezone(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	s := f.manager.Scheduler()

	cases := []struct {
		name string
		expr string
		tz   string
		now  string
		want string
	}{
		{"utc default", "0 9 * * *", "", "2025-04-01T09:00:00Z", "2025-04-02T09:00:00Z"},
		{"new york edt", "0 9 * * *", "America/New_York", "2025-04-01T12:00:00Z", "2025-04-01T13:00:00Z"},
		{"new york est", "0 9 * * *", "America/New_York", "2025-01-15T15:00:00Z", "2025-01-16T14:00:00Z"},
		{"weekdays", "30 6 * * 1-5", "Europe/Berlin", "2025-04-04T05:00:00Z", "2025-04-07T04:30:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := s.NextRun(&store.SyncSchedule{Kind: store.ScheduleCron, CronExpression: tc.expr, Timezone: tc.tz}, at(t, tc.now))
			require.NoError(t, err)
			assertInstant(t, tc.want, &next)
		})
	}

	_, err := s.NextRun(&store.SyncSchedule{Kind: store.ScheduleCron, CronExpression: "0 9 * * *", Timezone: "Mars/Olympus"}, f.clock.Now())
	assert.Error(t, err)
}

func TestNextRun_IntervalSkipsMissedRuns(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	s := f.manager.Scheduler()
	anchor := at(t, "2025-04-01T00:00:00Z")
	sched := &store.SyncSchedule{Kind: store.ScheduleInterval, IntervalSeconds: 900, NextRun: &anchor}

	for _, now := range []string{"2025-04-01T00:00:00Z", "2025-04-01T00:14:59Z", "2025-04-01T03:07:00Z", "2025-04-03T11:45:00Z"} {
		next, err := s.NextRun(sched, at(t, now))
		require.NoError(t, err)
		assert.True(t, next.After(at(t, now)), "%s: next %s", now, next)
		assert.LessOrEqual(t, next.Sub(at(t, now)), 15*time.Minute)
		assert.Zero(t, next.Sub(anchor)%(15*time.Minute), "next run stays on the anchor grid")
	}

	_, err := s.NextRun(&store.SyncSchedule{Kind: store.ScheduleInterval}, anchor)
	assert.Error(t, err)
}

func TestTick_ReapsJobWithLostHeartbeat(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	now := f.clock.Now()
	beat := now.Add(-time.Hour)
	fresh := now.Add(-5 * time.Second)

	stale := &store.SyncJob{Name: "stale", JobType: store.JobFull, Status: store.JobRunning, CreatedAt: beat, StartedAt: &beat, HeartbeatAt: &beat}
	alive := &store.SyncJob{Name: "alive", JobType: store.JobFull, Status: store.JobRunning, CreatedAt: fresh, StartedAt: &fresh, HeartbeatAt: &fresh}
	require.NoError(t, f.store.CreateJob(f.ctx, stale))
	require.NoError(t, f.store.CreateJob(f.ctx, alive))

	require.NoError(t, f.manager.Scheduler().Tick(f.ctx))
	f.broker.Drain(f.ctx)

	got, err := f.manager.GetJob(f.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, "heartbeat lost", got.ErrorMessage)

	got, err = f.manager.GetJob(f.ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, got.Status)

	rows := f.notifications(t, stale.ID)
	require.Len(t, rows, 4)
	for _, n := range rows {
		assert.Equal(t, string(notify.SeverityCritical), n.Severity)
	}
	require.Len(t, f.channels["sms"].Calls(), 1)

	logs, err := f.manager.JobLogs(f.ctx, stale.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, store.LevelCritical, logs[len(logs)-1].Level)
}
