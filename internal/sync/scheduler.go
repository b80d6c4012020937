package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"assessment-sync/internal/audit"
	"assessment-sync/internal/config"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/notify"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Scheduler launches due schedules and reaps jobs whose worker went quiet.
// The tick itself is driven by cron so overlapping ticks are skipped.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	interval := s.cfg.TickInterval
	if interval < time.Second {
		interval = time.Second
	}
	logger.Log.Info("Starting scheduler", zap.Duration("tick", interval))

	id, err := s.cron.AddFunc("@every "+interval.String(), func() {
		if err := s.Tick(context.Background()); err != nil {
			logger.Log.Error("Scheduler tick failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Log.Error("Failed to schedule tick", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logger.Log.Info("Stopped scheduler")
}

// Tick reaps stale jobs, then launches every active schedule whose next run
// is due. A due schedule whose previous job is still active is skipped, but
// its next run still advances.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.manager
	now := m.now().UTC()
	s.reap(ctx, now)

	scheds, err := m.store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range scheds {
		if sched.NextRun != nil && sched.NextRun.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *store.SyncSchedule, now time.Time) {
	m := s.manager
	next, err := s.NextRun(sched, now)
	if err != nil {
		logger.Log.Error("Invalid schedule, pausing it", zap.String("schedule_id", sched.ID), zap.Error(err))
		sched.IsActive = false
		sched.NextRun = nil
		s.save(ctx, sched, now)
		return
	}

	// A schedule that has neither run nor been armed is armed without firing.
	if sched.NextRun != nil || sched.LastRun != nil {
		active, err := m.store.ActiveJobForSchedule(ctx, sched.ID)
		switch {
		case err != nil:
			logger.Log.Error("Failed to check active job", zap.String("schedule_id", sched.ID), zap.Error(err))
			return
		case active != nil:
			logger.Log.Info("Previous run still active, skipping",
				zap.String("schedule", sched.Name),
				zap.String("job_id", active.ID),
				zap.String("status", string(active.Status)),
			)
		default:
			job, err := m.launchSchedule(ctx, sched, "scheduler")
			if err != nil {
				logger.Log.Error("Failed to launch scheduled job", zap.String("schedule", sched.Name), zap.Error(err))
				break
			}
			last := now
			if sched.Kind == store.ScheduleInterval {
				last = next.Add(-time.Duration(sched.IntervalSeconds) * time.Second)
			}
			sched.LastRun = &last
			sched.LastJobID = job.ID
		}
	}

	sched.NextRun = &next
	s.save(ctx, sched, now)
}

func (s *Scheduler) save(ctx context.Context, sched *store.SyncSchedule, now time.Time) {
	sched.UpdatedAt = now
	if err := s.manager.store.UpdateSchedule(ctx, sched); err != nil {
		logger.Log.Error("Failed to save schedule", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

// NextRun returns the first run strictly after now. Interval schedules step
// from their anchor (next run, else last run, else creation time) so missed
// runs are skipped rather than replayed. Cron schedules are evaluated in
// the schedule's timezone.
func (s *Scheduler) NextRun(sched *store.SyncSchedule, now time.Time) (time.Time, error) {
	switch sched.Kind {
	case store.ScheduleInterval:
		if sched.IntervalSeconds <= 0 {
			return time.Time{}, syncerr.Config("schedule", "interval_seconds must be positive")
		}
		interval := time.Duration(sched.IntervalSeconds) * time.Second
		anchor := sched.CreatedAt
		switch {
		case sched.NextRun != nil:
			anchor = *sched.NextRun
		case sched.LastRun != nil:
			anchor = *sched.LastRun
		}
		if anchor.IsZero() {
			anchor = now
		}
		k := int64(1)
		if now.After(anchor) {
			k = int64(now.Sub(anchor)/interval) + 1
		}
		return anchor.Add(time.Duration(k) * interval).UTC(), nil

	case store.ScheduleCron:
		loc, err := s.location(sched)
		if err != nil {
			return time.Time{}, err
		}
		spec, err := cron.ParseStandard(sched.CronExpression)
		if err != nil {
			return time.Time{}, syncerr.Config("schedule", "cron expression %q: %v", sched.CronExpression, err)
		}
		next := spec.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, syncerr.Config("schedule", "cron expression %q never fires", sched.CronExpression)
		}
		return next.UTC(), nil
	}
	return time.Time{}, syncerr.Config("schedule", "unknown schedule kind %q", sched.Kind)
}

func (s *Scheduler) location(sched *store.SyncSchedule) (*time.Location, error) {
	name := sched.Timezone
	if name == "" {
		name = s.cfg.DefaultTimezone
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, syncerr.Config("schedule", "timezone %q: %v", name, err)
	}
	return loc, nil
}

// reap fails running jobs whose heartbeat is older than the miss window.
func (s *Scheduler) reap(ctx context.Context, now time.Time) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	factor := max(s.cfg.HeartbeatMissFactor, 1)
	m := s.manager
	stale, err := m.store.StaleJobs(ctx, now.Add(-time.Duration(factor)*s.cfg.HeartbeatInterval))
	if err != nil {
		logger.Log.Error("Failed to list stale jobs", zap.Error(err))
		return
	}
	for _, job := range stale {
		job.Status = store.JobFailed
		job.ErrorMessage = "heartbeat lost"
		job.EndedAt = &now
		if err := m.store.FinishJob(ctx, job); err != nil {
			logger.Log.Warn("Stale job already finished", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if h := m.handle(job.ID); h != nil {
			h.Cancel()
		}
		audit.NewJobLogger(m.store, job.ID).Critical(ctx, "scheduler", "", "heartbeat lost, job marked failed")
		m.runner.notify(ctx, job, notify.TopicJobFailed, notify.SeverityCritical)
	}
}
