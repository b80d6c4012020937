package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/audit"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/config"
	"assessment-sync/internal/conflict"
	"assessment-sync/internal/detect"
	"assessment-sync/internal/loader"
	"assessment-sync/internal/lock"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/notify"
	"assessment-sync/internal/record"
	"assessment-sync/internal/sanitize"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
	"assessment-sync/internal/transform"
	"assessment-sync/internal/validate"
)

const (
	referenceCacheSize = 4096
	changeFeedLockKey  = "change-feed"
)

// Manager owns the job machinery and exposes the operational control
// surface: schedules, jobs, conflicts and stats.
type Manager struct {
	cfg    *config.Config
	store  store.Store
	source adapter.Adapter
	target adapter.Adapter
	locker lock.Locker
	retry  adapter.RetryPolicy
	now    func() time.Time

	validatorOpts []validate.Option
	transformer   *transform.Transformer
	runner        *Runner
	resolver      *conflict.Resolver
	workerPool    *WorkerPool
	scheduler     *Scheduler

	mu      sync.Mutex
	handles map[string]*jobHandle
	status  string
}

type Option func(*Manager)

// WithClock replaces the wall clock of the scheduler, runner and resolver.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithRetryPolicy(p adapter.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithValidatorOptions adds options, such as custom rule functions, to the
// record validators of both directions.
func WithValidatorOptions(opts ...validate.Option) Option {
	return func(m *Manager) { m.validatorOpts = append(m.validatorOpts, opts...) }
}

// directional picks the validator of the side a pass writes to, so
// foreign keys are checked where the record lands.
type directional map[store.Direction]RecordValidator

func (d directional) Record(ctx context.Context, table *catalog.Table, pass store.Direction, rec record.Record) (validate.Violations, error) {
	v, ok := d[pass]
	if !ok {
		return nil, nil
	}
	return v.Record(ctx, table, pass, rec)
}

func NewManager(cfg *config.Config, s store.Store, source, target adapter.Adapter, broker Publisher, locker lock.Locker, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  s,
		source: source,
		target: target,
		locker: locker,
		retry: adapter.RetryPolicy{
			MaxAttempts: cfg.Sync.BatchRetryMax,
			Base:        cfg.Sync.BatchRetryBase,
			Cap:         cfg.Sync.BatchRetryCap,
			Timeout:     cfg.Sync.BatchIOTimeout,
		},
		now:         time.Now,
		transformer: transform.New(),
		handles:     make(map[string]*jobHandle),
		status:      "idle",
	}
	for _, opt := range opts {
		opt(m)
	}

	validators := directional{
		store.SourceToTarget: validate.New(append([]validate.Option{
			validate.WithReferences(validate.AdapterReferences{Adapter: target}, referenceCacheSize),
		}, m.validatorOpts...)...),
		store.TargetToSource: validate.New(append([]validate.Option{
			validate.WithReferences(validate.AdapterReferences{Adapter: source}, referenceCacheSize),
		}, m.validatorOpts...)...),
	}

	utc := func() time.Time { return m.now().UTC() }
	m.runner = &Runner{
		store:             s,
		source:            source,
		target:            target,
		detector:          detect.New(s, m.retry),
		transformer:       m.transformer,
		sanitizer:         sanitize.NewEngine(cfg.Sync.HashSalt, sanitize.WithClock(utc)),
		validators:        validators,
		conflicts:         conflict.NewConflictManager(s, m.retry).WithClock(utc),
		loader:            loader.New(s, m.retry).WithClock(utc),
		publisher:         broker,
		retry:             m.retry,
		buffer:            max(cfg.Sync.PipelineBuffer, 1),
		jobTimeout:        cfg.Sync.JobTimeout,
		heartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		leaseTTL:          cfg.Lock.TTL,
		now:               m.now,
	}
	m.resolver = conflict.NewResolver(s, s, validators, source, target, m.retry).WithClock(utc)
	m.workerPool = NewWorkerPool(cfg.Sync.WorkerPoolSize, m.run, m.drop)
	m.scheduler = NewScheduler(cfg.Scheduler, m)
	return m
}

// Start begins executing jobs and, when enabled, ticking the scheduler.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == "running" {
		return fmt.Errorf("sync manager is already running")
	}

	logger.Log.Info("Starting sync manager")
	m.workerPool.Start()
	m.scheduler.Start()

	m.status = "running"
	return nil
}

// Stop halts the scheduler and cancels running jobs; they finish as
// cancelled with their cursors at the last committed batch.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.status != "running" {
		m.mu.Unlock()
		return
	}
	m.status = "stopping"
	m.mu.Unlock()

	logger.Log.Info("Stopping sync manager")
	m.scheduler.Stop()
	m.workerPool.Stop()

	m.mu.Lock()
	m.status = "idle"
	m.mu.Unlock()
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Scheduler exposes the scheduler, mostly so tests can drive Tick.
func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

func (m *Manager) handle(jobID string) *jobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[jobID]
}

// active counts jobs queued or running on this instance.
func (m *Manager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, jobID)
}

func (m *Manager) run(ctx context.Context, l *launch) {
	defer m.forget(l.job.ID)
	defer func() {
		if p := recover(); p != nil {
			m.crashed(l, p)
		}
	}()
	m.runner.Run(ctx, l)
}

// crashed fails a job whose run panicked outside the pipeline stages.
func (m *Manager) crashed(l *launch, p any) {
	logger.Log.Error("Job panicked", zap.String("job_id", l.job.ID), zap.Any("panic", p), zap.Stack("stack"))
	ctx := context.Background()
	err := m.store.TransitionJob(ctx, l.job.ID, []store.JobStatus{store.JobPending, store.JobRunning}, store.JobFailed, m.now().UTC())
	if err != nil {
		logger.Log.Warn("Failed to fail panicked job", zap.String("job_id", l.job.ID), zap.Error(err))
		return
	}
	m.runner.publish(ctx, notify.Message{
		Topic:    notify.TopicJobFailed,
		JobID:    l.job.ID,
		Subject:  fmt.Sprintf("%s sync %s failed", l.job.JobType, shortID(l.job.ID)),
		Body:     fmt.Sprintf("Job %s stopped on an internal error: %v", l.job.ID, p),
		Severity: notify.SeverityCritical,
		Metadata: map[string]any{"status": string(store.JobFailed)},
		Payload:  map[string]any{"job_type": string(l.job.JobType), "status": string(store.JobFailed), "schedule_id": l.job.ScheduleID},
	})
}

// drop cancels a launch that never reached a worker.
func (m *Manager) drop(l *launch) {
	defer m.forget(l.job.ID)
	ctx := context.Background()
	m.runner.release(ctx, l.lease)
	err := m.store.TransitionJob(ctx, l.job.ID, []store.JobStatus{store.JobPending}, store.JobCancelled, m.now().UTC())
	if err != nil {
		logger.Log.Warn("Failed to cancel queued job", zap.String("job_id", l.job.ID), zap.Error(err))
	}
}

// launchSpec is everything needed to create a job.
type launchSpec struct {
	name       string
	jobType    store.JobType
	params     store.JobParameters
	scheduleID string
	initiator  string
	lockKey    string
}

// launch validates a job against a fresh catalog snapshot, takes its lease
// and queues it. Every problem found here is returned synchronously.
func (m *Manager) launch(ctx context.Context, spec launchSpec) (*store.SyncJob, error) {
	tables, err := m.prepare(ctx, spec.jobType, spec.params)
	if err != nil {
		return nil, err
	}

	var lease lock.Lease
	if spec.lockKey != "" {
		lease, err = m.locker.Obtain(ctx, spec.lockKey, m.cfg.Lock.TTL)
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, syncerr.Config("launch", "a job holding %s is already active", spec.lockKey)
		}
		if err != nil {
			return nil, fmt.Errorf("obtain lock %s: %w", spec.lockKey, err)
		}
	}
	fail := func(err error) (*store.SyncJob, error) {
		m.runner.release(ctx, lease)
		return nil, err
	}

	if spec.scheduleID != "" {
		active, err := m.store.ActiveJobForSchedule(ctx, spec.scheduleID)
		if err != nil {
			return fail(err)
		}
		if active != nil {
			return fail(syncerr.Config("launch", "schedule %s already has %s job %s", spec.scheduleID, active.Status, active.ID))
		}
	}

	job := &store.SyncJob{
		ID:           uuid.NewString(),
		Name:         spec.name,
		JobType:      spec.jobType,
		Status:       store.JobPending,
		ScheduleID:   spec.scheduleID,
		Initiator:    spec.initiator,
		TablesSubset: spec.params.Tables,
		Parameters:   spec.params,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return fail(fmt.Errorf("create job: %w", err))
	}

	h := &jobHandle{}
	m.mu.Lock()
	m.handles[job.ID] = h
	m.mu.Unlock()

	if err := m.workerPool.Submit(&launch{job: job, tables: tables, lease: lease, handle: h}); err != nil {
		m.forget(job.ID)
		_ = m.store.TransitionJob(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobFailed, m.now().UTC())
		return fail(syncerr.Wrap(syncerr.KindConfig, "launch", err))
	}

	logger.Log.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("initiator", job.Initiator),
		zap.Int("tables", len(tables)),
	)
	return job, nil
}

// prepare resolves the tables a job will touch and checks that every one of
// them can run in the requested mode.
func (m *Manager) prepare(ctx context.Context, jobType store.JobType, params store.JobParameters) ([]*catalog.Table, error) {
	if !jobType.Valid() {
		return nil, syncerr.Config("launch", "unknown job type %q", jobType)
	}
	if jobType == store.JobSelective && len(params.Tables) == 0 {
		return nil, syncerr.Config("launch", "selective job needs at least one table")
	}
	snap, err := catalog.Load(ctx, m.store)
	if err != nil {
		return nil, err
	}
	tables, err := snap.Select(params.Tables)
	if err != nil {
		return nil, err
	}
	for name := range params.Filters {
		if _, ok := snap.Table(name); !ok {
			return nil, syncerr.Config("launch", "filter for unknown table %q", name)
		}
	}
	for _, t := range tables {
		if _, err := detect.ModeFor(jobType, params, t); err != nil {
			return nil, err
		}
		if err := m.transformer.Prepare(t); err != nil {
			return nil, err
		}
		if err := detect.FilterFor(t, params).Validate(); err != nil {
			return nil, syncerr.WrapTable(syncerr.KindConfig, "filter", t.Name, err)
		}
	}
	return tables, nil
}

func (m *Manager) launchSchedule(ctx context.Context, sched *store.SyncSchedule, initiator string) (*store.SyncJob, error) {
	return m.launch(ctx, launchSpec{
		name:       sched.Name,
		jobType:    sched.JobType,
		params:     sched.Parameters,
		scheduleID: sched.ID,
		initiator:  initiator,
		lockKey:    sched.ID,
	})
}

// Schedules

// CreateSchedule registers a schedule. Active schedules are armed with
// their first run.
func (m *Manager) CreateSchedule(ctx context.Context, sched *store.SyncSchedule) (*store.SyncSchedule, error) {
	now := m.now().UTC()
	sched.ID = uuid.NewString()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.LastRun = nil
	sched.LastJobID = ""
	if err := m.checkSchedule(ctx, sched); err != nil {
		return nil, err
	}
	if err := m.arm(sched, now); err != nil {
		return nil, err
	}
	if err := m.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	logger.Log.Info("Schedule created", zap.String("schedule_id", sched.ID), zap.String("name", sched.Name))
	return sched, nil
}

// UpdateSchedule replaces the definition of a schedule. Run history is kept;
// the next run is recomputed from the new definition.
func (m *Manager) UpdateSchedule(ctx context.Context, id string, def *store.SyncSchedule) (*store.SyncSchedule, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	sched.Name = def.Name
	sched.JobType = def.JobType
	sched.Parameters = def.Parameters
	sched.Kind = def.Kind
	sched.CronExpression = def.CronExpression
	sched.IntervalSeconds = def.IntervalSeconds
	sched.Timezone = def.Timezone
	sched.IsActive = def.IsActive
	if err := m.checkSchedule(ctx, sched); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sched.NextRun = nil
	if err := m.arm(sched, now); err != nil {
		return nil, err
	}
	sched.UpdatedAt = now
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule is idempotent; jobs it launched keep their history.
func (m *Manager) DeleteSchedule(ctx context.Context, id string) error {
	err := m.store.DeleteSchedule(ctx, id)
	if syncerr.Is(err, syncerr.KindNotFound) {
		return nil
	}
	return err
}

func (m *Manager) GetSchedule(ctx context.Context, id string) (*store.SyncSchedule, error) {
	return m.store.GetSchedule(ctx, id)
}

func (m *Manager) ListSchedules(ctx context.Context) ([]*store.SyncSchedule, error) {
	return m.store.ListSchedules(ctx, false)
}

// PauseSchedule stops a schedule from firing. Pausing a paused schedule is
// a no-op.
func (m *Manager) PauseSchedule(ctx context.Context, id string) (*store.SyncSchedule, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sched.IsActive {
		return sched, nil
	}
	sched.IsActive = false
	sched.NextRun = nil
	sched.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// ResumeSchedule re-arms a paused schedule from now; runs missed while
// paused are not replayed.
func (m *Manager) ResumeSchedule(ctx context.Context, id string) (*store.SyncSchedule, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.IsActive {
		return sched, nil
	}
	now := m.now().UTC()
	sched.IsActive = true
	sched.NextRun = nil
	if err := m.arm(sched, now); err != nil {
		return nil, err
	}
	sched.UpdatedAt = now
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// TriggerSchedule runs a schedule now, outside its timing. Single-flight
// still applies.
func (m *Manager) TriggerSchedule(ctx context.Context, id, initiator string) (*store.SyncJob, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := m.launchSchedule(ctx, sched, initiator)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	sched.LastRun = &now
	sched.LastJobID = job.ID
	sched.UpdatedAt = now
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		logger.Log.Warn("Failed to record manual run", zap.String("schedule_id", id), zap.Error(err))
	}
	return job, nil
}

// checkSchedule validates a schedule definition, including a dry launch
// check of its job parameters against the current catalog.
func (m *Manager) checkSchedule(ctx context.Context, sched *store.SyncSchedule) error {
	if sched.Name == "" {
		return syncerr.Config("schedule", "name is required")
	}
	switch sched.Kind {
	case store.ScheduleCron:
		if sched.CronExpression == "" || sched.IntervalSeconds != 0 {
			return syncerr.Config("schedule", "cron schedules need cron_expression and no interval_seconds")
		}
	case store.ScheduleInterval:
		if sched.IntervalSeconds <= 0 || sched.CronExpression != "" {
			return syncerr.Config("schedule", "interval schedules need a positive interval_seconds and no cron_expression")
		}
	default:
		return syncerr.Config("schedule", "unknown schedule kind %q", sched.Kind)
	}
	if _, err := m.scheduler.NextRun(sched, m.now().UTC()); err != nil {
		return err
	}
	_, err := m.prepare(ctx, sched.JobType, sched.Parameters)
	return err
}

func (m *Manager) arm(sched *store.SyncSchedule, now time.Time) error {
	if !sched.IsActive {
		sched.NextRun = nil
		return nil
	}
	probe := *sched
	probe.NextRun = nil
	probe.LastRun = nil
	probe.CreatedAt = now
	next, err := m.scheduler.NextRun(&probe, now)
	if err != nil {
		return err
	}
	sched.NextRun = &next
	return nil
}

// Jobs

// TriggerJob launches an ad-hoc job. Ad-hoc jobs belong to no schedule and
// take no lease.
func (m *Manager) TriggerJob(ctx context.Context, req JobRequest) (*store.SyncJob, error) {
	name := req.Name
	if name == "" {
		name = "ad-hoc " + string(req.JobType)
	}
	return m.launch(ctx, launchSpec{
		name:      name,
		jobType:   req.JobType,
		params:    req.Parameters,
		initiator: req.Initiator,
	})
}

// CancelJob cancels a pending job at once and asks a running job to stop
// at its next batch boundary.
func (m *Manager) CancelJob(ctx context.Context, id string) (*store.SyncJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, syncerr.New(syncerr.KindConflict, "cancel job", "job %s is already %s", id, job.Status)
	}

	h := m.handle(id)
	if job.Status == store.JobPending {
		err := m.store.TransitionJob(ctx, id, []store.JobStatus{store.JobPending}, store.JobCancelled, m.now().UTC())
		switch {
		case err == nil:
			if h != nil {
				h.Cancel()
			}
			job, err := m.store.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			audit.NewJobLogger(m.store, id).Warn(ctx, "orchestrator", "", "job cancelled before it started")
			m.runner.notify(ctx, job, notify.TopicJobCancelled, notify.SeverityWarning)
			return job, nil
		case !errors.Is(err, store.ErrInvalidTransition):
			return nil, err
		}
		// A worker picked it up in the meantime.
	}

	if h == nil {
		return nil, syncerr.Config("cancel job", "job %s is not running on this instance", id)
	}
	h.Cancel()
	logger.Log.Info("Cancellation requested", zap.String("job_id", id))
	return m.store.GetJob(ctx, id)
}

func (m *Manager) GetJob(ctx context.Context, id string) (*store.SyncJob, error) {
	return m.store.GetJob(ctx, id)
}

func (m *Manager) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.SyncJob, error) {
	return m.store.ListJobs(ctx, filter)
}

func (m *Manager) JobLogs(ctx context.Context, id string) ([]*store.SyncLog, error) {
	if _, err := m.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListSyncLogs(ctx, id)
}

// Conflicts

func (m *Manager) ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]*store.SyncConflict, error) {
	return m.store.ListConflicts(ctx, filter)
}

func (m *Manager) ResolveConflict(ctx context.Context, id string, rt store.ResolutionType, payload map[string]any, by string) (*store.SyncConflict, error) {
	return m.resolver.Resolve(ctx, id, rt, payload, by)
}

func (m *Manager) IgnoreConflict(ctx context.Context, id, reason, by string) (*store.SyncConflict, error) {
	return m.resolver.Ignore(ctx, id, reason, by)
}

// Stats

var timeframes = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"all": 0,
}

// GetStats aggregates jobs created within timeframe: 24h, 7d, 30d or all.
func (m *Manager) GetStats(ctx context.Context, timeframe string) (*store.Stats, error) {
	if timeframe == "" {
		timeframe = "24h"
	}
	d, ok := timeframes[timeframe]
	if !ok {
		return nil, syncerr.Config("stats", "unknown timeframe %q", timeframe)
	}
	var since *time.Time
	if d > 0 {
		t := m.now().UTC().Add(-d)
		since = &t
	}
	return m.store.Stats(ctx, since)
}
