package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/config"
	"assessment-sync/internal/detect"
	"assessment-sync/internal/lock"
	"assessment-sync/internal/notify"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
	"assessment-sync/internal/validate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return v
}

func assertInstant(t *testing.T, want string, got *time.Time) {
	t.Helper()
	if assert.NotNil(t, got) {
		assert.True(t, at(t, want).Equal(*got), "want %s, got %s", want, got.UTC())
	}
}

type fixture struct {
	ctx      context.Context
	store    *store.GormStore
	source   *adapter.Memory
	target   *adapter.Memory
	broker   *notify.Broker
	channels map[string]*notify.MockChannel
	clock    *clock
	manager  *Manager
}

func newFixture(t *testing.T, cat *store.Catalog, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewStore(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.ReplaceCatalog(ctx, cat))

	cfg := config.Default()
	cfg.Scheduler.Enabled = false
	cfg.Sync.WorkerPoolSize = 2
	cfg.Sync.HashSalt = "test-salt"

	f := &fixture{
		ctx:      ctx,
		store:    s,
		source:   adapter.NewMemory("source"),
		target:   adapter.NewMemory("target"),
		channels: map[string]*notify.MockChannel{},
		clock:    &clock{t: at(t, "2025-04-01T09:00:00Z")},
	}
	f.broker = notify.NewBroker(cfg.Notifications, s)
	for _, name := range []string{"log", "email", "slack", "sms"} {
		ch := notify.NewMockChannel(name)
		f.channels[name] = ch
		f.broker.Register(ch)
	}

	policy := adapter.DefaultRetryPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	opts = append([]Option{WithClock(f.clock.Now), WithRetryPolicy(policy)}, opts...)
	f.manager = NewManager(cfg, s, f.source, f.target, f.broker, lock.NewLocal(), opts...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start())
	t.Cleanup(f.manager.Stop)
}

// wait blocks until every queued or running job has finished, then
// delivers the notifications they raised.
func (f *fixture) wait(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.manager.active() == 0 }, 10*time.Second, 5*time.Millisecond)
	f.broker.Drain(f.ctx)
}

func (f *fixture) runJob(t *testing.T, jobType store.JobType, params store.JobParameters) *store.SyncJob {
	t.Helper()
	job, err := f.manager.TriggerJob(f.ctx, JobRequest{JobType: jobType, Parameters: params, Initiator: "test"})
	require.NoError(t, err)
	f.wait(t)
	job, err = f.manager.GetJob(f.ctx, job.ID)
	require.NoError(t, err)
	return job
}

func (f *fixture) notifications(t *testing.T, jobID string) []*store.NotificationLog {
	t.Helper()
	rows, err := f.store.ListNotificationLogs(f.ctx, jobID)
	require.NoError(t, err)
	return rows
}

var propertySchema = map[string]string{
	"id": "int", "owner": "varchar(64)", "ssn": "varchar(16)", "value": "decimal(12,2)", "updated_at": "datetime",
}

func propertyCatalog(strategy store.ConflictStrategy, incremental bool) *store.Catalog {
	return &store.Catalog{
		Tables: []store.TableConfig{{
			Name: "property", SyncDirection: store.SourceToTarget, IsIncremental: incremental, BatchSize: 10,
			PrimaryKeyFields: []string{"id"}, TimestampField: "updated_at", ConflictStrategy: strategy,
		}},
		Fields: []store.FieldConfig{
			{Table: "property", Name: "id", DataType: "int", IsPrimaryKey: true},
			{Table: "property", Name: "owner", DataType: "str", IsNullable: true},
			{Table: "property", Name: "ssn", DataType: "str", IsNullable: true, SanitizationRuleRef: "property.ssn"},
			{Table: "property", Name: "value", DataType: "decimal", IsNullable: true},
			{Table: "property", Name: "updated_at", DataType: "datetime", IsNullable: true},
		},
		SanitizationRules: []store.SanitizationRule{{
			Name: "property.ssn", Table: "property", Field: "ssn", Strategy: "mask",
			Parameters: map[string]any{"last": 4}, Enabled: true,
		}},
	}
}

func lookupCatalog(rules ...store.ValidationRule) *store.Catalog {
	return &store.Catalog{
		Tables: []store.TableConfig{{
			Name: "lookup_code", SyncDirection: store.SourceToTarget, BatchSize: 10,
			PrimaryKeyFields: []string{"code"}, ConflictStrategy: store.StrategySourceWins,
		}},
		ValidationRules: rules,
	}
}

func seedLookup(t *testing.T, f *fixture, n int) {
	t.Helper()
	schema := map[string]string{"code": "int", "label": "text"}
	f.source.CreateTable("lookup_code", []string{"code"}, schema)
	f.target.CreateTable("lookup_code", []string{"code"}, schema)
	for i := 1; i <= n; i++ {
		require.NoError(t, f.source.Put("lookup_code", map[string]any{"code": i, "label": fmt.Sprintf("code %d", i)}))
	}
}

func TestIncrementalJob_SanitizesAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t, propertyCatalog(store.StrategySourceWins, true))
	f.source.CreateTable("property", []string{"id"}, propertySchema)
	f.target.CreateTable("property", []string{"id"}, propertySchema)
	require.NoError(t, f.source.Put("property",
		map[string]any{"id": 1, "owner": "A", "ssn": "123-45-6789", "value": 300000, "updated_at": at(t, "2025-02-01T10:00:00Z")},
		map[string]any{"id": 2, "owner": "B", "ssn": "987-65-4321", "value": 120000, "updated_at": at(t, "2024-12-01T00:00:00Z")},
	))
	pos := &store.Position{Table: "property", Direction: store.SourceToTarget}
	detect.Advance(pos, detect.ModeIncremental, adapter.Cursor{Watermark: at(t, "2025-01-01T00:00:00Z")})
	require.NoError(t, f.store.SavePosition(f.ctx, pos))
	f.start(t)

	job := f.runJob(t, store.JobIncremental, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, job.Status, job.ErrorMessage)
	assert.Equal(t, int64(1), job.TotalRecords)
	assert.Equal(t, int64(1), job.ProcessedRecords)
	assert.Equal(t, int64(0), job.ErrorRecords)

	row, ok := f.target.Get("property", record.Key{int64(1)})
	require.True(t, ok)
	assert.Equal(t, "A", row["owner"])
	assert.Equal(t, "***-**-6789", row["ssn"])
	assert.True(t, record.Equal(300000, row["value"]), "%v", row["value"])
	_, ok = f.target.Get("property", record.Key{int64(2)})
	assert.False(t, ok, "rows before the watermark are not read")

	saved, err := f.store.GetPosition(f.ctx, "property", store.SourceToTarget)
	require.NoError(t, err)
	cur, err := detect.DecodePosition(saved)
	require.NoError(t, err)
	w, ok := cur.Watermark.(time.Time)
	require.True(t, ok)
	assert.True(t, w.Equal(at(t, "2025-02-01T10:00:00Z")), w.String())

	logs, err := f.store.ListSanitizationLogs(f.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ssn", logs[0].Field)
	assert.Equal(t, "mask", logs[0].Strategy)
	assert.True(t, logs[0].WasModified)

	// a clean run only raises the success milestone
	require.Len(t, f.channels["log"].Calls(), 1)
	assert.Equal(t, notify.SeverityInfo, f.channels["log"].Calls()[0].Severity)
	assert.Empty(t, f.channels["email"].Calls())
}

func ownerConflictFixture(t *testing.T, strategy store.ConflictStrategy) *fixture {
	t.Helper()
	f := newFixture(t, &store.Catalog{
		Tables: []store.TableConfig{{
			Name: "property", SyncDirection: store.SourceToTarget, BatchSize: 10,
			PrimaryKeyFields: []string{"id"}, TimestampField: "updated_at", ConflictStrategy: strategy,
		}},
		Fields: []store.FieldConfig{
			{Table: "property", Name: "id", DataType: "int", IsPrimaryKey: true},
			{Table: "property", Name: "owner", DataType: "str"},
			{Table: "property", Name: "updated_at", DataType: "str", IsNullable: true},
		},
	})
	schema := map[string]string{"id": "int", "owner": "str", "updated_at": "str"}
	f.source.CreateTable("property", []string{"id"}, schema)
	f.target.CreateTable("property", []string{"id"}, schema)
	require.NoError(t, f.source.Put("property", map[string]any{"id": 1, "owner": "A", "updated_at": "2025-02-01"}))
	require.NoError(t, f.target.Put("property", map[string]any{"id": 1, "owner": "B", "updated_at": "2025-03-01"}))
	f.start(t)
	return f
}

func TestNewerWins_KeepsNewerTargetWithoutConflict(t *testing.T) {
	f := ownerConflictFixture(t, store.StrategyNewerWins)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, job.Status, job.ErrorMessage)
	assert.Equal(t, int64(1), job.TotalRecords)
	assert.Equal(t, int64(1), job.ProcessedRecords)
	assert.Equal(t, int64(0), job.ErrorRecords)
	assert.Equal(t, int64(0), job.ConflictsCreated)
	assert.Equal(t, 0, f.target.Writes())

	row, _ := f.target.Get("property", record.Key{int64(1)})
	assert.Equal(t, "B", row["owner"])

	conflicts, err := f.manager.ListConflicts(f.ctx, store.ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestManualStrategy_ParksConflictAndWarns(t *testing.T) {
	f := ownerConflictFixture(t, store.StrategyManual)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, job.Status, job.ErrorMessage)
	assert.Equal(t, int64(1), job.ConflictsCreated)
	assert.Equal(t, 0, f.target.Writes())

	conflicts, err := f.manager.ListConflicts(f.ctx, store.ConflictFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, store.ResolutionPending, c.ResolutionStatus)
	assert.Contains(t, c.SourcePayload, `"owner":"A"`)
	assert.Contains(t, c.TargetPayload, `"owner":"B"`)

	email := f.channels["email"].Calls()
	require.Len(t, email, 1)
	assert.Equal(t, notify.SeverityWarning, email[0].Severity)
	assert.Len(t, f.channels["log"].Calls(), 2)
	assert.Empty(t, f.channels["sms"].Calls())

	var warnings []string
	for _, n := range f.notifications(t, job.ID) {
		if n.Severity == string(notify.SeverityWarning) {
			warnings = append(warnings, n.Channel)
		}
	}
	assert.ElementsMatch(t, []string{"log", "email"}, warnings)

	// the operator keeps the source row
	resolved, err := f.manager.ResolveConflict(f.ctx, c.ID, store.ResolveSourceWins, nil, "ops")
	require.NoError(t, err)
	assert.Equal(t, store.ResolutionResolved, resolved.ResolutionStatus)
	row, _ := f.target.Get("property", record.Key{int64(1)})
	assert.Equal(t, "A", row["owner"])

	_, err = f.manager.IgnoreConflict(f.ctx, c.ID, "too late", "ops")
	assert.True(t, syncerr.Is(err, syncerr.KindConflict), "%v", err)
}

func TestFullJob_TransientWriteFailureResumes(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 25)
	transient := syncerr.Transient("write", errors.New("lock wait timeout"))
	f.target.FailNext(adapter.OpWrite, nil, transient, transient, transient)
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, []int{10}, f.target.Commits())
	pos, err := f.store.GetPosition(f.ctx, "lookup_code", store.SourceToTarget)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Offset)
	require.Len(t, f.channels["sms"].Calls(), 1, "exhausted writes to the target are critical")
	assert.Equal(t, notify.SeverityCritical, f.channels["sms"].Calls()[0].Severity)

	again := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, again.Status, again.ErrorMessage)
	assert.Equal(t, []int{10, 10, 5}, f.target.Commits())
	assert.Equal(t, int64(15), again.TotalRecords)
	assert.Equal(t, again.TotalRecords, again.ProcessedRecords+again.ErrorRecords)
	assert.Len(t, f.target.Rows("lookup_code"), 25)
	pos, err = f.store.GetPosition(f.ctx, "lookup_code", store.SourceToTarget)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos.Offset, "a completed full pass rewinds")
}

func TestFullJob_RerunWritesNothing(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 12)
	f.start(t)

	first := f.runJob(t, store.JobFull, store.JobParameters{})
	require.Equal(t, store.JobCompleted, first.Status, first.ErrorMessage)
	writes := f.target.Writes()
	assert.Equal(t, 12, writes)

	second := f.runJob(t, store.JobFull, store.JobParameters{})
	assert.Equal(t, store.JobCompleted, second.Status)
	assert.Equal(t, writes, f.target.Writes())
	assert.Equal(t, int64(0), second.ConflictsCreated)
}

func TestUnreachableTarget_IsCritical(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 3)
	f.target.SetUnreachable(true)
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobFailed, job.Status)
	rows := f.notifications(t, job.ID)
	var channels []string
	for _, n := range rows {
		assert.Equal(t, string(notify.SeverityCritical), n.Severity)
		assert.True(t, n.Success)
		channels = append(channels, n.Channel)
	}
	assert.ElementsMatch(t, []string{"log", "email", "slack", "sms"}, channels)
}

func TestFailedDependencySkipsTable(t *testing.T) {
	cat := lookupCatalog()
	cat.Tables = append(cat.Tables,
		store.TableConfig{Name: "owner", SyncDirection: store.SourceToTarget, BatchSize: 10,
			PrimaryKeyFields: []string{"id"}, ConflictStrategy: store.StrategySourceWins},
		store.TableConfig{Name: "parcel", SyncDirection: store.SourceToTarget, BatchSize: 10,
			PrimaryKeyFields: []string{"id"}, ConflictStrategy: store.StrategySourceWins, DependsOn: []string{"owner"}},
	)
	f := newFixture(t, cat)
	seedLookup(t, f, 5)
	schema := map[string]string{"id": "int", "name": "text"}
	f.source.CreateTable("owner", []string{"id"}, schema)
	f.source.CreateTable("parcel", []string{"id"}, schema)
	f.target.CreateTable("parcel", []string{"id"}, schema)
	require.NoError(t, f.source.Put("owner", map[string]any{"id": 1, "name": "A"}))
	require.NoError(t, f.source.Put("parcel", map[string]any{"id": 1, "name": "P"}))
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, job.Status)
	assert.ElementsMatch(t, []string{"owner", "parcel"}, job.FailedTables)
	assert.Contains(t, job.ErrorMessage, "owner")
	assert.Len(t, f.target.Rows("lookup_code"), 5)
	assert.Empty(t, f.target.Rows("parcel"))

	slack := f.channels["slack"].Calls()
	require.Len(t, slack, 1)
	assert.Equal(t, notify.SeverityError, slack[0].Severity)
}

func TestCancelRunningJob_RerunConverges(t *testing.T) {
	var armed atomic.Bool
	armed.Store(true)
	var f *fixture
	interrupt := func(context.Context, any, record.Record) (bool, string) {
		if armed.CompareAndSwap(true, false) {
			f.manager.mu.Lock()
			for _, h := range f.manager.handles {
				h.Cancel()
			}
			f.manager.mu.Unlock()
		}
		return true, ""
	}
	f = newFixture(t,
		lookupCatalog(store.ValidationRule{Table: "lookup_code", Field: "code", Kind: "custom", Params: map[string]any{"name": "interrupt"}}),
		WithValidatorOptions(validate.WithCustom("interrupt", interrupt)),
	)
	seedLookup(t, f, 200)
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCancelled, job.Status)
	assert.Less(t, len(f.target.Rows("lookup_code")), 200)
	require.NotEmpty(t, f.channels["email"].Calls())
	assert.Equal(t, notify.SeverityWarning, f.channels["email"].Calls()[0].Severity)

	again := f.runJob(t, store.JobFull, store.JobParameters{})
	assert.Equal(t, store.JobCompleted, again.Status, again.ErrorMessage)
	require.Len(t, f.target.Rows("lookup_code"), 200)
	for i := 1; i <= 200; i++ {
		row, ok := f.target.Get("lookup_code", record.Key{int64(i)})
		require.True(t, ok, "code %d", i)
		assert.Equal(t, fmt.Sprintf("code %d", i), row["label"])
	}
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 1)

	// workers are not started, so the job stays queued
	job, err := f.manager.TriggerJob(f.ctx, JobRequest{JobType: store.JobFull, Initiator: "test"})
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)

	cancelled, err := f.manager.CancelJob(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.EndedAt)

	_, err = f.manager.CancelJob(f.ctx, job.ID)
	assert.True(t, syncerr.Is(err, syncerr.KindConflict), "%v", err)

	f.broker.Drain(f.ctx)
	require.Len(t, f.channels["email"].Calls(), 1)
	assert.Equal(t, notify.SeverityWarning, f.channels["email"].Calls()[0].Severity)
}

func TestLaunchValidation(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 1)

	cases := []JobRequest{
		{JobType: "nightly"},
		{JobType: store.JobSelective},
		{JobType: store.JobFull, Parameters: store.JobParameters{Tables: []string{"nope"}}},
		{JobType: store.JobSelective, Parameters: store.JobParameters{Tables: []string{"lookup_code"}, Mode: "sideways"}},
		{JobType: store.JobFull, Parameters: store.JobParameters{Filters: map[string]record.Filter{"nope": nil}}},
	}
	for _, req := range cases {
		_, err := f.manager.TriggerJob(f.ctx, req)
		assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%+v: %v", req, err)
	}
	jobs, err := f.manager.ListJobs(f.ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduleSingleFlight(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 1)

	sched, err := f.manager.CreateSchedule(f.ctx, &store.SyncSchedule{
		Name: "hourly", JobType: store.JobFull, Kind: store.ScheduleInterval, IntervalSeconds: 3600, IsActive: true,
	})
	require.NoError(t, err)
	assertInstant(t, "2025-04-01T10:00:00Z", sched.NextRun)

	job, err := f.manager.TriggerSchedule(f.ctx, sched.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, sched.ID, job.ScheduleID)

	_, err = f.manager.TriggerSchedule(f.ctx, sched.ID, "ops")
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)

	_, err = f.manager.CancelJob(f.ctx, job.ID)
	require.NoError(t, err)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t, lookupCatalog())

	_, err := f.manager.CreateSchedule(f.ctx, &store.SyncSchedule{
		Name: "both", JobType: store.JobFull, Kind: store.ScheduleCron, CronExpression: "0 * * * *", IntervalSeconds: 60, IsActive: true,
	})
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)
	_, err = f.manager.CreateSchedule(f.ctx, &store.SyncSchedule{
		Name: "bad-cron", JobType: store.JobFull, Kind: store.ScheduleCron, CronExpression: "every day", IsActive: true,
	})
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)

	sched, err := f.manager.CreateSchedule(f.ctx, &store.SyncSchedule{
		Name: "nightly", JobType: store.JobFull, Kind: store.ScheduleCron, CronExpression: "30 2 * * *", IsActive: true,
	})
	require.NoError(t, err)
	assertInstant(t, "2025-04-02T02:30:00Z", sched.NextRun)

	paused, err := f.manager.PauseSchedule(f.ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)
	assert.Nil(t, paused.NextRun)
	_, err = f.manager.PauseSchedule(f.ctx, sched.ID)
	require.NoError(t, err)

	f.clock.Set(at(t, "2025-04-03T05:00:00Z"))
	resumed, err := f.manager.ResumeSchedule(f.ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, resumed.IsActive)
	assertInstant(t, "2025-04-04T02:30:00Z", resumed.NextRun)

	def := *resumed
	def.Kind = store.ScheduleInterval
	def.CronExpression = ""
	def.IntervalSeconds = 1800
	updated, err := f.manager.UpdateSchedule(f.ctx, sched.ID, &def)
	require.NoError(t, err)
	assertInstant(t, "2025-04-03T05:30:00Z", updated.NextRun)

	require.NoError(t, f.manager.DeleteSchedule(f.ctx, sched.ID))
	require.NoError(t, f.manager.DeleteSchedule(f.ctx, sched.ID))
	_, err = f.manager.GetSchedule(f.ctx, sched.ID)
	assert.True(t, syncerr.Is(err, syncerr.KindNotFound), "%v", err)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 4)
	f.start(t)
	f.runJob(t, store.JobFull, store.JobParameters{})

	st, err := f.manager.GetStats(f.ctx, "24h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.JobsByStatus[store.JobCompleted])
	assert.Equal(t, int64(4), st.ProcessedRecords)
	assert.Equal(t, int64(1), st.NotificationsSent)

	f.clock.Set(f.clock.Now().Add(48 * time.Hour))
	st, err = f.manager.GetStats(f.ctx, "24h")
	require.NoError(t, err)
	assert.Empty(t, st.JobsByStatus)

	st, err = f.manager.GetStats(f.ctx, "all")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.JobsByStatus[store.JobCompleted])

	_, err = f.manager.GetStats(f.ctx, "1y")
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)
}

func TestChangeFeed_DebouncesIntoOneJob(t *testing.T) {
	f := newFixture(t, lookupCatalog())
	seedLookup(t, f, 2)
	feed := NewChangeFeed(f.manager, 0)

	feed.Observe("lookup_code")
	feed.Observe("lookup_code")
	assert.Equal(t, []string{"lookup_code"}, feed.Pending())

	job, err := feed.Flush(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobSelective, job.JobType)
	assert.Equal(t, "change-feed", job.Initiator)
	assert.Equal(t, []string{"lookup_code"}, job.Parameters.Tables)
	assert.Empty(t, feed.Pending())

	// the first job still holds the change-feed lease
	feed.Observe("lookup_code")
	_, err = feed.Flush(f.ctx)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)
	assert.Equal(t, []string{"lookup_code"}, feed.Pending())

	none, err := NewChangeFeed(f.manager, 0).Flush(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}
