package sync

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/notify"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
	"assessment-sync/internal/validate"
)

func seedProperty(t *testing.T, f *fixture) {
	t.Helper()
	f.source.CreateTable("property", []string{"id"}, propertySchema)
	f.target.CreateTable("property", []string{"id"}, propertySchema)
	require.NoError(t, f.source.Put("property",
		map[string]any{"id": 1, "owner": "A", "ssn": "123-45-6789", "value": 300000, "updated_at": at(t, "2025-02-01T10:00:00Z")},
	))
}

func TestUnappliedSanitizationRule_WarnsInJobLog(t *testing.T) {
	cat := propertyCatalog(store.StrategySourceWins, false)
	cat.Fields[1].IsNullable = false
	cat.Fields[2].SanitizationRuleRef = ""
	cat.SanitizationRules = []store.SanitizationRule{{
		Name: "property.owner", Table: "property", Field: "owner", Strategy: "nullify", Enabled: true,
	}}
	f := newFixture(t, cat)
	seedProperty(t, f)
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobCompleted, job.Status, job.ErrorMessage)
	row, ok := f.target.Get("property", record.Key{int64(1)})
	require.True(t, ok)
	assert.Equal(t, "A", row["owner"])

	sanitized, err := f.store.ListSanitizationLogs(f.ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, sanitized, 1)
	assert.False(t, sanitized[0].WasModified)
	assert.Equal(t, "field is not nullable", sanitized[0].Context)

	logs, err := f.manager.JobLogs(f.ctx, job.ID)
	require.NoError(t, err)
	var warned []*store.SyncLog
	for _, l := range logs {
		if l.Component == "sanitizer" {
			warned = append(warned, l)
		}
	}
	require.Len(t, warned, 1)
	assert.Equal(t, store.LevelWarn, warned[0].Level)
	assert.Equal(t, "property", warned[0].Table)
	assert.Contains(t, warned[0].Message, "owner")
	assert.Contains(t, warned[0].Message, "field is not nullable")
}

func TestBrokenSanitizationRule_RejectedAtLaunch(t *testing.T) {
	tests := []struct {
		name string
		rule store.SanitizationRule
		want string
	}{
		{
			name: "hash shorter than allowed",
			rule: store.SanitizationRule{Field: "ssn", Strategy: "hash", Parameters: map[string]any{"length": 4}},
			want: "length",
		},
		{
			name: "negative date spread",
			rule: store.SanitizationRule{Field: "updated_at", Strategy: "randomize", Parameters: map[string]any{"spread_days": -1}},
			want: "spread_days",
		},
		{
			name: "mask on a number",
			rule: store.SanitizationRule{Field: "value", Strategy: "mask"},
			want: "produces strings",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := propertyCatalog(store.StrategySourceWins, false)
			cat.Fields[2].SanitizationRuleRef = ""
			tt.rule.Name, tt.rule.Table, tt.rule.Enabled = "property.rule", "property", true
			cat.SanitizationRules = []store.SanitizationRule{tt.rule}
			f := newFixture(t, cat)
			seedProperty(t, f)
			f.start(t)

			_, err := f.manager.TriggerJob(f.ctx, JobRequest{JobType: store.JobFull, Initiator: "test"})
			require.Error(t, err)
			assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%v", err)
			assert.Contains(t, err.Error(), tt.want)

			jobs, err := f.manager.ListJobs(f.ctx, store.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, f.target.Rows("property"))
		})
	}
}

func TestPanickingStage_FailsJobCritical(t *testing.T) {
	var armed atomic.Bool
	armed.Store(true)
	explode := func(context.Context, any, record.Record) (bool, string) {
		if armed.CompareAndSwap(true, false) {
			panic("rule blew up")
		}
		return true, ""
	}
	f := newFixture(t,
		lookupCatalog(store.ValidationRule{Table: "lookup_code", Field: "code", Kind: "custom", Params: map[string]any{"name": "explode"}}),
		WithValidatorOptions(validate.WithCustom("explode", explode)),
	)
	seedLookup(t, f, 5)
	f.start(t)

	job := f.runJob(t, store.JobFull, store.JobParameters{})

	assert.Equal(t, store.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "rule blew up")
	rows := f.notifications(t, job.ID)
	require.NotEmpty(t, rows)
	for _, n := range rows {
		assert.Equal(t, string(notify.SeverityCritical), n.Severity)
	}

	// the pool survives and the next run converges
	again := f.runJob(t, store.JobFull, store.JobParameters{})
	assert.Equal(t, store.JobCompleted, again.Status, again.ErrorMessage)
	assert.Len(t, f.target.Rows("lookup_code"), 5)
}

func TestRecovered(t *testing.T) {
	err := recovered("stage", "job-1", func() error { panic("boom") })
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindFatal))
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, recovered("stage", "job-1", func() error { return nil }))
}
