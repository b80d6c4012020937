package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/store"
)

type memSink struct {
	mu    sync.Mutex
	logs  []*store.SyncLog
	sans  []*store.SanitizationLog
	fail  bool
	ctxOK bool
}

func (m *memSink) AppendSyncLog(ctx context.Context, e *store.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxOK = ctx.Err() == nil
	if m.fail {
		return errors.New("disk full")
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *memSink) AppendSanitizationLogs(_ context.Context, entries []*store.SanitizationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sans = append(m.sans, entries...)
	return nil
}

func TestJobLogger_Write(t *testing.T) {
	sink := &memSink{}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewJobLogger(sink, "job-1").WithClock(func() time.Time { return at })

	l.Write(context.Background(), store.LevelInfo, Entry{
		Component:   "loader",
		Table:       "property",
		Message:     "batch committed",
		RecordCount: 10,
		Duration:    1500 * time.Millisecond,
	})
	l.Warn(context.Background(), "validator", "property", "record skipped")

	require.Len(t, sink.logs, 2)
	first := sink.logs[0]
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, store.LevelInfo, first.Level)
	assert.Equal(t, int64(10), first.RecordCount)
	assert.Equal(t, int64(1500), first.DurationMS)
	assert.Equal(t, at, first.Timestamp)
	assert.Equal(t, store.LevelWarn, sink.logs[1].Level)
}

func TestJobLogger_WritesAfterCancel(t *testing.T) {
	sink := &memSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewJobLogger(sink, "job-1").Info(ctx, "orchestrator", "", "job cancelled")
	require.Len(t, sink.logs, 1)
	assert.True(t, sink.ctxOK)
}

func TestJobLogger_SinkFailureIsSwallowed(t *testing.T) {
	sink := &memSink{fail: true}
	assert.NotPanics(t, func() {
		NewJobLogger(sink, "job-1").Critical(context.Background(), "orchestrator", "", "target unreachable")
	})
}

func TestJobLogger_Sanitizations(t *testing.T) {
	sink := &memSink{}
	l := NewJobLogger(sink, "job-9")
	l.Sanitizations(context.Background(), nil)
	assert.Empty(t, sink.sans)

	l.Sanitizations(context.Background(), []*store.SanitizationLog{{Table: "t", Field: "ssn", Strategy: "mask", WasModified: true}})
	require.Len(t, sink.sans, 1)
	assert.Equal(t, "job-9", sink.sans[0].JobID)
	assert.False(t, sink.sans[0].CreatedAt.IsZero())
}
