// Package audit writes the append-only per-job trail: SyncLog rows and
// SanitizationLog rows. Every SyncLog row is mirrored to zap.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"assessment-sync/internal/logger"
	"assessment-sync/internal/store"
)

// Sink is the subset of the store the audit trail appends to.
type Sink interface {
	AppendSyncLog(ctx context.Context, entry *store.SyncLog) error
	AppendSanitizationLogs(ctx context.Context, entries []*store.SanitizationLog) error
}

// Entry is one SyncLog line before it is stamped with job and time.
type Entry struct {
	Component   string
	Table       string
	Message     string
	RecordCount int64
	Duration    time.Duration
}

// JobLogger appends SyncLog rows for one job. Audit write failures are
// logged and swallowed; they never fail the job.
type JobLogger struct {
	sink  Sink
	jobID string
	log   *zap.Logger
	now   func() time.Time
}

func NewJobLogger(sink Sink, jobID string) *JobLogger {
	return &JobLogger{
		sink:  sink,
		jobID: jobID,
		log:   logger.Log.With(zap.String("job_id", jobID)),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (l *JobLogger) WithClock(now func() time.Time) *JobLogger {
	l.now = now
	return l
}

func (l *JobLogger) JobID() string {
	return l.jobID
}

func (l *JobLogger) Write(ctx context.Context, level store.LogLevel, e Entry) {
	row := &store.SyncLog{
		JobID:       l.jobID,
		Level:       level,
		Component:   e.Component,
		Table:       e.Table,
		Message:     e.Message,
		RecordCount: e.RecordCount,
		DurationMS:  e.Duration.Milliseconds(),
		Timestamp:   l.now(),
	}

	fields := []zap.Field{zap.String("component", e.Component)}
	if e.Table != "" {
		fields = append(fields, zap.String("table", e.Table))
	}
	if e.RecordCount != 0 {
		fields = append(fields, zap.Int64("records", e.RecordCount))
	}
	if e.Duration != 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if ce := l.log.Check(zapLevel(level), e.Message); ce != nil {
		ce.Write(fields...)
	}

	// The row must land even when the job context is already cancelled.
	if err := l.sink.AppendSyncLog(context.WithoutCancel(ctx), row); err != nil {
		l.log.Error("Failed to append sync log", zap.Error(err))
	}
}

func (l *JobLogger) Debug(ctx context.Context, component, table, msg string) {
	l.Write(ctx, store.LevelDebug, Entry{Component: component, Table: table, Message: msg})
}

func (l *JobLogger) Info(ctx context.Context, component, table, msg string) {
	l.Write(ctx, store.LevelInfo, Entry{Component: component, Table: table, Message: msg})
}

func (l *JobLogger) Warn(ctx context.Context, component, table, msg string) {
	l.Write(ctx, store.LevelWarn, Entry{Component: component, Table: table, Message: msg})
}

func (l *JobLogger) Error(ctx context.Context, component, table, msg string) {
	l.Write(ctx, store.LevelError, Entry{Component: component, Table: table, Message: msg})
}

func (l *JobLogger) Critical(ctx context.Context, component, table, msg string) {
	l.Write(ctx, store.LevelCritical, Entry{Component: component, Table: table, Message: msg})
}

// Sanitizations appends the sanitization decisions of one batch.
func (l *JobLogger) Sanitizations(ctx context.Context, entries []*store.SanitizationLog) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		e.JobID = l.jobID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = l.now()
		}
	}
	if err := l.sink.AppendSanitizationLogs(context.WithoutCancel(ctx), entries); err != nil {
		l.log.Error("Failed to append sanitization logs", zap.Error(err), zap.Int("count", len(entries)))
	}
}

func zapLevel(level store.LogLevel) zapcore.Level {
	switch level {
	case store.LevelDebug:
		return zapcore.DebugLevel
	case store.LevelWarn:
		return zapcore.WarnLevel
	case store.LevelError:
		return zapcore.ErrorLevel
	case store.LevelCritical:
		// DPanic would panic in development loggers.
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
