package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/audit"
	"assessment-sync/internal/catalog"
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

var tracer = otel.Tracer("assessment-sync/sync")

var errCancelled = errors.New("job cancelled")

// Publisher is where terminal notifications go.
type Publisher interface {
	Publish(ctx context.Context, m notify.Message) error
}

// RecordValidator checks shaped records before they are loaded.
type RecordValidator interface {
	Record(ctx context.Context, table *catalog.Table, pass store.Direction, rec record.Record) (validate.Violations, error)
}

// Runner executes jobs. One Runner serves every worker; per-job state lives
// in jobRun.
type Runner struct {
	store       store.Store
	source      adapter.Adapter
	target      adapter.Adapter
	detector    *detect.Detector
	transformer *transform.Transformer
	sanitizer   *sanitize.Engine
	validators  map[store.Direction]RecordValidator
	conflicts   *conflict.ConflictManager
	loader      *loader.Loader
	publisher   Publisher
	retry       adapter.RetryPolicy

	buffer            int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	leaseTTL          time.Duration
	now               func() time.Time
}

// jobRun is the mutable state of one job execution.
type jobRun struct {
	job    *store.SyncJob
	handle *jobHandle
	log    *audit.JobLogger

	total     atomic.Int64
	processed atomic.Int64
	errored   atomic.Int64
	conflicts atomic.Int64

	failedTables []string
	tableErrors  []string
	succeeded    int
}

func (run *jobRun) counters() store.JobCounters {
	return store.JobCounters{
		TotalRecords:     run.total.Load(),
		ProcessedRecords: run.processed.Load(),
		ErrorRecords:     run.errored.Load(),
		ConflictsCreated: run.conflicts.Load(),
	}
}

func (run *jobRun) cancelled() bool {
	return run.handle != nil && run.handle.IsCancelled()
}

// Run executes a launched job to a terminal status. It never returns an
// error: every outcome is recorded on the job and notified.
func (r *Runner) Run(ctx context.Context, l *launch) {
	job := l.job
	defer r.release(ctx, l.lease)

	started := r.now().UTC()
	if err := r.store.TransitionJob(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobRunning, started); err != nil {
		logger.Log.Info("job not started", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	job.Status = store.JobRunning
	job.StartedAt = &started

	ctx, span := tracer.Start(ctx, "sync.job", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_type", string(job.JobType)),
	))
	defer span.End()

	run := &jobRun{job: job, handle: l.handle, log: audit.NewJobLogger(r.store, job.ID).WithClock(func() time.Time { return r.now().UTC() })}
	run.log.Info(ctx, "orchestrator", "", fmt.Sprintf("%s job started on %d tables", job.JobType, len(l.tables)))

	var (
		jctx   context.Context
		cancel context.CancelFunc
	)
	if r.jobTimeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
	} else {
		jctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(jctx, job.ID, l.lease)
	}()

	err := recovered("execute", job.ID, func() error {
		return r.execute(jctx, run, l.tables)
	})
	if err == nil && jctx.Err() != nil {
		err = jctx.Err()
	}
	timedOut := errors.Is(jctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	<-hbDone

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.finish(context.WithoutCancel(ctx), run, len(l.tables), err, timedOut, ctx.Err() != nil)
}

// recovered runs fn and turns a panic into a fatal job error, so a broken
// job fails instead of taking the process down.
func recovered(op, jobID string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Log.Error("Recovered panic",
				zap.String("op", op),
				zap.String("job_id", jobID),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			err = syncerr.New(syncerr.KindFatal, op, "panic: %v", p)
		}
	}()
	return fn()
}

func (r *Runner) release(ctx context.Context, lease lock.Lease) {
	if lease == nil {
		return
	}
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		logger.Log.Warn("failed to release lock", zap.String("key", lease.Key()), zap.Error(err))
	}
}

// heartbeat stamps the job and refreshes its lease until ctx ends.
func (r *Runner) heartbeat(ctx context.Context, jobID string, lease lock.Lease) {
	if r.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, jobID, r.now().UTC()); err != nil && ctx.Err() == nil {
				logger.Log.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			}
			if lease != nil {
				if err := lease.Refresh(ctx, r.leaseTTL); err != nil && ctx.Err() == nil {
					logger.Log.Warn("lease refresh failed", zap.String("job_id", jobID), zap.String("key", lease.Key()), zap.Error(err))
				}
			}
		}
	}
}

// execute runs the tables in order. A table error fails that table and any
// table depending on it; a job-level error stops the job.
func (r *Runner) execute(ctx context.Context, run *jobRun, tables []*catalog.Table) error {
	failed := map[string]bool{}
	for _, t := range tables {
		if run.cancelled() {
			return errCancelled
		}
		if dep := failedDependency(t, failed); dep != "" {
			failed[t.Name] = true
			run.failTable(t.Name, fmt.Sprintf("skipped, dependency %s failed", dep))
			run.log.Warn(ctx, "orchestrator", t.Name, "skipped: dependency "+dep+" failed")
			continue
		}

		err := r.runTable(ctx, run, t)
		switch {
		case err == nil:
			run.succeeded++
		case errors.Is(err, errCancelled):
			return err
		case tableLevel(err):
			failed[t.Name] = true
			run.failTable(t.Name, err.Error())
			run.log.Error(ctx, "orchestrator", t.Name, err.Error())
		default:
			run.failTable(t.Name, err.Error())
			return err
		}
	}
	return nil
}

func failedDependency(t *catalog.Table, failed map[string]bool) string {
	for _, d := range t.DependsOn {
		if failed[d] {
			return d
		}
	}
	return ""
}

// tableLevel reports whether err fails only the table it came from.
func tableLevel(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindSchema, syncerr.KindConfig, syncerr.KindValidation, syncerr.KindSanitization, syncerr.KindNotFound:
		return true
	}
	return false
}

func (run *jobRun) failTable(name, msg string) {
	run.failedTables = append(run.failedTables, name)
	run.tableErrors = append(run.tableErrors, name+": "+msg)
}

func (r *Runner) runTable(ctx context.Context, run *jobRun, t *catalog.Table) error {
	ctx, span := tracer.Start(ctx, "sync.table", trace.WithAttributes(
		attribute.String("job_id", run.job.ID),
		attribute.String("table", t.Name),
	))
	defer span.End()

	for _, pass := range t.Passes() {
		if err := r.runPass(ctx, run, t, pass); err != nil {
			if !errors.Is(err, errCancelled) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "pass failed")
			}
			return err
		}
	}
	return nil
}

func (r *Runner) sides(pass store.Direction) (read, write adapter.Adapter) {
	if pass == store.TargetToSource {
		return r.target, r.source
	}
	return r.source, r.target
}

func (r *Runner) runPass(ctx context.Context, run *jobRun, t *catalog.Table, pass store.Direction) error {
	job := run.job
	begin := r.now()
	mode, err := detect.ModeFor(job.JobType, job.Parameters, t)
	if err != nil {
		return err
	}
	readSide, writeSide := r.sides(pass)
	readRef, writeRef := detect.Refs(t, pass, mode)

	if err := r.checkSchema(ctx, t, pass, readSide, readRef, writeSide, writeRef); err != nil {
		return err
	}

	stream, err := r.detector.Open(ctx, detect.Pass{
		JobID:     job.ID,
		Table:     t,
		Direction: pass,
		Mode:      mode,
		Filter:    detect.FilterFor(t, job.Parameters),
		Read:      readSide,
		ReadRef:   readRef,
		Write:     writeSide,
		WriteRef:  writeRef,
		Shape: func(rec record.Record) (record.Record, error) {
			return r.transformer.Apply(t, pass, rec)
		},
	})
	if err != nil {
		return err
	}
	w, err := r.loader.Open(ctx, loader.Target{
		JobID:     job.ID,
		Table:     t.Name,
		Direction: pass,
		Mode:      mode,
		Adapter:   writeSide,
		Ref:       writeRef,
	})
	if err != nil {
		return err
	}

	before := run.counters()
	if err := r.pipeline(ctx, run, t, pass, stream, w, writeSide, writeRef); err != nil {
		return err
	}
	if run.cancelled() {
		return errCancelled
	}
	if err := w.Complete(ctx); err != nil {
		return err
	}

	after := run.counters()
	st := stream.Stats()
	msg := fmt.Sprintf("%s pass (%s) done: %s read, %s loaded, %s rejected",
		pass, mode,
		humanize.Comma(after.TotalRecords-before.TotalRecords),
		humanize.Comma(after.ProcessedRecords-before.ProcessedRecords),
		humanize.Comma(after.ErrorRecords-before.ErrorRecords),
	)
	if st.TargetOnly > 0 {
		msg += fmt.Sprintf(", %s only on the written side", humanize.Comma(st.TargetOnly))
	}
	run.log.Write(ctx, store.LevelInfo, audit.Entry{
		Component:   "orchestrator",
		Table:       t.Name,
		Message:     msg,
		RecordCount: after.ProcessedRecords - before.ProcessedRecords,
		Duration:    r.now().Sub(begin),
	})
	return nil
}

// checkSchema compares both sides of a pass before anything is read.
func (r *Runner) checkSchema(ctx context.Context, t *catalog.Table, pass store.Direction, readSide adapter.Adapter, readRef adapter.TableRef, writeSide adapter.Adapter, writeRef adapter.TableRef) error {
	describe := func(a adapter.Adapter, name string) (map[string]string, error) {
		var schema map[string]string
		err := adapter.Do(ctx, r.retry, "describe "+a.Name()+"."+name, func(ctx context.Context) error {
			var err error
			schema, err = a.DescribeSchema(ctx, name)
			return err
		})
		return schema, err
	}
	read, err := describe(readSide, readRef.Name)
	if err != nil {
		return syncerr.WrapTable(syncerr.KindOf(err), "describe schema", t.Name, err)
	}
	write, err := describe(writeSide, writeRef.Name)
	if err != nil {
		return writeSideError("describe schema", t.Name, err)
	}
	return validate.CheckSchema(t, pass, read, write)
}

// writeSideError escalates an exhausted retry budget on the written side:
// the system being written to is unreachable, which fails the job.
func writeSideError(op, table string, err error) error {
	if syncerr.IsTransient(err) {
		return &syncerr.Error{Kind: syncerr.KindFatal, Op: op, Table: table, Err: err}
	}
	return syncerr.WrapTable(syncerr.KindOf(err), op, table, err)
}

// stageBatch travels through the pipeline. One detected batch is one
// loader commit, so the cursor it carries is committed with it.
type stageBatch struct {
	records []record.Record
	cursor  adapter.Cursor
}

func send(ctx context.Context, ch chan<- *stageBatch, b *stageBatch) error {
	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pipeline runs detect -> shape -> validate -> load for one pass. Stages
// hand batches over bounded channels. Cancellation stops extraction; batches
// already in flight are still loaded.
func (r *Runner) pipeline(ctx context.Context, run *jobRun, t *catalog.Table, pass store.Direction, stream detect.Stream, w *loader.Writer, writeSide adapter.Adapter, writeRef adapter.TableRef) error {
	g, gctx := errgroup.WithContext(ctx)
	extracted := make(chan *stageBatch, r.buffer)
	shaped := make(chan *stageBatch, r.buffer)
	checked := make(chan *stageBatch, r.buffer)

	stage := func(op string, fn func() error) {
		g.Go(func() error { return recovered(op, run.job.ID, fn) })
	}

	stage("detect", func() error {
		defer close(extracted)
		for {
			if run.cancelled() {
				run.log.Warn(gctx, "detector", t.Name, "cancellation requested, no further batches")
				return nil
			}
			b, err := stream.Next(gctx)
			if err != nil {
				return err
			}
			if b == nil {
				return nil
			}
			run.total.Add(int64(len(b.Records)))
			if err := send(gctx, extracted, &stageBatch{records: b.Records, cursor: b.Cursor}); err != nil {
				return err
			}
		}
	})

	stage("shape", func() error {
		defer close(shaped)
		for b := range extracted {
			out := make([]record.Record, 0, len(b.records))
			var logs []*store.SanitizationLog
			for i, rec := range b.records {
				next, err := r.transformer.Apply(t, pass, rec)
				if err != nil {
					r.reject(gctx, run, t, rec, err.Error())
					continue
				}
				if pass == store.SourceToTarget {
					var entries []*store.SanitizationLog
					next, entries, err = r.sanitizer.Apply(run.job.ID, t, next)
					logs = append(logs, entries...)
					if err != nil {
						run.log.Sanitizations(gctx, logs)
						run.errored.Add(int64(len(out) + len(b.records) - i))
						return err
					}
					for _, e := range entries {
						if sanitize.Skipped(e) {
							run.log.Warn(gctx, "sanitizer", t.Name, fmt.Sprintf("rule %s on %s not applied to record %s: %s", e.Strategy, e.Field, e.RecordKey, e.Context))
						}
					}
				}
				out = append(out, next)
			}
			run.log.Sanitizations(gctx, logs)
			if err := send(gctx, shaped, &stageBatch{records: out, cursor: b.cursor}); err != nil {
				return err
			}
		}
		return nil
	})

	stage("validate", func() error {
		defer close(checked)
		v := r.validators[pass]
		for b := range shaped {
			out := b.records[:0:0]
			for _, rec := range b.records {
				if v != nil {
					vs, err := v.Record(gctx, t, pass, rec)
					if err != nil {
						return syncerr.WrapTable(syncerr.KindOf(err), "validate", t.Name, err)
					}
					if len(vs) > 0 {
						r.reject(gctx, run, t, rec, vs.Error())
						continue
					}
				}
				out = append(out, rec)
			}
			if err := send(gctx, checked, &stageBatch{records: out, cursor: b.cursor}); err != nil {
				return err
			}
		}
		return nil
	})

	stage("load", func() error {
		cp := conflict.Pass{JobID: run.job.ID, Table: t, Direction: pass, Write: writeSide, WriteRef: writeRef}
		for b := range checked {
			res, err := r.conflicts.Reconcile(gctx, cp, b.records)
			if err != nil {
				run.errored.Add(int64(len(b.records)))
				return writeSideError("conflict check", t.Name, err)
			}
			if _, err := w.Commit(gctx, res.Write, b.cursor); err != nil {
				run.errored.Add(int64(len(b.records)))
				return writeSideError("commit", t.Name, err)
			}
			run.processed.Add(int64(len(b.records)))
			run.conflicts.Add(int64(len(res.Pending)))
			for _, c := range res.Pending {
				run.log.Warn(gctx, "conflict", t.Name, "conflict pending on "+c.RecordKey)
			}
			if err := r.store.UpdateJobProgress(gctx, run.job.ID, run.counters()); err != nil {
				logger.Log.Warn("failed to update job progress", zap.String("job_id", run.job.ID), zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

func (r *Runner) reject(ctx context.Context, run *jobRun, t *catalog.Table, rec record.Record, reason string) {
	run.errored.Add(1)
	run.log.Warn(ctx, "validator", t.Name, fmt.Sprintf("record %s rejected: %s", rec.Key, reason))
}

// finish records the terminal status and raises the job's notifications.
func (r *Runner) finish(ctx context.Context, run *jobRun, tables int, err error, timedOut, shutdown bool) {
	job := run.job
	c := run.counters()
	job.TotalRecords = c.TotalRecords
	job.ProcessedRecords = c.ProcessedRecords
	job.ErrorRecords = c.ErrorRecords
	job.ConflictsCreated = c.ConflictsCreated
	job.FailedTables = run.failedTables
	ended := r.now().UTC()
	job.EndedAt = &ended

	severity := notify.SeverityInfo
	topic := notify.TopicJobCompleted
	switch {
	case errors.Is(err, errCancelled) || (shutdown && !timedOut):
		job.Status = store.JobCancelled
		job.ErrorMessage = "cancelled"
		if shutdown {
			job.ErrorMessage = "cancelled by shutdown"
		}
		severity, topic = notify.SeverityWarning, notify.TopicJobCancelled
	case timedOut:
		job.Status = store.JobFailed
		job.ErrorMessage = "job timed out"
		severity, topic = notify.SeverityError, notify.TopicJobFailed
	case err != nil:
		job.Status = store.JobFailed
		job.ErrorMessage = err.Error()
		severity, topic = notify.SeverityError, notify.TopicJobFailed
		if syncerr.Is(err, syncerr.KindFatal) {
			severity = notify.SeverityCritical
		}
	case tables > 0 && run.succeeded == 0:
		job.Status = store.JobFailed
		job.ErrorMessage = strings.Join(run.tableErrors, "; ")
		severity, topic = notify.SeverityError, notify.TopicJobFailed
	default:
		job.Status = store.JobCompleted
		if len(run.tableErrors) > 0 {
			job.ErrorMessage = strings.Join(run.tableErrors, "; ")
			severity = notify.SeverityError
		}
	}

	if ferr := r.store.FinishJob(ctx, job); ferr != nil {
		logger.Log.Warn("job already finished elsewhere", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}

	level := store.LevelInfo
	switch severity {
	case notify.SeverityWarning:
		level = store.LevelWarn
	case notify.SeverityError:
		level = store.LevelError
	case notify.SeverityCritical:
		level = store.LevelCritical
	}
	run.log.Write(ctx, level, audit.Entry{
		Component:   "orchestrator",
		Message:     fmt.Sprintf("job %s", job.Status),
		RecordCount: job.ProcessedRecords,
		Duration:    ended.Sub(*job.StartedAt),
	})

	r.notify(ctx, job, topic, severity)
	if job.ConflictsCreated > 0 {
		r.publish(ctx, notify.Message{
			Topic:    notify.TopicConflictPending,
			JobID:    job.ID,
			Subject:  fmt.Sprintf("%s %s pending review", humanize.Comma(job.ConflictsCreated), plural(job.ConflictsCreated, "conflict", "conflicts")),
			Body:     fmt.Sprintf("Job %s parked %s for manual resolution.", job.ID, plural(job.ConflictsCreated, "one record", humanize.Comma(job.ConflictsCreated)+" records")),
			Severity: notify.SeverityWarning,
			Metadata: map[string]any{"conflicts": job.ConflictsCreated},
			Payload:  map[string]any{"job_type": string(job.JobType), "conflicts": job.ConflictsCreated},
		})
	}
}

func (r *Runner) notify(ctx context.Context, job *store.SyncJob, topic string, severity notify.Severity) {
	took := ""
	if job.StartedAt != nil && job.EndedAt != nil {
		took = " in " + job.EndedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()
	}
	body := fmt.Sprintf("%s of %s records processed, %s rejected%s.",
		humanize.Comma(job.ProcessedRecords), humanize.Comma(job.TotalRecords), humanize.Comma(job.ErrorRecords), took)
	if job.ErrorMessage != "" {
		body += "\n" + job.ErrorMessage
	}
	r.publish(ctx, notify.Message{
		Topic:    topic,
		JobID:    job.ID,
		Subject:  fmt.Sprintf("%s sync %s %s", job.JobType, shortID(job.ID), job.Status),
		Body:     body,
		Severity: severity,
		Metadata: map[string]any{
			"status":            string(job.Status),
			"total_records":     job.TotalRecords,
			"processed_records": job.ProcessedRecords,
			"error_records":     job.ErrorRecords,
		},
		Payload: map[string]any{
			"job_type":    string(job.JobType),
			"status":      string(job.Status),
			"schedule_id": job.ScheduleID,
		},
	})
}

func (r *Runner) publish(ctx context.Context, m notify.Message) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, m); err != nil {
		logger.Log.Error("failed to publish notification", zap.String("topic", m.Topic), zap.String("job_id", m.JobID), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
