// Package loader is the only writer of the target side of a pass. Each batch
// commits atomically through the adapter, and the pass cursor is persisted
// after the commit succeeds.
package loader

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/detect"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

var tracer = otel.Tracer("assessment-sync/loader")

// PositionStore persists pass cursors.
type PositionStore interface {
	GetPosition(ctx context.Context, table string, direction store.Direction) (*store.Position, error)
	SavePosition(ctx context.Context, pos *store.Position) error
}

type Loader struct {
	positions PositionStore
	retry     adapter.RetryPolicy
	now       func() time.Time
}

func New(positions PositionStore, retry adapter.RetryPolicy) *Loader {
	return &Loader{positions: positions, retry: retry, now: time.Now}
}

// WithClock replaces the clock used to stamp positions.
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

// Target is where one pass writes.
type Target struct {
	JobID     string
	Table     string
	Direction store.Direction
	Mode      detect.Mode
	Adapter   adapter.Adapter
	Ref       adapter.TableRef
}

// Writer commits the batches of one pass.
type Writer struct {
	l   *Loader
	t   Target
	pos *store.Position
	cur adapter.Cursor
}

// Open loads the current position of a pass.
func (l *Loader) Open(ctx context.Context, t Target) (*Writer, error) {
	pos, err := l.positions.GetPosition(ctx, t.Table, t.Direction)
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindOf(err), "load position", t.Table, err)
	}
	if pos == nil {
		pos = &store.Position{Table: t.Table, Direction: t.Direction}
	}
	cur, err := detect.DecodePosition(pos)
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindConfig, "load position", t.Table, err)
	}
	return &Writer{l: l, t: t, pos: pos, cur: cur}, nil
}

// Commit writes recs as one atomic batch and then advances the cursor to
// next. An empty batch only advances the cursor. When the write fails the
// cursor is left where it was.
func (w *Writer) Commit(ctx context.Context, recs []record.Record, next adapter.Cursor) (int, error) {
	ctx, span := tracer.Start(ctx, "loader.commit", trace.WithAttributes(
		attribute.String("job_id", w.t.JobID),
		attribute.String("table", w.t.Table),
		attribute.String("direction", string(w.t.Direction)),
		attribute.Int("records", len(recs)),
	))
	defer span.End()

	committed := 0
	if len(recs) > 0 {
		err := adapter.Do(ctx, w.l.retry, "write "+w.t.Adapter.Name()+"."+w.t.Ref.Name, func(ctx context.Context) error {
			n, err := w.t.Adapter.WriteBatch(ctx, w.t.Ref, recs)
			committed = n
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			return 0, syncerr.WrapTable(syncerr.KindOf(err), "commit", w.t.Table, err)
		}
	}

	if err := w.advance(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "position save failed")
		return committed, err
	}
	logger.Log.Debug("batch committed",
		zap.String("job_id", w.t.JobID),
		zap.String("table", w.t.Table),
		zap.String("direction", string(w.t.Direction)),
		zap.Int("records", committed),
	)
	return committed, nil
}

func (w *Writer) advance(ctx context.Context, next adapter.Cursor) error {
	if w.t.Mode == detect.ModeDifferential {
		return nil
	}
	if !forward(w.t.Mode, w.cur, next) {
		logger.Log.Warn("cursor did not move forward, keeping the saved one",
			zap.String("job_id", w.t.JobID),
			zap.String("table", w.t.Table),
			zap.Any("saved", w.cur),
			zap.Any("next", next),
		)
		return nil
	}
	return w.save(ctx, next)
}

func (w *Writer) save(ctx context.Context, cur adapter.Cursor) error {
	pos := *w.pos
	detect.Advance(&pos, w.t.Mode, cur)
	pos.JobID = w.t.JobID
	pos.UpdatedAt = w.l.now().UTC()
	if err := w.l.positions.SavePosition(ctx, &pos); err != nil {
		return syncerr.WrapTable(syncerr.KindOf(err), "save position", w.t.Table, err)
	}
	w.pos = &pos
	if w.t.Mode == detect.ModeFull {
		w.cur.Offset = cur.Offset
	} else {
		w.cur.Watermark, w.cur.LastKey = cur.Watermark, cur.LastKey
	}
	return nil
}

// Complete ends a pass that read its table to the end. Full passes rewind
// their offset so the next run starts over; incremental cursors stay.
func (w *Writer) Complete(ctx context.Context) error {
	if w.t.Mode != detect.ModeFull || w.cur.Offset == 0 {
		return nil
	}
	return w.save(ctx, adapter.Cursor{})
}

// Position returns the last persisted cursor.
func (w *Writer) Position() adapter.Cursor {
	return w.cur
}

// forward reports whether next is strictly past cur.
func forward(mode detect.Mode, cur, next adapter.Cursor) bool {
	if mode == detect.ModeFull {
		return next.Offset > cur.Offset
	}
	if !next.Started() {
		return false
	}
	if !cur.Started() {
		return true
	}
	if c := record.Compare(next.Watermark, cur.Watermark); c != 0 {
		return c > 0
	}
	return next.LastKey.Compare(cur.LastKey) > 0
}
