package conflict

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/detect"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
	"assessment-sync/internal/validate"
)

// RecordValidator checks a resolved payload before it is applied.
type RecordValidator interface {
	Record(ctx context.Context, table *catalog.Table, pass store.Direction, rec record.Record) (validate.Violations, error)
}

// Resolver closes pending conflicts on behalf of an operator.
type Resolver struct {
	store     Store
	catalog   catalog.Reader
	validator RecordValidator
	source    adapter.Adapter
	target    adapter.Adapter
	retry     adapter.RetryPolicy
	now       func() time.Time
}

func NewResolver(s Store, cat catalog.Reader, v RecordValidator, source, target adapter.Adapter, retry adapter.RetryPolicy) *Resolver {
	return &Resolver{
		store:     s,
		catalog:   cat,
		validator: v,
		source:    source,
		target:    target,
		retry:     retry,
		now:       time.Now,
	}
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func (r *Resolver) pending(ctx context.Context, id string) (*store.SyncConflict, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.ResolutionStatus != store.ResolutionPending {
		return nil, &syncerr.Error{
			Kind: syncerr.KindConflict,
			Op:   "resolve conflict",
			Err:  fmt.Errorf("conflict %s is %s: %w", id, c.ResolutionStatus, store.ErrInvalidTransition),
		}
	}
	return c, nil
}

// Resolve applies a resolution and marks the conflict resolved.
//
// source_wins and target_wins take the stored payload of that system and
// write it to the pass's written side when it is not already there. manual
// writes payload as the whole row; merged patches the written row with
// payload. Whatever is written is validated first, and the conflict is only
// closed once the write has committed.
func (r *Resolver) Resolve(ctx context.Context, id string, rt store.ResolutionType, payload map[string]any, by string) (*store.SyncConflict, error) {
	if !rt.Valid() {
		return nil, syncerr.Config("resolve conflict", "unknown resolution type %q", rt)
	}
	c, err := r.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := catalog.Load(ctx, r.catalog)
	if err != nil {
		return nil, err
	}
	table, ok := snap.Table(c.Table)
	if !ok {
		return nil, syncerr.Config("resolve conflict", "table %q is no longer in the catalog", c.Table)
	}
	pass := c.Direction
	if pass == "" {
		pass = store.SourceToTarget
	}

	src, err := record.UnmarshalPayload([]byte(c.SourcePayload))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, "resolve conflict", err)
	}
	dst, err := record.UnmarshalPayload([]byte(c.TargetPayload))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, "resolve conflict", err)
	}
	written := dst
	if pass == store.TargetToSource {
		written = src
	}

	var (
		fields map[string]any
		write  = true
	)
	switch rt {
	case store.ResolveSourceWins:
		fields, write = src, pass == store.SourceToTarget
	case store.ResolveTargetWins:
		fields, write = dst, pass == store.TargetToSource
	case store.ResolveManual:
		if len(payload) == 0 {
			return nil, syncerr.Config("resolve conflict", "manual resolution needs a payload")
		}
		fields = maps.Clone(payload)
	case store.ResolveMerged:
		if len(payload) == 0 {
			return nil, syncerr.Config("resolve conflict", "merged resolution needs a payload")
		}
		fields = maps.Clone(written)
		maps.Copy(fields, payload)
	}

	rec, err := record.New(fields, table.PrimaryKeyFields)
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindValidation, "resolve conflict", c.Table, err)
	}
	if rec.Key.String() != c.RecordKey {
		return nil, syncerr.WrapTable(syncerr.KindValidation, "resolve conflict", c.Table,
			fmt.Errorf("payload key %s does not match conflict key %s", rec.Key, c.RecordKey))
	}

	if write {
		if err := r.apply(ctx, table, pass, rec); err != nil {
			return nil, err
		}
	}

	resolved, err := rec.MarshalPayload()
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindValidation, "resolve conflict", c.Table, err)
	}
	at := r.now().UTC()
	c.ResolutionStatus = store.ResolutionResolved
	c.ResolutionType = rt
	c.ResolvedPayload = string(resolved)
	c.ResolvedBy = by
	c.ResolvedAt = &at
	if err := r.store.CloseConflict(ctx, c); err != nil {
		return nil, closeError(err)
	}
	logger.Log.Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("table", c.Table),
		zap.String("key", c.RecordKey),
		zap.String("resolution", string(rt)),
		zap.Bool("written", write),
		zap.String("by", by),
	)
	return c, nil
}

func (r *Resolver) apply(ctx context.Context, table *catalog.Table, pass store.Direction, rec record.Record) error {
	if r.validator != nil {
		vs, err := r.validator.Record(ctx, table, pass, rec)
		if err != nil {
			return err
		}
		if len(vs) > 0 {
			return &syncerr.Error{Kind: syncerr.KindValidation, Op: "resolve conflict", Table: table.Name, Err: vs}
		}
	}
	side := r.target
	if pass == store.TargetToSource {
		side = r.source
	}
	_, ref := detect.Refs(table, pass, detect.ModeFull)
	err := adapter.Do(ctx, r.retry, "write "+side.Name()+"."+ref.Name, func(ctx context.Context) error {
		_, err := side.WriteBatch(ctx, ref, []record.Record{rec})
		return err
	})
	if err != nil {
		return syncerr.WrapTable(syncerr.KindOf(err), "resolve conflict", table.Name, err)
	}
	return nil
}

// Ignore closes a pending conflict without writing anything.
func (r *Resolver) Ignore(ctx context.Context, id, reason, by string) (*store.SyncConflict, error) {
	c, err := r.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	at := r.now().UTC()
	c.ResolutionStatus = store.ResolutionIgnored
	c.ResolvedBy = by
	c.ResolvedAt = &at
	c.Note = reason
	if err := r.store.CloseConflict(ctx, c); err != nil {
		return nil, closeError(err)
	}
	logger.Log.Info("conflict ignored",
		zap.String("conflict_id", c.ID),
		zap.String("table", c.Table),
		zap.String("by", by),
	)
	return c, nil
}

func closeError(err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		return &syncerr.Error{Kind: syncerr.KindConflict, Op: "resolve conflict", Err: err}
	}
	return err
}
