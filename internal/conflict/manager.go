// Package conflict compares prospective writes against the rows already on
// the written side, applies the table's resolution strategy and keeps the
// pending -> resolved|ignored lifecycle of conflicts parked for operators.
package conflict

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Store is the conflict persistence the manager and resolver need.
type Store interface {
	CreateConflict(ctx context.Context, conflict *store.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*store.SyncConflict, error)
	ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]*store.SyncConflict, error)
	CloseConflict(ctx context.Context, conflict *store.SyncConflict) error
}

type ConflictManager struct {
	store Store
	retry adapter.RetryPolicy
	now   func() time.Time
}

func NewConflictManager(s Store, retry adapter.RetryPolicy) *ConflictManager {
	return &ConflictManager{store: s, retry: retry, now: time.Now}
}

// WithClock replaces the clock used for detected_at.
func (cm *ConflictManager) WithClock(now func() time.Time) *ConflictManager {
	cm.now = now
	return cm
}

// Pass is where a batch is headed.
type Pass struct {
	JobID     string
	Table     *catalog.Table
	Direction store.Direction
	Write     adapter.Adapter
	WriteRef  adapter.TableRef
}

// Result sorts one batch by outcome.
type Result struct {
	// Write holds the records to load, in input order.
	Write     []record.Record
	Inserts   int
	Updates   int
	Unchanged int
	// Discarded counts differences resolved in favour of the existing row.
	Discarded int
	// Deferred counts records parked for an operator, Pending the conflict
	// rows created for them. A difference that is already pending is not
	// parked twice.
	Deferred int
	Pending  []*store.SyncConflict
}

// Reconcile fetches the written rows matching recs and decides what to
// write. Absent rows are inserts and identical rows are skipped; any other
// difference goes to the table's strategy.
func (cm *ConflictManager) Reconcile(ctx context.Context, p Pass, recs []record.Record) (*Result, error) {
	res := &Result{}
	if len(recs) == 0 {
		return res, nil
	}
	strategy, err := StrategyFor(p.Table, p.Direction)
	if err != nil {
		return nil, err
	}

	keys := make([]record.Key, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	var existing []record.Record
	err = adapter.Do(ctx, cm.retry, "read keys "+p.Write.Name()+"."+p.WriteRef.Name, func(ctx context.Context) error {
		var err error
		existing, err = p.Write.ReadByKeys(ctx, p.WriteRef, keys)
		return err
	})
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindOf(err), "conflict lookup", p.Table.Name, err)
	}
	byKey := make(map[string]record.Record, len(existing))
	for _, r := range existing {
		byKey[r.Key.String()] = r
	}

	for _, in := range recs {
		cur, ok := byKey[in.Key.String()]
		if !ok {
			res.Write = append(res.Write, in)
			res.Inserts++
			continue
		}
		diff := record.DiffFields(in.Fields, cur.Fields)
		if len(diff) == 0 {
			res.Unchanged++
			continue
		}

		verdict := strategy.Resolve(in, cur)
		logger.Log.Debug("conflict",
			zap.String("job_id", p.JobID),
			zap.String("table", p.Table.Name),
			zap.String("key", in.Key.String()),
			zap.Strings("fields", diff),
			zap.Stringer("verdict", verdict),
		)
		switch verdict {
		case KeepIncoming:
			res.Write = append(res.Write, in)
			res.Updates++
		case KeepExisting:
			res.Discarded++
		case Defer:
			res.Deferred++
			c, err := cm.park(ctx, p, in, cur)
			if err != nil {
				return nil, err
			}
			if c != nil {
				res.Pending = append(res.Pending, c)
			}
		}
	}
	return res, nil
}

// park stores a pending conflict with both payloads as they were seen. It
// returns nil when the same difference is already pending.
func (cm *ConflictManager) park(ctx context.Context, p Pass, incoming, existing record.Record) (*store.SyncConflict, error) {
	src, dst := incoming, existing
	if p.Direction == store.TargetToSource {
		src, dst = existing, incoming
	}
	srcPayload, err := src.MarshalPayload()
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindValidation, "conflict payload", p.Table.Name, err)
	}
	dstPayload, err := dst.MarshalPayload()
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindValidation, "conflict payload", p.Table.Name, err)
	}

	key := incoming.Key.String()
	open, err := cm.store.ListConflicts(ctx, store.ConflictFilter{
		Table:     p.Table.Name,
		RecordKey: key,
		Status:    store.ResolutionPending,
	})
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindOf(err), "conflict lookup", p.Table.Name, err)
	}
	for _, c := range open {
		if c.Direction == p.Direction && c.SourcePayload == string(srcPayload) && c.TargetPayload == string(dstPayload) {
			return nil, nil
		}
	}

	c := &store.SyncConflict{
		ID:               uuid.NewString(),
		JobID:            p.JobID,
		Table:            p.Table.Name,
		Direction:        p.Direction,
		RecordKey:        key,
		SourcePayload:    string(srcPayload),
		TargetPayload:    string(dstPayload),
		DetectedAt:       cm.now().UTC(),
		ResolutionStatus: store.ResolutionPending,
	}
	if err := cm.store.CreateConflict(ctx, c); err != nil {
		return nil, syncerr.WrapTable(syncerr.KindOf(err), "conflict create", p.Table.Name, err)
	}
	return c, nil
}
