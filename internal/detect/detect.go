// Package detect produces the candidate records of one table pass. Reads go
// through the adapter retry policy and are handed out a batch at a time.
package detect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Mode is how a pass finds its candidate records.
type Mode string

const (
	ModeFull         Mode = "full"
	ModeIncremental  Mode = "incremental"
	ModeDifferential Mode = "differential"
)

// ModeFor picks the extraction mode of a table for a job. Incremental jobs
// fall back to a full read on tables that are not incremental. Selective
// jobs honour params.Mode, defaulting to the table's own capability.
func ModeFor(jobType store.JobType, params store.JobParameters, t *catalog.Table) (Mode, error) {
	switch jobType {
	case store.JobFull:
		return ModeFull, nil
	case store.JobDifferential:
		return ModeDifferential, nil
	case store.JobIncremental:
		if t.IsIncremental {
			return ModeIncremental, nil
		}
		return ModeFull, nil
	case store.JobSelective:
		switch params.Mode {
		case "":
			if t.IsIncremental {
				return ModeIncremental, nil
			}
			return ModeFull, nil
		case string(ModeFull):
			return ModeFull, nil
		case string(ModeIncremental):
			if t.TimestampField == "" {
				return "", syncerr.Config("detect", "table %q has no timestamp_field for an incremental read", t.Name)
			}
			return ModeIncremental, nil
		case string(ModeDifferential):
			return ModeDifferential, nil
		}
		return "", syncerr.Config("detect", "unknown selective mode %q", params.Mode)
	}
	return "", syncerr.Config("detect", "unknown job type %q", jobType)
}

// Refs returns the table refs a pass reads from and writes to.
func Refs(t *catalog.Table, pass store.Direction, mode Mode) (read, write adapter.TableRef) {
	source := adapter.TableRef{Name: t.Name, PrimaryKey: t.PrimaryKeyFields}
	target := adapter.TableRef{Name: t.TargetName(), PrimaryKey: t.PrimaryKeyFields}
	read, write = source, target
	if pass == store.TargetToSource {
		read, write = target, source
	}
	if mode == ModeIncremental {
		read.TimestampField = t.TimestampField
	}
	return read, write
}

// FilterFor joins the catalog filter of a table with the job's own.
func FilterFor(t *catalog.Table, params store.JobParameters) record.Filter {
	var f record.Filter
	f = append(f, t.Filter...)
	f = append(f, params.Filters[t.Name]...)
	return f
}

// Pass describes one extraction.
type Pass struct {
	JobID     string
	Table     *catalog.Table
	Direction store.Direction
	Mode      Mode
	Filter    record.Filter

	Read     adapter.Adapter
	ReadRef  adapter.TableRef
	Write    adapter.Adapter
	WriteRef adapter.TableRef

	// Shape maps a read record into the written side's shape. Differential
	// passes hash shaped records; nil compares records as read.
	Shape func(record.Record) (record.Record, error)
}

func (p Pass) batchSize() int {
	if p.Table.BatchSize > 0 {
		return p.Table.BatchSize
	}
	return 100
}

// Batch is one slice of candidate records and the cursor that follows it.
type Batch struct {
	Records []record.Record
	Cursor  adapter.Cursor
}

// Stats counts what a stream has seen so far.
type Stats struct {
	Scanned    int64
	Emitted    int64
	TargetOnly int64
}

// Stream hands out the batches of a pass in primary-key order (timestamp
// order for incremental passes). Next returns nil once the pass is done.
type Stream interface {
	Next(ctx context.Context) (*Batch, error)
	Stats() Stats
}

// PositionReader loads persisted cursors.
type PositionReader interface {
	GetPosition(ctx context.Context, table string, direction store.Direction) (*store.Position, error)
}

type Detector struct {
	positions PositionReader
	retry     adapter.RetryPolicy
}

func New(positions PositionReader, retry adapter.RetryPolicy) *Detector {
	return &Detector{positions: positions, retry: retry}
}

// Open starts a pass. Full and incremental passes resume from the
// persisted position of (table, direction).
func (d *Detector) Open(ctx context.Context, p Pass) (Stream, error) {
	if p.Mode == ModeDifferential {
		if p.Write == nil {
			return nil, fmt.Errorf("differential pass on %s needs the written side", p.Table.Name)
		}
		return &diffStream{d: d, p: p, seen: map[string]struct{}{}}, nil
	}

	pos, err := d.positions.GetPosition(ctx, p.Table.Name, p.Direction)
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindOf(err), "load position", p.Table.Name, err)
	}
	saved, err := DecodePosition(pos)
	if err != nil {
		return nil, syncerr.WrapTable(syncerr.KindConfig, "load position", p.Table.Name, err)
	}
	var cur adapter.Cursor
	if p.Mode == ModeFull {
		cur.Offset = saved.Offset
	} else {
		cur.Watermark, cur.LastKey = saved.Watermark, saved.LastKey
	}
	if cur.Offset > 0 || cur.Started() {
		logger.Log.Info("resuming pass",
			zap.String("job_id", p.JobID),
			zap.String("table", p.Table.Name),
			zap.String("direction", string(p.Direction)),
			zap.Int64("offset", cur.Offset),
			zap.Any("watermark", cur.Watermark),
		)
	}
	return &scanStream{d: d, p: p, cur: cur}, nil
}

func (d *Detector) read(ctx context.Context, a adapter.Adapter, ref adapter.TableRef, cur adapter.Cursor, limit int, filter record.Filter) (adapter.Batch, error) {
	var b adapter.Batch
	err := adapter.Do(ctx, d.retry, "read "+a.Name()+"."+ref.Name, func(ctx context.Context) error {
		var err error
		b, err = a.ReadBatch(ctx, ref, cur, limit, filter)
		return err
	})
	return b, err
}

// scanStream serves full and incremental passes.
type scanStream struct {
	d     *Detector
	p     Pass
	cur   adapter.Cursor
	done  bool
	stats Stats
}

func (s *scanStream) Next(ctx context.Context) (*Batch, error) {
	if s.done {
		return nil, nil
	}
	b, err := s.d.read(ctx, s.p.Read, s.p.ReadRef, s.cur, s.p.batchSize(), s.p.Filter)
	if err != nil {
		return nil, err
	}
	s.cur = b.Next
	s.done = b.Done
	if len(b.Records) == 0 {
		s.done = true
		return nil, nil
	}
	s.stats.Scanned += int64(len(b.Records))
	s.stats.Emitted += int64(len(b.Records))
	return &Batch{Records: b.Records, Cursor: b.Next}, nil
}

func (s *scanStream) Stats() Stats { return s.stats }

// diffStream compares row hashes on both sides. It pages the read side in
// primary-key order, fetches the matching written rows by key and emits
// the rows that are missing or hash differently. Rows present only on the
// written side are counted once the read side is exhausted.
type diffStream struct {
	d     *Detector
	p     Pass
	cur   adapter.Cursor
	done  bool
	seen  map[string]struct{}
	stats Stats
}

func (s *diffStream) Next(ctx context.Context) (*Batch, error) {
	for !s.done {
		b, err := s.d.read(ctx, s.p.Read, s.p.ReadRef, s.cur, s.p.batchSize(), s.p.Filter)
		if err != nil {
			return nil, err
		}
		s.cur = b.Next
		s.done = b.Done || len(b.Records) == 0
		if len(b.Records) == 0 {
			break
		}
		s.stats.Scanned += int64(len(b.Records))

		changed, err := s.compare(ctx, b.Records)
		if err != nil {
			return nil, err
		}
		if len(changed) > 0 {
			s.stats.Emitted += int64(len(changed))
			return &Batch{Records: changed}, nil
		}
	}
	if s.seen != nil {
		if err := s.countTargetOnly(ctx); err != nil {
			return nil, err
		}
		s.seen = nil
	}
	return nil, nil
}

func (s *diffStream) compare(ctx context.Context, recs []record.Record) ([]record.Record, error) {
	keys := make([]record.Key, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
		s.seen[r.Key.String()] = struct{}{}
	}
	var existing []record.Record
	err := adapter.Do(ctx, s.d.retry, "read keys "+s.p.Write.Name()+"."+s.p.WriteRef.Name, func(ctx context.Context) error {
		var err error
		existing, err = s.p.Write.ReadByKeys(ctx, s.p.WriteRef, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]record.Record, len(existing))
	for _, r := range existing {
		byKey[r.Key.String()] = r
	}

	var changed []record.Record
	for _, r := range recs {
		other, ok := byKey[r.Key.String()]
		if !ok {
			changed = append(changed, r)
			continue
		}
		shaped := r
		if s.p.Shape != nil {
			if shaped, err = s.p.Shape(r); err != nil {
				// Let the pipeline reject it with the proper error.
				changed = append(changed, r)
				continue
			}
		}
		names := HashFields(s.p.Table, s.p.Direction, shaped)
		a, err := record.RowHash(shaped.Fields, names)
		if err != nil {
			return nil, syncerr.WrapTable(syncerr.KindValidation, "row hash", s.p.Table.Name, err)
		}
		b, err := record.RowHash(other.Fields, names)
		if err != nil {
			return nil, syncerr.WrapTable(syncerr.KindValidation, "row hash", s.p.Table.Name, err)
		}
		if a != b {
			changed = append(changed, r)
		}
	}
	return changed, nil
}

func (s *diffStream) countTargetOnly(ctx context.Context) error {
	var cur adapter.Cursor
	for {
		b, err := s.d.read(ctx, s.p.Write, s.p.WriteRef, cur, s.p.batchSize(), nil)
		if err != nil {
			return err
		}
		for _, r := range b.Records {
			if _, ok := s.seen[r.Key.String()]; !ok {
				s.stats.TargetOnly++
			}
		}
		if b.Done || len(b.Records) == 0 {
			return nil
		}
		cur = b.Next
	}
}

func (s *diffStream) Stats() Stats { return s.stats }

// HashFields lists the fields a differential pass compares: the fields the
// pass writes, minus those rewritten by sanitization.
func HashFields(t *catalog.Table, pass store.Direction, shaped record.Record) []string {
	var names []string
	if t.HasFieldConfigs() {
		for _, f := range t.FieldsFor(pass) {
			names = append(names, f.Name)
		}
	} else {
		names = shaped.FieldNames()
	}
	if pass != store.SourceToTarget {
		return names
	}
	out := names[:0:0]
	for _, n := range names {
		if _, sanitized := t.SanitizationRule(n); !sanitized {
			out = append(out, n)
		}
	}
	return out
}
