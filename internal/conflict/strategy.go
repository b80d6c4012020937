package conflict

import (
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Verdict is what happens to an incoming record that differs from the row
// already on the written side.
type Verdict int

const (
	// KeepIncoming overwrites the existing row.
	KeepIncoming Verdict = iota
	// KeepExisting discards the incoming record.
	KeepExisting
	// Defer parks the difference for an operator.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case KeepIncoming:
		return "keep_incoming"
	case KeepExisting:
		return "keep_existing"
	case Defer:
		return "defer"
	}
	return "unknown"
}

// ResolutionStrategy decides a conflict between the record a pass wants to
// write and the row already there.
type ResolutionStrategy interface {
	Resolve(incoming, existing record.Record) Verdict
}

// fixed always returns the same verdict.
type fixed Verdict

func (f fixed) Resolve(record.Record, record.Record) Verdict { return Verdict(f) }

// NewerWins keeps the side with the later timestamp. Null or missing
// timestamps are older than any value.
type NewerWins struct {
	TimestampField string
	// TieToIncoming decides equal timestamps.
	TieToIncoming bool
}

func (s NewerWins) Resolve(incoming, existing record.Record) Verdict {
	c := record.Compare(incoming.Fields[s.TimestampField], existing.Fields[s.TimestampField])
	switch {
	case c > 0:
		return KeepIncoming
	case c < 0:
		return KeepExisting
	case s.TieToIncoming:
		return KeepIncoming
	}
	return KeepExisting
}

// StrategyFor maps a table's conflict_strategy onto a pass. Strategies name
// systems, so on the target to source pass the incoming record is the
// target's: source_wins keeps the existing row there, and ties under
// newer_wins still go to the source.
func StrategyFor(t *catalog.Table, pass store.Direction) (ResolutionStrategy, error) {
	incomingIsSource := pass != store.TargetToSource
	switch t.ConflictStrategy {
	case store.StrategySourceWins:
		if incomingIsSource {
			return fixed(KeepIncoming), nil
		}
		return fixed(KeepExisting), nil
	case store.StrategyTargetWins:
		if incomingIsSource {
			return fixed(KeepExisting), nil
		}
		return fixed(KeepIncoming), nil
	case store.StrategyNewerWins:
		if t.TimestampField == "" {
			return nil, syncerr.Config("conflict", "table %q: newer_wins needs a timestamp_field", t.Name)
		}
		return NewerWins{TimestampField: t.TimestampField, TieToIncoming: incomingIsSource}, nil
	case store.StrategyManual:
		return fixed(Defer), nil
	}
	return nil, syncerr.Config("conflict", "table %q: unknown conflict_strategy %q", t.Name, t.ConflictStrategy)
}
