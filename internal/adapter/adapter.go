// Package adapter defines the capability interface the engine uses to talk
// to the source and target systems, plus the in-memory and SQL
// implementations and the shared retry policy for batch I/O.
package adapter

import (
	"context"

	"assessment-sync/internal/record"
)

// TableRef identifies a table and the columns that order its rows.
type TableRef struct {
	Name       string
	PrimaryKey []string
	// TimestampField switches reads to keyset order on
	// (TimestampField NULLS FIRST, PrimaryKey). Empty means primary-key
	// order with an offset cursor.
	TimestampField string
}

// Cursor is an opaque read position. Offset applies to primary-key order;
// Watermark and LastKey apply to timestamp order.
type Cursor struct {
	Offset    int64
	Watermark any
	LastKey   record.Key
}

// Started reports whether a timestamp-ordered cursor has a position.
func (c Cursor) Started() bool {
	return c.Watermark != nil || len(c.LastKey) > 0
}

// Batch is the result of one read.
type Batch struct {
	Records []record.Record
	Next    Cursor
	Done    bool
}

// Adapter is the capability interface of a source or target system.
type Adapter interface {
	Name() string
	ListTables(ctx context.Context) ([]string, error)
	ReadBatch(ctx context.Context, table TableRef, cursor Cursor, limit int, filter record.Filter) (Batch, error)
	// WriteBatch upserts records by primary key. The batch is atomic: either
	// every record is committed or none is.
	WriteBatch(ctx context.Context, table TableRef, records []record.Record) (int, error)
	ReadByKeys(ctx context.Context, table TableRef, keys []record.Key) ([]record.Record, error)
	// DescribeSchema maps each column to its type tag.
	DescribeSchema(ctx context.Context, table string) (map[string]string, error)
	Close() error
}

// nextCursor advances a cursor past the last record of a batch.
func nextCursor(table TableRef, cur Cursor, recs []record.Record) Cursor {
	if len(recs) == 0 {
		return cur
	}
	if table.TimestampField == "" {
		return Cursor{Offset: cur.Offset + int64(len(recs))}
	}
	last := recs[len(recs)-1]
	return Cursor{
		Watermark: record.Normalize(last.Fields[table.TimestampField]),
		LastKey:   last.Key,
	}
}

// afterCursor reports whether a row with timestamp ts and key k sorts after
// a started timestamp cursor.
func afterCursor(cur Cursor, ts any, k record.Key) bool {
	if !cur.Started() {
		return true
	}
	c := record.Compare(ts, cur.Watermark)
	if c != 0 {
		return c > 0
	}
	if len(cur.LastKey) == 0 {
		return false
	}
	return k.Compare(cur.LastKey) > 0
}
