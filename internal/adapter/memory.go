package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"assessment-sync/internal/record"
	"assessment-sync/internal/syncerr"
)

// Operation names used for failure injection.
const (
	OpList     = "list_tables"
	OpRead     = "read_batch"
	OpWrite    = "write_batch"
	OpReadKeys = "read_by_keys"
	OpDescribe = "describe_schema"
)

// ErrUnreachable is what an unreachable memory adapter returns, wrapped as
// a transient error.
var ErrUnreachable = errors.New("adapter unreachable")

type memTable struct {
	schema map[string]string
	rows   map[string]map[string]any
	pk     []string
}

// Memory is an in-process adapter used for local runs and tests. Failures
// can be injected per operation.
type Memory struct {
	name string

	mu          sync.Mutex
	tables      map[string]*memTable
	failures    map[string][]error
	unreachable bool
	writes      int
	commits     []int
}

func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		tables:   map[string]*memTable{},
		failures: map[string][]error{},
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Close() error { return nil }

// CreateTable declares a table. The schema maps columns to type tags.
func (m *Memory) CreateTable(name string, pk []string, schema map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = &memTable{schema: schema, rows: map[string]map[string]any{}, pk: pk}
}

// Put inserts or replaces rows directly, bypassing failure injection.
func (m *Memory) Put(table string, rows ...map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, row := range rows {
		key, err := record.KeyOf(row, t.pk)
		if err != nil {
			return err
		}
		t.rows[key.String()] = copyFields(row)
	}
	return nil
}

// Delete removes a row by key.
func (m *Memory) Delete(table string, key record.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[table]; ok {
		delete(t.rows, key.String())
	}
}

// Rows returns a copy of all rows of a table in primary-key order.
func (m *Memory) Rows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	recs := t.sorted(TableRef{Name: table, PrimaryKey: t.pk})
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = r.Fields
	}
	return out
}

// Get returns one row by key.
func (m *Memory) Get(table string, key record.Key) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[key.String()]
	if !ok {
		return nil, false
	}
	return copyFields(row), true
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetUnreachable makes every operation fail with a transient error.
func (m *Memory) SetUnreachable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = v
}

// Writes reports how many records have been committed by WriteBatch.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Commits returns the size of every committed WriteBatch call.
func (m *Memory) Commits() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.commits...)
}

func (m *Memory) fail(op string) error {
	if m.unreachable {
		return syncerr.Transient(op, fmt.Errorf("%s: %w", m.name, ErrUnreachable))
	}
	if errs := m.failures[op]; len(errs) > 0 {
		m.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *Memory) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, syncerr.WrapTable(syncerr.KindSchema, "memory", name, fmt.Errorf("table does not exist"))
	}
	return t, nil
}

func (m *Memory) ListTables(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpList); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.tables))
	for n := range m.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ReadBatch(ctx context.Context, ref TableRef, cur Cursor, limit int, filter record.Filter) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if err := m.fail(OpRead); err != nil {
		return Batch{}, err
	}
	t, err := m.table(ref.Name)
	if err != nil {
		return Batch{}, err
	}
	if limit <= 0 {
		return Batch{}, fmt.Errorf("limit must be positive")
	}

	var out []record.Record
	skipped := int64(0)
	for _, r := range t.sorted(ref) {
		if !filter.Match(r.Fields) {
			continue
		}
		if ref.TimestampField == "" {
			if skipped < cur.Offset {
				skipped++
				continue
			}
		} else if !afterCursor(cur, r.Fields[ref.TimestampField], r.Key) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return Batch{
		Records: out,
		Next:    nextCursor(ref, cur, out),
		Done:    len(out) < limit,
	}, nil
}

func (m *Memory) WriteBatch(ctx context.Context, ref TableRef, recs []record.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.fail(OpWrite); err != nil {
		return 0, err
	}
	t, err := m.table(ref.Name)
	if err != nil {
		return 0, err
	}
	pk := ref.PrimaryKey
	if len(pk) == 0 {
		pk = t.pk
	}
	// Resolve every key first so a bad record leaves the table untouched.
	keys := make([]string, len(recs))
	for i, r := range recs {
		k, err := record.KeyOf(r.Fields, pk)
		if err != nil {
			return 0, syncerr.WrapTable(syncerr.KindValidation, "write_batch", ref.Name, err)
		}
		keys[i] = k.String()
	}
	for i, r := range recs {
		row := t.rows[keys[i]]
		if row == nil {
			row = map[string]any{}
			t.rows[keys[i]] = row
		}
		for f, v := range r.Fields {
			row[f] = v
		}
	}
	m.writes += len(recs)
	m.commits = append(m.commits, len(recs))
	return len(recs), nil
}

func (m *Memory) ReadByKeys(ctx context.Context, ref TableRef, keys []record.Key) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fail(OpReadKeys); err != nil {
		return nil, err
	}
	t, err := m.table(ref.Name)
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for _, k := range keys {
		if row, ok := t.rows[k.String()]; ok {
			out = append(out, record.Record{Key: k, Fields: copyFields(row)})
		}
	}
	return out, nil
}

func (m *Memory) DescribeSchema(ctx context.Context, table string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpDescribe); err != nil {
		return nil, err
	}
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(t.schema))
	for k, v := range t.schema {
		out[k] = v
	}
	return out, nil
}

// sorted returns all rows ordered for ref.
func (t *memTable) sorted(ref TableRef) []record.Record {
	pk := ref.PrimaryKey
	if len(pk) == 0 {
		pk = t.pk
	}
	recs := make([]record.Record, 0, len(t.rows))
	for _, row := range t.rows {
		key, err := record.KeyOf(row, pk)
		if err != nil {
			continue
		}
		recs = append(recs, record.Record{Key: key, Fields: copyFields(row)})
	}
	sort.Slice(recs, func(i, j int) bool {
		if ref.TimestampField != "" {
			c := record.Compare(recs[i].Fields[ref.TimestampField], recs[j].Fields[ref.TimestampField])
			if c != 0 {
				return c < 0
			}
		}
		return recs[i].Key.Compare(recs[j].Key) < 0
	})
	return recs
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
