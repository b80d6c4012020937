package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

type positions map[string]*store.Position

func (p positions) GetPosition(_ context.Context, table string, dir store.Direction) (*store.Position, error) {
	return p[table+"/"+string(dir)], nil
}

func noSleep() adapter.RetryPolicy {
	p := adapter.DefaultRetryPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func snapshot(t *testing.T, c *store.Catalog) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Build(c)
	require.NoError(t, err)
	return snap
}

func lookupTable(t *testing.T) *catalog.Table {
	snap := snapshot(t, &store.Catalog{Tables: []store.TableConfig{{
		Name: "lookup_code", SyncDirection: store.SourceToTarget, BatchSize: 10,
		PrimaryKeyFields: []string{"code"}, ConflictStrategy: store.StrategySourceWins,
	}}})
	tbl, _ := snap.Table("lookup_code")
	return tbl
}

func propertyTable(t *testing.T) *catalog.Table {
	snap := snapshot(t, &store.Catalog{
		Tables: []store.TableConfig{{
			Name: "property", SyncDirection: store.SourceToTarget, BatchSize: 2, IsIncremental: true,
			PrimaryKeyFields: []string{"id"}, TimestampField: "updated_at", ConflictStrategy: store.StrategySourceWins,
		}},
		Fields: []store.FieldConfig{
			{Table: "property", Name: "id", DataType: "int", IsPrimaryKey: true},
			{Table: "property", Name: "owner", DataType: "str"},
			{Table: "property", Name: "ssn", DataType: "str", IsNullable: true},
			{Table: "property", Name: "updated_at", DataType: "datetime", IsNullable: true},
		},
		SanitizationRules: []store.SanitizationRule{
			{Name: "ssn-mask", Table: "property", Field: "ssn", Strategy: "mask", Enabled: true},
		},
	})
	tbl, _ := snap.Table("property")
	return tbl
}

func drain(t *testing.T, s Stream) []*Batch {
	t.Helper()
	var out []*Batch
	for {
		b, err := s.Next(context.Background())
		require.NoError(t, err)
		if b == nil {
			return out
		}
		out = append(out, b)
	}
}

func seedLookup(t *testing.T, n int) *adapter.Memory {
	m := adapter.NewMemory("source")
	m.CreateTable("lookup_code", []string{"code"}, nil)
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Put("lookup_code", map[string]any{"code": i, "label": "x"}))
	}
	return m
}

func TestModeFor(t *testing.T) {
	inc := propertyTable(t)
	full := lookupTable(t)
	tests := []struct {
		jt     store.JobType
		mode   string
		tbl    *catalog.Table
		want   Mode
		errors bool
	}{
		{store.JobFull, "", inc, ModeFull, false},
		{store.JobIncremental, "", inc, ModeIncremental, false},
		{store.JobIncremental, "", full, ModeFull, false},
		{store.JobDifferential, "", full, ModeDifferential, false},
		{store.JobSelective, "", inc, ModeIncremental, false},
		{store.JobSelective, "full", inc, ModeFull, false},
		{store.JobSelective, "incremental", full, "", true},
		{store.JobSelective, "sideways", full, "", true},
	}
	for _, tt := range tests {
		got, err := ModeFor(tt.jt, store.JobParameters{Mode: tt.mode}, tt.tbl)
		if tt.errors {
			assert.True(t, syncerr.Is(err, syncerr.KindConfig), "%s/%s", tt.jt, tt.mode)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.jt, tt.mode)
	}
}

func TestRefs(t *testing.T) {
	snap := snapshot(t, &store.Catalog{Tables: []store.TableConfig{{
		Name: "property", TargetTable: "assessed_property", SyncDirection: store.Bidirectional, BatchSize: 5,
		PrimaryKeyFields: []string{"id"}, TimestampField: "updated_at", ConflictStrategy: store.StrategySourceWins,
	}}})
	tbl, _ := snap.Table("property")

	read, write := Refs(tbl, store.SourceToTarget, ModeIncremental)
	assert.Equal(t, "property", read.Name)
	assert.Equal(t, "updated_at", read.TimestampField)
	assert.Equal(t, "assessed_property", write.Name)
	assert.Empty(t, write.TimestampField)

	read, write = Refs(tbl, store.TargetToSource, ModeFull)
	assert.Equal(t, "assessed_property", read.Name)
	assert.Empty(t, read.TimestampField)
	assert.Equal(t, "property", write.Name)
}

func TestFullPass_BatchesAndResume(t *testing.T) {
	src := seedLookup(t, 25)
	tbl := lookupTable(t)
	read, _ := Refs(tbl, store.SourceToTarget, ModeFull)
	pass := Pass{Table: tbl, Direction: store.SourceToTarget, Mode: ModeFull, Read: src, ReadRef: read}

	s, err := New(positions{}, noSleep()).Open(context.Background(), pass)
	require.NoError(t, err)
	batches := drain(t, s)
	require.Len(t, batches, 3)
	var sizes []int
	var offsets []int64
	for _, b := range batches {
		sizes = append(sizes, len(b.Records))
		offsets = append(offsets, b.Cursor.Offset)
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Equal(t, []int64{10, 20, 25}, offsets)
	assert.Equal(t, int64(25), s.Stats().Emitted)

	pos := positions{"lookup_code/source_to_target": {Table: "lookup_code", Direction: store.SourceToTarget, Offset: 10}}
	s, err = New(pos, noSleep()).Open(context.Background(), pass)
	require.NoError(t, err)
	batches = drain(t, s)
	require.Len(t, batches, 2)
	assert.Equal(t, record.Key{int64(11)}, batches[0].Records[0].Key)
}

func TestFullPass_EmptyTable(t *testing.T) {
	src := seedLookup(t, 0)
	tbl := lookupTable(t)
	read, _ := Refs(tbl, store.SourceToTarget, ModeFull)
	s, err := New(positions{}, noSleep()).Open(context.Background(), Pass{Table: tbl, Direction: store.SourceToTarget, Mode: ModeFull, Read: src, ReadRef: read})
	require.NoError(t, err)
	assert.Empty(t, drain(t, s))
}

func TestIncrementalPass_FromWatermark(t *testing.T) {
	src := adapter.NewMemory("source")
	src.CreateTable("property", []string{"id"}, nil)
	at := func(s string) time.Time {
		v, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		return v
	}
	require.NoError(t, src.Put("property",
		map[string]any{"id": 1, "owner": "A", "updated_at": at("2025-02-01T10:00:00Z")},
		map[string]any{"id": 2, "owner": "B", "updated_at": at("2024-12-31T00:00:00Z")},
		map[string]any{"id": 3, "owner": "C", "updated_at": nil},
		map[string]any{"id": 4, "owner": "D", "updated_at": at("2025-01-15T00:00:00Z")},
	))
	tbl := propertyTable(t)
	read, _ := Refs(tbl, store.SourceToTarget, ModeIncremental)

	p := &store.Position{Table: "property", Direction: store.SourceToTarget}
	Advance(p, ModeIncremental, adapter.Cursor{Watermark: at("2025-01-01T00:00:00Z")})
	assert.Equal(t, WatermarkTime, p.WatermarkType)

	s, err := New(positions{"property/source_to_target": p}, noSleep()).Open(context.Background(), Pass{
		Table: tbl, Direction: store.SourceToTarget, Mode: ModeIncremental, Read: src, ReadRef: read,
	})
	require.NoError(t, err)
	batches := drain(t, s)
	require.Len(t, batches, 1)
	var got []string
	for _, r := range batches[0].Records {
		got = append(got, r.Key.String())
	}
	assert.Equal(t, []string{"[4]", "[1]"}, got)
	assert.Equal(t, at("2025-02-01T10:00:00Z"), batches[0].Cursor.Watermark)
	assert.Equal(t, record.Key{int64(1)}, batches[0].Cursor.LastKey)
}

func TestPosition_AdvanceAndDecode(t *testing.T) {
	w := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	p := &store.Position{Offset: 7}
	Advance(p, ModeIncremental, adapter.Cursor{Watermark: w, LastKey: record.Key{int64(1)}})
	assert.Equal(t, int64(7), p.Offset, "incremental advance keeps the offset")

	// The state store round-trips the watermark through JSON.
	p.Watermark = "2025-02-01T10:00:00Z"
	cur, err := DecodePosition(p)
	require.NoError(t, err)
	assert.Equal(t, w, cur.Watermark)
	assert.Equal(t, record.Key{int64(1)}, cur.LastKey)

	Advance(p, ModeFull, adapter.Cursor{Offset: 20})
	assert.Equal(t, int64(20), p.Offset)
	assert.Equal(t, WatermarkTime, p.WatermarkType, "full advance keeps the watermark")

	q := &store.Position{}
	Advance(q, ModeIncremental, adapter.Cursor{Watermark: int64(42)})
	q.Watermark = float64(42)
	cur, err = DecodePosition(q)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur.Watermark)

	cur, err = DecodePosition(nil)
	require.NoError(t, err)
	assert.False(t, cur.Started())

	_, err = DecodePosition(&store.Position{LastKey: "not-json"})
	assert.Error(t, err)
}

func TestDifferentialPass(t *testing.T) {
	tbl := propertyTable(t)
	src := adapter.NewMemory("source")
	dst := adapter.NewMemory("target")
	for _, m := range []*adapter.Memory{src, dst} {
		m.CreateTable("property", []string{"id"}, nil)
	}
	require.NoError(t, src.Put("property",
		map[string]any{"id": 1, "owner": "A", "ssn": "123-45-6789"},
		map[string]any{"id": 2, "owner": "B", "ssn": "111-11-1111"},
		map[string]any{"id": 3, "owner": "C"},
		map[string]any{"id": 5, "owner": "E"},
	))
	require.NoError(t, dst.Put("property",
		map[string]any{"id": 1, "owner": "A", "ssn": "***-**-6789"},
		map[string]any{"id": 2, "owner": "Z", "ssn": "***-**-1111"},
		map[string]any{"id": 4, "owner": "D"},
		map[string]any{"id": 5, "owner": "E"},
	))
	read, write := Refs(tbl, store.SourceToTarget, ModeDifferential)
	s, err := New(positions{}, noSleep()).Open(context.Background(), Pass{
		Table: tbl, Direction: store.SourceToTarget, Mode: ModeDifferential,
		Read: src, ReadRef: read, Write: dst, WriteRef: write,
	})
	require.NoError(t, err)

	var got []string
	for _, b := range drain(t, s) {
		for _, r := range b.Records {
			got = append(got, r.Key.String())
		}
	}
	assert.Equal(t, []string{"[2]", "[3]"}, got)
	stats := s.Stats()
	assert.Equal(t, int64(4), stats.Scanned)
	assert.Equal(t, int64(2), stats.Emitted)
	assert.Equal(t, int64(1), stats.TargetOnly)
}

func TestHashFields(t *testing.T) {
	tbl := propertyTable(t)
	assert.Equal(t, []string{"id", "owner", "updated_at"}, HashFields(tbl, store.SourceToTarget, record.Record{}))
	assert.Equal(t, []string{"id", "owner", "ssn", "updated_at"}, HashFields(tbl, store.TargetToSource, record.Record{}))

	r, err := record.New(map[string]any{"code": 1, "label": "x"}, []string{"code"})
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "label"}, HashFields(lookupTable(t), store.SourceToTarget, r))
}

func TestPass_RetriesTransientReads(t *testing.T) {
	src := seedLookup(t, 3)
	src.FailNext(adapter.OpRead, syncerr.Transient("read", errors.New("connection reset")))
	tbl := lookupTable(t)
	read, _ := Refs(tbl, store.SourceToTarget, ModeFull)
	s, err := New(positions{}, noSleep()).Open(context.Background(), Pass{Table: tbl, Direction: store.SourceToTarget, Mode: ModeFull, Read: src, ReadRef: read})
	require.NoError(t, err)
	batches := drain(t, s)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 3)

	src.FailNext(adapter.OpRead, syncerr.Transient("read", errors.New("a")), syncerr.Transient("read", errors.New("b")), syncerr.Transient("read", errors.New("c")))
	s, err = New(positions{}, noSleep()).Open(context.Background(), Pass{Table: tbl, Direction: store.SourceToTarget, Mode: ModeFull, Read: src, ReadRef: read})
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
}
