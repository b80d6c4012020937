package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

func TestExpr(t *testing.T) {
	fields := map[string]any{
		"first":   "ada",
		"last":    "lovelace",
		"address": `{"city":"Lagos","zip":"100001","tags":["a","b"]}`,
		"nothing": nil,
	}
	tests := []struct {
		expr string
		in   any
		want any
	}{
		{"", " x ", " x "},
		{"trim | upper", "  abc ", "ABC"},
		{"title", "hello wORLD", "Hello World"},
		{"int", "42", int64(42)},
		{"int", 42.0, int64(42)},
		{"float", "1.5", 1.5},
		{"decimal | round(1) | string", "2.345", "2.3"},
		{"round", 2.5, 3.0},
		{"bool", "true", true},
		{"date", "2025-02-01T10:00:00Z", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"datetime('02/01/2006')", "17/03/2025", time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)},
		{"field($address) | json('city')", nil, "Lagos"},
		{"field($address) | json('tags')", nil, []any{"a", "b"}},
		{"field($address) | json('missing') | default('n/a')", nil, "n/a"},
		{"replace('-', '')", "123-45", "12345"},
		{"substr(0, 3)", "abcdef", "abc"},
		{"substr(-2)", "abcdef", "ef"},
		{"prefix('P-') | suffix('!')", 7, "P-7!"},
		{"field($first) | concat(' ', $last) | title", nil, "Ada Lovelace"},
		{"coalesce($nothing, $first)", nil, "ada"},
		{"default('x, y')", "", "x, y"},
		{"upper", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := e.Eval(tt.in, fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, src := range []string{
		"nope",
		"trim |",
		"replace('a')",
		"substr(1",
		"prefix('abc)",
		"concat(bare)",
	} {
		_, err := Compile(src)
		assert.Error(t, err, src)
	}
}

func TestEval_Errors(t *testing.T) {
	e, err := Compile("int")
	require.NoError(t, err)
	_, err = e.Eval("4.5", nil)
	assert.Error(t, err)

	e, err = Compile("json")
	require.NoError(t, err)
	_, err = e.Eval("{nope", nil)
	assert.Error(t, err)
}

func propertyTable(t *testing.T) *catalog.Table {
	t.Helper()
	snap, err := catalog.Build(&store.Catalog{
		Tables: []store.TableConfig{{
			Name:             "property",
			SyncDirection:    store.Bidirectional,
			BatchSize:        10,
			PrimaryKeyFields: []string{"id"},
			ConflictStrategy: store.StrategySourceWins,
		}},
		Fields: []store.FieldConfig{
			{Table: "property", Name: "id", DataType: "int", IsPrimaryKey: true, TransformExpression: "int"},
			{Table: "property", Name: "owner", DataType: "str", IsNullable: true, TransformExpression: "trim | upper"},
			{Table: "property", Name: "status", DataType: "str", DefaultValue: "open"},
			{Table: "property", Name: "region", DataType: "str", IsNullable: true, DefaultValue: "north"},
			{Table: "property", Name: "notes", DataType: "str", IsNullable: true, SyncDirection: store.TargetToSource},
		},
	})
	require.NoError(t, err)
	tbl, _ := snap.Table("property")
	return tbl
}

func TestApply_SourceToTarget(t *testing.T) {
	tr := New()
	tbl := propertyTable(t)
	require.NoError(t, tr.Prepare(tbl))

	in, err := record.New(map[string]any{"id": "1", "owner": " a ", "legacy_col": 1, "notes": "x"}, []string{"id"})
	require.NoError(t, err)

	out, err := tr.Apply(tbl, store.SourceToTarget, in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "owner": "A", "status": "open"}, out.Fields)
	assert.Equal(t, record.Key{int64(1)}, out.Key)
	assert.Equal(t, " a ", in.Fields["owner"])
}

func TestApply_ReverseCopiesByName(t *testing.T) {
	tr := New()
	tbl := propertyTable(t)
	in, err := record.New(map[string]any{"id": int64(1), "owner": " b ", "notes": "x", "extra": true}, []string{"id"})
	require.NoError(t, err)

	out, err := tr.Apply(tbl, store.TargetToSource, in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "owner": " b ", "notes": "x"}, out.Fields)
}

func TestApply_Errors(t *testing.T) {
	tr := New()
	tbl := propertyTable(t)
	in, err := record.New(map[string]any{"id": "x1"}, []string{"id"})
	require.NoError(t, err)

	_, err = tr.Apply(tbl, store.SourceToTarget, in)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))

	snap, err := catalog.Build(&store.Catalog{
		Tables: []store.TableConfig{{Name: "t", SyncDirection: store.SourceToTarget, BatchSize: 1, PrimaryKeyFields: []string{"id"}, ConflictStrategy: store.StrategySourceWins}},
		Fields: []store.FieldConfig{{Table: "t", Name: "id", IsPrimaryKey: true, TransformExpression: "bogus()"}},
	})
	require.NoError(t, err)
	bad, _ := snap.Table("t")
	err = tr.Prepare(bad)
	assert.True(t, syncerr.Is(err, syncerr.KindConfig))
}
