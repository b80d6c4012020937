package record

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	fields := map[string]any{"id": 1, "code": []byte("A"), "name": "x"}

	key, err := KeyOf(fields, []string{"id", "code"})
	require.NoError(t, err)
	assert.Equal(t, `[1,"A"]`, key.String())

	_, err = KeyOf(fields, []string{"missing"})
	assert.Error(t, err)

	_, err = KeyOf(map[string]any{"id": nil}, []string{"id"})
	assert.Error(t, err)

	_, err = KeyOf(fields, nil)
	assert.Error(t, err)
}

func TestKey_StringStableAcrossTypes(t *testing.T) {
	a := Key{int32(7), "x"}
	b := Key{int64(7), []byte("x")}
	assert.Equal(t, Normalize(b[1]), "x")
	assert.Equal(t, a.String(), Key{Normalize(b[0]), Normalize(b[1])}.String())
}

func TestParseKey_RoundTrip(t *testing.T) {
	key := Key{int64(42), "b", true}
	parsed, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	empty, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestKey_Compare(t *testing.T) {
	assert.Equal(t, -1, Key{int64(2)}.Compare(Key{int64(10)}))
	assert.Equal(t, 1, Key{int64(1), "b"}.Compare(Key{int64(1), "a"}))
	assert.Equal(t, 0, Key{int64(3)}.Compare(Key{3.0}))
	assert.Equal(t, -1, Key{int64(1)}.Compare(Key{int64(1), "a"}))
}

func TestRecord_GetDistinguishesMissingFromNull(t *testing.T) {
	r := Record{Fields: map[string]any{"a": nil}}

	v, ok := r.Get("a")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = r.Get("b")
	assert.False(t, ok)
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := Record{Key: Key{int64(1)}, Fields: map[string]any{"a": "x"}}
	c := r.Clone()
	c.Fields["a"] = "y"
	c.Key[0] = int64(2)

	assert.Equal(t, "x", r.Fields["a"])
	assert.Equal(t, int64(1), r.Key[0])
}

func TestEqual(t *testing.T) {
	ts := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int vs float", 300000, 300000.0, true},
		{"int vs decimal", int64(5), decimal.RequireFromString("5.00"), true},
		{"numbers differ", 1, 2, false},
		{"time vs string", ts, "2025-02-01T10:00:00Z", true},
		{"time vs other zone", ts, ts.In(time.FixedZone("x", 3600)), true},
		{"bytes vs string", []byte("A"), "A", true},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, "", false},
		{"maps", map[string]any{"a": 1}, map[string]any{"a": int64(1)}, true},
		{"string vs number", "1", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(nil, 1))
	assert.Equal(t, 1, Compare("2025-03-01", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, -1, Compare("a", "b"))
	assert.Equal(t, 0, Compare(2.5, decimal.RequireFromString("2.50")))
}

func TestDiffFields(t *testing.T) {
	src := map[string]any{"id": 1, "owner": "A", "value": 10}
	dst := map[string]any{"id": int64(1), "owner": "B", "extra": true}
	assert.Equal(t, []string{"owner", "value"}, DiffFields(src, dst))
}

func TestPayloadRoundTrip(t *testing.T) {
	r := Record{Fields: map[string]any{
		"id":    1,
		"owner": "A",
		"value": 1.5,
		"tags":  []any{"x"},
		"null":  nil,
	}}
	b, err := r.MarshalPayload()
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"null":null,"owner":"A","tags":["x"],"value":1.5}`, string(b))

	back, err := UnmarshalPayload(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), back["id"])
	assert.Equal(t, 1.5, back["value"])
	assert.Nil(t, back["null"])
	assert.Contains(t, back, "null")
}

func TestCanonical_NoHTMLEscapingAndNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	b, err := Canonical(map[string]any{"b": "<&>", "a": "e\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"\u00e9\",\"b\":\"<&>\"}", string(b))
}

func TestRowHash_StableAndFieldScoped(t *testing.T) {
	a := map[string]any{"id": 1, "owner": "A", "ignored": "x"}
	b := map[string]any{"owner": "A", "id": int64(1), "ignored": "y"}

	ha, err := RowHash(a, []string{"id", "owner"})
	require.NoError(t, err)
	hb, err := RowHash(b, []string{"owner", "id"})
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	hc, err := RowHash(map[string]any{"id": 1, "owner": "B"}, []string{"id", "owner"})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestFilter_Match(t *testing.T) {
	row := map[string]any{"id": int64(5), "region": "north", "closed_at": nil}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", nil, true},
		{"eq", Filter{{Field: "region", Op: OpEq, Value: "north"}}, true},
		{"gt", Filter{{Field: "id", Op: OpGt, Value: 3.0}}, true},
		{"lte false", Filter{{Field: "id", Op: OpLte, Value: 4}}, false},
		{"in", Filter{{Field: "region", Op: OpIn, Value: []any{"south", "north"}}}, true},
		{"is null", Filter{{Field: "closed_at", Op: OpIsNull}}, true},
		{"missing is null", Filter{{Field: "nope", Op: OpIsNull}}, true},
		{"not null", Filter{{Field: "closed_at", Op: OpNotNull}}, false},
		{"null never compares", Filter{{Field: "closed_at", Op: OpNe, Value: "x"}}, false},
		{"conjunction", Filter{
			{Field: "region", Op: OpEq, Value: "north"},
			{Field: "id", Op: OpLt, Value: 5},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(row))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{{Field: "a", Op: OpIsNull}}.Validate())
	assert.Error(t, Filter{{Field: "", Op: OpEq, Value: 1}}.Validate())
	assert.Error(t, Filter{{Field: "a", Op: "~", Value: 1}}.Validate())
	assert.Error(t, Filter{{Field: "a", Op: OpIn, Value: "x"}}.Validate())
	assert.Error(t, Filter{{Field: "a", Op: OpGt}}.Validate())
}
