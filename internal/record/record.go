// Package record defines the unit of data moved by the sync engine and the
// value semantics (normalization, equality, ordering, hashing) every stage
// relies on.
//
// A Record distinguishes a field that is absent from the payload from a field
// that is present with a null value: Get reports presence explicitly, and
// stages treat missing columns as a first-class condition.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Record is one row keyed by its primary-key values.
type Record struct {
	Key    Key
	Fields map[string]any
}

// New builds a record from fields, deriving the key from pkFields.
func New(fields map[string]any, pkFields []string) (Record, error) {
	key, err := KeyOf(fields, pkFields)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Fields: fields}, nil
}

// Get returns the value of field and whether the field is present at all.
// A present field may still hold nil (SQL NULL).
func (r Record) Get(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Has reports whether field is present in the payload.
func (r Record) Has(field string) bool {
	_, ok := r.Fields[field]
	return ok
}

// Clone returns a copy whose field map can be mutated independently.
// Nested maps and slices are shared.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	key := make(Key, len(r.Key))
	copy(key, r.Key)
	return Record{Key: key, Fields: fields}
}

// FieldNames returns the payload's field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Project returns a copy restricted to names. Names absent from r stay absent.
func (r Record) Project(names []string) Record {
	fields := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := r.Fields[n]; ok {
			fields[n] = v
		}
	}
	return Record{Key: r.Key, Fields: fields}
}

// MarshalPayload encodes the fields as canonical JSON for persistence.
func (r Record) MarshalPayload() ([]byte, error) {
	return Canonical(r.Fields)
}

// UnmarshalPayload decodes a JSON object produced by MarshalPayload.
// Integral numbers decode to int64, other numbers to float64.
func UnmarshalPayload(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = fromJSON(v)
	}
	return out, nil
}

// Key is the ordered list of primary-key values of a record.
type Key []any

// KeyOf extracts the key for pkFields from fields. Every key field must be
// present and non-null.
func KeyOf(fields map[string]any, pkFields []string) (Key, error) {
	if len(pkFields) == 0 {
		return nil, fmt.Errorf("no primary key fields")
	}
	key := make(Key, len(pkFields))
	for i, f := range pkFields {
		v, ok := fields[f]
		if !ok {
			return nil, fmt.Errorf("primary key field %q missing", f)
		}
		if v == nil {
			return nil, fmt.Errorf("primary key field %q is null", f)
		}
		key[i] = Normalize(v)
	}
	return key, nil
}

// String renders the key as a canonical JSON array, e.g. [1] or [1,"a"].
// Equal keys render identically regardless of the Go types involved.
func (k Key) String() string {
	vals := make([]any, len(k))
	copy(vals, k)
	b, err := Canonical(vals)
	if err != nil {
		return fmt.Sprint([]any(k))
	}
	return string(b)
}

// Compare orders keys element by element using value ordering.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

// ParseKey decodes the output of Key.String.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}
	key := make(Key, len(raw))
	for i, v := range raw {
		key[i] = fromJSON(v)
	}
	return key, nil
}

func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, e := range val {
			val[k] = fromJSON(e)
		}
		return val
	case []any:
		for i, e := range val {
			val[i] = fromJSON(e)
		}
		return val
	default:
		return v
	}
}

// DecodeJSON decodes any JSON document with the same number handling as
// UnmarshalPayload.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return fromJSON(v), nil
}
