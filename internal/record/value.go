package record

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Normalize maps driver and decoder output onto the small set of value types
// the engine works with: nil, string, bool, int64, float64, decimal.Decimal,
// time.Time (UTC), map[string]any and []any.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case string, bool, int64, float64, decimal.Decimal:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		if val > 1<<63-1 {
			return decimal.NewFromBigInt(new(big.Int).SetUint64(val), 0)
		}
		return int64(val)
	case float32:
		return float64(val)
	case json.Number:
		return fromJSON(val)
	case time.Time:
		return val.UTC()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC()
	case map[string]any, []any:
		return val
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return v
}

// IsNumeric reports whether v is a number after normalization.
func IsNumeric(v any) bool {
	switch Normalize(v).(type) {
	case int64, float64, decimal.Decimal:
		return true
	}
	return false
}

// ToDecimal converts numbers and numeric strings to a decimal.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch val := Normalize(v).(type) {
	case int64:
		return decimal.NewFromInt(val), true
	case float64:
		return decimal.NewFromFloat(val), true
	case decimal.Decimal:
		return val, true
	case bool:
		if val {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// ToTime converts times and time-like strings to a UTC time.
func ToTime(v any) (time.Time, bool) {
	switch val := Normalize(v).(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val, true
	case string:
		if strings.TrimSpace(val) == "" {
			return time.Time{}, false
		}
		t, err := cast.ToTimeInDefaultLocationE(val, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// Equal compares two values semantically: numbers by value, times by
// instant (strings that parse as times compare against times), structured
// values by canonical encoding.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if IsNumeric(a) && IsNumeric(b) {
		da, _ := ToDecimal(a)
		db, _ := ToDecimal(b)
		return da.Equal(db)
	}
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		ta, okA := ToTime(a)
		tb, okB := ToTime(b)
		return okA && okB && ta.Equal(tb)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ca) == string(cb)
}

// Compare orders values: nil first, then numbers, times, and everything
// else by its string form.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if IsNumeric(a) && IsNumeric(b) {
		da, _ := ToDecimal(a)
		db, _ := ToDecimal(b)
		return da.Cmp(db)
	}
	ta, aTime := a.(time.Time)
	tb, bTime := b.(time.Time)
	if aTime && bTime {
		return ta.Compare(tb)
	}
	if aTime || bTime {
		if ta, ok := ToTime(a); ok {
			if tb, ok := ToTime(b); ok {
				return ta.Compare(tb)
			}
		}
	}
	return strings.Compare(Format(a), Format(b))
}

// Format renders a value as a plain string (no JSON quoting).
func Format(v any) string {
	switch val := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case decimal.Decimal:
		return val.String()
	case float64:
		return decimal.NewFromFloat(val).String()
	case map[string]any, []any:
		b, err := Canonical(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// DiffFields returns the names of fields in src whose value differs from dst.
// Fields missing from dst count as different; fields only in dst are ignored.
func DiffFields(src, dst map[string]any) []string {
	var diff []string
	for name, sv := range src {
		dv, ok := dst[name]
		if !ok || !Equal(sv, dv) {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}
