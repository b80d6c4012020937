package sanitize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
)

const (
	defaultVisible  = 4
	defaultMaskChar = "*"
	defaultToken    = "********"
	defaultBucket   = 1000
)

// errNotApplied reports that a strategy left the value untouched.
type errNotApplied struct{ reason string }

func (e errNotApplied) Error() string { return e.reason }

func notApplied(format string, args ...any) error {
	return errNotApplied{reason: fmt.Sprintf(format, args...)}
}

func intParam(params map[string]any, def int, names ...string) (int, error) {
	for _, n := range names {
		if v, ok := params[n]; ok {
			i, err := cast.ToIntE(v)
			if err != nil {
				return 0, fmt.Errorf("parameter %s: %w", n, err)
			}
			return i, nil
		}
	}
	return def, nil
}

func stringParam(params map[string]any, def string, names ...string) string {
	for _, n := range names {
		if v, ok := params[n]; ok {
			if s := cast.ToString(v); s != "" {
				return s
			}
		}
	}
	return def
}

// mask keeps the last N characters and replaces every letter or digit
// before them with the mask character. Separators keep their position.
// Values no longer than N are masked completely.
func mask(v any, params map[string]any) (any, error) {
	visible, err := intParam(params, defaultVisible, "last", "visible")
	if err != nil {
		return nil, err
	}
	if visible < 0 {
		return nil, fmt.Errorf("parameter last must not be negative")
	}
	char := []rune(stringParam(params, defaultMaskChar, "char", "mask_char"))[0]

	runes := []rune(record.Format(v))
	keepFrom := len(runes) - visible
	if keepFrom <= 0 {
		keepFrom = len(runes)
	}
	for i := 0; i < keepFrom; i++ {
		if unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) {
			runes[i] = char
		}
	}
	return string(runes), nil
}

func fullMask(_ any, params map[string]any) (any, error) {
	return stringParam(params, defaultToken, "token"), nil
}

// hashValue is HMAC-SHA256 keyed per (table, field), rendered as hex.
func hashValue(key []byte, v any, params map[string]any) (any, error) {
	length, err := intParam(params, sha256.Size*2, "length")
	if err != nil {
		return nil, err
	}
	if length < catalog.MinHashLength || length > catalog.MaxHashLength {
		return nil, fmt.Errorf("parameter length must be between %d and %d", catalog.MinHashLength, catalog.MaxHashLength)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(record.Format(v)))
	return hex.EncodeToString(mac.Sum(nil))[:length], nil
}

// approximate snaps numbers to the nearest bucket multiple and truncates
// times to a granularity.
func approximate(v any, params map[string]any) (any, error) {
	if record.IsNumeric(v) || isNumericString(v) {
		return approximateNumber(v, params)
	}
	if t, ok := record.ToTime(v); ok {
		gran := stringParam(params, "day", "granularity")
		out, err := truncateTime(t, gran)
		if err != nil {
			return nil, err
		}
		if _, isString := v.(string); isString {
			return out.Format(time.RFC3339), nil
		}
		return out, nil
	}
	return nil, notApplied("approximate needs a number or timestamp, got %T", v)
}

func isNumericString(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := decimal.NewFromString(strings.TrimSpace(s))
	return err == nil
}

func approximateNumber(v any, params map[string]any) (any, error) {
	bucket := decimal.NewFromInt(defaultBucket)
	if raw, ok := params["bucket"]; ok {
		b, ok := record.ToDecimal(raw)
		if !ok || !b.IsPositive() {
			return nil, fmt.Errorf("parameter bucket must be a positive number")
		}
		bucket = b
	}
	d, _ := record.ToDecimal(v)
	snapped := d.Div(bucket).Round(0).Mul(bucket)

	switch record.Normalize(v).(type) {
	case int64:
		if snapped.IsInteger() {
			return snapped.IntPart(), nil
		}
		return snapped, nil
	case float64:
		return snapped.InexactFloat64(), nil
	case string:
		return snapped.String(), nil
	default:
		return snapped, nil
	}
}

func truncateTime(t time.Time, granularity string) (time.Time, error) {
	switch strings.ToLower(granularity) {
	case "second":
		return t.Truncate(time.Second), nil
	case "minute":
		return t.Truncate(time.Minute), nil
	case "hour":
		return t.Truncate(time.Hour), nil
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case "year":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unknown granularity %q", granularity)
}

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomize draws a replacement of the field's type. dataType is the
// canonical type tag when the field is declared, otherwise empty.
func randomize(rng *rand.Rand, dataType string, v any, params map[string]any) (any, error) {
	if dataType == "" {
		dataType = inferType(v)
	}
	switch dataType {
	case catalog.TypeInt:
		lo, err := intParam(params, 0, "min")
		if err != nil {
			return nil, err
		}
		hi, err := intParam(params, 1_000_000, "max")
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("parameter max is below min")
		}
		return randomInt(rng, int64(lo), int64(hi)), nil
	case catalog.TypeFloat, catalog.TypeDecimal:
		lo := cast.ToFloat64(params["min"])
		hi := 1_000_000.0
		if raw, ok := params["max"]; ok {
			hi = cast.ToFloat64(raw)
		}
		if hi < lo {
			return nil, fmt.Errorf("parameter max is below min")
		}
		f := lo + rng.Float64()*(hi-lo)
		if dataType == catalog.TypeDecimal {
			return decimal.NewFromFloat(f).Round(2), nil
		}
		return f, nil
	case catalog.TypeBool:
		return rng.IntN(2) == 1, nil
	case catalog.TypeDate, catalog.TypeDateTime:
		spread, err := intParam(params, 365, "spread_days")
		if err != nil {
			return nil, err
		}
		if spread < 0 || spread > catalog.MaxSpreadDays {
			return nil, fmt.Errorf("parameter spread_days must be between 0 and %d", catalog.MaxSpreadDays)
		}
		base, ok := record.ToTime(v)
		if !ok {
			base = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		offset := time.Duration(rng.Int64N(int64(2*spread+1))-int64(spread)) * 24 * time.Hour
		out := base.Add(offset)
		if dataType == catalog.TypeDate {
			out = time.Date(out.Year(), out.Month(), out.Day(), 0, 0, 0, 0, time.UTC)
		}
		return out, nil
	case catalog.TypeString:
		n, err := intParam(params, len([]rune(record.Format(v))), "length")
		if err != nil {
			return nil, err
		}
		if n < 0 || n > catalog.MaxRandomLength {
			return nil, fmt.Errorf("parameter length must be between 0 and %d", catalog.MaxRandomLength)
		}
		if n == 0 {
			n = 8
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = randomAlphabet[rng.IntN(len(randomAlphabet))]
		}
		return string(b), nil
	}
	return nil, notApplied("randomize does not support type %q", dataType)
}

// randomInt draws uniformly from [lo, hi] without overflowing on wide
// ranges. hi must not be below lo.
func randomInt(rng *rand.Rand, lo, hi int64) int64 {
	span := uint64(hi) - uint64(lo)
	if span == math.MaxUint64 {
		return int64(rng.Uint64())
	}
	return int64(uint64(lo) + rng.Uint64N(span+1))
}

func inferType(v any) string {
	switch record.Normalize(v).(type) {
	case int64:
		return catalog.TypeInt
	case float64:
		return catalog.TypeFloat
	case decimal.Decimal:
		return catalog.TypeDecimal
	case bool:
		return catalog.TypeBool
	case time.Time:
		return catalog.TypeDateTime
	case string:
		return catalog.TypeString
	}
	return ""
}
