package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// DomainRow separates row hashes from any other SHA-256 use.
// The version suffix allows the algorithm to change without collisions.
const DomainRow = "assessment-sync/row/v1"

// Canonical encodes v deterministically: object keys sorted, strings NFC
// normalized without HTML escaping, numbers as shortest decimal strings,
// times as RFC 3339 UTC strings.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := Normalize(v).(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		buf.WriteString(decimal.NewFromFloat(val).String())
	case decimal.Decimal:
		buf.WriteString(val.String())
	case string:
		return writeString(buf, val)
	case time.Time:
		return writeString(buf, val.Format(time.RFC3339Nano))
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case Key:
		return writeCanonical(buf, []any(val))
	default:
		return fmt.Errorf("unsupported type for canonical encoding: %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// Encoder appends a newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// HashWithDomain computes SHA256(domain || 0x00 || data) as hex.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RowHash hashes the named fields of a payload. Fields missing from the
// payload hash as null so both sides of a comparison agree on the shape.
func RowHash(fields map[string]any, names []string) (string, error) {
	proj := make(map[string]any, len(names))
	for _, n := range names {
		proj[n] = fields[n]
	}
	b, err := Canonical(proj)
	if err != nil {
		return "", fmt.Errorf("row hash: %w", err)
	}
	return HashWithDomain(DomainRow, b), nil
}
