package detect

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
)

// Watermark type tags persisted next to the value so it binds back with
// the type it was read as.
const (
	WatermarkTime    = "time"
	WatermarkInt     = "int"
	WatermarkFloat   = "float"
	WatermarkDecimal = "decimal"
	WatermarkString  = "string"
)

// Advance writes a committed cursor into p. Full passes touch only the
// offset and incremental passes only the watermark tuple, so a full run
// never rewinds an incremental cursor.
func Advance(p *store.Position, mode Mode, cur adapter.Cursor) {
	switch mode {
	case ModeFull:
		p.Offset = cur.Offset
		return
	case ModeDifferential:
		return
	}
	p.LastKey = ""
	if len(cur.LastKey) > 0 {
		p.LastKey = cur.LastKey.String()
	}
	p.Watermark, p.WatermarkType = nil, ""
	switch w := record.Normalize(cur.Watermark).(type) {
	case nil:
	case time.Time:
		p.Watermark, p.WatermarkType = w.UTC().Format(time.RFC3339Nano), WatermarkTime
	case int64:
		p.Watermark, p.WatermarkType = w, WatermarkInt
	case float64:
		p.Watermark, p.WatermarkType = w, WatermarkFloat
	case decimal.Decimal:
		p.Watermark, p.WatermarkType = w.String(), WatermarkDecimal
	default:
		p.Watermark, p.WatermarkType = record.Format(w), WatermarkString
	}
}

// DecodePosition restores the cursor of a persisted position. A nil
// position is the start of the table.
func DecodePosition(p *store.Position) (adapter.Cursor, error) {
	if p == nil {
		return adapter.Cursor{}, nil
	}
	cur := adapter.Cursor{Offset: p.Offset}
	if p.LastKey != "" {
		k, err := record.ParseKey(p.LastKey)
		if err != nil {
			return adapter.Cursor{}, err
		}
		cur.LastKey = k
	}
	if p.Watermark == nil {
		return cur, nil
	}
	switch p.WatermarkType {
	case WatermarkTime:
		t, ok := record.ToTime(p.Watermark)
		if !ok {
			return adapter.Cursor{}, fmt.Errorf("position %s/%s: bad time watermark %v", p.Table, p.Direction, p.Watermark)
		}
		cur.Watermark = t
	case WatermarkInt:
		i, err := cast.ToInt64E(p.Watermark)
		if err != nil {
			return adapter.Cursor{}, fmt.Errorf("position %s/%s: %w", p.Table, p.Direction, err)
		}
		cur.Watermark = i
	case WatermarkFloat:
		cur.Watermark = cast.ToFloat64(p.Watermark)
	case WatermarkDecimal:
		d, ok := record.ToDecimal(p.Watermark)
		if !ok {
			return adapter.Cursor{}, fmt.Errorf("position %s/%s: bad decimal watermark %v", p.Table, p.Direction, p.Watermark)
		}
		cur.Watermark = d
	default:
		cur.Watermark = record.Format(p.Watermark)
	}
	return cur, nil
}
