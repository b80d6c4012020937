// Package sanitize rewrites sensitive fields before they leave the source.
// Every rule application produces a SanitizationLog row, including the
// applications that leave the value untouched.
package sanitize

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// hashInfo namespaces HKDF output so keys derived here never collide with
// other uses of the same salt.
const hashInfo = "assessment-sync/sanitize/hash/v1"

const contextUnchanged = "value unchanged"

type Option func(*Engine)

// WithRand fixes the randomness source used by the randomize strategy.
func WithRand(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

// WithClock overrides the timestamp stamped on log rows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies a table's sanitization rules to records. It is safe for
// concurrent use.
type Engine struct {
	salt []byte
	now  func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	keys map[string][]byte
}

func NewEngine(salt string, opts ...Option) *Engine {
	e := &Engine{
		salt: []byte(salt),
		now:  func() time.Time { return time.Now().UTC() },
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		keys: map[string][]byte{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply sanitizes every field of rec that carries an enabled rule. The
// input record is not modified. A rule that cannot be applied to this
// value is logged and skipped; any other failure is returned and the
// record must not be written.
func (e *Engine) Apply(jobID string, table *catalog.Table, rec record.Record) (record.Record, []*store.SanitizationLog, error) {
	fields := table.SanitizedFields()
	if len(fields) == 0 {
		return rec, nil, nil
	}
	out := rec.Clone()
	logs := make([]*store.SanitizationLog, 0, len(fields))
	key := rec.Key.String()
	for _, name := range fields {
		rule, _ := table.SanitizationRule(name)
		entry := &store.SanitizationLog{
			JobID:     jobID,
			Table:     table.Name,
			Field:     name,
			RecordKey: key,
			Strategy:  rule.Strategy,
			CreatedAt: e.now(),
		}
		logs = append(logs, entry)

		v, present := out.Get(name)
		if !present {
			entry.Context = "field not present in record"
			continue
		}
		nullable, dataType := true, ""
		if fc, ok := table.Field(name); ok {
			nullable = fc.IsNullable
			dataType, _ = catalog.CanonicalType(fc.DataType)
		}

		nv, err := e.Value(table.Name, rule, dataType, nullable, v)
		if err != nil {
			if !NotApplied(err) {
				return record.Record{}, logs, &syncerr.Error{Kind: syncerr.KindSanitization, Op: "sanitize", Table: table.Name, Field: name, Err: err}
			}
			entry.Context = err.Error()
			continue
		}
		entry.WasModified = !record.Equal(v, nv)
		if !entry.WasModified {
			entry.Context = contextUnchanged
		}
		out.Fields[name] = nv
	}
	return out, logs, nil
}

// Skipped reports whether a log entry records a rule that was not applied,
// as opposed to one that ran and happened to keep the value.
func Skipped(l *store.SanitizationLog) bool {
	return !l.WasModified && l.Context != contextUnchanged
}

// Value applies one rule to one value. A NotApplied error means the value
// is kept as is and the message explains why. Any other error is a broken
// rule.
func (e *Engine) Value(table string, rule store.SanitizationRule, dataType string, nullable bool, v any) (any, error) {
	params := rule.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if rule.Strategy == catalog.StrategyNullify {
		if !nullable {
			return nil, notApplied("field is not nullable")
		}
		return nil, nil
	}
	if v == nil {
		return nil, notApplied("value is null")
	}

	switch rule.Strategy {
	case catalog.StrategyMask:
		return mask(v, params)
	case catalog.StrategyFullMask:
		return fullMask(v, params)
	case catalog.StrategyHash:
		key, err := e.fieldKey(table, rule.Field, stringParam(params, "", "salt"))
		if err != nil {
			return nil, err
		}
		return hashValue(key, v, params)
	case catalog.StrategyApproximate:
		return approximate(v, params)
	case catalog.StrategyRandomize:
		e.mu.Lock()
		defer e.mu.Unlock()
		return randomize(e.rng, dataType, v, params)
	}
	return nil, fmt.Errorf("unknown strategy %q", rule.Strategy)
}

// fieldKey derives the HMAC key for (table, field) from the engine salt.
func (e *Engine) fieldKey(table, field, ruleSalt string) ([]byte, error) {
	id := table + "\x00" + field + "\x00" + ruleSalt
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.keys[id]; ok {
		return k, nil
	}
	r := hkdf.New(sha256.New, e.salt, []byte(ruleSalt), []byte(hashInfo+"\x00"+table+"\x00"+field))
	k := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("derive hash key: %w", err)
	}
	e.keys[id] = k
	return k, nil
}

// NotApplied reports whether err only means the rule was skipped.
func NotApplied(err error) bool {
	var na errNotApplied
	return errors.As(err, &na)
}
