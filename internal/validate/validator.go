// Package validate enforces record-level rules and the schema
// compatibility check that runs once per table pass.
package validate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
)

// CustomFunc is an operator-supplied rule. It returns whether the value is
// valid and, when it is not, why.
type CustomFunc func(ctx context.Context, value any, rec record.Record) (bool, string)

// ReferenceLookup answers foreign-key checks against the written side.
type ReferenceLookup interface {
	Exists(ctx context.Context, table, field string, value any) (bool, error)
}

// Violation is one failed rule.
type Violation struct {
	Field   string
	Rule    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s: %s", v.Field, v.Rule, v.Message)
}

// Violations joins rule failures into one message.
type Violations []Violation

func (vs Violations) Error() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

type Option func(*Validator)

// WithReferences enables foreign_key rules. Lookups are cached.
func WithReferences(l ReferenceLookup, cacheSize int) Option {
	return func(v *Validator) {
		v.refs = l
		if cacheSize > 0 {
			v.refCache, _ = lru.New[string, bool](cacheSize)
		}
	}
}

// WithCustom registers a named custom rule.
func WithCustom(name string, fn CustomFunc) Option {
	return func(v *Validator) { v.custom[name] = fn }
}

// Validator evaluates catalog rules. It is safe for concurrent use.
type Validator struct {
	custom   map[string]CustomFunc
	refs     ReferenceLookup
	refCache *lru.Cache[string, bool]
	tags     *validator.Validate

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func New(opts ...Option) *Validator {
	v := &Validator{
		custom:   map[string]CustomFunc{},
		tags:     validator.New(),
		patterns: map[string]*regexp.Regexp{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Record checks rec against the implied field rules (required, type) and
// the table's validation rules. A nil result means the record is valid.
// Errors are lookups that could not be answered, not rule failures.
func (v *Validator) Record(ctx context.Context, table *catalog.Table, pass store.Direction, rec record.Record) (Violations, error) {
	var out Violations

	for _, f := range table.FieldsFor(pass) {
		val, present := rec.Get(f.Name)
		if required(f) && (!present || val == nil) {
			out = append(out, Violation{Field: f.Name, Rule: catalog.RuleRequired, Message: "value is required"})
			continue
		}
		if f.DataType != "" && val != nil {
			if ct, ok := catalog.CanonicalType(f.DataType); ok && !Conforms(val, ct) {
				out = append(out, Violation{Field: f.Name, Rule: catalog.RuleType, Message: fmt.Sprintf("%v is not a %s", val, ct)})
			}
		}
	}

	for _, r := range table.ValidationRules() {
		if table.HasFieldConfigs() {
			if fc, ok := table.Field(r.Field); ok && !fc.SyncDirection.Includes(pass) {
				continue
			}
		}
		ok, msg, err := v.check(ctx, r, rec)
		if err != nil {
			return nil, fmt.Errorf("rule %s on %s.%s: %w", r.Kind, r.Table, r.Field, err)
		}
		if !ok {
			if r.Message != "" {
				msg = r.Message
			}
			out = append(out, Violation{Field: r.Field, Rule: r.Kind, Message: msg})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func (v *Validator) check(ctx context.Context, r store.ValidationRule, rec record.Record) (bool, string, error) {
	val, present := rec.Get(r.Field)
	if r.Kind == catalog.RuleRequired {
		if !present || val == nil {
			return false, "value is required", nil
		}
		if s, ok := val.(string); ok && strings.TrimSpace(s) == "" {
			return false, "value is empty", nil
		}
		return true, "", nil
	}
	// Other rules only constrain values that are there.
	if val == nil && r.Kind != catalog.RuleCustom {
		return true, "", nil
	}

	switch r.Kind {
	case catalog.RuleType:
		want, ok := catalog.CanonicalType(cast.ToString(r.Params["type"]))
		if !ok {
			return false, "", fmt.Errorf("unknown type %v", r.Params["type"])
		}
		if !Conforms(val, want) {
			return false, fmt.Sprintf("%v is not a %s", val, want), nil
		}
		return true, "", nil
	case catalog.RuleRange:
		return checkRange(val, r.Params)
	case catalog.RulePattern:
		re, err := v.pattern(cast.ToString(r.Params["regex"]))
		if err != nil {
			return false, "", err
		}
		if !re.MatchString(record.Format(val)) {
			return false, fmt.Sprintf("%q does not match %s", record.Format(val), re), nil
		}
		return true, "", nil
	case catalog.RuleEnum:
		values, ok := r.Params["values"].([]any)
		if !ok {
			return false, "", fmt.Errorf("enum needs a values list")
		}
		for _, allowed := range values {
			if record.Equal(val, allowed) {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("%v is not one of %v", val, values), nil
	case catalog.RuleForeignKey:
		return v.checkReference(ctx, val, r.Params)
	case catalog.RuleCustom:
		return v.checkCustom(ctx, val, rec, r.Params)
	}
	return false, "", fmt.Errorf("unknown rule kind %q", r.Kind)
}

func checkRange(val any, params map[string]any) (bool, string, error) {
	cmp := func(bound any) (int, error) {
		if record.IsNumeric(val) || record.IsNumeric(bound) {
			a, okA := record.ToDecimal(val)
			b, okB := record.ToDecimal(bound)
			if !okA || !okB {
				return 0, fmt.Errorf("cannot compare %v with %v", val, bound)
			}
			return a.Cmp(b), nil
		}
		return record.Compare(val, bound), nil
	}
	if lo, ok := params["min"]; ok {
		c, err := cmp(lo)
		if err != nil {
			return false, err.Error(), nil
		}
		if c < 0 {
			return false, fmt.Sprintf("%v is below minimum %v", record.Format(val), lo), nil
		}
	}
	if hi, ok := params["max"]; ok {
		c, err := cmp(hi)
		if err != nil {
			return false, err.Error(), nil
		}
		if c > 0 {
			return false, fmt.Sprintf("%v is above maximum %v", record.Format(val), hi), nil
		}
	}
	return true, "", nil
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	v.patterns[expr] = re
	return re, nil
}

func (v *Validator) checkReference(ctx context.Context, val any, params map[string]any) (bool, string, error) {
	if v.refs == nil {
		return false, "", fmt.Errorf("no reference lookup configured")
	}
	table := cast.ToString(params["table"])
	field := cast.ToString(params["field"])
	if table == "" || field == "" {
		return false, "", fmt.Errorf("foreign_key needs table and field")
	}
	key := table + "\x00" + field + "\x00" + record.Format(val)
	if v.refCache != nil {
		if ok, hit := v.refCache.Get(key); hit {
			return refResult(ok, table, field, val)
		}
	}
	ok, err := v.refs.Exists(ctx, table, field, val)
	if err != nil {
		return false, "", err
	}
	// Only positive answers are cached; a missing parent may arrive later
	// in the same job.
	if ok && v.refCache != nil {
		v.refCache.Add(key, true)
	}
	return refResult(ok, table, field, val)
}

func refResult(ok bool, table, field string, val any) (bool, string, error) {
	if ok {
		return true, "", nil
	}
	return false, fmt.Sprintf("%v not found in %s.%s", record.Format(val), table, field), nil
}

// checkCustom runs a registered function, or a validator tag when the
// rule names one instead, e.g. {tag: "email"}.
func (v *Validator) checkCustom(ctx context.Context, val any, rec record.Record, params map[string]any) (bool, string, error) {
	if name := cast.ToString(params["name"]); name != "" {
		fn, ok := v.custom[name]
		if !ok {
			return false, "", fmt.Errorf("custom rule %q is not registered", name)
		}
		ok, msg := fn(ctx, val, rec)
		return ok, msg, nil
	}
	if tag := cast.ToString(params["tag"]); tag != "" {
		if val == nil {
			return true, "", nil
		}
		if err := v.tags.Var(val, tag); err != nil {
			return false, fmt.Sprintf("%v fails %s", record.Format(val), tag), nil
		}
		return true, "", nil
	}
	return false, "", fmt.Errorf("custom rule needs a name or a tag")
}

// Conforms reports whether a value is acceptable for a canonical type.
func Conforms(val any, canonical string) bool {
	v := record.Normalize(val)
	switch canonical {
	case catalog.TypeInt:
		switch n := v.(type) {
		case int64:
			return true
		case float64:
			return n == float64(int64(n))
		case decimal.Decimal:
			return n.IsInteger()
		case string:
			_, err := cast.ToInt64E(strings.TrimSpace(n))
			return err == nil
		}
	case catalog.TypeFloat, catalog.TypeDecimal:
		_, ok := record.ToDecimal(v)
		_, isBool := v.(bool)
		return ok && !isBool
	case catalog.TypeString:
		_, ok := v.(string)
		return ok
	case catalog.TypeBool:
		switch b := v.(type) {
		case bool:
			return true
		case string:
			_, err := cast.ToBoolE(b)
			return err == nil
		}
	case catalog.TypeDate, catalog.TypeDateTime:
		_, ok := record.ToTime(v)
		return ok
	case catalog.TypeJSON:
		_, err := record.Canonical(v)
		return err == nil
	case catalog.TypeDict:
		_, ok := v.(map[string]any)
		return ok
	case catalog.TypeList:
		_, ok := v.([]any)
		return ok
	}
	return false
}
