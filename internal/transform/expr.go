package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"assessment-sync/internal/record"
)

// arg is one filter argument: a literal or a reference to another field.
type arg struct {
	literal any
	field   string
}

func (a arg) eval(fields map[string]any) any {
	if a.field != "" {
		return fields[a.field]
	}
	return a.literal
}

type stage struct {
	name string
	args []arg
	fn   filterFunc
}

type filterFunc func(v any, args []any) (any, error)

// Expr is a compiled transform expression: filters separated by "|",
// applied left to right to the field value, e.g.
//
//	trim | upper
//	field($first_name) | concat(' ', $last_name)
//	json('address.city') | default('unknown')
//
// String literals use single or double quotes; $name reads another field
// of the source record.
type Expr struct {
	src    string
	stages []stage
}

func (e *Expr) String() string { return e.src }

// Eval runs the expression on v with fields as the source record.
func (e *Expr) Eval(v any, fields map[string]any) (any, error) {
	for _, st := range e.stages {
		args := make([]any, len(st.args))
		for i, a := range st.args {
			args[i] = a.eval(fields)
		}
		out, err := st.fn(v, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.name, err)
		}
		v = out
	}
	return v, nil
}

type filterDef struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               filterFunc
}

var filters = map[string]filterDef{
	"trim":     {0, 0, strFilter(strings.TrimSpace)},
	"upper":    {0, 0, strFilter(strings.ToUpper)},
	"lower":    {0, 0, strFilter(strings.ToLower)},
	"title":    {0, 0, strFilter(titleCase)},
	"string":   {0, 0, toString},
	"int":      {0, 0, toInt},
	"float":    {0, 0, toFloat},
	"decimal":  {0, 0, toDecimal},
	"bool":     {0, 0, toBool},
	"date":     {0, 1, toDate},
	"datetime": {0, 1, toDateTime},
	"json":     {0, 1, jsonPath},
	"replace":  {2, 2, replace},
	"default":  {1, 1, defaultValue},
	"substr":   {1, 2, substr},
	"round":    {0, 1, round},
	"prefix":   {1, 1, prefix},
	"suffix":   {1, 1, suffix},
	"concat":   {1, -1, concat},
	"coalesce": {1, -1, coalesce},
	"field":    {1, 1, func(_ any, args []any) (any, error) { return args[0], nil }},
}

// Compile parses an expression. An empty expression is the identity.
func Compile(src string) (*Expr, error) {
	e := &Expr{src: src}
	parts, err := splitOutsideQuotes(src, '|')
	if err != nil {
		return nil, err
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			if len(parts) == 1 {
				return e, nil
			}
			return nil, fmt.Errorf("empty filter in %q", src)
		}
		st, err := parseStage(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", src, err)
		}
		e.stages = append(e.stages, st)
	}
	return e, nil
}

func parseStage(s string) (stage, error) {
	name, rest := s, ""
	if i := strings.IndexByte(s, '('); i >= 0 {
		if !strings.HasSuffix(s, ")") {
			return stage{}, fmt.Errorf("unclosed argument list in %q", s)
		}
		name, rest = strings.TrimSpace(s[:i]), s[i+1:len(s)-1]
	}
	def, ok := filters[name]
	if !ok {
		return stage{}, fmt.Errorf("unknown filter %q", name)
	}
	var args []arg
	if strings.TrimSpace(rest) != "" {
		raw, err := splitOutsideQuotes(rest, ',')
		if err != nil {
			return stage{}, err
		}
		for _, r := range raw {
			a, err := parseArg(strings.TrimSpace(r))
			if err != nil {
				return stage{}, fmt.Errorf("%s: %w", name, err)
			}
			args = append(args, a)
		}
	}
	if len(args) < def.minArgs || (def.maxArgs >= 0 && len(args) > def.maxArgs) {
		return stage{}, fmt.Errorf("%s: wrong number of arguments (%d)", name, len(args))
	}
	return stage{name: name, args: args, fn: def.fn}, nil
}

func parseArg(s string) (arg, error) {
	switch {
	case s == "":
		return arg{}, fmt.Errorf("empty argument")
	case strings.HasPrefix(s, "$"):
		name := s[1:]
		if name == "" {
			return arg{}, fmt.Errorf("empty field reference")
		}
		return arg{field: name}, nil
	case s[0] == '\'' || s[0] == '"':
		if len(s) < 2 || s[len(s)-1] != s[0] {
			return arg{}, fmt.Errorf("unterminated string %s", s)
		}
		return arg{literal: s[1 : len(s)-1]}, nil
	case s == "null":
		return arg{}, nil
	case s == "true" || s == "false":
		return arg{literal: s == "true"}, nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return arg{literal: i}, nil
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return arg{literal: d}, nil
	}
	return arg{}, fmt.Errorf("cannot parse argument %q", s)
}

func splitOutsideQuotes(s string, sep rune) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		quote rune
		depth int
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == sep && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string in %q", s)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in %q", s)
	}
	return append(parts, cur.String()), nil
}

func strFilter(fn func(string) string) filterFunc {
	return func(v any, _ []any) (any, error) {
		if v == nil {
			return nil, nil
		}
		s, ok := record.Normalize(v).(string)
		if !ok {
			return v, nil
		}
		return fn(s), nil
	}
}

func titleCase(s string) string {
	prev := ' '
	return strings.Map(func(r rune) rune {
		out := unicode.ToLower(r)
		if unicode.IsSpace(prev) {
			out = unicode.ToUpper(r)
		}
		prev = r
		return out
	}, s)
}

func toString(v any, _ []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return record.Format(v), nil
}

func toInt(v any, _ []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := record.ToDecimal(v); ok {
		if !d.IsInteger() {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return d.IntPart(), nil
	}
	return cast.ToInt64E(v)
}

func toFloat(v any, _ []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := record.ToDecimal(v); ok {
		return d.InexactFloat64(), nil
	}
	return cast.ToFloat64E(v)
}

func toDecimal(v any, _ []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	d, ok := record.ToDecimal(v)
	if !ok {
		return nil, fmt.Errorf("%v is not a number", v)
	}
	return d, nil
}

func toBool(v any, _ []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return cast.ToBoolE(record.Normalize(v))
}

// parseTime reads v, with an optional Go layout as the first argument.
func parseTime(v any, args []any) (time.Time, error) {
	if len(args) == 1 {
		if s, ok := v.(string); ok {
			layout := cast.ToString(args[0])
			t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC)
			if err != nil {
				return time.Time{}, err
			}
			return t.UTC(), nil
		}
	}
	t, ok := record.ToTime(v)
	if !ok {
		return time.Time{}, fmt.Errorf("%v is not a time", v)
	}
	return t, nil
}

func toDate(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	t, err := parseTime(v, args)
	if err != nil {
		return nil, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func toDateTime(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return parseTime(v, args)
}

// jsonPath parses a JSON string (or re-encodes a structured value) and
// optionally extracts a gjson path.
func jsonPath(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw string
	switch val := record.Normalize(v).(type) {
	case string:
		raw = val
	default:
		b, err := record.Canonical(val)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON")
	}
	res := gjson.Parse(raw)
	if len(args) == 1 {
		res = res.Get(cast.ToString(args[0]))
		if !res.Exists() {
			return nil, nil
		}
	}
	return fromGJSON(res)
}

func fromGJSON(res gjson.Result) (any, error) {
	switch res.Type {
	case gjson.Null:
		return nil, nil
	case gjson.String:
		return res.Str, nil
	case gjson.True, gjson.False:
		return res.Bool(), nil
	case gjson.Number:
		if i, err := strconv.ParseInt(res.Raw, 10, 64); err == nil {
			return i, nil
		}
		return res.Float(), nil
	}
	return record.DecodeJSON([]byte(res.Raw))
}

func replace(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return strings.ReplaceAll(record.Format(v), cast.ToString(args[0]), cast.ToString(args[1])), nil
}

func defaultValue(v any, args []any) (any, error) {
	if v == nil {
		return args[0], nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return args[0], nil
	}
	return v, nil
}

func substr(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	runes := []rune(record.Format(v))
	start, err := cast.ToIntE(args[0])
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = max(len(runes)+start, 0)
	}
	if start > len(runes) {
		return "", nil
	}
	end := len(runes)
	if len(args) == 2 {
		n, err := cast.ToIntE(args[1])
		if err != nil {
			return nil, err
		}
		end = min(start+max(n, 0), len(runes))
	}
	return string(runes[start:end]), nil
}

func round(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	places := int32(0)
	if len(args) == 1 {
		p, err := cast.ToInt32E(args[0])
		if err != nil {
			return nil, err
		}
		places = p
	}
	d, ok := record.ToDecimal(v)
	if !ok {
		return nil, fmt.Errorf("%v is not a number", v)
	}
	r := d.Round(places)
	switch record.Normalize(v).(type) {
	case float64:
		return r.InexactFloat64(), nil
	case int64:
		return r.IntPart(), nil
	}
	return r, nil
}

func prefix(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return record.Format(args[0]) + record.Format(v), nil
}

func suffix(v any, args []any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return record.Format(v) + record.Format(args[0]), nil
}

// concat appends its arguments; null parts are skipped.
func concat(v any, args []any) (any, error) {
	var b strings.Builder
	b.WriteString(record.Format(v))
	for _, a := range args {
		b.WriteString(record.Format(a))
	}
	return b.String(), nil
}

func coalesce(v any, args []any) (any, error) {
	if v != nil {
		return v, nil
	}
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}
