package record

import (
	"fmt"
)

// Op is a comparison operator in a filter condition.
type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "!="
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLt      Op = "<"
	OpLte     Op = "<="
	OpIn      Op = "in"
	OpIsNull  Op = "is_null"
	OpNotNull Op = "not_null"
)

// Condition compares one field against a literal.
type Condition struct {
	Field string `json:"field" yaml:"field" toml:"field"`
	Op    Op     `json:"op" yaml:"op" toml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty" toml:"value,omitempty"`
}

// Filter is a conjunction of conditions. The zero Filter matches everything.
type Filter []Condition

// Validate checks operators and operand shapes.
func (f Filter) Validate() error {
	for i, c := range f {
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required", i)
		}
		switch c.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			if c.Value == nil {
				return fmt.Errorf("condition %d (%s): operator %s needs a value", i, c.Field, c.Op)
			}
		case OpIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("condition %d (%s): operator in needs a list", i, c.Field)
			}
		case OpIsNull, OpNotNull:
		default:
			return fmt.Errorf("condition %d (%s): unknown operator %q", i, c.Field, c.Op)
		}
	}
	return nil
}

// Match evaluates the filter against a payload. A missing field behaves as null.
func (f Filter) Match(fields map[string]any) bool {
	for _, c := range f {
		if !c.match(fields[c.Field]) {
			return false
		}
	}
	return true
}

func (c Condition) match(v any) bool {
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	case OpIn:
		list, _ := c.Value.([]any)
		for _, e := range list {
			if v != nil && Equal(v, e) {
				return true
			}
		}
		return false
	}
	if v == nil {
		return false
	}
	switch c.Op {
	case OpEq:
		return Equal(v, c.Value)
	case OpNe:
		return !Equal(v, c.Value)
	case OpGt:
		return Compare(v, c.Value) > 0
	case OpGte:
		return Compare(v, c.Value) >= 0
	case OpLt:
		return Compare(v, c.Value) < 0
	case OpLte:
		return Compare(v, c.Value) <= 0
	}
	return false
}
