package catalog

import "strings"

// Canonical data type tags. Field configs and adapter schemas may use any
// of the aliases below; comparisons always go through CanonicalType.
const (
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeDecimal  = "decimal"
	TypeString   = "str"
	TypeBool     = "bool"
	TypeDate     = "date"
	TypeDateTime = "datetime"
	TypeJSON     = "json"
	TypeDict     = "dict"
	TypeList     = "list"
)

var typeAliases = map[string]string{
	"int": TypeInt, "integer": TypeInt, "bigint": TypeInt, "smallint": TypeInt,
	"tinyint": TypeInt, "mediumint": TypeInt, "int64": TypeInt, "long": TypeInt,
	"float": TypeFloat, "double": TypeFloat, "real": TypeFloat, "float64": TypeFloat,
	"decimal": TypeDecimal, "numeric": TypeDecimal, "money": TypeDecimal,
	"str": TypeString, "string": TypeString, "text": TypeString, "varchar": TypeString,
	"char": TypeString, "uuid": TypeString, "enum": TypeString, "longtext": TypeString,
	"mediumtext": TypeString, "tinytext": TypeString, "clob": TypeString,
	"bool": TypeBool, "boolean": TypeBool,
	"date": TypeDate,
	"datetime": TypeDateTime, "timestamp": TypeDateTime, "timestamptz": TypeDateTime, "time": TypeDateTime,
	"json": TypeJSON, "jsonb": TypeJSON,
	"dict": TypeDict, "object": TypeDict, "map": TypeDict,
	"list": TypeList, "array": TypeList,
}

// CanonicalType maps a type tag to its canonical form. Length or precision
// suffixes such as varchar(255) or decimal(10,2) are ignored.
func CanonicalType(tag string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if i := strings.IndexByte(t, ' '); i >= 0 {
		t = t[:i]
	}
	c, ok := typeAliases[t]
	return c, ok
}

// KnownType reports whether tag is a recognized type tag.
func KnownType(tag string) bool {
	_, ok := CanonicalType(tag)
	return ok
}

// Sanitization strategies.
const (
	StrategyMask        = "mask"
	StrategyFullMask    = "full_mask"
	StrategyHash        = "hash"
	StrategyNullify     = "nullify"
	StrategyRandomize   = "randomize"
	StrategyApproximate = "approximate"
)

func KnownStrategy(s string) bool {
	switch s {
	case StrategyMask, StrategyFullMask, StrategyHash, StrategyNullify, StrategyRandomize, StrategyApproximate:
		return true
	}
	return false
}

// Validation rule kinds.
const (
	RuleRequired   = "required"
	RuleType       = "type"
	RuleRange      = "range"
	RulePattern    = "pattern"
	RuleEnum       = "enum"
	RuleForeignKey = "foreign_key"
	RuleCustom     = "custom"
)

func KnownRuleKind(k string) bool {
	switch k {
	case RuleRequired, RuleType, RuleRange, RulePattern, RuleEnum, RuleForeignKey, RuleCustom:
		return true
	}
	return false
}
