package catalog

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Limits on sanitization parameters.
const (
	MinHashLength   = 8
	MaxHashLength   = 64
	MaxSpreadDays   = 36600
	MaxRandomLength = 4096
)

// Granularities accepted by the approximate strategy for timestamps.
var Granularities = []string{"second", "minute", "hour", "day", "month", "year"}

// CheckSanitizationParams validates a rule's parameters against its
// strategy and the declared type of its field. dataType is the canonical
// type tag, or empty when the field is undeclared.
func CheckSanitizationParams(strategy string, params map[string]any, dataType string) error {
	switch strategy {
	case StrategyMask:
		if err := stringOnly(strategy, dataType); err != nil {
			return err
		}
		for _, name := range []string{"last", "visible"} {
			if n, ok, err := intParam(params, name); err != nil {
				return err
			} else if ok && n < 0 {
				return fmt.Errorf("parameter %s must not be negative", name)
			}
		}
	case StrategyFullMask:
		return stringOnly(strategy, dataType)
	case StrategyHash:
		if err := stringOnly(strategy, dataType); err != nil {
			return err
		}
		if n, ok, err := intParam(params, "length"); err != nil {
			return err
		} else if ok && (n < MinHashLength || n > MaxHashLength) {
			return fmt.Errorf("parameter length must be between %d and %d", MinHashLength, MaxHashLength)
		}
	case StrategyApproximate:
		switch dataType {
		case "", TypeInt, TypeFloat, TypeDecimal, TypeDate, TypeDateTime, TypeString:
		default:
			return fmt.Errorf("approximate does not apply to %s fields", dataType)
		}
		if raw, ok := params["bucket"]; ok {
			b, err := decimal.NewFromString(strings.TrimSpace(cast.ToString(raw)))
			if err != nil || !b.IsPositive() {
				return fmt.Errorf("parameter bucket must be a positive number")
			}
		}
		if raw, ok := params["granularity"]; ok && !knownGranularity(cast.ToString(raw)) {
			return fmt.Errorf("unknown granularity %q", cast.ToString(raw))
		}
	case StrategyRandomize:
		return checkRandomize(params, dataType)
	}
	return nil
}

func checkRandomize(params map[string]any, dataType string) error {
	switch dataType {
	case TypeJSON, TypeDict, TypeList:
		return fmt.Errorf("randomize does not apply to %s fields", dataType)
	}
	for _, name := range []string{"min", "max"} {
		if raw, ok := params[name]; ok {
			if _, err := cast.ToFloat64E(raw); err != nil {
				return fmt.Errorf("parameter %s: %w", name, err)
			}
		}
	}
	lo, hi := cast.ToFloat64(params["min"]), math.Inf(1)
	if raw, ok := params["max"]; ok {
		hi = cast.ToFloat64(raw)
	}
	if hi < lo {
		return fmt.Errorf("parameter max is below min")
	}
	if n, ok, err := intParam(params, "spread_days"); err != nil {
		return err
	} else if ok && (n < 0 || n > MaxSpreadDays) {
		return fmt.Errorf("parameter spread_days must be between 0 and %d", MaxSpreadDays)
	}
	if n, ok, err := intParam(params, "length"); err != nil {
		return err
	} else if ok && (n < 0 || n > MaxRandomLength) {
		return fmt.Errorf("parameter length must be between 0 and %d", MaxRandomLength)
	}
	return nil
}

// stringOnly rejects strategies that always produce strings on fields
// declared with another type.
func stringOnly(strategy, dataType string) error {
	if dataType != "" && dataType != TypeString {
		return fmt.Errorf("%s produces strings and cannot apply to %s fields", strategy, dataType)
	}
	return nil
}

func intParam(params map[string]any, name string) (int, bool, error) {
	raw, ok := params[name]
	if !ok {
		return 0, false, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, true, fmt.Errorf("parameter %s: %w", name, err)
	}
	return n, true, nil
}

func knownGranularity(g string) bool {
	g = strings.ToLower(g)
	for _, k := range Granularities {
		if g == k {
			return true
		}
	}
	return false
}
