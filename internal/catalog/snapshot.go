package catalog

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Table is the frozen configuration of one table within a Snapshot.
type Table struct {
	store.TableConfig

	fields       []store.FieldConfig
	fieldIndex   map[string]int
	sanitization map[string]store.SanitizationRule
	validations  []store.ValidationRule
}

// Fields returns the declared field configs in declaration order.
func (t *Table) Fields() []store.FieldConfig {
	return t.fields
}

// Field returns the config of a declared field.
func (t *Table) Field(name string) (store.FieldConfig, bool) {
	i, ok := t.fieldIndex[name]
	if !ok {
		return store.FieldConfig{}, false
	}
	return t.fields[i], true
}

// HasFieldConfigs reports whether the table declares its fields. Tables
// without field configs pass every source column through unchanged.
func (t *Table) HasFieldConfigs() bool {
	return len(t.fields) > 0
}

// FieldsFor returns the declared fields that take part in a pass.
func (t *Table) FieldsFor(pass store.Direction) []store.FieldConfig {
	var out []store.FieldConfig
	for _, f := range t.fields {
		if f.SyncDirection.Includes(pass) {
			out = append(out, f)
		}
	}
	return out
}

// SanitizationRule returns the enabled rule for a field, if any.
func (t *Table) SanitizationRule(field string) (store.SanitizationRule, bool) {
	r, ok := t.sanitization[field]
	return r, ok
}

// SanitizedFields returns the fields that carry an enabled rule, sorted.
func (t *Table) SanitizedFields() []string {
	out := make([]string, 0, len(t.sanitization))
	for f := range t.sanitization {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (t *Table) ValidationRules() []store.ValidationRule {
	return t.validations
}

// Passes returns the directions this table runs in, source to target first.
func (t *Table) Passes() []store.Direction {
	switch t.SyncDirection {
	case store.TargetToSource:
		return []store.Direction{store.TargetToSource}
	case store.Bidirectional:
		return []store.Direction{store.SourceToTarget, store.TargetToSource}
	default:
		return []store.Direction{store.SourceToTarget}
	}
}

// Snapshot is an immutable, validated view of the catalog.
type Snapshot struct {
	ordered []*Table
	byName  map[string]*Table
}

// Build validates the catalog rows and freezes them. All failures are
// configuration errors, reported together.
func Build(c *store.Catalog) (*Snapshot, error) {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	s := &Snapshot{byName: make(map[string]*Table, len(c.Tables))}
	for _, tc := range c.Tables {
		if _, dup := s.byName[tc.Name]; dup {
			report("table %q declared twice", tc.Name)
			continue
		}
		t := &Table{
			TableConfig:  tc,
			fieldIndex:   map[string]int{},
			sanitization: map[string]store.SanitizationRule{},
		}
		checkTable(tc, report)
		s.byName[tc.Name] = t
		s.ordered = append(s.ordered, t)
	}

	for _, fc := range c.Fields {
		t, ok := s.byName[fc.Table]
		if !ok {
			report("field %q references unknown table %q", fc.Name, fc.Table)
			continue
		}
		if _, dup := t.fieldIndex[fc.Name]; dup {
			report("table %q: field %q declared twice", fc.Table, fc.Name)
			continue
		}
		if fc.SyncDirection != "" && !fc.SyncDirection.Valid() {
			report("table %q: field %q: unknown sync_direction %q", fc.Table, fc.Name, fc.SyncDirection)
		}
		if fc.DataType != "" && !KnownType(fc.DataType) {
			report("table %q: field %q: unknown data_type %q", fc.Table, fc.Name, fc.DataType)
		}
		if fc.IsPrimaryKey && !slices.Contains(t.PrimaryKeyFields, fc.Name) {
			report("table %q: field %q is marked primary key but not listed in primary_key_fields", fc.Table, fc.Name)
		}
		t.fieldIndex[fc.Name] = len(t.fields)
		t.fields = append(t.fields, fc)
	}

	for _, t := range s.ordered {
		if !t.HasFieldConfigs() {
			continue
		}
		for _, pk := range t.PrimaryKeyFields {
			if _, ok := t.fieldIndex[pk]; !ok {
				report("table %q: primary key field %q has no field config", t.Name, pk)
			}
		}
		if t.TimestampField != "" {
			if _, ok := t.fieldIndex[t.TimestampField]; !ok {
				report("table %q: timestamp_field %q has no field config", t.Name, t.TimestampField)
			}
		}
	}

	rulesByName := map[string]store.SanitizationRule{}
	for _, r := range c.SanitizationRules {
		t, ok := s.byName[r.Table]
		if !ok {
			report("sanitization rule %q references unknown table %q", r.Name, r.Table)
			continue
		}
		if t.HasFieldConfigs() {
			if _, ok := t.fieldIndex[r.Field]; !ok {
				report("sanitization rule %q references unknown field %s.%s", r.Name, r.Table, r.Field)
			}
		}
		if !KnownStrategy(r.Strategy) {
			report("sanitization rule %q: unknown strategy %q", r.Name, r.Strategy)
		} else {
			dataType := ""
			if i, ok := t.fieldIndex[r.Field]; ok {
				dataType, _ = CanonicalType(t.fields[i].DataType)
			}
			if err := CheckSanitizationParams(r.Strategy, r.Parameters, dataType); err != nil {
				report("sanitization rule %q: %v", r.Name, err)
			}
		}
		if slices.Contains(t.PrimaryKeyFields, r.Field) {
			report("sanitization rule %q: primary key field %s.%s cannot be sanitized", r.Name, r.Table, r.Field)
		}
		if _, dup := rulesByName[r.Name]; dup {
			report("sanitization rule %q declared twice", r.Name)
		}
		rulesByName[r.Name] = r
		if !r.Enabled {
			continue
		}
		if _, dup := t.sanitization[r.Field]; dup {
			report("table %q: field %q has more than one enabled sanitization rule", r.Table, r.Field)
			continue
		}
		t.sanitization[r.Field] = r
	}

	for _, t := range s.ordered {
		for _, f := range t.fields {
			if f.SanitizationRuleRef == "" {
				continue
			}
			r, ok := rulesByName[f.SanitizationRuleRef]
			switch {
			case !ok:
				report("table %q: field %q references unknown sanitization rule %q", t.Name, f.Name, f.SanitizationRuleRef)
			case r.Table != t.Name || r.Field != f.Name:
				report("table %q: field %q references sanitization rule %q of %s.%s", t.Name, f.Name, r.Name, r.Table, r.Field)
			}
		}
	}

	for _, r := range c.ValidationRules {
		t, ok := s.byName[r.Table]
		if !ok {
			report("validation rule on %s.%s references unknown table", r.Table, r.Field)
			continue
		}
		if t.HasFieldConfigs() {
			if _, ok := t.fieldIndex[r.Field]; !ok {
				report("validation rule references unknown field %s.%s", r.Table, r.Field)
			}
		}
		if !KnownRuleKind(r.Kind) {
			report("validation rule on %s.%s: unknown kind %q", r.Table, r.Field, r.Kind)
		}
		t.validations = append(t.validations, r)
	}

	if len(problems) == 0 {
		ordered, err := orderTables(s.ordered)
		if err != nil {
			report("%v", err)
		} else {
			s.ordered = ordered
		}
	}

	if len(problems) > 0 {
		return nil, syncerr.Config("catalog", "%s", strings.Join(problems, "; "))
	}
	return s, nil
}

func checkTable(tc store.TableConfig, report func(string, ...any)) {
	if !tc.SyncDirection.Valid() {
		report("table %q: unknown sync_direction %q", tc.Name, tc.SyncDirection)
	}
	if !tc.ConflictStrategy.Valid() {
		report("table %q: unknown conflict_strategy %q", tc.Name, tc.ConflictStrategy)
	}
	if tc.BatchSize <= 0 {
		report("table %q: batch_size must be positive", tc.Name)
	}
	if len(tc.PrimaryKeyFields) == 0 {
		report("table %q: no primary key fields", tc.Name)
	}
	if tc.IsIncremental && tc.TimestampField == "" {
		report("table %q: incremental tables need a timestamp_field", tc.Name)
	}
	if tc.ConflictStrategy == store.StrategyNewerWins && tc.TimestampField == "" {
		report("table %q: newer_wins needs a timestamp_field", tc.Name)
	}
	if err := tc.Filter.Validate(); err != nil {
		report("table %q: filter: %v", tc.Name, err)
	}
}

// orderTables sorts tables so every table follows its dependencies, using
// (order, name) to break ties.
func orderTables(tables []*Table) ([]*Table, error) {
	byName := make(map[string]*Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}
	indegree := make(map[string]int, len(tables))
	dependents := map[string][]string{}
	for _, t := range tables {
		indegree[t.Name] += 0
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("table %q depends on unknown table %q", t.Name, dep)
			}
			if dep == t.Name {
				return nil, fmt.Errorf("table %q depends on itself", t.Name)
			}
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	less := func(a, b *Table) bool {
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Name < b.Name
	}
	var ready []*Table
	for _, t := range tables {
		if indegree[t.Name] == 0 {
			ready = append(ready, t)
		}
	}

	out := make([]*Table, 0, len(tables))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, name := range dependents[next.Name] {
			indegree[name]--
			if indegree[name] == 0 {
				ready = append(ready, byName[name])
			}
		}
	}
	if len(out) != len(tables) {
		var cyclic []string
		for _, t := range tables {
			if indegree[t.Name] > 0 {
				cyclic = append(cyclic, t.Name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle among tables %v", cyclic)
	}
	return out, nil
}

// Tables returns all tables in processing order.
func (s *Snapshot) Tables() []*Table {
	return s.ordered
}

func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Select returns the named tables in processing order. An empty list
// selects every table.
func (s *Snapshot) Select(names []string) ([]*Table, error) {
	if len(names) == 0 {
		return s.ordered, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := s.byName[n]; !ok {
			return nil, syncerr.Config("catalog", "unknown table %q", n)
		}
		want[n] = true
	}
	var out []*Table
	for _, t := range s.ordered {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out, nil
}
