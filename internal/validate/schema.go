package validate

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// compatible lists, for each canonical source type, the target types it
// converts to without loss of meaning.
var compatible = map[string][]string{
	catalog.TypeInt:      {catalog.TypeInt, catalog.TypeFloat, catalog.TypeDecimal, catalog.TypeString, catalog.TypeBool},
	catalog.TypeFloat:    {catalog.TypeFloat, catalog.TypeDecimal, catalog.TypeString},
	catalog.TypeDecimal:  {catalog.TypeDecimal, catalog.TypeFloat, catalog.TypeString},
	catalog.TypeString:   {catalog.TypeString},
	catalog.TypeBool:     {catalog.TypeBool, catalog.TypeInt, catalog.TypeString},
	catalog.TypeDate:     {catalog.TypeDate, catalog.TypeDateTime, catalog.TypeString},
	catalog.TypeDateTime: {catalog.TypeDateTime, catalog.TypeString},
	catalog.TypeJSON:     {catalog.TypeJSON, catalog.TypeDict, catalog.TypeList, catalog.TypeString},
	catalog.TypeDict:     {catalog.TypeDict, catalog.TypeJSON, catalog.TypeString},
	catalog.TypeList:     {catalog.TypeList, catalog.TypeJSON, catalog.TypeString},
}

// Convertible reports whether a source column of type from may feed a
// target column of type to. Unrecognised tags only match themselves.
func Convertible(from, to string) bool {
	cf, okF := catalog.CanonicalType(from)
	ct, okT := catalog.CanonicalType(to)
	if !okF || !okT {
		return strings.EqualFold(strings.TrimSpace(from), strings.TrimSpace(to))
	}
	return slices.Contains(compatible[cf], ct)
}

// CheckSchema verifies that the reading side of a pass can feed the
// writing side: every required written field exists on the read side and
// every shared field converts per the compatibility matrix. Declared
// transforms and defaults can fill a field the read side lacks.
func CheckSchema(table *catalog.Table, pass store.Direction, read, write map[string]string) error {
	var problems []string

	if table.HasFieldConfigs() {
		for _, f := range table.FieldsFor(pass) {
			wt, inWrite := write[f.Name]
			rt, inRead := read[f.Name]
			if !inWrite {
				problems = append(problems, fmt.Sprintf("field %q missing on write side", f.Name))
				continue
			}
			if !inRead {
				if required(f) && !fillable(f, pass) {
					problems = append(problems, fmt.Sprintf("required field %q missing on read side", f.Name))
				}
				continue
			}
			// A transform may change the type; the record-level type rule
			// checks its output instead.
			if f.TransformExpression != "" && pass == store.SourceToTarget {
				continue
			}
			if !Convertible(rt, wt) {
				problems = append(problems, fmt.Sprintf("field %q: %s does not convert to %s", f.Name, rt, wt))
			}
		}
	} else {
		for _, pk := range table.PrimaryKeyFields {
			if _, ok := read[pk]; !ok {
				problems = append(problems, fmt.Sprintf("primary key field %q missing on read side", pk))
			}
			if _, ok := write[pk]; !ok {
				problems = append(problems, fmt.Sprintf("primary key field %q missing on write side", pk))
			}
		}
		shared := make([]string, 0, len(read))
		for name := range read {
			if _, ok := write[name]; ok {
				shared = append(shared, name)
			}
		}
		sort.Strings(shared)
		for _, name := range shared {
			if !Convertible(read[name], write[name]) {
				problems = append(problems, fmt.Sprintf("field %q: %s does not convert to %s", name, read[name], write[name]))
			}
		}
	}

	if len(problems) > 0 {
		return syncerr.WrapTable(syncerr.KindSchema, "schema compatibility", table.Name,
			fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

func required(f store.FieldConfig) bool {
	return f.IsPrimaryKey || !f.IsNullable
}

func fillable(f store.FieldConfig, pass store.Direction) bool {
	if f.IsPrimaryKey {
		return false
	}
	if f.DefaultValue != nil {
		return true
	}
	return f.TransformExpression != "" && pass == store.SourceToTarget
}
