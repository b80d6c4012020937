// Package transform reshapes records read from one side into the field set
// of the other side of a pass.
package transform

import (
	"fmt"
	"sync"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Transformer applies field configs to records. Compiled expressions are
// cached by source text. It is safe for concurrent use.
type Transformer struct {
	mu    sync.Mutex
	exprs map[string]*Expr
}

func New() *Transformer {
	return &Transformer{exprs: map[string]*Expr{}}
}

func (t *Transformer) compile(src string) (*Expr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.exprs[src]; ok {
		return e, nil
	}
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	t.exprs[src] = e
	return e, nil
}

// Prepare compiles every transform expression of a table so bad
// expressions surface before any record is read.
func (t *Transformer) Prepare(table *catalog.Table) error {
	for _, f := range table.Fields() {
		if f.TransformExpression == "" {
			continue
		}
		if _, err := t.compile(f.TransformExpression); err != nil {
			return syncerr.WrapTable(syncerr.KindConfig, "transform", table.Name,
				fmt.Errorf("field %s: %w", f.Name, err))
		}
	}
	return nil
}

// Apply maps rec into the written side's shape for one pass.
//
// On the source to target pass declared fields are produced in turn: the
// transform expression runs against the source record, then a missing or
// null value of a non-nullable field takes the field default. Undeclared
// source columns are dropped. The reverse pass copies declared fields by
// name. Tables without field configs pass every column through.
//
// Expression failures are validation errors for the record.
func (t *Transformer) Apply(table *catalog.Table, pass store.Direction, rec record.Record) (record.Record, error) {
	if !table.HasFieldConfigs() {
		return rec.Clone(), nil
	}

	fields := table.FieldsFor(pass)
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, present := rec.Get(f.Name)
		if pass != store.SourceToTarget {
			if present {
				out[f.Name] = v
			}
			continue
		}
		if f.TransformExpression != "" {
			e, err := t.compile(f.TransformExpression)
			if err != nil {
				return record.Record{}, fieldError(table.Name, f.Name, err)
			}
			nv, err := e.Eval(v, rec.Fields)
			if err != nil {
				return record.Record{}, fieldError(table.Name, f.Name, err)
			}
			v = record.Normalize(nv)
			present = present || nv != nil
		}
		if (!present || v == nil) && !f.IsNullable && f.DefaultValue != nil {
			v, present = record.Normalize(f.DefaultValue), true
		}
		if present {
			out[f.Name] = v
		}
	}

	next, err := record.New(out, table.PrimaryKeyFields)
	if err != nil {
		return record.Record{}, syncerr.WrapTable(syncerr.KindValidation, "transform", table.Name, err)
	}
	return next, nil
}

func fieldError(table, field string, err error) error {
	return &syncerr.Error{Kind: syncerr.KindValidation, Op: "transform", Table: table, Field: field, Err: err}
}
