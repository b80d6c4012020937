package validate

import (
	"context"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/record"
)

// AdapterReferences resolves foreign keys by primary-key lookup on an
// adapter, normally the side being written.
type AdapterReferences struct {
	Adapter adapter.Adapter
}

func (a AdapterReferences) Exists(ctx context.Context, table, field string, value any) (bool, error) {
	recs, err := a.Adapter.ReadByKeys(ctx,
		adapter.TableRef{Name: table, PrimaryKey: []string{field}},
		[]record.Key{{record.Normalize(value)}},
	)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}
