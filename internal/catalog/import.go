package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"assessment-sync/internal/logger"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// Writer is the store capability an import needs.
type Writer interface {
	ReplaceCatalog(ctx context.Context, catalog *store.Catalog) error
}

// Reader is the store capability a job launch needs.
type Reader interface {
	LoadCatalog(ctx context.Context) (*store.Catalog, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check validates a parsed file: struct-level constraints first, then the
// cross references resolved by Build.
func Check(f *File) (*store.Catalog, *Snapshot, error) {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, nil, syncerr.Config("catalog", "%s", strings.Join(msgs, "; "))
		}
		return nil, nil, syncerr.Config("catalog", "%v", err)
	}
	rows := f.ToStore()
	snap, err := Build(rows)
	if err != nil {
		return nil, nil, err
	}
	return rows, snap, nil
}

// Import reads, validates and stores the catalog at path. The stored
// catalog is replaced as a whole; running jobs keep their snapshot.
func Import(ctx context.Context, w Writer, path string) (*Snapshot, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	rows, snap, err := Check(f)
	if err != nil {
		return nil, err
	}
	if err := w.ReplaceCatalog(ctx, rows); err != nil {
		return nil, fmt.Errorf("store catalog: %w", err)
	}
	logger.Log.Info("Catalog imported",
		zap.String("path", path),
		zap.Int("tables", len(rows.Tables)),
		zap.Int("fields", len(rows.Fields)),
		zap.Int("sanitization_rules", len(rows.SanitizationRules)),
		zap.Int("validation_rules", len(rows.ValidationRules)),
	)
	return snap, nil
}

// Load builds a snapshot of the stored catalog.
func Load(ctx context.Context, r Reader) (*Snapshot, error) {
	rows, err := r.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return Build(rows)
}
