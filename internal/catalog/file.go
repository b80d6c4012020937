// Package catalog loads the admin-maintained table catalog (tables, fields,
// sanitization and validation rules), validates it, and freezes it into an
// immutable Snapshot that a job works from for its whole lifetime.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"assessment-sync/internal/record"
	"assessment-sync/internal/store"
	"assessment-sync/internal/syncerr"
)

// File is the on-disk catalog layout shared by the YAML, TOML and JSON forms.
type File struct {
	Tables            []TableSpec            `json:"tables" yaml:"tables" toml:"tables" validate:"dive"`
	SanitizationRules []SanitizationRuleSpec `json:"sanitization_rules" yaml:"sanitization_rules" toml:"sanitization_rules" validate:"dive"`
	ValidationRules   []ValidationRuleSpec   `json:"validation_rules" yaml:"validation_rules" toml:"validation_rules" validate:"dive"`
}

type TableSpec struct {
	Name             string        `json:"name" yaml:"name" toml:"name" validate:"required"`
	TargetTable      string        `json:"target_table" yaml:"target_table" toml:"target_table"`
	Order            int           `json:"order" yaml:"order" toml:"order"`
	SyncDirection    string        `json:"sync_direction" yaml:"sync_direction" toml:"sync_direction" validate:"omitempty,oneof=source_to_target target_to_source bidirectional"`
	IsIncremental    bool          `json:"is_incremental" yaml:"is_incremental" toml:"is_incremental"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gte=0"`
	PrimaryKeyFields []string      `json:"primary_key_fields" yaml:"primary_key_fields" toml:"primary_key_fields" validate:"required,min=1,dive,required"`
	TimestampField   string        `json:"timestamp_field" yaml:"timestamp_field" toml:"timestamp_field" validate:"required_if=IsIncremental true"`
	ConflictStrategy string        `json:"conflict_strategy" yaml:"conflict_strategy" toml:"conflict_strategy" validate:"omitempty,oneof=source_wins target_wins newer_wins manual"`
	DependsOn        []string      `json:"depends_on" yaml:"depends_on" toml:"depends_on"`
	Filter           record.Filter `json:"filter" yaml:"filter" toml:"filter"`
	Fields           []FieldSpec   `json:"fields" yaml:"fields" toml:"fields" validate:"dive"`
}

type FieldSpec struct {
	Name          string `json:"name" yaml:"name" toml:"name" validate:"required"`
	DataType      string `json:"data_type" yaml:"data_type" toml:"data_type"`
	IsPrimaryKey  bool   `json:"is_primary_key" yaml:"is_primary_key" toml:"is_primary_key"`
	IsNullable    *bool  `json:"is_nullable" yaml:"is_nullable" toml:"is_nullable"`
	SyncDirection string `json:"sync_direction" yaml:"sync_direction" toml:"sync_direction" validate:"omitempty,oneof=source_to_target target_to_source bidirectional"`
	Transform     string `json:"transform" yaml:"transform" toml:"transform"`
	Default       any    `json:"default" yaml:"default" toml:"default"`
	Sanitization  string `json:"sanitization" yaml:"sanitization" toml:"sanitization"`
}

type SanitizationRuleSpec struct {
	Name       string         `json:"name" yaml:"name" toml:"name"`
	Table      string         `json:"table" yaml:"table" toml:"table" validate:"required"`
	Field      string         `json:"field" yaml:"field" toml:"field" validate:"required"`
	Strategy   string         `json:"strategy" yaml:"strategy" toml:"strategy" validate:"required,oneof=mask hash nullify randomize approximate full_mask"`
	Parameters map[string]any `json:"parameters" yaml:"parameters" toml:"parameters"`
	Enabled    *bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
}

type ValidationRuleSpec struct {
	Table   string         `json:"table" yaml:"table" toml:"table" validate:"required"`
	Field   string         `json:"field" yaml:"field" toml:"field" validate:"required"`
	Kind    string         `json:"kind" yaml:"kind" toml:"kind" validate:"required,oneof=required type range pattern enum foreign_key custom"`
	Params  map[string]any `json:"params" yaml:"params" toml:"params"`
	Message string         `json:"message" yaml:"message" toml:"message"`
}

const defaultBatchSize = 500

// ReadFile parses a catalog file, picking the format from its extension.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
}

// Parse decodes a catalog in the given format: yaml, yml, toml or json.
func Parse(data []byte, format string) (*File, error) {
	var f File
	switch format {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, syncerr.Config("catalog", "decode yaml: %v", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, syncerr.Config("catalog", "decode toml: %v", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, syncerr.Config("catalog", "unknown toml keys: %v", undecoded)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, syncerr.Config("catalog", "decode json: %v", err)
		}
	default:
		return nil, syncerr.Config("catalog", "unsupported catalog format %q", format)
	}
	return &f, nil
}

// ToStore flattens the file into catalog rows, applying defaults.
func (f *File) ToStore() *store.Catalog {
	c := &store.Catalog{}
	for _, t := range f.Tables {
		tc := store.TableConfig{
			Name:             t.Name,
			TargetTable:      t.TargetTable,
			Order:            t.Order,
			SyncDirection:    store.Direction(t.SyncDirection),
			IsIncremental:    t.IsIncremental,
			BatchSize:        t.BatchSize,
			PrimaryKeyFields: t.PrimaryKeyFields,
			TimestampField:   t.TimestampField,
			ConflictStrategy: store.ConflictStrategy(t.ConflictStrategy),
			DependsOn:        t.DependsOn,
			Filter:           t.Filter,
		}
		if tc.SyncDirection == "" {
			tc.SyncDirection = store.SourceToTarget
		}
		if tc.BatchSize == 0 {
			tc.BatchSize = defaultBatchSize
		}
		if tc.ConflictStrategy == "" {
			tc.ConflictStrategy = store.StrategySourceWins
		}
		c.Tables = append(c.Tables, tc)

		for _, fs := range t.Fields {
			fc := store.FieldConfig{
				Table:               t.Name,
				Name:                fs.Name,
				DataType:            fs.DataType,
				IsPrimaryKey:        fs.IsPrimaryKey || slices.Contains(t.PrimaryKeyFields, fs.Name),
				IsNullable:          fs.IsNullable == nil || *fs.IsNullable,
				SyncDirection:       store.Direction(fs.SyncDirection),
				TransformExpression: fs.Transform,
				DefaultValue:        record.Normalize(fs.Default),
				SanitizationRuleRef: fs.Sanitization,
			}
			if fc.IsPrimaryKey {
				fc.IsNullable = false
			}
			if fc.SyncDirection == "" {
				fc.SyncDirection = tc.SyncDirection
			}
			c.Fields = append(c.Fields, fc)
		}
	}
	for _, r := range f.SanitizationRules {
		name := r.Name
		if name == "" {
			name = r.Table + "." + r.Field
		}
		c.SanitizationRules = append(c.SanitizationRules, store.SanitizationRule{
			Name:       name,
			Table:      r.Table,
			Field:      r.Field,
			Strategy:   r.Strategy,
			Parameters: r.Parameters,
			Enabled:    r.Enabled == nil || *r.Enabled,
		})
	}
	for _, r := range f.ValidationRules {
		c.ValidationRules = append(c.ValidationRules, store.ValidationRule{
			Table:   r.Table,
			Field:   r.Field,
			Kind:    r.Kind,
			Params:  r.Params,
			Message: r.Message,
		})
	}
	return c
}
