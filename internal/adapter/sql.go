package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"assessment-sync/internal/database"
	"assessment-sync/internal/record"
	"assessment-sync/internal/syncerr"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// keysPerQuery bounds the IN list of ReadByKeys.
const keysPerQuery = 200

// SQL is an adapter over a MySQL or SQLite database.
type SQL struct {
	name string
	db   *database.Database
}

func NewSQL(name string, db *database.Database) *SQL {
	return &SQL{name: name, db: db}
}

func (s *SQL) Name() string { return s.name }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) quote(ident string) (string, error) {
	if !identRe.MatchString(ident) {
		return "", syncerr.New(syncerr.KindSchema, "quote", "invalid identifier %q", ident)
	}
	if s.db.Dialect == database.MySQL {
		return "`" + ident + "`", nil
	}
	return `"` + ident + `"`, nil
}

func (s *SQL) quoteAll(idents []string) ([]string, error) {
	out := make([]string, len(idents))
	for i, id := range idents {
		q, err := s.quote(id)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func (s *SQL) ListTables(ctx context.Context) ([]string, error) {
	var query string
	switch s.db.Dialect {
	case database.MySQL:
		query = "SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME"
	default:
		query = "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	}
	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQL) DescribeSchema(ctx context.Context, table string) (map[string]string, error) {
	out := map[string]string{}
	switch s.db.Dialect {
	case database.MySQL:
		rows, err := s.db.DB.QueryContext(ctx,
			"SELECT COLUMN_NAME, COLUMN_TYPE FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?", table)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name, typ string
			if err := rows.Scan(&name, &typ); err != nil {
				return nil, err
			}
			out[name] = strings.ToLower(typ)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	default:
		qt, err := s.quote(table)
		if err != nil {
			return nil, err
		}
		rows, err := s.db.DB.QueryContext(ctx, "PRAGMA table_info("+qt+")")
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cid     int
				name    string
				typ     string
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
				return nil, err
			}
			out[name] = strings.ToLower(typ)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, syncerr.WrapTable(syncerr.KindSchema, "describe_schema", table, fmt.Errorf("table does not exist"))
	}
	return out, nil
}

func (s *SQL) ReadBatch(ctx context.Context, ref TableRef, cur Cursor, limit int, filter record.Filter) (Batch, error) {
	if limit <= 0 {
		return Batch{}, fmt.Errorf("limit must be positive")
	}
	qt, err := s.quote(ref.Name)
	if err != nil {
		return Batch{}, err
	}
	pk, err := s.quoteAll(ref.PrimaryKey)
	if err != nil {
		return Batch{}, err
	}

	where, args, err := s.renderFilter(filter)
	if err != nil {
		return Batch{}, err
	}
	order := make([]string, 0, len(pk)+1)
	var tail string
	if ref.TimestampField != "" {
		ts, err := s.quote(ref.TimestampField)
		if err != nil {
			return Batch{}, err
		}
		if cur.Started() {
			pred, predArgs := keysetPredicate(ts, pk, cur)
			where = append(where, pred)
			args = append(args, predArgs...)
		}
		// NULL sorts first in ascending order on both dialects.
		order = append(order, ts)
		tail = " LIMIT ?"
		args = append(args, limit)
	} else {
		tail = " LIMIT ? OFFSET ?"
		args = append(args, limit, cur.Offset)
	}
	order = append(order, pk...)

	query := "SELECT * FROM " + qt
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + strings.Join(order, ", ") + tail

	recs, err := s.query(ctx, ref, query, args...)
	if err != nil {
		return Batch{}, syncerr.WrapTable(syncerr.KindOf(err), "read_batch", ref.Name, err)
	}
	return Batch{
		Records: recs,
		Next:    nextCursor(ref, cur, recs),
		Done:    len(recs) < limit,
	}, nil
}

// keysetPredicate renders the "after cursor" condition for timestamp order.
func keysetPredicate(ts string, pk []string, cur Cursor) (string, []any) {
	pkPred, pkArgs := keyGreater(pk, cur.LastKey)
	switch {
	case cur.Watermark == nil:
		return fmt.Sprintf("((%s IS NULL AND %s) OR %s IS NOT NULL)", ts, pkPred, ts), pkArgs
	case len(cur.LastKey) == 0:
		return ts + " > ?", []any{bindValue(cur.Watermark)}
	default:
		w := bindValue(cur.Watermark)
		args := append([]any{w, w}, pkArgs...)
		return fmt.Sprintf("(%s > ? OR (%s = ? AND %s))", ts, ts, pkPred), args
	}
}

// keyGreater renders (pk...) > (key...) without row-value syntax.
func keyGreater(pk []string, key record.Key) (string, []any) {
	var (
		terms []string
		args  []any
	)
	for i := range pk {
		if i >= len(key) {
			break
		}
		var parts []string
		for j := 0; j < i; j++ {
			parts = append(parts, pk[j]+" = ?")
			args = append(args, bindValue(key[j]))
		}
		parts = append(parts, pk[i]+" > ?")
		args = append(args, bindValue(key[i]))
		terms = append(terms, "("+strings.Join(parts, " AND ")+")")
	}
	if len(terms) == 0 {
		return "1=1", nil
	}
	return "(" + strings.Join(terms, " OR ") + ")", args
}

func (s *SQL) renderFilter(f record.Filter) ([]string, []any, error) {
	var (
		where []string
		args  []any
	)
	for _, c := range f {
		col, err := s.quote(c.Field)
		if err != nil {
			return nil, nil, err
		}
		switch c.Op {
		case record.OpIsNull:
			where = append(where, col+" IS NULL")
		case record.OpNotNull:
			where = append(where, col+" IS NOT NULL")
		case record.OpIn:
			list, _ := c.Value.([]any)
			if len(list) == 0 {
				where = append(where, "1=0")
				continue
			}
			marks := make([]string, len(list))
			for i, v := range list {
				marks[i] = "?"
				args = append(args, bindValue(v))
			}
			where = append(where, col+" IN ("+strings.Join(marks, ", ")+")")
		case record.OpEq, record.OpGt, record.OpGte, record.OpLt, record.OpLte:
			where = append(where, col+" "+string(c.Op)+" ?")
			args = append(args, bindValue(c.Value))
		case record.OpNe:
			where = append(where, col+" <> ?")
			args = append(args, bindValue(c.Value))
		default:
			return nil, nil, syncerr.Config("filter", "unknown operator %q", c.Op)
		}
	}
	return where, args, nil
}

func (s *SQL) ReadByKeys(ctx context.Context, ref TableRef, keys []record.Key) ([]record.Record, error) {
	qt, err := s.quote(ref.Name)
	if err != nil {
		return nil, err
	}
	pk, err := s.quoteAll(ref.PrimaryKey)
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for start := 0; start < len(keys); start += keysPerQuery {
		chunk := keys[start:min(start+keysPerQuery, len(keys))]
		var (
			cond string
			args []any
		)
		if len(pk) == 1 {
			marks := make([]string, len(chunk))
			for i, k := range chunk {
				marks[i] = "?"
				args = append(args, bindValue(k[0]))
			}
			cond = pk[0] + " IN (" + strings.Join(marks, ", ") + ")"
		} else {
			terms := make([]string, len(chunk))
			for i, k := range chunk {
				parts := make([]string, len(pk))
				for j := range pk {
					parts[j] = pk[j] + " = ?"
					args = append(args, bindValue(k[j]))
				}
				terms[i] = "(" + strings.Join(parts, " AND ") + ")"
			}
			cond = strings.Join(terms, " OR ")
		}
		recs, err := s.query(ctx, ref, "SELECT * FROM "+qt+" WHERE "+cond, args...)
		if err != nil {
			return nil, syncerr.WrapTable(syncerr.KindOf(err), "read_by_keys", ref.Name, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *SQL) WriteBatch(ctx context.Context, ref TableRef, recs []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	qt, err := s.quote(ref.Name)
	if err != nil {
		return 0, err
	}
	pkSet := make(map[string]bool, len(ref.PrimaryKey))
	for _, p := range ref.PrimaryKey {
		pkSet[p] = true
	}

	err = s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		stmts := map[string]*sql.Stmt{}
		defer func() {
			for _, st := range stmts {
				st.Close()
			}
		}()
		for _, r := range recs {
			cols := r.FieldNames()
			sig := strings.Join(cols, ",")
			st, ok := stmts[sig]
			if !ok {
				query, err := s.upsertSQL(qt, cols, pkSet)
				if err != nil {
					return err
				}
				st, err = tx.PrepareContext(ctx, query)
				if err != nil {
					return fmt.Errorf("prepare upsert: %w", err)
				}
				stmts[sig] = st
			}
			args := make([]any, len(cols))
			for i, c := range cols {
				args[i] = bindValue(r.Fields[c])
			}
			if _, err := st.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("upsert %s: %w", r.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, syncerr.WrapTable(syncerr.KindOf(err), "write_batch", ref.Name, err)
	}
	return len(recs), nil
}

func (s *SQL) upsertSQL(qt string, cols []string, pkSet map[string]bool) (string, error) {
	qcols, err := s.quoteAll(cols)
	if err != nil {
		return "", err
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qt, strings.Join(qcols, ", "), marks)

	var sets []string
	for i, c := range cols {
		if pkSet[c] {
			continue
		}
		if s.db.Dialect == database.MySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", qcols[i], qcols[i]))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", qcols[i], qcols[i]))
		}
	}

	if s.db.Dialect == database.MySQL {
		if len(sets) == 0 {
			return insert + fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", qcols[0], qcols[0]), nil
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), nil
	}

	var pk []string
	for i, c := range cols {
		if pkSet[c] {
			pk = append(pk, qcols[i])
		}
	}
	sort.Strings(pk)
	if len(pk) == 0 {
		return "", syncerr.New(syncerr.KindValidation, "upsert", "record carries no primary key column")
	}
	if len(sets) == 0 {
		return insert + " ON CONFLICT(" + strings.Join(pk, ", ") + ") DO NOTHING", nil
	}
	return insert + " ON CONFLICT(" + strings.Join(pk, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", "), nil
}

func (s *SQL) query(ctx context.Context, ref TableRef, query string, args ...any) ([]record.Record, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	var out []record.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		fields := make(map[string]any, len(cols))
		for i, ct := range cols {
			fields[ct.Name()] = scanValue(ct.DatabaseTypeName(), vals[i])
		}
		rec, err := record.New(fields, ref.PrimaryKey)
		if err != nil {
			return nil, syncerr.WrapTable(syncerr.KindSchema, "scan", ref.Name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanValue converts a driver value using the declared column type.
func scanValue(dbType string, v any) any {
	typ := strings.ToUpper(dbType)
	if i := strings.IndexByte(typ, '('); i >= 0 {
		typ = typ[:i]
	}
	typ = strings.TrimSpace(strings.TrimSuffix(typ, " UNSIGNED"))

	switch typ {
	case "DECIMAL", "NUMERIC":
		if d, ok := record.ToDecimal(v); ok {
			return d
		}
	case "JSON":
		var raw []byte
		switch val := v.(type) {
		case []byte:
			raw = val
		case string:
			raw = []byte(val)
		}
		if raw != nil {
			if parsed, err := record.DecodeJSON(raw); err == nil {
				return parsed
			}
		}
	}
	b, ok := v.([]byte)
	if !ok {
		return record.Normalize(v)
	}
	s := string(b)
	switch typ {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT":
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
	case "FLOAT", "DOUBLE", "REAL":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// bindValue converts an engine value into a driver argument.
func bindValue(v any) any {
	switch val := record.Normalize(v).(type) {
	case map[string]any, []any:
		b, err := record.Canonical(val)
		if err != nil {
			out, _ := json.Marshal(val)
			return string(out)
		}
		return string(b)
	case decimal.Decimal:
		return val.String()
	case time.Time:
		return val
	default:
		return val
	}
}
