package tablesource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// LibSQLSource reads tables from query results and writes tables into a
// libSQL (embedded SQLite fork) database.
type LibSQLSource struct {
	db *sql.DB
}

// OpenLibSQL opens the database at dbPath, a file URI such as
// "file:/path/to/data.db".
func OpenLibSQL(dbPath string) (*LibSQLSource, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA busy_timeout=5000", "PRAGMA temp_store=MEMORY"} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLSource{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLSource) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLSource) Close() error { return s.db.Close() }

// Query runs query and returns its result as a table. Column types come from
// the declared column types, or from the values when none is declared. NULL
// becomes a missing cell; row keys are Row0, Row1, ...
func (s *LibSQLSource) Query(ctx context.Context, query string, args ...any) (*table.Table, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query: %v", err).WithCause(err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read columns: %v", err).WithCause(err)
	}
	declared := make([]string, len(names))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			declared[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}

	var raw [][]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan row %d: %v", len(raw), err).WithCause(err)
		}
		raw = append(raw, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "iterate rows: %v", err).WithCause(err)
	}

	cols := make([]table.ColumnSpec, len(names))
	for i, name := range names {
		cols[i] = table.ColumnSpec{Name: name, Type: columnType(declared[i], raw, i)}
	}
	t := &table.Table{Spec: table.NewSpec(cols...), Rows: make([]table.Row, len(raw))}
	for n, vals := range raw {
		key := fmt.Sprintf("Row%d", n)
		cells := make([]table.Cell, len(cols))
		for i, v := range vals {
			c, err := sqlCell(v, cols[i].Type.Kind)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore, "column %q: %v", names[i], err).WithRow(key)
			}
			cells[i] = c
		}
		t.Rows[n] = table.Row{Key: key, Cells: cells}
	}
	return t, nil
}

// columnType maps a declared SQLite type by affinity, falling back to the
// scanned values.
func columnType(decl string, raw [][]any, i int) table.DataType {
	switch {
	case strings.Contains(decl, "BOOL"):
		return table.BooleanType
	case strings.Contains(decl, "INT"):
		return table.LongType
	case strings.Contains(decl, "CHAR"), strings.Contains(decl, "TEXT"), strings.Contains(decl, "CLOB"):
		return table.StringType
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return table.DoubleType
	}
	kind := table.Kind(0)
	for _, vals := range raw {
		var k table.Kind
		switch vals[i].(type) {
		case nil:
			continue
		case int64, int32, int:
			k = table.KindLong
		case float64, float32:
			k = table.KindDouble
		case bool:
			k = table.KindBoolean
		default:
			return table.StringType
		}
		switch {
		case kind == 0:
			kind = k
		case kind == k:
		case (kind == table.KindLong && k == table.KindDouble) || (kind == table.KindDouble && k == table.KindLong):
			kind = table.KindDouble
		default:
			return table.StringType
		}
	}
	if kind == 0 {
		return table.StringType
	}
	return table.DataType{Kind: kind}
}

func sqlCell(v any, k table.Kind) (table.Cell, error) {
	if v == nil {
		return table.Missing(), nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch k {
	case table.KindLong:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return table.Missing(), err
		}
		return table.LongCell(n), nil
	case table.KindDouble:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return table.Missing(), err
		}
		return table.DoubleCell(f), nil
	case table.KindBoolean:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return table.Missing(), err
		}
		return table.BoolCell(b), nil
	}
	return table.StringCell(cast.ToString(v)), nil
}

// WriteTable creates (or replaces) name and inserts every row of t in one
// transaction. Collection cells are stored as their text rendering.
func (s *LibSQLSource) WriteTable(ctx context.Context, name string, t *table.Table) error {
	quoted := quoteIdent(name)
	defs := make([]string, t.Spec.NumColumns())
	marks := make([]string, len(defs))
	for i, c := range t.Spec.Columns {
		defs[i] = quoteIdent(c.Name) + " " + sqlType(c.Type)
		marks[i] = "?"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin: %v", err).WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "drop %s: %v", name, err).WithCause(err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoted, strings.Join(defs, ", "))); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create %s: %v", name, err).WithCause(err)
	}
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoted, strings.Join(marks, ", "))
	for _, row := range t.Rows {
		args := make([]any, len(row.Cells))
		for i, c := range row.Cells {
			switch v := c.Value().(type) {
			case []any:
				args[i] = c.String()
			case int32:
				args[i] = int64(v)
			case bool:
				if v {
					args[i] = int64(1)
				} else {
					args[i] = int64(0)
				}
			default:
				args[i] = v
			}
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "insert row %q: %v", row.Key, err).WithRow(row.Key).WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit: %v", err).WithCause(err)
	}
	return nil
}

func sqlType(dt table.DataType) string {
	if dt.Collection {
		return "TEXT"
	}
	switch dt.Kind {
	case table.KindInt, table.KindLong:
		return "INTEGER"
	case table.KindDouble:
		return "REAL"
	case table.KindBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
