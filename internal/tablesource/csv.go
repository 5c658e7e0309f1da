package tablesource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/rowscript/pkg/schema"
	"github.com/rendis/rowscript/pkg/table"
)

// CSVOptions control ReadCSV.
type CSVOptions struct {
	// Comma is the field delimiter; ',' when zero.
	Comma rune
	// Types fixes column types by name. Other columns are inferred unless
	// the header annotates them as "name:Type".
	Types map[string]table.DataType
	// KeyColumn names the column holding row keys. Empty generates Row0,
	// Row1, ...
	KeyColumn string
}

// ReadCSV reads a table with a header line. Empty fields are missing cells.
func ReadCSV(r io.Reader, opts CSVOptions) (*table.Table, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, schema.NewError(schema.ErrCodeValidation, "csv input has no header line")
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read csv header: %v", err).WithCause(err)
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read csv: %v", err).WithCause(err)
	}

	keyIdx := -1
	var cols []table.ColumnSpec
	var srcIdx []int
	for i, h := range header {
		name, dt, typed := splitHeader(h)
		if opts.KeyColumn != "" && name == opts.KeyColumn {
			keyIdx = i
			continue
		}
		if slices.ContainsFunc(cols, func(c table.ColumnSpec) bool { return c.Name == name }) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate column %q in csv header", name)
		}
		if t, ok := opts.Types[name]; ok {
			dt, typed = t, true
		}
		if typed && dt.Collection {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "column %q: collection columns cannot be read from csv", name)
		}
		if !typed {
			dt = inferType(records, i)
		}
		cols = append(cols, table.ColumnSpec{Name: name, Type: dt})
		srcIdx = append(srcIdx, i)
	}
	if opts.KeyColumn != "" && keyIdx < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "key column %q is not in the csv header", opts.KeyColumn)
	}

	t := &table.Table{Spec: table.NewSpec(cols...), Rows: make([]table.Row, 0, len(records))}
	for n, rec := range records {
		key := fmt.Sprintf("Row%d", n)
		if keyIdx >= 0 {
			key = rec[keyIdx]
		}
		cells := make([]table.Cell, len(cols))
		for j, col := range cols {
			c, err := parseCell(rec[srcIdx[j]], col.Type.Kind)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "line %d, column %q: %v", n+2, col.Name, err).WithRow(key)
			}
			cells[j] = c
		}
		t.Rows = append(t.Rows, table.Row{Key: key, Cells: cells})
	}
	return t, nil
}

// splitHeader splits "name:Type". A suffix that is not a type name stays
// part of the column name.
func splitHeader(h string) (string, table.DataType, bool) {
	h = strings.TrimSpace(h)
	i := strings.LastIndexByte(h, ':')
	if i <= 0 {
		return h, table.DataType{}, false
	}
	dt, err := table.ParseDataType(h[i+1:])
	if err != nil || strings.TrimSpace(h[i+1:]) == "" {
		return h, table.DataType{}, false
	}
	return h[:i], dt, true
}

// inferType picks the narrowest kind every non-empty value of column i
// parses as: Integer, Long, Double, Boolean, otherwise String.
func inferType(records [][]string, i int) table.DataType {
	isInt, isLong, isDouble, isBool, seen := true, true, true, true, false
	for _, rec := range records {
		v := rec[i]
		if v == "" {
			continue
		}
		seen = true
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			isInt, isLong = false, false
		} else if n > math.MaxInt32 || n < math.MinInt32 {
			isInt = false
		}
		if _, err := cast.ToFloat64E(v); err != nil {
			isDouble = false
		}
		if !strings.EqualFold(v, "true") && !strings.EqualFold(v, "false") {
			isBool = false
		}
	}
	switch {
	case !seen:
		return table.StringType
	case isInt:
		return table.IntType
	case isLong:
		return table.LongType
	case isDouble:
		return table.DoubleType
	case isBool:
		return table.BooleanType
	}
	return table.StringType
}

func parseCell(v string, k table.Kind) (table.Cell, error) {
	if v == "" {
		return table.Missing(), nil
	}
	switch k {
	// Base 10 on purpose: cast reads a leading zero as octal.
	case table.KindInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return table.Missing(), err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return table.Missing(), fmt.Errorf("%s overflows Integer", v)
		}
		return table.IntCell(int32(n)), nil
	case table.KindLong:
		n, err := strconv.ParseInt(v, 10, 64)
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
	return table.StringCell(v), nil
}

// WriteCSV writes t with a "name:Type" header. Missing cells are empty.
func WriteCSV(w io.Writer, t *table.Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, t.Spec.NumColumns())
	for i, c := range t.Spec.Columns {
		header[i] = c.Name + ":" + c.Type.String()
	}
	if err := cw.Write(header); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write csv header: %v", err).WithCause(err)
	}
	rec := make([]string, len(header))
	for _, row := range t.Rows {
		for i, c := range row.Cells {
			if c.IsMissing() {
				rec[i] = ""
				continue
			}
			rec[i] = c.String()
		}
		if err := cw.Write(rec); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "write csv row %q: %v", row.Key, err).WithCause(err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "flush csv: %v", err).WithCause(err)
	}
	return nil
}
