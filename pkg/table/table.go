package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Cell is one value of a row. A Cell with a nil value is missing.
// Collection cells hold []any whose nil elements are missing elements.
type Cell struct {
	value any
}

// Missing returns the missing cell.
func Missing() Cell { return Cell{} }

// StringCell, IntCell, LongCell, DoubleCell and BoolCell build scalar cells.
func StringCell(v string) Cell  { return Cell{value: v} }
func IntCell(v int32) Cell      { return Cell{value: v} }
func LongCell(v int64) Cell     { return Cell{value: v} }
func DoubleCell(v float64) Cell { return Cell{value: v} }
func BoolCell(v bool) Cell      { return Cell{value: v} }

// ListCell builds a collection cell; nil elements are missing elements.
func ListCell(elems []any) Cell {
	if elems == nil {
		elems = []any{}
	}
	return Cell{value: elems}
}

// IsMissing reports whether the cell holds no value.
func (c Cell) IsMissing() bool { return c.value == nil }

// Value returns the raw value (string, int32, int64, float64, bool or []any).
func (c Cell) Value() any { return c.value }

func (c Cell) String() string {
	switch v := c.value.(type) {
	case nil:
		return "?"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = Cell{value: e}.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// Row is a keyed sequence of cells.
type Row struct {
	Key   string
	Cells []Cell
}

// Cell returns the i-th cell.
func (r Row) Cell(i int) Cell { return r.Cells[i] }

// ColumnSpec names and types a column.
type ColumnSpec struct {
	Name string   `json:"name"`
	Type DataType `json:"type"`
}

// Spec is the ordered list of columns of a table.
type Spec struct {
	Columns []ColumnSpec `json:"columns"`
}

// NewSpec builds a Spec from column specs.
func NewSpec(cols ...ColumnSpec) *Spec {
	return &Spec{Columns: cols}
}

// NumColumns returns the number of columns.
func (s *Spec) NumColumns() int {
	if s == nil {
		return 0
	}
	return len(s.Columns)
}

// Column returns the i-th column spec.
func (s *Spec) Column(i int) ColumnSpec { return s.Columns[i] }

// FindColumnIndex returns the index of the named column, or -1.
func (s *Spec) FindColumnIndex(name string) int {
	if s == nil {
		return -1
	}
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s *Spec) Names() []string {
	names := make([]string, s.NumColumns())
	for i := range names {
		names[i] = s.Columns[i].Name
	}
	return names
}

// UniqueColumnName returns base if unused, otherwise base followed by " (#n)".
func (s *Spec) UniqueColumnName(base string) string {
	if s.FindColumnIndex(base) < 0 {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (#%d)", base, n)
		if s.FindColumnIndex(candidate) < 0 {
			return candidate
		}
	}
}

// Table is a spec with materialized rows.
type Table struct {
	Spec *Spec
	Rows []Row
}

// RowCount returns the number of rows.
func (t *Table) RowCount() int64 { return int64(len(t.Rows)) }
