package table

import (
	"context"
	"fmt"
)

// CellFactory computes new cells for a row.
type CellFactory interface {
	// ColumnSpecs describes the cells returned by Cells, in order.
	ColumnSpecs() []ColumnSpec
	// Cells computes the new cells for row.
	Cells(ctx context.Context, row Row) ([]Cell, error)
}

// Rearranger derives an output table by appending the factory's cells to each
// row or by replacing the cells at fixed column indices.
type Rearranger struct {
	in      *Spec
	factory CellFactory
	replace []int
	out     *Spec
}

// NewAppendRearranger appends the factory's columns after the input columns.
func NewAppendRearranger(in *Spec, f CellFactory) *Rearranger {
	cols := make([]ColumnSpec, 0, in.NumColumns()+len(f.ColumnSpecs()))
	cols = append(cols, in.Columns...)
	cols = append(cols, f.ColumnSpecs()...)
	return &Rearranger{in: in, factory: f, out: &Spec{Columns: cols}}
}

// NewReplaceRearranger replaces the columns at indices with the factory's
// columns; len(indices) must equal the factory's column count.
func NewReplaceRearranger(in *Spec, f CellFactory, indices ...int) (*Rearranger, error) {
	specs := f.ColumnSpecs()
	if len(indices) != len(specs) {
		return nil, fmt.Errorf("replace %d columns with %d computed columns", len(indices), len(specs))
	}
	cols := make([]ColumnSpec, in.NumColumns())
	copy(cols, in.Columns)
	for i, idx := range indices {
		if idx < 0 || idx >= len(cols) {
			return nil, fmt.Errorf("replace index %d out of range [0,%d)", idx, len(cols))
		}
		cols[idx] = specs[i]
	}
	return &Rearranger{in: in, factory: f, replace: indices, out: &Spec{Columns: cols}}, nil
}

// OutputSpec returns the spec of rearranged rows.
func (r *Rearranger) OutputSpec() *Spec { return r.out }

// Apply rearranges a single row.
func (r *Rearranger) Apply(ctx context.Context, row Row) (Row, error) {
	computed, err := r.factory.Cells(ctx, row)
	if err != nil {
		return Row{}, err
	}
	if r.replace == nil {
		cells := make([]Cell, 0, len(row.Cells)+len(computed))
		cells = append(cells, row.Cells...)
		cells = append(cells, computed...)
		return Row{Key: row.Key, Cells: cells}, nil
	}
	cells := make([]Cell, len(row.Cells))
	copy(cells, row.Cells)
	for i, idx := range r.replace {
		cells[idx] = computed[i]
	}
	return Row{Key: row.Key, Cells: cells}, nil
}

// Transform applies the rearrangement to every row of t, stopping at the
// first error or when ctx is cancelled.
func (r *Rearranger) Transform(ctx context.Context, t *Table) (*Table, error) {
	out := &Table{Spec: r.out, Rows: make([]Row, 0, len(t.Rows))}
	for _, row := range t.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nr, err := r.Apply(ctx, row)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, nr)
	}
	return out, nil
}
