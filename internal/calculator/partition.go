package calculator

import (
	"context"

	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/pkg/table"
)

// RearrangerFactory builds the rearranger of one partition. firstRowIndex is
// the global index of the partition's first row; each call must return a
// rearranger backed by its own calculator.
type RearrangerFactory func(firstRowIndex int64) (*table.Rearranger, error)

// ProcessPartitioned splits in into up to n contiguous partitions and
// transforms them concurrently on pool. Row order and row indices are
// preserved. The first error cancels the remaining partitions.
func ProcessPartitioned(ctx context.Context, pool *engine.WorkerPool, in *table.Table, n int, factory RearrangerFactory) (*table.Table, error) {
	rows := len(in.Rows)
	if n < 1 {
		n = 1
	}
	if n > rows && rows > 0 {
		n = rows
	}
	if rows == 0 || n == 1 {
		r, err := factory(0)
		if err != nil {
			return nil, err
		}
		return r.Transform(ctx, in)
	}

	batch := pool.NewBatch(ctx)
	var spec *table.Spec
	results := make([][]table.Row, n)
	size := (rows + n - 1) / n
	for p := 0; p < n; p++ {
		start := p * size
		if start >= rows {
			break
		}
		end := min(start+size, rows)

		r, err := factory(int64(start))
		if err != nil {
			batch.Cancel(err)
			break
		}
		if spec == nil {
			spec = r.OutputSpec()
		}

		part := &table.Table{Spec: in.Spec, Rows: in.Rows[start:end]}
		err = batch.Go(p, func(ctx context.Context) error {
			out, err := r.Transform(ctx, part)
			if err != nil {
				return err
			}
			results[p] = out.Rows
			return nil
		})
		if err != nil {
			break
		}
	}
	if err := batch.Wait(); err != nil {
		return nil, err
	}
	out := &table.Table{Spec: spec, Rows: make([]table.Row, 0, rows)}
	for _, part := range results {
		out.Rows = append(out.Rows, part...)
	}
	return out, nil
}
