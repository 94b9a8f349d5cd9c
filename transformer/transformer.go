// Package transformer applies row-level transformations between reading and
// writing a load.
package transformer

import (
	"context"
	"fmt"
	"time"

	"github.com/baldanca/s3-table-ingestor/dataset"
)

// Env carries the values shared by every row of one load.
type Env struct {
	// IngestTime is fixed once per load.
	IngestTime time.Time
}

// IngestDate renders IngestTime as yyyy-MM-dd in UTC.
func (e Env) IngestDate() string { return e.IngestTime.UTC().Format("2006-01-02") }

// Transformer converts one row into another. keep=false drops the row.
type Transformer interface {
	Transform(ctx context.Context, in dataset.Row, env Env) (out dataset.Row, keep bool, err error)
}

// Func adapts a function to Transformer.
type Func func(ctx context.Context, in dataset.Row, env Env) (dataset.Row, bool, error)

func (f Func) Transform(ctx context.Context, in dataset.Row, env Env) (dataset.Row, bool, error) {
	return f(ctx, in, env)
}

// Apply runs t over every row of ds. A nil t returns ds unchanged. Any row
// error fails the whole load.
func Apply(ctx context.Context, t Transformer, ds *dataset.Dataset, env Env) (*dataset.Dataset, error) {
	if t == nil || ds == nil {
		return ds, nil
	}
	out := &dataset.Dataset{Rows: make([]dataset.Row, 0, len(ds.Rows))}
	for i, r := range ds.Rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, keep, err := t.Transform(ctx, r, env)
		if err != nil {
			return nil, fmt.Errorf("transform row %d of %s: %w", i, r.Source, err)
		}
		if keep {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
