package transformer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/baldanca/s3-table-ingestor/dataset"
)

var _ Transformer = (*CEL)(nil)

// Column derives one column from a CEL expression.
type Column struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// Spec declares a CEL transformation.
//
// Expressions see row (the record as a map), source_file, ingest_time and
// ingest_date. Where filters rows, Columns are evaluated in order and each one
// sees the columns derived before it, and Drop removes columns last.
type Spec struct {
	Columns []Column `yaml:"columns"`
	Where   string   `yaml:"where"`
	Drop    []string `yaml:"drop"`
	// Provenance adds input_file, processed_time and processed_date.
	Provenance bool `yaml:"provenance"`
}

// ProvenanceColumns are the columns added by Spec.Provenance.
var ProvenanceColumns = []Column{
	{Name: "input_file", Expr: "source_file"},
	{Name: "processed_time", Expr: "ingest_time"},
	{Name: "processed_date", Expr: "ingest_date"},
}

// Empty reports whether s transforms nothing.
func (s Spec) Empty() bool {
	return len(s.Columns) == 0 && strings.TrimSpace(s.Where) == "" && len(s.Drop) == 0 && !s.Provenance
}

type compiledColumn struct {
	name string
	prog cel.Program
}

// CEL is a compiled Spec. It is safe for concurrent use.
type CEL struct {
	where   cel.Program
	columns []compiledColumn
	drop    []string
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("source_file", cel.StringType),
		cel.Variable("ingest_time", cel.TimestampType),
		cel.Variable("ingest_date", cel.StringType),
	)
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	return env.Program(checked)
}

// NewCEL compiles spec.
func NewCEL(spec Spec) (*CEL, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	t := &CEL{drop: append([]string(nil), spec.Drop...)}
	if w := strings.TrimSpace(spec.Where); w != "" {
		if t.where, err = compile(env, w); err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
	}

	cols := spec.Columns
	if spec.Provenance {
		cols = append(append([]Column(nil), ProvenanceColumns...), cols...)
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if strings.TrimSpace(c.Name) == "" {
			return nil, errors.New("column name is required")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("column %q declared twice", c.Name)
		}
		seen[c.Name] = true
		prog, err := compile(env, c.Expr)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		t.columns = append(t.columns, compiledColumn{name: c.Name, prog: prog})
	}
	return t, nil
}

func (t *CEL) Transform(ctx context.Context, in dataset.Row, env Env) (dataset.Row, bool, error) {
	values := make(map[string]any, len(in.Values)+len(t.columns))
	for k, v := range in.Values {
		values[k] = v
	}
	vars := map[string]any{
		"row":         values,
		"source_file": in.Source,
		"ingest_time": env.IngestTime,
		"ingest_date": env.IngestDate(),
	}

	if t.where != nil {
		out, _, err := t.where.ContextEval(ctx, vars)
		if err != nil {
			return dataset.Row{}, false, fmt.Errorf("where: %w", err)
		}
		b, ok := out.(types.Bool)
		if !ok {
			return dataset.Row{}, false, fmt.Errorf("where: expected bool, got %s", out.Type().TypeName())
		}
		if !bool(b) {
			return dataset.Row{}, false, nil
		}
	}

	for _, c := range t.columns {
		out, _, err := c.prog.ContextEval(ctx, vars)
		if err != nil {
			return dataset.Row{}, false, fmt.Errorf("column %q: %w", c.name, err)
		}
		v, err := native(out)
		if err != nil {
			return dataset.Row{}, false, fmt.Errorf("column %q: %w", c.name, err)
		}
		values[c.name] = v
	}

	for _, name := range t.drop {
		delete(values, name)
	}
	return dataset.Row{Source: in.Source, Values: values}, true, nil
}

// native converts a CEL value back into the row value domain.
func native(v ref.Val) (any, error) {
	switch x := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(x), nil
	case types.Int:
		return int64(x), nil
	case types.Uint:
		return dataset.Normalize(uint64(x)), nil
	case types.Double:
		return float64(x), nil
	case types.String:
		return string(x), nil
	case types.Bytes:
		return string(x), nil
	case types.Timestamp:
		return x.Time, nil
	case types.Duration:
		return x.Duration.String(), nil
	case *types.Err:
		return nil, x
	}

	if m, ok := v.(traits.Mapper); ok {
		out := make(map[string]any)
		it := m.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			e, err := native(m.Get(k))
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k.Value())] = e
		}
		return out, nil
	}
	if l, ok := v.(traits.Lister); ok {
		n, ok := l.Size().(types.Int)
		if !ok {
			return nil, errors.New("list without size")
		}
		out := make([]any, 0, int(n))
		for i := types.Int(0); i < n; i++ {
			e, err := native(l.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}
	return dataset.Normalize(v.Value()), nil
}
