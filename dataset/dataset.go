// Package dataset holds the row model shared by the reader, the transformer and
// the table writer, and reads NDJSON objects into it.
package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

type Type string

const (
	TypeBool      Type = "boolean"
	TypeLong      Type = "long"
	TypeDouble    Type = "double"
	TypeString    Type = "string"
	TypeTimestamp Type = "timestamp"
	// TypeJSON holds nested objects and arrays, stored as JSON text.
	TypeJSON Type = "json"
)

// Column is a named, nullable, typed column.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is an ordered list of columns. Inferred schemas are sorted by name.
type Schema []Column

// Lookup returns the column called name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Row is one record plus the URI of the object it was read from.
type Row struct {
	Source string
	Values map[string]any
}

// Dataset is the logical row set of one load.
type Dataset struct {
	Rows []Row
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// TypeOf returns the column type of a normalized value. ok is false for nil.
func TypeOf(v any) (t Type, ok bool) {
	switch v.(type) {
	case nil:
		return "", false
	case bool:
		return TypeBool, true
	case int64:
		return TypeLong, true
	case float64:
		return TypeDouble, true
	case string:
		return TypeString, true
	case time.Time:
		return TypeTimestamp, true
	default:
		return TypeJSON, true
	}
}

func widen(a, b Type) Type {
	switch {
	case a == b:
		return a
	case a == "":
		return b
	case b == "":
		return a
	case (a == TypeLong && b == TypeDouble) || (a == TypeDouble && b == TypeLong):
		return TypeDouble
	default:
		return TypeString
	}
}

// InferSchema derives a schema covering every column of rows. Longs mixed with
// doubles widen to double; any other conflict widens to string. Columns that
// only ever hold null are typed string.
func InferSchema(rows []Row) Schema {
	types := make(map[string]Type)
	for _, r := range rows {
		for k, v := range r.Values {
			t, ok := TypeOf(v)
			if !ok {
				if _, seen := types[k]; !seen {
					types[k] = ""
				}
				continue
			}
			types[k] = widen(types[k], t)
		}
	}

	out := make(Schema, 0, len(types))
	for name, t := range types {
		if t == "" {
			t = TypeString
		}
		out = append(out, Column{Name: name, Type: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Coerce converts a normalized value to column type t.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeLong:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
				return int64(x), nil
			}
		}
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
				return ts, nil
			}
		}
	case TypeString:
		return Stringify(v), nil
	case TypeJSON:
		return v, nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
	return nil, fmt.Errorf("cannot store %T value %v as %s", v, v, t)
}

// Stringify renders a normalized value as text. Nested values become JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Normalize converts values produced by a json.Decoder with UseNumber into the
// row value domain: json.Number becomes int64 or float64, and nested maps and
// slices are normalized recursively.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = Normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = Normalize(e)
		}
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
