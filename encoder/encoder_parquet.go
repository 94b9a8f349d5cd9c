package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/baldanca/s3-table-ingestor/dataset"
)

var (
	_ Encoder       = ParquetEncoder{}
	_ StreamEncoder = ParquetEncoder{}
)

// ParquetEncoder writes one parquet file per call. Every column is optional.
type ParquetEncoder struct {
	// Compression (optional): "", "none", "snappy", "gzip", "zstd", "lz4"
	Compression string
}

func (e ParquetEncoder) FileExtension() string { return ".parquet" }

func (e ParquetEncoder) ContentType() string { return "application/vnd.apache.parquet" }

// ValidateCompression reports whether name is a codec ParquetEncoder accepts.
func ValidateCompression(name string) error {
	_, err := codec(name)
	return err
}

func codec(name string) (compress.Codec, error) {
	switch name {
	case "", "none", "uncompressed":
		return &parquet.Uncompressed, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "lz4":
		return &parquet.Lz4Raw, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", name)
	}
}

// ParquetSchema builds the parquet schema of s.
func ParquetSchema(s dataset.Schema) (*parquet.Schema, error) {
	group := parquet.Group{}
	for _, c := range s {
		var node parquet.Node
		switch c.Type {
		case dataset.TypeBool:
			node = parquet.Leaf(parquet.BooleanType)
		case dataset.TypeLong:
			node = parquet.Int(64)
		case dataset.TypeDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case dataset.TypeString:
			node = parquet.String()
		case dataset.TypeTimestamp:
			node = parquet.Timestamp(parquet.Microsecond)
		case dataset.TypeJSON:
			node = parquet.JSON()
		default:
			return nil, fmt.Errorf("column %q: unsupported type %q", c.Name, c.Type)
		}
		if _, dup := group[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		group[c.Name] = parquet.Optional(node)
	}
	return parquet.NewSchema("row", group), nil
}

func (e ParquetEncoder) Encode(ctx context.Context, schema dataset.Schema, rows []map[string]any) ([]byte, error) {
	output := &bytes.Buffer{}
	if err := e.EncodeTo(ctx, schema, rows, output); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

func (e ParquetEncoder) EncodeTo(ctx context.Context, schema dataset.Schema, rows []map[string]any, w io.Writer) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	c, err := codec(e.Compression)
	if err != nil {
		return err
	}
	ps, err := ParquetSchema(schema)
	if err != nil {
		return err
	}

	// Leaf columns of a parquet group are ordered by name.
	leaves := ps.Columns()
	cols := make([]dataset.Column, len(leaves))
	for i, path := range leaves {
		col, ok := schema.Lookup(path[0])
		if !ok {
			return fmt.Errorf("parquet column %q not in schema", path[0])
		}
		cols[i] = col
	}

	buf := make([]parquet.Row, 0, len(rows))
	for n, r := range rows {
		row, err := toRow(cols, r)
		if err != nil {
			return fmt.Errorf("row %d: %w", n, err)
		}
		buf = append(buf, row)
	}

	pw := parquet.NewWriter(w, ps, parquet.Compression(c))
	if _, err := pw.WriteRows(buf); err != nil {
		_ = pw.Close()
		return err
	}
	if err := pw.Close(); err != nil {
		return err
	}

	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func toRow(cols []dataset.Column, values map[string]any) (parquet.Row, error) {
	row := make(parquet.Row, len(cols))
	for i, c := range cols {
		v, err := dataset.Coerce(values[c.Name], c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		if v == nil {
			row[i] = parquet.NullValue().Level(0, 0, i)
			continue
		}

		var pv parquet.Value
		if c.Type == dataset.TypeJSON {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			row[i] = parquet.ByteArrayValue(b).Level(0, 1, i)
			continue
		}
		switch x := v.(type) {
		case bool:
			pv = parquet.BooleanValue(x)
		case int64:
			pv = parquet.Int64Value(x)
		case float64:
			pv = parquet.DoubleValue(x)
		case string:
			pv = parquet.ByteArrayValue([]byte(x))
		case time.Time:
			pv = parquet.Int64Value(x.UnixMicro())
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			pv = parquet.ByteArrayValue(b)
		}
		row[i] = pv.Level(0, 1, i)
	}
	return row, nil
}
