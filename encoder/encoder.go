// Package encoder turns rows of a known schema into table data files.
package encoder

import (
	"context"
	"io"

	"github.com/baldanca/s3-table-ingestor/dataset"
)

// Encoder converts rows conforming to schema into a binary payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder interface {
	Encode(ctx context.Context, schema dataset.Schema, rows []map[string]any) (data []byte, err error)
	FileExtension() string
	ContentType() string
}

// StreamEncoder is an optional interface for encoders that can write directly
// to an io.Writer to avoid buffering the full output in memory.
type StreamEncoder interface {
	EncodeTo(ctx context.Context, schema dataset.Schema, rows []map[string]any, w io.Writer) error
	FileExtension() string
	ContentType() string
}
