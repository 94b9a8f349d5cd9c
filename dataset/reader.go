package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/s3-table-ingestor/event"
)

// ErrNotFound is returned by an Opener when the referenced object does not exist.
var ErrNotFound = errors.New("object not found")

// Opener opens the content of one referenced object.
type Opener interface {
	Open(ctx context.Context, ref event.ObjectRef) (io.ReadCloser, error)
}

type ReaderConfig struct {
	// Concurrency bounds parallel object reads.
	Concurrency int
	// IgnoreMissing skips objects that no longer exist instead of failing.
	IgnoreMissing bool
	// SkipMalformedLines drops lines that are not a JSON object instead of
	// failing the read.
	SkipMalformedLines bool
}

var DefaultReaderConfig = ReaderConfig{
	Concurrency: 8,
}

func (c ReaderConfig) validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

// Reader reads newline-delimited JSON objects into one Dataset.
type Reader struct {
	open   Opener
	cfg    ReaderConfig
	logger log.Logger
}

func NewReader(open Opener, cfg ReaderConfig, logger log.Logger) (*Reader, error) {
	if open == nil {
		return nil, errors.New("opener is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reader{open: open, cfg: cfg, logger: logger}, nil
}

// Read reads every ref. Rows keep ref order, and each row records the URI of
// its object. Any failure aborts the whole read.
func (r *Reader) Read(ctx context.Context, refs []event.ObjectRef) (*Dataset, error) {
	parts := make([][]Row, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			rows, err := r.readOne(gctx, ref)
			if err != nil {
				return fmt.Errorf("read %s: %w", ref.URI(), err)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := &Dataset{Rows: make([]Row, 0, n)}
	for _, p := range parts {
		out.Rows = append(out.Rows, p...)
	}
	return out, nil
}

func (r *Reader) readOne(ctx context.Context, ref event.ObjectRef) ([]Row, error) {
	rc, err := r.open.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) && r.cfg.IgnoreMissing {
			level.Warn(r.logger).Log("msg", "skipping missing object", "uri", ref.URI())
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()

	body, closeBody, err := decompress(rc, ref.Key)
	if err != nil {
		return nil, err
	}
	defer closeBody()

	rows, skipped, err := decodeLines(body, ref.URI(), r.cfg.SkipMalformedLines)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		level.Warn(r.logger).Log("msg", "skipped malformed lines", "uri", ref.URI(), "lines", skipped)
	}
	level.Debug(r.logger).Log("msg", "read object", "uri", ref.URI(), "rows", len(rows))
	return rows, nil
}

func decompress(rc io.Reader, key string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(key, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case strings.HasSuffix(key, ".zst"), strings.HasSuffix(key, ".zstd"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return rc, func() {}, nil
	}
}

func decodeLines(body io.Reader, uri string, skipMalformed bool) (rows []Row, skipped int, err error) {
	br := bufio.NewReaderSize(body, 64*1024)
	lineNo := 0
	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				values, perr := decodeObject(line)
				switch {
				case perr == nil:
					rows = append(rows, Row{Source: uri, Values: values})
				case skipMalformed:
					skipped++
				default:
					return nil, 0, fmt.Errorf("line %d: %w", lineNo, perr)
				}
			}
		}
		if readErr == io.EOF {
			return rows, skipped, nil
		}
		if readErr != nil {
			return nil, 0, readErr
		}
	}
}

func decodeObject(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
	Normalize(m)
	return m, nil
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Opener opens objects with GetObject.
type S3Opener struct {
	client s3API
}

func NewS3Opener(client s3API) *S3Opener {
	if client == nil {
		panic("s3 client is required")
	}
	return &S3Opener{client: client}
}

func (o *S3Opener) Open(ctx context.Context, ref event.ObjectRef) (io.ReadCloser, error) {
	bucket, key := ref.Bucket, ref.Key
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, err
	}
	return out.Body, nil
}

// DirOpener maps bucket/key to files under Root. It backs local runs and tests.
type DirOpener struct {
	Root string
}

func (o DirOpener) Open(ctx context.Context, ref event.ObjectRef) (io.ReadCloser, error) {
	p := filepath.Join(o.Root, ref.Bucket, filepath.FromSlash(ref.Key))
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	return f, nil
}

// NewS3Reader is a Reader over S3 GetObject.
func NewS3Reader(client s3API, cfg ReaderConfig, logger log.Logger) (*Reader, error) {
	return NewReader(NewS3Opener(client), cfg, logger)
}
