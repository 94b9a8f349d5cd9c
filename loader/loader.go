// Package loader loads a batch of NDJSON objects into the destination table as
// one all-or-nothing write.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/baldanca/s3-table-ingestor/dataset"
	"github.com/baldanca/s3-table-ingestor/event"
	"github.com/baldanca/s3-table-ingestor/table"
	"github.com/baldanca/s3-table-ingestor/transformer"
)

// Failure is returned by Load for any error. Nothing from the batch is
// visible in the table when a Failure is returned.
type Failure struct {
	Cause error
}

func (f *Failure) Error() string { return "load failed: " + f.Cause.Error() }

func (f *Failure) Unwrap() error { return f.Cause }

// Format prints the cause with its stack trace for %+v.
func (f *Failure) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "load failed: %+v", f.Cause)
		return
	}
	fmt.Fprint(s, f.Error())
}

// Result describes a successful load.
type Result struct {
	Mode       table.Mode
	Refs       int
	Rows       int
	Version    int64
	SnapshotID int64
}

type Config struct {
	Table       table.Ident
	PartitionBy []string
	// Compression of created tables; empty uses the catalog default.
	Compression string
	Properties  map[string]string
}

func (c Config) validate() error {
	return c.Table.Validate()
}

type reader interface {
	Read(ctx context.Context, refs []event.ObjectRef) (*dataset.Dataset, error)
}

type catalog interface {
	Exists(ctx context.Context, id table.Ident) (bool, error)
	Write(ctx context.Context, id table.Ident, mode table.Mode, ds *dataset.Dataset, opts table.WriteOptions) (*table.Table, error)
}

type Loader struct {
	read   reader
	cat    catalog
	tr     transformer.Transformer
	cfg    Config
	logger log.Logger
	now    func() time.Time
}

// New returns a Loader. tr may be nil.
func New(read reader, cat catalog, tr transformer.Transformer, cfg Config, logger log.Logger) (*Loader, error) {
	if read == nil {
		panic("reader is required")
	}
	if cat == nil {
		panic("catalog is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "loader config")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Loader{read: read, cat: cat, tr: tr, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Load reads refs as one row set, transforms it and commits it, creating the
// table on first use and appending afterwards. Existence is checked on every
// call. A lost creation race falls back to an append. Every error is returned
// as a *Failure.
func (l *Loader) Load(ctx context.Context, refs []event.ObjectRef) (Result, error) {
	res := Result{Refs: len(refs)}
	if len(refs) == 0 {
		return res, nil
	}
	logger := log.With(l.logger, "table", l.cfg.Table)

	ds, err := l.read.Read(ctx, refs)
	if err != nil {
		return res, l.fail(logger, errors.Wrapf(err, "read %d objects", len(refs)))
	}

	ds, err = transformer.Apply(ctx, l.tr, ds, transformer.Env{IngestTime: l.now()})
	if err != nil {
		return res, l.fail(logger, errors.Wrap(err, "transform rows"))
	}
	res.Rows = ds.Len()
	if res.Rows == 0 {
		level.Info(logger).Log("msg", "no rows to load", "refs", len(refs))
		return res, nil
	}

	exists, err := l.cat.Exists(ctx, l.cfg.Table)
	if err != nil {
		return res, l.fail(logger, errors.Wrap(err, "check table existence"))
	}

	opts := table.WriteOptions{
		PartitionBy: l.cfg.PartitionBy,
		Compression: l.cfg.Compression,
		Properties:  l.cfg.Properties,
	}
	mode := table.ModeAppend
	if !exists {
		mode = table.ModeCreate
	}

	t, err := l.cat.Write(ctx, l.cfg.Table, mode, ds, opts)
	if mode == table.ModeCreate && errors.Is(err, table.ErrExists) {
		level.Info(logger).Log("msg", "table created concurrently, appending instead")
		mode = table.ModeAppend
		t, err = l.cat.Write(ctx, l.cfg.Table, mode, ds, opts)
	}
	if err != nil {
		return res, l.fail(logger, errors.Wrapf(err, "%s %s", mode, l.cfg.Table))
	}

	res.Mode = mode
	res.Version = t.Version
	if s := t.Snapshot(); s != nil {
		res.SnapshotID = s.ID
	}
	level.Info(logger).Log("msg", "loaded batch", "mode", mode, "refs", len(refs), "rows", res.Rows, "version", res.Version)
	return res, nil
}

func (l *Loader) fail(logger log.Logger, err error) error {
	level.Error(logger).Log("msg", "load failed", "err", err)
	return &Failure{Cause: err}
}
