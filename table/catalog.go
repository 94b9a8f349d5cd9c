package table

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/baldanca/s3-table-ingestor/dataset"
	"github.com/baldanca/s3-table-ingestor/encoder"
	"github.com/baldanca/s3-table-ingestor/sink"
)

type CatalogConfig struct {
	// Compression is the parquet codec of tables created without one.
	Compression string
	// CommitRetries bounds rebase attempts after a lost commit race, unless
	// the table sets commit.retry.num-retries.
	CommitRetries int
}

var DefaultCatalogConfig = CatalogConfig{
	Compression:   "snappy",
	CommitRetries: 4,
}

func (c CatalogConfig) validate() error {
	if err := encoder.ValidateCompression(c.Compression); err != nil {
		return err
	}
	if c.CommitRetries < 0 {
		return errors.New("commit retries must be >= 0")
	}
	return nil
}

// WriteOptions shape a Write. PartitionBy, Compression and Properties are
// fixed when a table is created; on append an empty PartitionBy inherits the
// table's spec and Properties are merged into the metadata.
type WriteOptions struct {
	PartitionBy []string
	Compression string
	Properties  map[string]string
}

// Catalog creates, loads and writes tables stored in one warehouse.
type Catalog struct {
	store  sink.Store
	cfg    CatalogConfig
	logger log.Logger

	newEncoder func(compression string) encoder.Encoder
	now        func() time.Time
}

func NewCatalog(store sink.Store, cfg CatalogConfig, logger log.Logger) (*Catalog, error) {
	if store == nil {
		panic("store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Catalog{
		store:  store,
		cfg:    cfg,
		logger: logger,
		newEncoder: func(compression string) encoder.Encoder {
			return encoder.ParquetEncoder{Compression: compression}
		},
		now: time.Now,
	}, nil
}

// Defaults for tables whose properties do not say otherwise.
const (
	defaultManifestMerge = 100
	defaultMaxSnapshots  = 100
)

func metadataPrefix(id Ident) string { return id.Path() + "/metadata/" }

func metadataKey(id Ident, version int64) string {
	return fmt.Sprintf("%sv%020d.metadata.json", metadataPrefix(id), version)
}

func versionHintKey(id Ident) string { return metadataPrefix(id) + "version-hint.text" }

func manifestKey(id Ident) string {
	return id.Path() + "/manifests/" + uuid.NewString() + ".manifest.json"
}

func parseVersion(key string) (int64, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, "v") || !strings.HasSuffix(base, ".metadata.json") {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(base[1:], ".metadata.json"), 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// current returns the latest committed version of id and its metadata, or
// version 0 if the table does not exist. The version hint may lag behind
// other writers, so current reads forward from it until a version is
// missing. Only a table without a usable hint is listed.
func (c *Catalog) current(ctx context.Context, id Ident) (int64, []byte, error) {
	v, err := c.readVersionHint(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	var b []byte
	if v > 0 {
		b, err = c.store.Read(ctx, metadataKey(id, v))
		switch {
		case errors.Is(err, sink.ErrNotFound):
			level.Warn(c.logger).Log("msg", "version hint names a missing version", "table", id, "version", v)
			v = 0
		case err != nil:
			return 0, nil, fmt.Errorf("read metadata v%d of %s: %w", v, id, err)
		}
	}
	if v == 0 {
		if v, err = c.listVersions(ctx, id); err != nil || v == 0 {
			return 0, nil, err
		}
		if b, err = c.store.Read(ctx, metadataKey(id, v)); err != nil {
			return 0, nil, fmt.Errorf("read metadata v%d of %s: %w", v, id, err)
		}
	}

	for {
		next, err := c.store.Read(ctx, metadataKey(id, v+1))
		if errors.Is(err, sink.ErrNotFound) {
			return v, b, nil
		}
		if err != nil {
			return 0, nil, fmt.Errorf("read metadata v%d of %s: %w", v+1, id, err)
		}
		v, b = v+1, next
	}
}

// readVersionHint returns 0 when the hint is absent or unreadable.
func (c *Catalog) readVersionHint(ctx context.Context, id Ident) (int64, error) {
	b, err := c.store.Read(ctx, versionHintKey(id))
	if errors.Is(err, sink.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version hint of %s: %w", id, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || v < 1 {
		level.Warn(c.logger).Log("msg", "ignoring invalid version hint", "table", id, "hint", string(b))
		return 0, nil
	}
	return v, nil
}

func (c *Catalog) writeVersionHint(ctx context.Context, id Ident, version int64) {
	err := c.store.Write(ctx, sink.WriteRequest{
		Key:         versionHintKey(id),
		Data:        []byte(strconv.FormatInt(version, 10)),
		ContentType: "text/plain",
	})
	if err != nil {
		level.Warn(c.logger).Log("msg", "write version hint", "table", id, "version", version, "err", err)
	}
}

func (c *Catalog) listVersions(ctx context.Context, id Ident) (int64, error) {
	keys, err := c.store.List(ctx, metadataPrefix(id))
	if err != nil {
		return 0, fmt.Errorf("list metadata of %s: %w", id, err)
	}
	var latest int64
	for _, k := range keys {
		if v, ok := parseVersion(k); ok && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// Exists reports whether id has at least one committed metadata version. It
// always asks the store.
func (c *Catalog) Exists(ctx context.Context, id Ident) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	v, _, err := c.current(ctx, id)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

// Load reads the latest metadata version of id.
func (c *Catalog) Load(ctx context.Context, id Ident) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	v, b, err := c.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	t := &Table{Ident: id, Version: v}
	if err := json.Unmarshal(b, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata v%d of %s: %w", v, id, err)
	}
	return t, nil
}

// DataFiles reads the manifests of t and returns its live data files, oldest
// first.
func (c *Catalog) DataFiles(ctx context.Context, t *Table) ([]DataFile, error) {
	var out []DataFile
	for _, m := range t.Metadata.Manifests {
		b, err := c.store.Read(ctx, m.Key)
		if err != nil {
			return nil, fmt.Errorf("read manifest of %s: %w", t.Ident, err)
		}
		var mf manifestFile
		if err := json.Unmarshal(b, &mf); err != nil {
			return nil, fmt.Errorf("decode manifest %s of %s: %w", m.Key, t.Ident, err)
		}
		out = append(out, mf.Files...)
	}
	return out, nil
}

func (c *Catalog) writeManifest(ctx context.Context, id Ident, snapshotID int64, files []DataFile) (Manifest, error) {
	b, err := json.Marshal(manifestFile{Files: files})
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest of %s: %w", id, err)
	}
	m := Manifest{Key: manifestKey(id), AddedSnapshotID: snapshotID, Files: len(files)}
	for _, f := range files {
		m.Records += f.Records
	}
	err = c.store.Write(ctx, sink.WriteRequest{Key: m.Key, Data: b, ContentType: "application/json"})
	if err != nil {
		return Manifest{}, fmt.Errorf("write manifest of %s: %w", id, err)
	}
	return m, nil
}

// mergeManifests rewrites the files of manifests into one manifest.
func (c *Catalog) mergeManifests(ctx context.Context, t *Table, snapshotID int64, manifests []Manifest) (Manifest, error) {
	files, err := c.DataFiles(ctx, &Table{Ident: t.Ident, Metadata: Metadata{Manifests: manifests}})
	if err != nil {
		return Manifest{}, err
	}
	return c.writeManifest(ctx, t.Ident, snapshotID, files)
}

// Write commits the rows of ds to id. It returns the committed table version.
func (c *Catalog) Write(ctx context.Context, id Ident, mode Mode, ds *dataset.Dataset, opts WriteOptions) (*Table, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, errors.New("no rows to write")
	}
	switch mode {
	case ModeCreate:
		return c.create(ctx, id, ds, opts)
	case ModeAppend:
		return c.append(ctx, id, ds, opts)
	default:
		return nil, fmt.Errorf("unsupported write mode %s", mode)
	}
}

func (c *Catalog) create(ctx context.Context, id Ident, ds *dataset.Dataset, opts WriteOptions) (*Table, error) {
	v, _, err := c.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if v > 0 {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	schema := dataset.InferSchema(ds.Rows)
	if err := checkPartitionColumns(schema, opts.PartitionBy); err != nil {
		return nil, err
	}
	compression := opts.Compression
	if compression == "" {
		compression = c.cfg.Compression
	}
	if err := encoder.ValidateCompression(compression); err != nil {
		return nil, err
	}

	rows, err := conform(schema, ds.Rows)
	if err != nil {
		return nil, err
	}
	files, err := c.writeFiles(ctx, id, schema, opts.PartitionBy, compression, rows)
	if err != nil {
		return nil, err
	}

	props := make(map[string]string, len(opts.Properties)+6)
	for k, v := range opts.Properties {
		props[k] = v
	}
	props[PropFormat] = "parquet"
	props[PropDeleteMode] = CopyOnWrite
	props[PropUpdateMode] = CopyOnWrite
	props[PropMergeMode] = CopyOnWrite
	props[PropCompression] = compression
	for k, def := range map[string]int{
		PropCommitRetries: c.cfg.CommitRetries,
		PropManifestMerge: defaultManifestMerge,
		PropMaxSnapshots:  defaultMaxSnapshots,
	} {
		if _, ok := props[k]; !ok {
			props[k] = strconv.Itoa(def)
		}
	}

	now := c.now()
	meta := Metadata{
		FormatVersion: FormatVersion,
		UUID:          uuid.NewString(),
		Location:      c.store.URI(id.Path()),
		LastUpdatedMs: now.UnixMilli(),
		Schema:        schema,
		PartitionBy:   append([]string(nil), opts.PartitionBy...),
		Properties:    props,
	}
	snap := newSnapshot(newSnapshotID(), nil, OperationOverwrite, files, now)
	manifest, err := c.writeManifest(ctx, id, snap.ID, files)
	if err != nil {
		return nil, err
	}
	meta.Snapshots = []Snapshot{snap}
	meta.Manifests = []Manifest{manifest}
	meta.CurrentSnapshotID = &snap.ID

	t := &Table{Ident: id, Version: 1, Metadata: meta}
	if err := c.commit(ctx, t); err != nil {
		if errors.Is(err, sink.ErrExists) {
			return nil, fmt.Errorf("%w: %s", ErrExists, id)
		}
		return nil, err
	}

	level.Info(c.logger).Log("msg", "created table", "table", id, "rows", ds.Len(), "files", len(files), "snapshot", snap.ID)
	return t, nil
}

func (c *Catalog) append(ctx context.Context, id Ident, ds *dataset.Dataset, opts WriteOptions) (*Table, error) {
	var (
		files    []DataFile
		added    Manifest
		schemaAt dataset.Schema
		snapID   = newSnapshotID()
	)

	for attempt := 0; ; attempt++ {
		base, err := c.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(opts.PartitionBy) > 0 && !equalStrings(opts.PartitionBy, base.Metadata.PartitionBy) {
			return nil, fmt.Errorf("%w: table %s is partitioned by %v, write asked for %v",
				ErrPartitionMismatch, id, base.Metadata.PartitionBy, opts.PartitionBy)
		}

		if files != nil && !equalSchema(schemaAt, base.Metadata.Schema) {
			return nil, fmt.Errorf("%w: schema of %s changed during commit", ErrSchemaMismatch, id)
		}
		if files == nil {
			schemaAt = base.Metadata.Schema
			rows, err := conform(base.Metadata.Schema, ds.Rows)
			if err != nil {
				return nil, fmt.Errorf("append to %s: %w", id, err)
			}
			compression := base.Metadata.Properties[PropCompression]
			files, err = c.writeFiles(ctx, id, base.Metadata.Schema, base.Metadata.PartitionBy, compression, rows)
			if err != nil {
				return nil, err
			}
			if added, err = c.writeManifest(ctx, id, snapID, files); err != nil {
				return nil, err
			}
		}

		now := c.now()
		next := &Table{Ident: id, Version: base.Version + 1, Metadata: base.Metadata}
		next.Metadata.LastUpdatedMs = now.UnixMilli()
		next.Metadata.Properties = mergeProperties(base.Metadata.Properties, opts.Properties)
		next.Metadata.Properties[PropFormat] = "parquet"
		next.Metadata.Properties[PropDeleteMode] = CopyOnWrite
		next.Metadata.Properties[PropUpdateMode] = CopyOnWrite
		next.Metadata.Properties[PropMergeMode] = CopyOnWrite
		if codec := base.Metadata.Properties[PropCompression]; codec != "" {
			next.Metadata.Properties[PropCompression] = codec
		}
		snap := newSnapshot(snapID, base.Snapshot(), OperationAppend, files, now)
		snap.Summary["total-records"] = strconv.FormatInt(base.Records()+added.Records, 10)
		snap.Summary["total-data-files"] = strconv.Itoa(base.FileCount() + len(files))

		snaps := append(append([]Snapshot(nil), base.Metadata.Snapshots...), snap)
		if keep := base.intProperty(PropMaxSnapshots, defaultMaxSnapshots); keep > 0 && len(snaps) > keep {
			snaps = snaps[len(snaps)-keep:]
		}
		next.Metadata.Snapshots = snaps
		next.Metadata.CurrentSnapshotID = &snap.ID

		manifests := append(append([]Manifest(nil), base.Metadata.Manifests...), added)
		if limit := base.intProperty(PropManifestMerge, defaultManifestMerge); limit > 0 && len(manifests) > limit {
			merged, err := c.mergeManifests(ctx, base, snapID, manifests)
			if err != nil {
				return nil, err
			}
			manifests = []Manifest{merged}
		}
		next.Metadata.Manifests = manifests

		err = c.commit(ctx, next)
		if err == nil {
			level.Info(c.logger).Log("msg", "appended to table", "table", id, "version", next.Version, "rows", ds.Len(), "files", len(files), "snapshot", snap.ID)
			return next, nil
		}
		if !errors.Is(err, sink.ErrExists) {
			return nil, err
		}

		if attempt >= base.intProperty(PropCommitRetries, c.cfg.CommitRetries) {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrCommitConflict, id, attempt+1)
		}
		level.Debug(c.logger).Log("msg", "lost commit race, rebasing", "table", id, "version", next.Version, "attempt", attempt+1)
	}
}

func (c *Catalog) commit(ctx context.Context, t *Table) error {
	b, err := json.MarshalIndent(t.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", t.Ident, err)
	}
	err = c.store.WriteIfAbsent(ctx, sink.WriteRequest{
		Key:         metadataKey(t.Ident, t.Version),
		Data:        b,
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("commit metadata v%d of %s: %w", t.Version, t.Ident, err)
	}
	c.writeVersionHint(ctx, t.Ident, t.Version)
	return nil
}

type partitionGroup struct {
	dir    string
	values map[string]string
	rows   []map[string]any
}

func (c *Catalog) writeFiles(ctx context.Context, id Ident, schema dataset.Schema, partitionBy []string, compression string, rows []map[string]any) ([]DataFile, error) {
	var groups []*partitionGroup
	byDir := make(map[string]*partitionGroup)
	for _, r := range rows {
		dir, values := partitionOf(partitionBy, r)
		g, ok := byDir[dir]
		if !ok {
			g = &partitionGroup{dir: dir, values: values}
			byDir[dir] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}

	enc := c.newEncoder(compression)
	writeID := uuid.NewString()
	files := make([]DataFile, 0, len(groups))
	for i, g := range groups {
		key := id.Path() + "/data/"
		if g.dir != "" {
			key += g.dir + "/"
		}
		key += fmt.Sprintf("%05d-%s%s", i, writeID, enc.FileExtension())

		size, err := c.writeFile(ctx, enc, key, schema, g.rows)
		if err != nil {
			return nil, fmt.Errorf("write data file of %s: %w", id, err)
		}
		files = append(files, DataFile{
			Key:       key,
			URI:       c.store.URI(key),
			Format:    "parquet",
			Partition: g.values,
			Records:   int64(len(g.rows)),
			Size:      size,
		})
	}
	return files, nil
}

// writeFile encodes rows into key and returns the file size. Stores that
// accept streams receive the encoder output directly.
func (c *Catalog) writeFile(ctx context.Context, enc encoder.Encoder, key string, schema dataset.Schema, rows []map[string]any) (int64, error) {
	se, canEncode := enc.(encoder.StreamEncoder)
	ss, canStore := c.store.(sink.StreamSinkr)
	if canEncode && canStore {
		w := &encodeToWriter{ctx: ctx, se: se, schema: schema, rows: rows}
		err := ss.WriteStream(ctx, sink.StreamWriteRequest{Key: key, ContentType: enc.ContentType(), Writer: w})
		return w.written, err
	}

	data, err := enc.Encode(ctx, schema, rows)
	if err != nil {
		return 0, err
	}
	err = c.store.Write(ctx, sink.WriteRequest{Key: key, Data: data, ContentType: enc.ContentType()})
	return int64(len(data)), err
}

type encodeToWriter struct {
	ctx     context.Context
	se      encoder.StreamEncoder
	schema  dataset.Schema
	rows    []map[string]any
	written int64
}

func (w *encodeToWriter) WriteTo(dst io.Writer) error {
	cw := &countingWriter{w: dst}
	err := w.se.EncodeTo(w.ctx, w.schema, w.rows, cw)
	w.written = cw.n
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// partitionOf renders the col=value directory of a conformed row.
func partitionOf(partitionBy []string, row map[string]any) (string, map[string]string) {
	if len(partitionBy) == 0 {
		return "", nil
	}
	parts := make([]string, len(partitionBy))
	values := make(map[string]string, len(partitionBy))
	for i, col := range partitionBy {
		v := "null"
		if x := row[col]; x != nil {
			v = dataset.Stringify(x)
		}
		values[col] = v
		parts[i] = url.PathEscape(col) + "=" + url.PathEscape(v)
	}
	return strings.Join(parts, "/"), values
}

func checkPartitionColumns(schema dataset.Schema, partitionBy []string) error {
	seen := make(map[string]bool, len(partitionBy))
	for _, col := range partitionBy {
		if _, ok := schema.Lookup(col); !ok {
			return fmt.Errorf("%w: partition column %q is not in the schema", ErrPartitionMismatch, col)
		}
		if seen[col] {
			return fmt.Errorf("%w: partition column %q repeated", ErrPartitionMismatch, col)
		}
		seen[col] = true
	}
	return nil
}

// conform coerces rows to schema. Missing columns become null; columns the
// schema does not know are rejected.
func conform(schema dataset.Schema, rows []dataset.Row) ([]map[string]any, error) {
	extra := make(map[string]bool)
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		m := make(map[string]any, len(schema))
		for k := range r.Values {
			if _, ok := schema.Lookup(k); !ok {
				extra[k] = true
			}
		}
		for _, col := range schema {
			v, err := dataset.Coerce(r.Values[col.Name], col.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q: %v", ErrSchemaMismatch, col.Name, err)
			}
			m[col.Name] = v
		}
		out[i] = m
	}
	if len(extra) > 0 {
		cols := make([]string, 0, len(extra))
		for k := range extra {
			cols = append(cols, k)
		}
		sort.Strings(cols)
		return nil, fmt.Errorf("%w: unknown columns %v", ErrSchemaMismatch, cols)
	}
	return out, nil
}

func newSnapshotID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
}

func newSnapshot(id int64, parent *Snapshot, op string, files []DataFile, now time.Time) Snapshot {
	s := Snapshot{
		ID:          id,
		Sequence:    1,
		TimestampMs: now.UnixMilli(),
		Operation:   op,
	}
	if parent != nil {
		pid := parent.ID
		s.ParentID = &pid
		s.Sequence = parent.Sequence + 1
	}
	var records int64
	for _, f := range files {
		records += f.Records
	}
	s.Summary = map[string]string{
		"added-data-files": strconv.Itoa(len(files)),
		"added-records":    strconv.FormatInt(records, 10),
		"total-records":    strconv.FormatInt(records, 10),
		"total-data-files": strconv.Itoa(len(files)),
	}
	return s
}

func mergeProperties(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func equalSchema(a, b dataset.Schema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
