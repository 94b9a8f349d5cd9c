// Package table implements a transactional table of parquet data files.
//
// A table lives under <catalog>/<namespace>.db/<name>/ in a warehouse Store.
// Its state is a log of metadata versions, metadata/v<N>.metadata.json, each a
// complete description of the table. Data files are listed in manifest
// objects that the metadata references, so a version stays small however many
// files the table holds. Data files become visible only when a metadata
// version referencing them is committed, and a version is committed by
// creating its object conditionally, so concurrent writers never overwrite
// each other. metadata/version-hint.text records a recently committed version
// so readers find the latest one without listing.
package table

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/baldanca/s3-table-ingestor/dataset"
)

var (
	ErrNotFound          = errors.New("table does not exist")
	ErrExists            = errors.New("table already exists")
	ErrSchemaMismatch    = errors.New("rows do not match table schema")
	ErrPartitionMismatch = errors.New("partition spec does not match table")
	ErrCommitConflict    = errors.New("commit conflict: retries exhausted")
)

const FormatVersion = 1

// Property keys and values recorded in table metadata.
const (
	PropFormat        = "write.format.default"
	PropDeleteMode    = "write.delete.mode"
	PropUpdateMode    = "write.update.mode"
	PropMergeMode     = "write.merge.mode"
	PropCompression   = "write.parquet.compression-codec"
	PropCommitRetries = "commit.retry.num-retries"
	// PropManifestMerge is the manifest count above which a commit rewrites
	// every manifest into one.
	PropManifestMerge = "commit.manifest.min-count-to-merge"
	// PropMaxSnapshots is how many snapshots the metadata keeps.
	PropMaxSnapshots = "history.expire.max-snapshots"

	CopyOnWrite = "copy-on-write"

	OperationAppend    = "append"
	OperationOverwrite = "overwrite"
)

// Ident names a table as catalog.namespace.name.
type Ident struct {
	Catalog   string
	Namespace string
	Name      string
}

func (i Ident) String() string {
	return i.Catalog + "." + i.Namespace + "." + i.Name
}

// Validate checks that every part is present and usable as a path segment.
func (i Ident) Validate() error {
	for _, p := range []struct{ what, v string }{
		{"catalog", i.Catalog},
		{"namespace", i.Namespace},
		{"table", i.Name},
	} {
		if strings.TrimSpace(p.v) == "" {
			return fmt.Errorf("%s name is required", p.what)
		}
		if strings.ContainsAny(p.v, "/\\") || p.v == "." || p.v == ".." {
			return fmt.Errorf("invalid %s name %q", p.what, p.v)
		}
	}
	return nil
}

// Path is the table location relative to the warehouse root.
func (i Ident) Path() string {
	return i.Catalog + "/" + i.Namespace + ".db/" + i.Name
}

// Mode selects how Write commits rows.
type Mode int

const (
	// ModeNone means nothing was written.
	ModeNone Mode = iota
	// ModeCreate creates the table from the rows. It fails with ErrExists if
	// the table already exists.
	ModeCreate
	// ModeAppend adds the rows to an existing table.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeCreate:
		return "create"
	case ModeAppend:
		return "append"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type DataFile struct {
	// Key is the file location relative to the warehouse root.
	Key       string            `json:"key"`
	URI       string            `json:"uri"`
	Format    string            `json:"format"`
	Partition map[string]string `json:"partition,omitempty"`
	Records   int64             `json:"record_count"`
	Size      int64             `json:"file_size_bytes"`
}

type Snapshot struct {
	ID          int64             `json:"snapshot_id"`
	ParentID    *int64            `json:"parent_snapshot_id,omitempty"`
	Sequence    int64             `json:"sequence_number"`
	TimestampMs int64             `json:"timestamp_ms"`
	Operation   string            `json:"operation"`
	Summary     map[string]string `json:"summary,omitempty"`
}

// Manifest references a manifest object listing data files.
type Manifest struct {
	Key             string `json:"manifest_path"`
	AddedSnapshotID int64  `json:"added_snapshot_id"`
	Files           int    `json:"data_file_count"`
	Records         int64  `json:"record_count"`
}

type manifestFile struct {
	Files []DataFile `json:"data_files"`
}

type Metadata struct {
	FormatVersion     int               `json:"format_version"`
	UUID              string            `json:"table_uuid"`
	Location          string            `json:"location"`
	LastUpdatedMs     int64             `json:"last_updated_ms"`
	Schema            dataset.Schema    `json:"schema"`
	PartitionBy       []string          `json:"partition_by,omitempty"`
	Properties        map[string]string `json:"properties"`
	CurrentSnapshotID *int64            `json:"current_snapshot_id,omitempty"`
	// Snapshots holds the most recent snapshots, oldest first.
	Snapshots []Snapshot `json:"snapshots"`
	// Manifests list the live data files of the current snapshot, oldest
	// first.
	Manifests []Manifest `json:"manifests"`
}

func (m *Metadata) snapshot(id int64) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].ID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

// Table is one loaded metadata version.
type Table struct {
	Ident    Ident
	Version  int64
	Metadata Metadata
}

// Snapshot returns the current snapshot, or nil for a table without one.
func (t *Table) Snapshot() *Snapshot {
	if t.Metadata.CurrentSnapshotID == nil {
		return nil
	}
	return t.Metadata.snapshot(*t.Metadata.CurrentSnapshotID)
}

// Records sums the record counts of the live files.
func (t *Table) Records() int64 {
	var n int64
	for _, m := range t.Metadata.Manifests {
		n += m.Records
	}
	return n
}

// FileCount is the number of live data files.
func (t *Table) FileCount() int {
	var n int
	for _, m := range t.Metadata.Manifests {
		n += m.Files
	}
	return n
}

func (t *Table) Properties() map[string]string { return t.Metadata.Properties }

func (t *Table) Schema() dataset.Schema { return t.Metadata.Schema }

func (t *Table) PartitionBy() []string { return t.Metadata.PartitionBy }

func (t *Table) intProperty(key string, def int) int {
	if n, err := strconv.Atoi(t.Metadata.Properties[key]); err == nil && n >= 0 {
		return n
	}
	return def
}
