package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	_ Store       = (*Dir)(nil)
	_ StreamSinkr = (*Dir)(nil)
)

// Dir stores objects as files under a root directory. Objects are staged in
// a temp file and only then linked or renamed into place, so readers never
// observe a partial object. WriteIfAbsent is safe for writers sharing one
// local filesystem.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	if strings.TrimSpace(root) == "" {
		panic("root is required")
	}
	return &Dir{root: filepath.Clean(root)}
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

func (d *Dir) URI(key string) string {
	return "file://" + filepath.ToSlash(d.path(key))
}

func (d *Dir) Write(_ context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	return d.replace(req.Key, func(w io.Writer) error {
		_, err := w.Write(req.Data)
		return err
	})
}

func (d *Dir) WriteStream(_ context.Context, req StreamWriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	return d.replace(req.Key, req.Writer.WriteTo)
}

// replace stages the object then renames it over key.
func (d *Dir) replace(key string, write func(w io.Writer) error) error {
	tmp, err := d.stage(key, write)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, d.path(key)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// stage writes and syncs a temp file next to key and returns its name. The
// temp file is removed on failure.
func (d *Dir) stage(key string, write func(w io.Writer) error) (string, error) {
	dir := filepath.Dir(d.path(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	err = write(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// WriteIfAbsent hard-links a staged file to key. The link fails when key
// exists, so exactly one writer wins and the object appears complete.
func (d *Dir) WriteIfAbsent(_ context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	tmp, err := d.stage(req.Key, func(w io.Writer) error {
		_, err := w.Write(req.Data)
		return err
	})
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	p := d.path(req.Key)
	if err := os.Link(tmp, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, p)
		}
		return err
	}
	return nil
}

func (d *Dir) Read(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d.path(key))
		}
		return nil, err
	}
	return b, nil
}

// List walks only the directory holding prefix.
func (d *Dir) List(_ context.Context, prefix string) ([]string, error) {
	dir := d.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = d.path(prefix[:i])
	}
	var keys []string
	err := filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		k := filepath.ToSlash(rel)
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
