// Package objstore abstracts the object store that holds raw uploaded
// documents. The pipeline only ever lists names and downloads bytes.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when the named object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the read-only contract against the upload bucket.
type Store interface {
	// List returns the names of all stored objects, sorted.
	List(ctx context.Context) ([]string, error)

	// Download returns the raw bytes of the named object, or ErrNotFound.
	Download(ctx context.Context, name string) ([]byte, error)
}

// Dir is a directory-backed Store: every regular file in the root directory
// is one object, named by its base filename.
type Dir struct {
	root string
}

// NewDir creates a Dir over root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// List returns the names of all regular files in the root directory, sorted.
// Hidden files are skipped.
func (d *Dir) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Download returns the bytes of the named object. The name must be a bare
// filename; path separators are rejected to keep reads inside the root.
func (d *Dir) Download(ctx context.Context, name string) ([]byte, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid object name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(d.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", name, err)
	}
	return data, nil
}
