// Package registry holds the configured model catalog and joins it with what
// is present in the data directory.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"localmind/internal/common/fsutil"
	"localmind/pkg/types"
)

var validate = validator.New()

// modelNotFoundError is returned when an id is not in the catalog.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err names an unknown model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// Catalog is an immutable, ordered set of model descriptors.
type Catalog struct {
	order []string
	byID  map[string]types.ModelDescriptor
}

// NewCatalog validates descs and indexes them by id. Ids and filenames must be
// unique; filenames must not contain path separators.
func NewCatalog(descs []types.ModelDescriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]types.ModelDescriptor, len(descs))}
	files := map[string]string{}
	for i, d := range descs {
		d.SHA256 = strings.ToLower(d.SHA256)
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("model %d (%s): %w", i, d.ID, err)
		}
		if d.Filename != filepath.Base(d.Filename) {
			return nil, fmt.Errorf("model %s: filename %q must not contain a directory", d.ID, d.Filename)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", d.ID)
		}
		if other, dup := files[d.Filename]; dup {
			return nil, fmt.Errorf("models %q and %q share filename %q", other, d.ID, d.Filename)
		}
		files[d.Filename] = d.ID
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (types.ModelDescriptor, error) {
	d, ok := c.byID[id]
	if !ok {
		return types.ModelDescriptor{}, ErrModelNotFound(id)
	}
	return d, nil
}

// List returns the descriptors in configuration order.
func (c *Catalog) List() []types.ModelDescriptor {
	out := make([]types.ModelDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int { return len(c.order) }

// Locator maps descriptors to files. *artifact.Downloader satisfies it.
type Locator interface {
	Path(types.ModelDescriptor) string
	PartialSize(types.ModelDescriptor) int64
}

// Installed joins every descriptor with its on-disk state. loadedPath marks
// the model currently held by the engine.
func (c *Catalog) Installed(loc Locator, loadedPath string) []types.InstalledModel {
	out := make([]types.InstalledModel, 0, len(c.order))
	for _, d := range c.List() {
		m := types.InstalledModel{ModelDescriptor: d, Path: loc.Path(d)}
		if fi, err := os.Stat(m.Path); err == nil && fi.Mode().IsRegular() {
			m.Installed = true
			m.SizeOnDisk = fi.Size()
			m.ModTime = fi.ModTime()
		}
		m.PartialBytes = loc.PartialSize(d)
		m.Loaded = loadedPath != "" && loadedPath == m.Path
		out = append(out, m)
	}
	return out
}

// Untracked scans dir for *.gguf files that no descriptor claims, sorted by
// name. A missing directory yields no files.
func (c *Catalog) Untracked(dir string) ([]string, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if !fsutil.PathExists(base) {
		return nil, nil
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	claimed := make(map[string]bool, len(c.byID))
	for _, d := range c.byID {
		claimed[d.Filename] = true
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") || claimed[name] {
			continue
		}
		out = append(out, filepath.Join(base, name))
	}
	sort.Strings(out)
	return out, nil
}
