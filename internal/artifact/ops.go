package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"localmind/pkg/types"
)

// Verify checks the canonical file of desc without downloading. With
// trustCache a previous validation is honored while size and mtime are
// unchanged; otherwise the file is hashed. Nothing is deleted.
func (d *Downloader) Verify(desc types.ModelDescriptor, trustCache bool) (Result, error) {
	res, ok, err := d.checkExisting(desc, trustCache, false, d.log.With().Str("model", desc.ID).Logger())
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", desc.ID, ErrNotInstalled)
	}
	return res, nil
}

// Remove deletes the canonical and partial files of desc. It refuses while a
// download for desc is running.
func (d *Downloader) Remove(desc types.ModelDescriptor) error {
	if d.InFlight(desc.ID) {
		return fmt.Errorf("%s: download in progress", desc.ID)
	}
	var errs []error
	for _, p := range []string{d.Path(desc), d.PartialPath(desc)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	d.cache.forget(filepath.Base(desc.Filename))
	d.log.Info().Str("event", "remove").Str("model", desc.ID).Msg("")
	return errors.Join(errs...)
}

// PartialSize returns the bytes held by an interrupted transfer of desc.
func (d *Downloader) PartialSize(desc types.ModelDescriptor) int64 {
	fi, err := os.Stat(d.PartialPath(desc))
	if err != nil {
		return 0
	}
	return fi.Size()
}

// CleanupStale removes partial files not modified within maxAge. Partials of
// running downloads are skipped. It returns how many files were removed.
func (d *Downloader) CleanupStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("read dir: %w", err)
	}
	d.mu.Lock()
	busy := make(map[string]bool, len(d.active))
	for _, name := range d.active {
		busy[name+partialSuffix] = true
	}
	d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partialSuffix) || busy[name] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err == nil {
			removed++
			d.log.Info().Str("event", "cleanup_partial").Str("file", name).Msg("")
		}
	}
	return removed, nil
}
