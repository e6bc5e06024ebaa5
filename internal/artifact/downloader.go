// Package artifact acquires large model files over unreliable connections.
//
// A Downloader owns one data directory. Each model lives there under its
// canonical filename; while a transfer is in progress or interrupted the bytes
// accumulate in "<filename>.partial". Promotion to the canonical name happens
// only after size, header and SHA-256 all match, via rename.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"localmind/internal/common/fsutil"
	"localmind/internal/transfer"
	"localmind/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultTransferTimeout = 60 * time.Minute
	partialSuffix          = ".partial"
	cacheFile              = ".validated.json"
)

// DefaultMagic is the GGUF file header.
var DefaultMagic = []byte("GGUF")

// ErrNotInstalled is returned by Verify when no canonical file exists.
var ErrNotInstalled = errors.New("artifact not installed")

var descValidate = validator.New()

// Config holds the Downloader tunables. Zero values select defaults.
type Config struct {
	// Dir is the data directory; "~" is expanded and the directory is created.
	Dir string
	// Client is used for every request. Its redirect policy is replaced by a
	// capped one.
	Client       *http.Client
	MaxRedirects int
	// Magic is the expected file header (GGUF by default).
	Magic           []byte
	ProbeTimeout    time.Duration
	TransferTimeout time.Duration
	Retry           transfer.Policy
	// FreeSpace reports free bytes under a directory; ok=false skips the check.
	FreeSpace func(dir string) (int64, bool)
	// Logger receives structured events; nil logs nothing.
	Logger *zerolog.Logger
}

// Result describes an acquired artifact.
type Result struct {
	Path string
	Size int64
	// Cached is true when the file was trusted from a previous validation.
	Cached bool
	// Existing is true when a valid canonical file was already on disk.
	Existing bool
	// Transferred counts bytes received over the network by this attempt.
	Transferred int64
	// Resumed is true when the attempt continued an existing partial file.
	Resumed bool
	// Shared is true when the caller joined an attempt started by another caller.
	Shared bool
}

// ProgressFunc observes download progress. It runs on the transfer goroutine
// and must not block.
type ProgressFunc func(types.DownloadProgress)

// Downloader is safe for concurrent use. Acquire calls for the same model id
// share one attempt; different ids proceed independently.
type Downloader struct {
	cfg    Config
	dir    string
	client *http.Client
	magic  []byte
	log    zerolog.Logger

	base context.Context
	stop context.CancelFunc

	flight singleflight.Group
	hub    *progressHub
	cache  *validationCache

	mu     sync.Mutex
	active map[string]string // model id -> filename

	transfers atomic.Int64
}

// New constructs a Downloader rooted at cfg.Dir.
func New(cfg Config) (*Downloader, error) {
	dir := cfg.Dir
	if dir == "" {
		var err error
		if dir, err = fsutil.DefaultDataDir(""); err != nil {
			return nil, err
		}
	}
	dir, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = transfer.DefaultProbeTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = fsutil.FreeBytes
	}
	magic := cfg.Magic
	if len(magic) == 0 {
		magic = DefaultMagic
	}
	client := transfer.NewClient(cfg.MaxRedirects)
	if cfg.Client != nil {
		client = transfer.CapRedirects(cfg.Client, cfg.MaxRedirects)
	}
	d := &Downloader{
		cfg:    cfg,
		dir:    dir,
		client: client,
		magic:  append([]byte(nil), magic...),
		log:    componentLogger(cfg.Logger, "artifact"),
		hub:    newProgressHub(),
		cache:  loadValidationCache(filepath.Join(dir, cacheFile)),
		active: make(map[string]string),
	}
	d.base, d.stop = context.WithCancel(context.Background())
	return d, nil
}

// Dir returns the resolved data directory.
func (d *Downloader) Dir() string { return d.dir }

// Path returns the canonical location of desc.
func (d *Downloader) Path(desc types.ModelDescriptor) string {
	return filepath.Join(d.dir, filepath.Base(desc.Filename))
}

// PartialPath returns where in-progress bytes for desc are kept.
func (d *Downloader) PartialPath(desc types.ModelDescriptor) string {
	return d.Path(desc) + partialSuffix
}

// Transfers reports how many acquisitions went to the network.
func (d *Downloader) Transfers() int64 { return d.transfers.Load() }

// Status returns the latest progress of an in-flight download.
func (d *Downloader) Status(id string) (types.DownloadProgress, bool) {
	return d.hub.last(id)
}

// InFlight reports whether an attempt for id is running.
func (d *Downloader) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

// Close aborts running transfers. Partial files are kept for a later resume.
func (d *Downloader) Close() error {
	d.stop()
	return nil
}

// Acquire returns the path of a verified copy of desc, downloading or
// resuming as needed. Concurrent callers for the same id share one attempt
// and observe the same result; each caller's onProgress sees every update.
//
// Canceling ctx detaches this caller only. The shared attempt continues for
// the other callers and stops when the Downloader is closed.
func (d *Downloader) Acquire(ctx context.Context, desc types.ModelDescriptor, onProgress ProgressFunc) (Result, error) {
	if err := descValidate.Struct(desc); err != nil {
		return Result{}, fmt.Errorf("invalid descriptor %q: %w", desc.ID, err)
	}
	if onProgress != nil {
		unsubscribe := d.hub.subscribe(desc.ID, onProgress)
		defer unsubscribe()
	}
	ch := d.flight.DoChan(desc.ID, func() (any, error) {
		return d.acquire(desc)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		res.Shared = r.Shared
		return res, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Watch registers fn for progress of any attempt for id until the returned
// func is called.
func (d *Downloader) Watch(id string, fn ProgressFunc) func() {
	return d.hub.subscribe(id, fn)
}

func componentLogger(l *zerolog.Logger, name string) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return l.With().Str("component", name).Logger()
}

func (d *Downloader) markActive(desc types.ModelDescriptor) func() {
	d.mu.Lock()
	d.active[desc.ID] = filepath.Base(desc.Filename)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.active, desc.ID)
		d.mu.Unlock()
	}
}
