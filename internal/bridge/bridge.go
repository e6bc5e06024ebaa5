// Package bridge is the orchestration surface used by the CLI and any host
// application. It ties the model catalog, the artifact downloader and the
// inference engine together: ensuring a model is on disk, loading it on
// demand and running generations through a bounded admission queue.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"localmind/internal/artifact"
	"localmind/internal/engine"
	"localmind/internal/registry"
	"localmind/pkg/types"
)

const (
	defaultMaxQueueDepth = 8
	defaultMaxWait       = 30 * time.Second
	defaultTestPrompt    = "Reply with the single word: ready"
	defaultTestMaxTokens = 8
)

// Downloader is the subset of *artifact.Downloader the Bridge uses.
type Downloader interface {
	Acquire(ctx context.Context, desc types.ModelDescriptor, onProgress artifact.ProgressFunc) (artifact.Result, error)
	Verify(desc types.ModelDescriptor, trustCache bool) (artifact.Result, error)
	Remove(desc types.ModelDescriptor) error
	Status(id string) (types.DownloadProgress, bool)
	Path(desc types.ModelDescriptor) string
	PartialSize(desc types.ModelDescriptor) int64
	Watch(id string, fn artifact.ProgressFunc) func()
	Close() error
}

// Engine is the subset of *engine.Engine the Bridge uses.
type Engine interface {
	LoadModel(ctx context.Context, path string, opts engine.LoadOptions) (engine.LoadResult, error)
	Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (engine.GenerateResult, error)
	GenerateStream(ctx context.Context, prompt string, opts types.GenerateOptions, onChunk func(string)) (engine.GenerateResult, error)
	AbortGeneration() bool
	Unload() error
	Loaded() (string, bool)
	Mode() string
}

// Config holds Bridge tunables. Zero values select defaults.
type Config struct {
	// DefaultModel is used when a call names no model.
	DefaultModel string
	// Load is passed to the engine when a model is loaded.
	Load engine.LoadOptions
	// MaxQueueDepth bounds waiting plus running chat calls.
	MaxQueueDepth int
	// MaxWait bounds how long a chat call waits for admission.
	MaxWait       time.Duration
	TestPrompt    string
	TestMaxTokens int
	Logger        *zerolog.Logger
}

// Deps are the collaborators of a Bridge.
type Deps struct {
	Catalog    *registry.Catalog
	Downloader Downloader
	Engine     Engine
	Publisher  EventPublisher
}

type Bridge struct {
	cfg     Config
	catalog *registry.Catalog
	dl      Downloader
	eng     Engine
	log     zerolog.Logger

	bus    *bus
	pubMu  sync.RWMutex
	pub    EventPublisher
	ensure singleflight.Group

	downloads singleflight.Group

	// loadMu serializes engine loads and unloads triggered by the Bridge.
	loadMu sync.Mutex
	loaded fileStamp

	genCh   chan struct{}
	queueCh chan struct{}

	base context.Context
	stop context.CancelFunc
}

// New constructs a Bridge.
func New(cfg Config, deps Deps) (*Bridge, error) {
	if deps.Catalog == nil || deps.Downloader == nil || deps.Engine == nil {
		return nil, errors.New("bridge: catalog, downloader and engine are required")
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.TestPrompt == "" {
		cfg.TestPrompt = defaultTestPrompt
	}
	if cfg.TestMaxTokens <= 0 {
		cfg.TestMaxTokens = defaultTestMaxTokens
	}
	if cfg.DefaultModel != "" {
		if _, err := deps.Catalog.Get(cfg.DefaultModel); err != nil {
			return nil, fmt.Errorf("default model: %w", err)
		}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "bridge").Logger()
	}
	var pub EventPublisher = noopPublisher{}
	if deps.Publisher != nil {
		pub = deps.Publisher
	}
	base, stop := context.WithCancel(context.Background())
	return &Bridge{
		cfg:     cfg,
		catalog: deps.Catalog,
		dl:      deps.Downloader,
		eng:     deps.Engine,
		log:     log,
		bus:     newBus(),
		pub:     pub,
		genCh:   make(chan struct{}, 1),
		queueCh: make(chan struct{}, cfg.MaxQueueDepth),
		base:    base,
		stop:    stop,
	}, nil
}

// SetEventPublisher replaces the external event sink; nil drops events.
func (b *Bridge) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	b.pubMu.Lock()
	b.pub = p
	b.pubMu.Unlock()
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel. Progress events are dropped while the
// buffer is full; lifecycle events wait for the subscriber.
func (b *Bridge) Subscribe(buffer int) (<-chan Event, func()) {
	return b.bus.subscribe(buffer)
}

func (b *Bridge) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.pubMu.RLock()
	pub := b.pub
	b.pubMu.RUnlock()
	pub.Publish(e)
	b.bus.publish(e)
}

func (b *Bridge) resolve(id string) (types.ModelDescriptor, error) {
	if id == "" {
		id = b.cfg.DefaultModel
	}
	if id == "" {
		return types.ModelDescriptor{}, errors.New("no model given and no default model configured")
	}
	return b.catalog.Get(id)
}

// ListModels returns every configured model joined with its on-disk state.
func (b *Bridge) ListModels() []types.InstalledModel {
	loaded, _ := b.eng.Loaded()
	return b.catalog.Installed(b.dl, loaded)
}

// AvailableModels returns the configured descriptors.
func (b *Bridge) AvailableModels() []types.ModelDescriptor { return b.catalog.List() }

// DownloadStatus returns the latest progress of a running download.
func (b *Bridge) DownloadStatus(id string) (types.DownloadProgress, bool) {
	return b.dl.Status(id)
}

// EnsureModel returns the path of a verified copy of the model, downloading
// it when absent or invalid. A previous validation is trusted while the
// file's size and mtime are unchanged. Concurrent callers share one attempt;
// canceling ctx detaches only this caller.
func (b *Bridge) EnsureModel(ctx context.Context, id string) (string, error) {
	desc, err := b.resolve(id)
	if err != nil {
		return "", err
	}
	ch := b.ensure.DoChan(desc.ID, func() (any, error) {
		res, err := b.dl.Verify(desc, true)
		if err == nil {
			return res.Path, nil
		}
		b.log.Info().Str("event", "ensure_download").Str("model", desc.ID).Str("reason", err.Error()).Msg("")
		dres, err := b.download(b.base, desc, nil)
		return dres.Path, err
	})
	select {
	case r := <-ch:
		path, _ := r.Val.(string)
		return path, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DownloadModel acquires the model and reports the outcome, emitting
// download-* events along the way. On success the engine is (re)loaded when
// it holds this model or nothing at all.
func (b *Bridge) DownloadModel(ctx context.Context, id string, onProgress func(types.DownloadProgress)) types.DownloadResult {
	desc, err := b.resolve(id)
	if err != nil {
		return types.DownloadResult{ModelID: id, Result: failure(err)}
	}
	res, err := b.download(ctx, desc, onProgress)
	out := types.DownloadResult{
		ModelID:     desc.ID,
		Path:        res.Path,
		Size:        res.Size,
		Transferred: res.Transferred > 0,
	}
	if err != nil {
		out.Result = failure(err)
		out.Resumable = isResumable(err)
		return out
	}
	out.Success = true

	if loaded, ok := b.eng.Loaded(); !ok || loaded == res.Path {
		if err := b.reload(ctx, desc.ID, res.Path); err != nil {
			b.log.Warn().Str("event", "reload_failed").Str("model", desc.ID).Err(err).Msg("")
		}
	}
	return out
}

// download joins or starts the Bridge's attempt for desc. Lifecycle events
// are emitted once per attempt; onProgress sees every update while this
// caller waits. Canceling ctx detaches only this caller.
func (b *Bridge) download(ctx context.Context, desc types.ModelDescriptor, onProgress func(types.DownloadProgress)) (artifact.Result, error) {
	if onProgress != nil {
		stop := b.dl.Watch(desc.ID, onProgress)
		defer stop()
	}
	ch := b.downloads.DoChan(desc.ID, func() (any, error) {
		return b.downloadOnce(desc)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(artifact.Result)
		return res, r.Err
	case <-ctx.Done():
		return artifact.Result{}, ctx.Err()
	}
}

func (b *Bridge) downloadOnce(desc types.ModelDescriptor) (artifact.Result, error) {
	attempt := uuid.NewString()
	b.emit(Event{Name: EventDownloadStarted, ModelID: desc.ID, Attempt: attempt})
	res, err := b.dl.Acquire(b.base, desc, func(p types.DownloadProgress) {
		b.emit(Event{Name: EventDownloadProgress, ModelID: desc.ID, Attempt: attempt, Progress: &p})
	})
	if err != nil {
		r := failure(err)
		b.emit(Event{Name: EventDownloadError, ModelID: desc.ID, Attempt: attempt,
			Error: r.Error, Code: r.Code, Resumable: isResumable(err)})
		return res, err
	}
	b.emit(Event{Name: EventDownloadComplete, ModelID: desc.ID, Attempt: attempt, Path: res.Path,
		Fields: map[string]any{"size": res.Size, "existing": res.Existing, "resumed": res.Resumed}})
	return res, nil
}

// fileStamp identifies the on-disk version of a loaded model file.
type fileStamp struct {
	size int64
	mod  time.Time
}

func stampOf(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{size: fi.Size(), mod: fi.ModTime()}
}

// reload loads path into the engine. A loaded copy of path is replaced only
// when the file changed on disk since it was loaded.
func (b *Bridge) reload(ctx context.Context, id, path string) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if cur, ok := b.eng.Loaded(); ok && cur == path {
		if stampOf(path) == b.loaded {
			return nil
		}
		if err := b.eng.Unload(); err != nil {
			return err
		}
		b.emit(Event{Name: EventModelUnloaded, ModelID: id, Path: path})
	}
	return b.loadLocked(ctx, id, path)
}

// ensureLoaded loads path unless it is already the engine's model.
func (b *Bridge) ensureLoaded(ctx context.Context, id, path string) error {
	b.loadMu.Lock()
	defer b.loadMu.Unlock()
	if cur, ok := b.eng.Loaded(); ok && cur == path {
		return nil
	}
	return b.loadLocked(ctx, id, path)
}

func (b *Bridge) loadLocked(ctx context.Context, id, path string) error {
	res, err := b.eng.LoadModel(ctx, path, b.cfg.Load)
	if err != nil {
		return err
	}
	b.loaded = stampOf(path)
	if !res.Reused {
		b.emit(Event{Name: EventModelLoaded, ModelID: id, Path: path,
			Fields: map[string]any{"took_ms": res.Duration.Milliseconds()}})
	}
	return nil
}

// DeleteModel removes the model files, unloading it first when loaded.
func (b *Bridge) DeleteModel(ctx context.Context, id string) types.Result {
	desc, err := b.catalog.Get(id)
	if err != nil {
		return failure(err)
	}
	path := b.dl.Path(desc)
	b.loadMu.Lock()
	if cur, ok := b.eng.Loaded(); ok && cur == path {
		b.eng.AbortGeneration()
		if err := b.eng.Unload(); err != nil {
			b.loadMu.Unlock()
			return failure(err)
		}
		b.emit(Event{Name: EventModelUnloaded, ModelID: id, Path: path})
	}
	b.loadMu.Unlock()
	if err := b.dl.Remove(desc); err != nil {
		return failure(err)
	}
	b.emit(Event{Name: EventModelDeleted, ModelID: id, Path: path})
	return types.Result{Success: true}
}

// Chat runs one generation to completion.
func (b *Bridge) Chat(ctx context.Context, opts types.ChatOptions) types.ChatResult {
	return b.chat(ctx, opts, nil)
}

// ChatStream runs one generation, delivering text through onChunk. When ctx
// is canceled or Abort is called the result holds the text produced so far
// with Aborted set.
func (b *Bridge) ChatStream(ctx context.Context, opts types.ChatOptions, onChunk func(string)) types.ChatResult {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return b.chat(ctx, opts, onChunk)
}

// Abort cancels the running generation, if any.
func (b *Bridge) Abort() bool { return b.eng.AbortGeneration() }

func (b *Bridge) chat(ctx context.Context, opts types.ChatOptions, onChunk func(string)) types.ChatResult {
	start := time.Now()
	out := types.ChatResult{ModelID: opts.Model}
	finish := func(err error) types.ChatResult {
		out.DurationMS = time.Since(start).Milliseconds()
		if err != nil {
			out.Result = failure(err)
		} else {
			out.Success = true
		}
		return out
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return finish(errors.New("prompt is empty"))
	}
	desc, err := b.resolve(opts.Model)
	if err != nil {
		return finish(err)
	}
	out.ModelID = desc.ID

	release, err := b.admit(ctx)
	if err != nil {
		return finish(err)
	}
	defer release()

	path, err := b.EnsureModel(ctx, desc.ID)
	if err != nil {
		return finish(err)
	}
	if err := b.ensureLoaded(ctx, desc.ID, path); err != nil {
		return finish(err)
	}

	var res engine.GenerateResult
	if onChunk != nil {
		res, err = b.eng.GenerateStream(ctx, opts.Prompt, opts.GenerateOptions, onChunk)
	} else {
		res, err = b.eng.Generate(ctx, opts.Prompt, opts.GenerateOptions)
	}
	out.Text, out.Parsed, out.Aborted = res.Text, res.Parsed, res.Aborted
	out.Mode = res.Mode
	if out.Mode == "" {
		out.Mode = b.eng.Mode()
	}
	return finish(err)
}

// TestConnection runs a tiny real generation against the model and reports
// the latency to the first chunk.
func (b *Bridge) TestConnection(ctx context.Context, id string) types.TestResult {
	start := time.Now()
	var first time.Duration
	chat := b.ChatStream(ctx, types.ChatOptions{
		Model:           id,
		Prompt:          b.cfg.TestPrompt,
		GenerateOptions: types.GenerateOptions{MaxTokens: b.cfg.TestMaxTokens, Temperature: ptr(0.0)},
	}, func(string) {
		if first == 0 {
			first = time.Since(start)
		}
	})
	out := types.TestResult{Result: chat.Result, ModelID: chat.ModelID, Sample: chat.Text}
	out.FirstResponseMS = first.Milliseconds()
	out.TotalMS = time.Since(start).Milliseconds()
	b.log.Info().Str("event", "test_connection").Str("model", out.ModelID).Bool("ok", out.Success).
		Int64("first_ms", out.FirstResponseMS).Int64("total_ms", out.TotalMS).Msg("")
	return out
}

func ptr[T any](v T) *T { return &v }

// Close aborts running work, ends subscriptions and unloads the engine.
func (b *Bridge) Close(ctx context.Context) error {
	b.stop()
	b.eng.AbortGeneration()
	errs := []error{b.dl.Close()}
	done := make(chan error, 1)
	go func() {
		b.loadMu.Lock()
		defer b.loadMu.Unlock()
		done <- b.eng.Unload()
	}()
	select {
	case err := <-done:
		errs = append(errs, err)
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	b.bus.closeAll()
	return errors.Join(errs...)
}
