// Package engine runs text generation against a loaded model. It owns the
// model, its decode context and a reusable decode sequence, and layers named
// modes (system prompt plus temperature) and schema-constrained output on top.
// One generation runs at a time; a second concurrent call fails fast with
// ErrGenerationBusy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"localmind/internal/metrics"
	"localmind/pkg/types"
)

const (
	defaultTemperature   = 0.7
	defaultMaxTokens     = 512
	defaultTopP          = 0.95
	defaultTopK          = 40
	defaultRepeatPenalty = 1.1
	defaultRepeatLastN   = 64
	defaultModeName      = "default"
)

// Mode is a named generation profile.
type Mode struct {
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature" toml:"temperature"`
}

// Config holds engine tunables. Zero values select defaults.
type Config struct {
	Modes       map[string]Mode
	DefaultMode string
	// Temperature is the configured profile: a legacy scalar or a per-mode map.
	Temperature        TemperatureProfile
	DefaultTemperature float64
	// Template names the chat template (chatml, llama3, plain).
	Template      string
	MaxTokens     int
	TopP          float64
	TopK          int
	RepeatPenalty float64
	RepeatLastN   int
	Logger        *zerolog.Logger
}

// LoadResult describes a LoadModel call.
type LoadResult struct {
	Path     string
	Reused   bool
	Duration time.Duration
}

// GenerateResult is the outcome of one generation.
type GenerateResult struct {
	Text string
	// Parsed holds the output when a schema was given and the text is valid JSON.
	Parsed  json.RawMessage
	Aborted bool
	Mode    string
	// FirstToken is the delay until the first piece of text; zero if none.
	FirstToken time.Duration
	Duration   time.Duration
}

// session is the chat state on top of the decode sequence. A new one starts
// whenever the mode changes.
type session struct {
	id     string
	mode   string
	system string
	temp   *float64
	turns  int
}

type Engine struct {
	cfg      Config
	backend  Backend
	tmpl     Template
	log      zerolog.Logger
	grammars *grammarCache

	// life is held shared by generations and exclusively by load/unload.
	life sync.RWMutex

	mu    sync.Mutex
	model Model
	dctx  DecodeContext
	seq   Sequence
	path  string
	opts  LoadOptions
	sess  *session
	mode  string

	busy     atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New constructs an Engine on top of backend. An unknown template name falls
// back to chatml with a warning.
func New(cfg Config, backend Backend) *Engine {
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.TopP <= 0 {
		cfg.TopP = defaultTopP
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = defaultRepeatPenalty
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = defaultRepeatLastN
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = map[string]Mode{defaultModeName: {}}
	}
	if _, ok := cfg.Modes[cfg.DefaultMode]; !ok {
		cfg.DefaultMode = firstMode(cfg.Modes)
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "engine").Logger()
	}
	tmpl, err := LookupTemplate(cfg.Template)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to chatml")
		tmpl, _ = LookupTemplate("chatml")
	}
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		tmpl:     tmpl,
		log:      log,
		grammars: newGrammarCache(),
		mode:     cfg.DefaultMode,
	}
}

func firstMode(m map[string]Mode) string {
	if _, ok := m[defaultModeName]; ok {
		return defaultModeName
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names[0]
}

// Modes returns the configured mode names in sorted order.
func (e *Engine) Modes() []string {
	names := make([]string, 0, len(e.cfg.Modes))
	for k := range e.cfg.Modes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Loaded returns the path of the loaded model.
func (e *Engine) Loaded() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.path, e.seq != nil
}

// Mode returns the active mode name.
func (e *Engine) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// LoadModel loads path and prepares a decode context and sequence. Loading
// the already-loaded path is a no-op. Loading a different path aborts any
// running generation and releases the previous model first.
func (e *Engine) LoadModel(ctx context.Context, path string, opts LoadOptions) (LoadResult, error) {
	if cur, ok := e.Loaded(); ok && cur == path {
		return LoadResult{Path: path, Reused: true}, nil
	}
	if e.backend == nil {
		return LoadResult{}, ErrDependencyUnavailable("no inference backend configured")
	}
	e.AbortGeneration()
	e.life.Lock()
	defer e.life.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != nil && e.path == path {
		return LoadResult{Path: path, Reused: true}, nil
	}
	e.releaseLocked()

	start := time.Now()
	e.log.Info().Str("event", "load_start").Str("backend", e.backend.Name()).Str("path", path).Msg("")
	m, err := e.backend.LoadModel(ctx, path, opts)
	if err != nil {
		e.log.Error().Str("event", "load_error").Str("path", path).Err(err).Msg("")
		return LoadResult{}, err
	}
	dctx, err := m.NewContext(ContextOptions{
		ContextSize: opts.ContextSize,
		BatchSize:   opts.BatchSize,
		Threads:     opts.Threads,
	})
	if err != nil {
		_ = m.Close()
		e.log.Error().Str("event", "load_error").Str("path", path).Err(err).Msg("context")
		return LoadResult{}, err
	}
	e.model, e.dctx, e.seq = m, dctx, dctx.Sequence()
	e.path, e.opts = path, opts
	e.sess = e.newSession(e.mode)
	d := time.Since(start)
	e.log.Info().Str("event", "load_ok").Str("path", path).Dur("took", d).Msg("")
	return LoadResult{Path: path, Duration: d}, nil
}

// Unload aborts any generation and releases session, context and model in
// that order.
func (e *Engine) Unload() error {
	e.AbortGeneration()
	e.life.Lock()
	defer e.life.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked()
}

func (e *Engine) releaseLocked() error {
	if e.seq == nil && e.model == nil {
		return nil
	}
	var errs []error
	e.sess = nil
	e.seq = nil
	if e.dctx != nil {
		errs = append(errs, e.dctx.Close())
		e.dctx = nil
	}
	if e.model != nil {
		errs = append(errs, e.model.Close())
		e.model = nil
	}
	e.log.Info().Str("event", "unloaded").Str("path", e.path).Msg("")
	e.path = ""
	return errors.Join(errs...)
}

// SetMode switches the active mode. The same mode is a no-op; a different
// one starts a fresh session on the existing sequence.
func (e *Engine) SetMode(name string) error {
	if _, ok := e.cfg.Modes[name]; !ok {
		return ErrUnknownMode(name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == name && (e.seq == nil || e.sess != nil) {
		return nil
	}
	e.mode = name
	if e.seq != nil {
		e.sess = e.newSession(name)
		e.log.Debug().Str("event", "mode").Str("mode", name).Str("session", e.sess.id).Msg("")
	}
	return nil
}

func (e *Engine) newSession(mode string) *session {
	m := e.cfg.Modes[mode]
	return &session{id: uuid.NewString(), mode: mode, system: m.SystemPrompt, temp: m.Temperature}
}

// AbortGeneration cancels the running generation. It reports whether one was
// running.
func (e *Engine) AbortGeneration() bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// Generate runs one full decode and returns the text.
func (e *Engine) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (GenerateResult, error) {
	return e.run(ctx, prompt, opts, nil)
}

// GenerateStream decodes like Generate and calls onChunk with each piece of
// text as it is produced. Cancellation, through ctx or AbortGeneration, stops
// at the next token boundary and returns the text produced so far with
// Aborted set and no error.
func (e *Engine) GenerateStream(ctx context.Context, prompt string, opts types.GenerateOptions, onChunk func(string)) (GenerateResult, error) {
	return e.run(ctx, prompt, opts, onChunk)
}

func (e *Engine) run(ctx context.Context, prompt string, opts types.GenerateOptions, onChunk func(string)) (GenerateResult, error) {
	if !e.busy.CompareAndSwap(false, true) {
		metrics.GenerationsTotal.WithLabelValues("busy").Inc()
		return GenerateResult{}, ErrGenerationBusy
	}
	defer e.busy.Store(false)

	if opts.Mode != "" {
		if err := e.SetMode(opts.Mode); err != nil {
			return GenerateResult{}, err
		}
	}

	e.life.RLock()
	defer e.life.RUnlock()

	e.mu.Lock()
	seq, sess := e.seq, e.sess
	if sess != nil {
		sess.turns++
	}
	e.mu.Unlock()
	if seq == nil {
		return GenerateResult{}, ErrNoModelLoaded
	}

	req, err := e.request(sess, prompt, opts)
	if err != nil {
		return GenerateResult{Mode: sess.mode}, err
	}

	gctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		e.cancel = nil
		e.cancelMu.Unlock()
		cancel()
	}()

	start := time.Now()
	var (
		out   strings.Builder
		first time.Duration
	)
	emit := func(tok string) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		if first == 0 {
			first = time.Since(start)
		}
		out.WriteString(tok)
		if onChunk != nil {
			onChunk(tok)
		}
		return nil
	}
	log := e.log.With().Str("session", sess.id).Str("mode", sess.mode).Logger()
	log.Debug().Str("event", "generate_start").Int("max_tokens", req.MaxTokens).
		Float64("temperature", req.Temperature).Bool("grammar", req.Grammar != "").Msg("")

	_, derr := seq.Decode(gctx, req, emit)
	res := GenerateResult{
		Text:       out.String(),
		Mode:       sess.mode,
		FirstToken: first,
		Duration:   time.Since(start),
	}
	metrics.GenerationDuration.WithLabelValues(sess.mode).Observe(res.Duration.Seconds())
	if gctx.Err() != nil {
		res.Aborted = true
		metrics.GenerationsTotal.WithLabelValues("aborted").Inc()
		log.Info().Str("event", "generate_aborted").Int("chars", len(res.Text)).Msg("")
		return res, nil
	}
	if derr != nil {
		metrics.GenerationsTotal.WithLabelValues("error").Inc()
		log.Error().Str("event", "generate_error").Err(derr).Msg("")
		return res, derr
	}
	if len(opts.Schema) > 0 {
		if trimmed := strings.TrimSpace(res.Text); json.Valid([]byte(trimmed)) {
			res.Parsed = json.RawMessage(trimmed)
		}
	}
	metrics.GenerationsTotal.WithLabelValues("ok").Inc()
	log.Debug().Str("event", "generate_ok").Dur("took", res.Duration).Dur("first_token", first).Msg("")
	return res, nil
}

// request resolves per-call options against the session and config.
func (e *Engine) request(sess *session, prompt string, opts types.GenerateOptions) (DecodeRequest, error) {
	req := DecodeRequest{
		Prompt:        e.tmpl.Render(sess.system, prompt),
		MaxTokens:     pickInt(opts.MaxTokens, e.cfg.MaxTokens),
		Temperature:   e.cfg.Temperature.Resolve(sess.mode, opts.Temperature, sess.temp, e.cfg.DefaultTemperature),
		TopP:          pickFloat(opts.TopP, e.cfg.TopP),
		TopK:          pickInt(opts.TopK, e.cfg.TopK),
		Seed:          opts.Seed,
		RepeatPenalty: pickFloat(opts.RepeatPenalty, e.cfg.RepeatPenalty),
		RepeatLastN:   e.cfg.RepeatLastN,
	}
	req.Stop = append(append([]string(nil), e.tmpl.Stop...), opts.Stop...)
	if len(opts.Schema) > 0 {
		g, err := e.grammars.get(opts.Schema)
		if err != nil {
			return req, err
		}
		req.Grammar = g
	}
	return req, nil
}

func pickInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func pickFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
