//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaBuilt reports whether the in-process backend was compiled in.
const LlamaBuilt = true

// LlamaBackend runs models in-process through the llama.cpp bindings.
type LlamaBackend struct{}

// NewLlamaBackend returns the in-process backend.
func NewLlamaBackend() *LlamaBackend { return &LlamaBackend{} }

func (*LlamaBackend) Name() string { return "llama" }

func (*LlamaBackend) LoadModel(ctx context.Context, path string, opts LoadOptions) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{llama.SetContext(zn(opts.ContextSize, llama.DefaultModelOptions.ContextSize))}
	if opts.BatchSize > 0 {
		mo = append(mo, llama.SetNBatch(opts.BatchSize))
	}
	if opts.GPULayers != 0 {
		mo = append(mo, llama.SetGPULayers(opts.GPULayers))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{m: m, threads: opts.Threads}, nil
}

// llamaModel owns the weights. The bindings tie the context to the model,
// so NewContext hands out a view that shares it.
type llamaModel struct {
	mu      sync.Mutex
	m       *llama.LLama
	threads int
}

func (lm *llamaModel) NewContext(opts ContextOptions) (DecodeContext, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m == nil {
		return nil, errors.New("llama model closed")
	}
	threads := lm.threads
	if opts.Threads > 0 {
		threads = opts.Threads
	}
	return &llamaContext{seq: &llamaSequence{model: lm, threads: threads}}, nil
}

func (lm *llamaModel) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m != nil {
		lm.m.Free()
		lm.m = nil
	}
	return nil
}

type llamaContext struct{ seq *llamaSequence }

func (c *llamaContext) Sequence() Sequence { return c.seq }
func (c *llamaContext) Close() error       { return nil }

type llamaSequence struct {
	model   *llamaModel
	threads int
}

func (s *llamaSequence) Decode(ctx context.Context, req DecodeRequest, onToken func(string) error) (string, error) {
	s.model.mu.Lock()
	m := s.model.m
	s.model.mu.Unlock()
	if m == nil {
		return "", errors.New("llama model not initialized")
	}
	var (
		out   strings.Builder
		cbErr error
	)
	m.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			cbErr = ctx.Err()
			return false
		default:
		}
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		out.WriteString(tok)
		return true
	})
	defer m.SetTokenCallback(nil)

	_, err := m.Predict(req.Prompt, predictOptions(req, s.threads)...)
	if cbErr != nil {
		return out.String(), cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		return out.String(), err
	}
	return out.String(), nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// predictOptions converts a decode request into go-llama.cpp options.
func predictOptions(req DecodeRequest, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, req.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(req.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(req.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(float32(req.Temperature)),
		llama.SetPenalty(zf(req.RepeatPenalty, llama.DefaultOptions.Penalty)),
		llama.SetRepeat(zn(req.RepeatLastN, llama.DefaultOptions.Repeat)),
	}
	if req.Seed != 0 {
		po = append(po, llama.SetSeed(req.Seed))
	}
	if len(req.Stop) > 0 {
		po = append(po, llama.SetStopWords(req.Stop...))
	}
	if req.Grammar != "" {
		po = append(po, llama.WithGrammar(req.Grammar))
	}
	return po
}
