//go:build !llama

package engine

import "context"

// LlamaBuilt reports whether the in-process backend was compiled in.
const LlamaBuilt = false

// LlamaBackend is a placeholder that refuses to load models in builds
// without the llama tag. Use the llama-server backend instead.
type LlamaBackend struct{}

// NewLlamaBackend returns the placeholder backend.
func NewLlamaBackend() *LlamaBackend { return &LlamaBackend{} }

func (*LlamaBackend) Name() string { return "llama" }

func (*LlamaBackend) LoadModel(context.Context, string, LoadOptions) (Model, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
