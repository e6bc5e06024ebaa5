package engine

import "context"

// Backend loads model weights. Implementations: the in-process llama.cpp
// binding (build tag llama) and the supervised llama-server process.
type Backend interface {
	Name() string
	LoadModel(ctx context.Context, path string, opts LoadOptions) (Model, error)
}

// Model is a loaded set of weights.
type Model interface {
	// NewContext allocates a decode context sized by opts.
	NewContext(opts ContextOptions) (DecodeContext, error)
	Close() error
}

// DecodeContext owns the KV cache and the decode sequence built on it.
type DecodeContext interface {
	// Sequence returns the context's reusable decode sequence. It is the same
	// value for the context's whole lifetime.
	Sequence() Sequence
	Close() error
}

// Sequence decodes one prompt at a time. It is single-writer: callers must
// not run two Decode calls concurrently.
type Sequence interface {
	// Decode generates a completion for req.Prompt, calling onToken for every
	// piece of text. If onToken returns an error, or ctx ends, decoding stops
	// at the next token boundary and that error is returned together with the
	// text produced so far.
	Decode(ctx context.Context, req DecodeRequest, onToken func(string) error) (string, error)
}

// LoadOptions configure model loading.
type LoadOptions struct {
	ContextSize int
	BatchSize   int
	Threads     int
	GPULayers   int
}

// ContextOptions configure the decode context.
type ContextOptions struct {
	ContextSize int
	BatchSize   int
	Threads     int
}

// DecodeRequest is the fully resolved input of one decode.
type DecodeRequest struct {
	Prompt        string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	Stop          []string
	Seed          int
	RepeatPenalty float64
	RepeatLastN   int
	// Grammar is a GBNF grammar constraining the output; empty means none.
	Grammar string
}
