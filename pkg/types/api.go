package types

import "encoding/json"

// GenerateOptions are per-call generation parameters.
type GenerateOptions struct {
	// Generation mode (selects system prompt and temperature). Empty keeps the current mode.
	// example: narrator
	Mode string `json:"mode,omitempty"`
	// Explicit temperature override. Nil falls back to the mode/default profile.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty"`
	// Top-K sampling.
	// example: 40
	TopK int `json:"top_k,omitempty"`
	// Maximum number of new tokens.
	// example: 256
	MaxTokens int `json:"max_tokens,omitempty"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed; 0 lets the runtime choose.
	Seed int `json:"seed,omitempty"`
	// Repeat penalty; 0 uses the configured value.
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	// Optional JSON Schema constraining the output.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ChatOptions is the input of Chat and ChatStream.
type ChatOptions struct {
	// Model id; empty uses the configured default.
	// example: qwen2.5-3b-instruct-q4
	Model string `json:"model,omitempty"`
	// User prompt.
	Prompt string `json:"prompt"`
	GenerateOptions
}

// Result is the uniform outcome shape returned to collaborators.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Machine-readable failure class (e.g., network, incomplete, hash_mismatch).
	Code string `json:"code,omitempty"`
}

// DownloadResult is returned by DownloadModel.
type DownloadResult struct {
	Result
	ModelID string `json:"model_id"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	// True when the failure kept partial progress and a later call resumes it.
	Resumable bool `json:"resumable,omitempty"`
	// True when bytes were transferred (false when an existing file was validated).
	Transferred bool `json:"transferred,omitempty"`
}

// ChatResult is returned by Chat and ChatStream.
type ChatResult struct {
	Result
	ModelID string `json:"model_id,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Text    string `json:"text"`
	// Parsed structured output when a schema was supplied and the text parsed.
	Parsed json.RawMessage `json:"parsed,omitempty"`
	// True when the generation was cancelled and Text holds the partial output.
	Aborted    bool  `json:"aborted,omitempty"`
	DurationMS int64 `json:"duration_ms"`
}

// TestResult is returned by TestConnection.
type TestResult struct {
	Result
	ModelID string `json:"model_id,omitempty"`
	// Time until the first generated chunk arrived.
	FirstResponseMS int64  `json:"first_response_ms"`
	TotalMS         int64  `json:"total_ms"`
	Sample          string `json:"sample,omitempty"`
}
