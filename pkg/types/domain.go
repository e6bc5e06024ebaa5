package types

import "time"

// ModelDescriptor describes one downloadable model artifact. Descriptors come
// from configuration and are never mutated after load.
type ModelDescriptor struct {
	// Stable identifier for the model.
	// example: qwen2.5-3b-instruct-q4
	ID string `json:"id" yaml:"id" toml:"id" validate:"required"`
	// Human-friendly name.
	// example: Qwen 2.5 3B Instruct (Q4_K_M)
	Name string `json:"name" yaml:"name" toml:"name"`
	// Target filename inside the data directory.
	// example: qwen2.5-3b-instruct-q4_k_m.gguf
	Filename string `json:"filename" yaml:"filename" toml:"filename" validate:"required"`
	// Source URL. Redirects are followed.
	// example: https://huggingface.co/Qwen/Qwen2.5-3B-Instruct-GGUF/resolve/main/qwen2.5-3b-instruct-q4_k_m.gguf
	URL string `json:"url" yaml:"url" toml:"url" validate:"required,url"`
	// Expected size in bytes. Zero means unknown; the size is probed remotely.
	// example: 2104932768
	Size int64 `json:"size" yaml:"size" toml:"size" validate:"gte=0"`
	// Lowercase hex SHA-256 of the complete file.
	// example: 626b4a6678b86442240e33df819e00132d3ba7dddfe1cdc4fbb18e0a9615c62d
	SHA256 string `json:"sha256" yaml:"sha256" toml:"sha256" validate:"required,len=64,hexadecimal"`
	// Approximate RAM needed to run the model, in GB.
	// example: 4
	RAMGB float64 `json:"ram_gb,omitempty" yaml:"ram_gb" toml:"ram_gb" validate:"gte=0"`
	// Context window the model supports.
	// example: 8192
	ContextSize int `json:"context_size,omitempty" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	// Format tag (e.g., gguf).
	// example: gguf
	Format string `json:"format,omitempty" yaml:"format" toml:"format"`
}

// DisplayName returns Name, falling back to ID.
func (d ModelDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// InstalledModel is a descriptor joined with what is on disk.
type InstalledModel struct {
	ModelDescriptor
	// Absolute path of the canonical artifact.
	Path string `json:"path"`
	// Bytes on disk for the canonical artifact (0 when absent).
	SizeOnDisk int64 `json:"size_on_disk"`
	// True when the canonical file exists.
	Installed bool `json:"installed"`
	// Bytes already present in an interrupted transfer.
	PartialBytes int64 `json:"partial_bytes,omitempty"`
	// Modification time of the canonical file.
	ModTime time.Time `json:"mod_time,omitempty"`
	// True when this model is currently loaded in the engine.
	Loaded bool `json:"loaded"`
}

// Phase is the lifecycle phase of a download attempt.
type Phase string

const (
	PhaseProbing      Phase = "probing"
	PhaseTransferring Phase = "transferring"
	PhaseValidating   Phase = "validating"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// DownloadProgress is one progress tick for a download.
type DownloadProgress struct {
	ModelID    string  `json:"model_id"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Percent    float64 `json:"percent"`
	// Bytes per second (smoothed).
	Speed float64 `json:"speed"`
	Phase Phase   `json:"phase"`
}
