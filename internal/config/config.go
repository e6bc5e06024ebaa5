// Package config loads the localmind configuration file. YAML, JSON and TOML
// are supported, chosen by file extension. Zero values mean "unspecified";
// the components apply their own defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/billziss-gh/golib/shlex"
	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"localmind/internal/engine"
	"localmind/internal/supervisor"
	"localmind/pkg/types"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the whole configuration file.
type Config struct {
	// DataDir holds model files; empty selects the platform data directory.
	DataDir      string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format" validate:"omitempty,oneof=console json"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	Models   []types.ModelDescriptor `json:"models" yaml:"models" toml:"models" validate:"dive"`
	Download DownloadConfig          `json:"download" yaml:"download" toml:"download"`
	Engine   EngineConfig            `json:"engine" yaml:"engine" toml:"engine"`
	Server   ServerConfig            `json:"server" yaml:"server" toml:"server"`
	Queue    QueueConfig             `json:"queue" yaml:"queue" toml:"queue"`
}

// DownloadConfig tunes the artifact downloader.
type DownloadConfig struct {
	MaxRedirects    int      `json:"max_redirects" yaml:"max_redirects" toml:"max_redirects" validate:"gte=0"`
	ProbeTimeout    Duration `json:"probe_timeout" yaml:"probe_timeout" toml:"probe_timeout"`
	TransferTimeout Duration `json:"transfer_timeout" yaml:"transfer_timeout" toml:"transfer_timeout"`
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"gte=0"`
	InitialBackoff  Duration `json:"initial_backoff" yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff      Duration `json:"max_backoff" yaml:"max_backoff" toml:"max_backoff"`
	// StaleAfter removes partial files older than this at startup; zero keeps them.
	StaleAfter Duration `json:"stale_after" yaml:"stale_after" toml:"stale_after"`
}

// EngineConfig configures the inference engine.
type EngineConfig struct {
	// Backend selects "server" (supervised llama-server) or "llama" (in-process).
	Backend     string                 `json:"backend" yaml:"backend" toml:"backend" validate:"omitempty,oneof=server llama"`
	Template    string                 `json:"template" yaml:"template" toml:"template" validate:"omitempty,oneof=chatml llama3 plain"`
	DefaultMode string                 `json:"default_mode" yaml:"default_mode" toml:"default_mode"`
	Modes       map[string]engine.Mode `json:"modes" yaml:"modes" toml:"modes"`
	// Temperature is either a number applied to every mode or a map of mode
	// name to number.
	Temperature   any     `json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens" validate:"gte=0"`
	TopP          float64 `json:"top_p" yaml:"top_p" toml:"top_p" validate:"gte=0,lte=1"`
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k" validate:"gte=0"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty" validate:"gte=0"`
	RepeatLastN   int     `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n" validate:"gte=0"`
	ContextSize   int     `json:"context_size" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	BatchSize     int     `json:"batch_size" yaml:"batch_size" toml:"batch_size" validate:"gte=0"`
	Threads       int     `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	GPULayers     int     `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
}

// ServerConfig configures the supervised llama-server process.
type ServerConfig struct {
	// Binary is a path or a name looked up on PATH.
	Binary string `json:"binary" yaml:"binary" toml:"binary"`
	// Runtime downloads the binary when it is not found.
	Runtime *supervisor.BinarySpec `json:"runtime,omitempty" yaml:"runtime" toml:"runtime"`
	Host    string                 `json:"host" yaml:"host" toml:"host" validate:"omitempty,ip|hostname"`
	Port    int                    `json:"port" yaml:"port" toml:"port" validate:"gte=-1,lte=65535"`
	// ExtraArgs is a shell-quoted argument string appended to the command.
	ExtraArgs      string   `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	StartupTimeout Duration `json:"startup_timeout" yaml:"startup_timeout" toml:"startup_timeout"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	StopTimeout    Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
}

// QueueConfig bounds generation admission.
type QueueConfig struct {
	MaxDepth int      `json:"max_depth" yaml:"max_depth" toml:"max_depth" validate:"gte=0"`
	MaxWait  Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
}

var validate = validator.New()

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field references.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Server.Runtime != nil {
		if err := validate.Struct(c.Server.Runtime); err != nil {
			return fmt.Errorf("invalid server.runtime: %w", err)
		}
	}
	if _, err := c.Engine.TemperatureProfile(); err != nil {
		return fmt.Errorf("invalid engine.temperature: %w", err)
	}
	if m := c.Engine.DefaultMode; m != "" && len(c.Engine.Modes) > 0 {
		if _, ok := c.Engine.Modes[m]; !ok {
			return fmt.Errorf("engine.default_mode %q is not in engine.modes", m)
		}
	}
	if c.DefaultModel != "" {
		found := false
		for _, m := range c.Models {
			found = found || m.ID == c.DefaultModel
		}
		if !found {
			return fmt.Errorf("default_model %q is not in models", c.DefaultModel)
		}
	}
	return nil
}

// TemperatureProfile resolves the temperature union.
func (e EngineConfig) TemperatureProfile() (engine.TemperatureProfile, error) {
	return engine.ParseTemperature(e.Temperature)
}

// Args splits ExtraArgs with POSIX shell rules.
func (s ServerConfig) Args() []string {
	if strings.TrimSpace(s.ExtraArgs) == "" {
		return nil
	}
	return shlex.Posix.Split(s.ExtraArgs)
}
