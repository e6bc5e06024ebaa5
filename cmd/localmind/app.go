package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"localmind/internal/artifact"
	"localmind/internal/bridge"
	"localmind/internal/common/fsutil"
	"localmind/internal/config"
	"localmind/internal/engine"
	"localmind/internal/registry"
	"localmind/internal/supervisor"
	"localmind/internal/transfer"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg        config.Config
	log        zerolog.Logger
	downloader *artifact.Downloader
	catalog    *registry.Catalog
	fetcher    *supervisor.Fetcher
	// sup is nil for the in-process backend.
	sup    *supervisor.Supervisor
	engine *engine.Engine
	bridge *bridge.Bridge
}

// defaultConfigPath returns <user config dir>/localmind/config.yaml.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "localmind", "config.yaml")
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file yields an empty configuration.
func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	def := defaultConfigPath()
	if def == "" {
		return config.Config{}, nil
	}
	if !fsutil.PathExists(def) {
		return config.Config{}, nil
	}
	return config.Load(def)
}

func newApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	dcfg := cfg.Download
	dl, err := artifact.New(artifact.Config{
		Dir:             cfg.DataDir,
		MaxRedirects:    dcfg.MaxRedirects,
		ProbeTimeout:    dcfg.ProbeTimeout.Std(),
		TransferTimeout: dcfg.TransferTimeout.Std(),
		Retry: transfer.Policy{
			MaxAttempts:     dcfg.MaxAttempts,
			InitialInterval: dcfg.InitialBackoff.Std(),
			MaxInterval:     dcfg.MaxBackoff.Std(),
		},
		Logger: &log,
	})
	if err != nil {
		return nil, err
	}
	if age := dcfg.StaleAfter.Std(); age > 0 {
		if n, err := dl.CleanupStale(age); err != nil {
			log.Warn().Err(err).Msg("stale partial cleanup")
		} else if n > 0 {
			log.Info().Str("event", "cleanup").Int("removed", n).Msg("")
		}
	}
	catalog, err := registry.NewCatalog(cfg.Models)
	if err != nil {
		return nil, err
	}

	fetcher := supervisor.NewFetcher(supervisor.FetcherConfig{MaxRedirects: dcfg.MaxRedirects, Logger: &log})
	backend, sup, err := newBackend(cfg, fetcher, log)
	if err != nil {
		return nil, err
	}
	ecfg := cfg.Engine
	temp, err := ecfg.TemperatureProfile()
	if err != nil {
		return nil, err
	}
	eng := engine.New(engine.Config{
		Modes:         ecfg.Modes,
		DefaultMode:   ecfg.DefaultMode,
		Temperature:   temp,
		Template:      ecfg.Template,
		MaxTokens:     ecfg.MaxTokens,
		TopP:          ecfg.TopP,
		TopK:          ecfg.TopK,
		RepeatPenalty: ecfg.RepeatPenalty,
		RepeatLastN:   ecfg.RepeatLastN,
		Logger:        &log,
	}, backend)

	br, err := bridge.New(bridge.Config{
		DefaultModel: cfg.DefaultModel,
		Load: engine.LoadOptions{
			ContextSize: ecfg.ContextSize,
			BatchSize:   ecfg.BatchSize,
			Threads:     ecfg.Threads,
			GPULayers:   ecfg.GPULayers,
		},
		MaxQueueDepth: cfg.Queue.MaxDepth,
		MaxWait:       cfg.Queue.MaxWait.Std(),
		Logger:        &log,
	}, bridge.Deps{Catalog: catalog, Downloader: dl, Engine: eng})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, downloader: dl, catalog: catalog, fetcher: fetcher, sup: sup, engine: eng, bridge: br}, nil
}

func newBackend(cfg config.Config, fetcher *supervisor.Fetcher, log zerolog.Logger) (engine.Backend, *supervisor.Supervisor, error) {
	switch cfg.Engine.Backend {
	case "llama":
		if !engine.LlamaBuilt {
			return nil, nil, fmt.Errorf("backend llama requires a build with -tags llama")
		}
		return engine.NewLlamaBackend(), nil, nil
	case "", "server":
		s := cfg.Server
		sup := supervisor.New(supervisor.Config{
			Binary:         s.Binary,
			Runtime:        s.Runtime,
			Fetcher:        fetcher,
			Host:           s.Host,
			Port:           s.Port,
			StartupTimeout: s.StartupTimeout.Std(),
			HealthInterval: s.HealthInterval.Std(),
			StopTimeout:    s.StopTimeout.Std(),
			Logger:         &log,
		})
		return engine.NewServerBackend(sup, engine.ServerConfig{
			ExtraArgs:      s.Args(),
			RequestTimeout: s.RequestTimeout.Std(),
			StopTimeout:    s.StopTimeout.Std(),
			Logger:         &log,
		}), sup, nil
	}
	return nil, nil, fmt.Errorf("unknown engine backend %q", cfg.Engine.Backend)
}

func (a *app) close(ctx context.Context) error {
	return a.bridge.Close(ctx)
}
