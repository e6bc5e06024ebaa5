package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"localmind/internal/bridge"
	"localmind/internal/engine"
	"localmind/internal/supervisor"
	"localmind/pkg/types"
)

type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string
	logFormat  string
	jsonOut    bool
	metrics    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "localmind",
		Short:         "Download, verify and run local GGUF models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", os.Getenv("LOCALMIND_CONFIG"), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Model directory (overrides data_dir)")
	pf.StringVar(&opts.logLevel, "log-level", os.Getenv("LOCALMIND_LOG_LEVEL"), "Log level: trace|debug|info|warn|error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json (default: console on a terminal)")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")
	pf.BoolVar(&opts.metrics, "metrics", false, "Write collected metrics to stderr when the command ends")

	root.AddCommand(
		newModelsCmd(opts),
		newAvailableCmd(opts),
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newEnsureCmd(opts),
		newChatCmd(opts),
		newTestCmd(opts),
		newFetchRuntimeCmd(opts),
		newCleanupCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// withApp loads configuration, wires the components and runs fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	level := opts.logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	format := opts.logFormat
	if format == "" {
		format = cfg.LogFormat
	}
	log, err := newLogger(cmd.ErrOrStderr(), level, format)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.close(ctx); err != nil {
			log.Warn().Err(err).Msg("shutdown")
		}
		if opts.metrics {
			if err := writeMetrics(cmd.ErrOrStderr(), prometheus.DefaultGatherer); err != nil {
				log.Warn().Err(err).Msg("metrics")
			}
		}
	}()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultErr turns a failed result into a command error.
func resultErr(r types.Result) error {
	if r.Success {
		return nil
	}
	if r.Code != "" {
		return fmt.Errorf("%s (%s)", r.Error, r.Code)
	}
	return errors.New(r.Error)
}

func newModelsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and their on-disk state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				models := a.bridge.ListModels()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), models)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSIZE\tSTATUS")
				for _, m := range models {
					size := m.Size
					if m.Installed {
						size = m.SizeOnDisk
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.DisplayName(), humanize.IBytes(uint64(size)), modelStatus(m))
				}
				untracked, err := a.catalog.Untracked(a.downloader.Dir())
				if err != nil {
					return err
				}
				for _, p := range untracked {
					fmt.Fprintf(tw, "-\t%s\t-\tuntracked\n", p)
				}
				return tw.Flush()
			})
		},
	}
}

func modelStatus(m types.InstalledModel) string {
	switch {
	case m.Loaded:
		return "loaded"
	case m.Installed:
		return "installed " + humanize.Time(m.ModTime)
	case m.PartialBytes > 0:
		return "partial " + humanize.IBytes(uint64(m.PartialBytes))
	}
	return "not installed"
}

func newAvailableCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "available",
		Short: "List downloadable models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				descs := a.bridge.AvailableModels()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), descs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSIZE\tRAM\tCONTEXT")
				for _, d := range descs {
					size := "?"
					if d.Size > 0 {
						size = humanize.IBytes(uint64(d.Size))
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%gGB\t%d\n", d.ID, d.DisplayName(), size, d.RAMGB, d.ContextSize)
				}
				return tw.Flush()
			})
		},
	}
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "download <model-id>",
		Short: "Download or resume a model and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				pp := newProgressPrinter(cmd.ErrOrStderr(), interval)
				res := a.bridge.DownloadModel(ctx, args[0], pp.update)
				pp.done()
				if opts.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else if res.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", res.ModelID, res.Path, humanize.IBytes(uint64(res.Size)))
				} else if res.Resumable {
					fmt.Fprintln(cmd.ErrOrStderr(), "partial download kept; run the command again to resume")
				}
				return resultErr(res.Result)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "progress-interval", 500*time.Millisecond, "Minimum time between progress lines")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model and any partial download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return resultErr(a.bridge.DeleteModel(ctx, args[0]))
			})
		},
	}
}

func newEnsureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure [model-id]",
		Short: "Make sure a verified copy of the model is on disk",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				path, err := a.bridge.EnsureModel(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

type chatFlags struct {
	model       string
	mode        string
	temperature float64
	maxTokens   int
	seed        int
	stop        []string
	schemaPath  string
	noStream    bool
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat [flags] <prompt>...",
		Short: "Run one generation against a model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			copts := types.ChatOptions{
				Model:  f.model,
				Prompt: strings.Join(args, " "),
				GenerateOptions: types.GenerateOptions{
					Mode:      f.mode,
					MaxTokens: f.maxTokens,
					Seed:      f.seed,
					Stop:      f.stop,
				},
			}
			if cmd.Flags().Changed("temperature") {
				t := f.temperature
				copts.Temperature = &t
			}
			if f.schemaPath != "" {
				b, err := os.ReadFile(f.schemaPath)
				if err != nil {
					return fmt.Errorf("schema: %w", err)
				}
				copts.Schema = b
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				var res types.ChatResult
				if f.noStream || opts.jsonOut {
					res = a.bridge.Chat(ctx, copts)
				} else {
					res = a.bridge.ChatStream(ctx, copts, func(s string) { fmt.Fprint(out, s) })
					fmt.Fprintln(out)
				}
				switch {
				case opts.jsonOut:
					if err := printJSON(out, res); err != nil {
						return err
					}
				case f.noStream:
					fmt.Fprintln(out, res.Text)
				}
				if res.Aborted {
					fmt.Fprintln(cmd.ErrOrStderr(), "[aborted]")
				}
				return resultErr(res.Result)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.model, "model", "m", "", "Model id (default: default_model)")
	fl.StringVar(&f.mode, "mode", "", "Generation mode")
	fl.Float64VarP(&f.temperature, "temperature", "t", 0, "Sampling temperature override")
	fl.IntVarP(&f.maxTokens, "max-tokens", "n", 0, "Maximum new tokens")
	fl.IntVar(&f.seed, "seed", 0, "Random seed")
	fl.StringSliceVar(&f.stop, "stop", nil, "Stop sequence (repeatable)")
	fl.StringVar(&f.schemaPath, "schema", "", "JSON Schema file constraining the output")
	fl.BoolVar(&f.noStream, "no-stream", false, "Print the answer only when complete")
	return cmd
}

func newTestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test [model-id]",
		Short: "Run a tiny generation and report latency",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res := a.bridge.TestConnection(ctx, id)
				if opts.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else if res.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: first response %dms, total %dms: %q\n",
						res.ModelID, res.FirstResponseMS, res.TotalMS, res.Sample)
				}
				return resultErr(res.Result)
			})
		},
	}
}

func newFetchRuntimeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-runtime",
		Short: "Download the configured llama-server binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				spec := a.cfg.Server.Runtime
				if spec == nil {
					return errors.New("server.runtime is not configured")
				}
				path, err := a.fetcher.Fetch(ctx, *spec)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale partial downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				n, err := a.downloader.CleanupStale(olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d partial file(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Remove partials not modified within this age")
	return cmd
}

type statusReport struct {
	bridge.Status
	Runtime *supervisor.RuntimeReport `json:"runtime,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the data directory, runtime binary and download state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				rep := statusReport{Status: a.bridge.Status()}
				if a.sup != nil {
					r := a.sup.Check()
					rep.Runtime = &r
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "data dir: %s\n", a.downloader.Dir())
				fmt.Fprintf(out, "models:   %d configured\n", a.catalog.Len())
				switch r := rep.Runtime; {
				case r == nil:
					fmt.Fprintf(out, "backend:  in-process (llama built: %t)\n", engine.LlamaBuilt)
				case r.Found:
					fmt.Fprintf(out, "runtime:  %s\n", r.Path)
				case r.Fetchable:
					fmt.Fprintln(out, "runtime:  missing; run fetch-runtime")
				default:
					fmt.Fprintf(out, "runtime:  unavailable: %s\n", r.Error)
				}
				for _, p := range rep.Downloads {
					fmt.Fprintln(out, formatProgress(p))
				}
				return nil
			})
		},
	}
}
