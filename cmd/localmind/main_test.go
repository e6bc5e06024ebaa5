package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"localmind/pkg/types"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "", "json")
	require.NoError(t, err)
	require.Equal(t, zerolog.WarnLevel, log.GetLevel())
	log.Warn().Str("event", "probe").Msg("")
	require.Contains(t, buf.String(), `"event":"probe"`)

	buf.Reset()
	log, err = newLogger(&buf, "DEBUG", "console")
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, log.GetLevel())
	log.Debug().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), "{")

	_, err = newLogger(&buf, "loud", "")
	require.Error(t, err)
}

func TestFormatProgress(t *testing.T) {
	cases := []struct {
		in   types.DownloadProgress
		want string
	}{
		{types.DownloadProgress{ModelID: "m", Phase: types.PhaseProbing}, "m: probing size"},
		{types.DownloadProgress{ModelID: "m", Phase: types.PhaseValidating}, "m: validating sha256"},
		{types.DownloadProgress{ModelID: "m", Phase: types.PhaseComplete, Downloaded: 2048}, "m: complete (2.0 KiB)"},
		{types.DownloadProgress{ModelID: "m", Phase: types.PhaseTransferring, Downloaded: 1024, Total: 2048, Percent: 50, Speed: 1024},
			"m:  50.0% 1.0 KiB / 2.0 KiB at 1.0 KiB/s"},
		{types.DownloadProgress{ModelID: "m", Phase: types.PhaseTransferring, Downloaded: 10}, "m:   0.0% 10 B / ? at 0 B/s"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, formatProgress(c.in))
	}
}

func TestProgressPrinterThrottles(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, time.Hour)
	p.update(types.DownloadProgress{ModelID: "m", Phase: types.PhaseProbing})
	for i := int64(1); i <= 100; i++ {
		p.update(types.DownloadProgress{ModelID: "m", Phase: types.PhaseTransferring, Downloaded: i, Total: 100})
	}
	p.update(types.DownloadProgress{ModelID: "m", Phase: types.PhaseComplete, Downloaded: 100})
	p.done()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4, buf.String())
	require.Contains(t, lines[3], "complete")
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Empty(t, cfg.Models)

	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/x\nlog_level: info\n"), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", cfg.DataDir)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"models", "available", "download", "delete", "ensure", "chat", "test", "fetch-runtime", "cleanup", "status"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"config", "data-dir", "log-level", "log-format", "json"} {
		require.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"download"})
	require.Error(t, root.Execute())
}

func TestAvailableCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	cfg := `data_dir: ` + filepath.Join(dir, "models") + `
models:
  - id: tiny
    name: Tiny
    filename: tiny.gguf
    url: https://example.com/tiny.gguf
    size: 2048
    sha256: ` + strings.Repeat("ab", 32) + `
    ram_gb: 1
    context_size: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", path, "available"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "tiny")
	require.Contains(t, out.String(), "2.0 KiB")

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", path, "--json", "models"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), `"installed": false`)

	var stdout, stderr bytes.Buffer
	root = newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"--config", path, "--metrics", "status"})
	require.NoError(t, root.Execute())
	require.Contains(t, stdout.String(), "models:   1 configured")
	require.Contains(t, stderr.String(), "# TYPE localmind_artifact_download_bytes_total counter")
}

func TestWriteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ours := prometheus.NewCounter(prometheus.CounterOpts{Name: "localmind_things_total", Help: "things"})
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "other_total", Help: "other"})
	reg.MustRegister(ours, other)
	ours.Add(3)
	other.Inc()

	var buf bytes.Buffer
	require.NoError(t, writeMetrics(&buf, reg))
	require.Contains(t, buf.String(), "localmind_things_total 3")
	require.NotContains(t, buf.String(), "other_total")
}
