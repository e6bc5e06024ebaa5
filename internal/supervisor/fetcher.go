package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"localmind/internal/common/fsutil"
	"localmind/internal/transfer"
)

const defaultFetchTimeout = 10 * time.Minute

// BinarySpec describes the runtime executable to download.
type BinarySpec struct {
	// Name is the file name inside Dir.
	Name string `json:"name" yaml:"name" toml:"name" validate:"required"`
	URL  string `json:"url" yaml:"url" toml:"url" validate:"required,url"`
	// Size is the expected byte count; zero skips the check.
	Size int64 `json:"size" yaml:"size" toml:"size" validate:"gte=0"`
	// SHA256 is optional; when set the digest must match.
	SHA256 string `json:"sha256,omitempty" yaml:"sha256" toml:"sha256" validate:"omitempty,len=64,hexadecimal"`
	// Dir overrides FetcherConfig.Dir for this binary.
	Dir string `json:"dir,omitempty" yaml:"dir" toml:"dir"`
}

// FetcherConfig holds the Fetcher tunables. Zero values select defaults.
type FetcherConfig struct {
	Dir          string
	Client       *http.Client
	MaxRedirects int
	Timeout      time.Duration
	Retry        transfer.Policy
	Logger       *zerolog.Logger
}

// Fetcher performs a one-shot download of a runtime executable. It shares the
// redirect-capped client and retry policy with the artifact downloader but
// does not resume: a failed attempt starts over.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	log    zerolog.Logger
}

// NewFetcher constructs a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	client := transfer.NewClient(cfg.MaxRedirects)
	if cfg.Client != nil {
		client = transfer.CapRedirects(cfg.Client, cfg.MaxRedirects)
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "fetcher").Logger()
	}
	return &Fetcher{cfg: cfg, client: client, log: log}
}

// Fetch returns the path of the executable, downloading it when absent or
// when the file on disk does not match spec.
func (f *Fetcher) Fetch(ctx context.Context, spec BinarySpec) (string, error) {
	name := filepath.Base(strings.TrimSpace(spec.Name))
	if name == "" || name == "." || spec.URL == "" {
		return "", dependencyUnavailableError{msg: "runtime spec needs name and url"}
	}
	dir := spec.Dir
	if dir == "" {
		dir = f.cfg.Dir
	}
	if dir == "" {
		base, err := fsutil.DefaultDataDir("")
		if err != nil {
			return "", err
		}
		dir = filepath.Join(filepath.Dir(base), "bin")
	}
	dir, err := fsutil.ResolveDir(dir)
	if err != nil {
		return "", fmt.Errorf("runtime dir: %w", err)
	}
	target := filepath.Join(dir, name)
	if ok, err := matches(target, spec); err != nil {
		return "", err
	} else if ok {
		return target, nil
	}

	tmp := target + ".download"
	defer os.Remove(tmp)
	n, err := transfer.Retry(ctx, f.cfg.Retry, func(ctx context.Context, attempt int) (int64, error) {
		f.log.Info().Str("event", "fetch").Str("url", spec.URL).Int("attempt", attempt).Msg("")
		return f.fetchOnce(ctx, spec, tmp)
	})
	if err != nil {
		return "", err
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return "", fmt.Errorf("chmod runtime: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("install runtime: %w", err)
	}
	f.log.Info().Str("event", "fetched").Str("path", target).Str("size", humanize.IBytes(uint64(n))).Msg("")
	return target, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, spec BinarySpec, tmp string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return 0, transfer.Wrap(transfer.KindHTTPStatus, "fetch", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, transfer.ClassifyDoError("fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, transfer.StatusError("fetch", spec.URL, resp.StatusCode)
	}
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(out, h), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return n, transfer.Wrap(transfer.KindNetwork, "fetch", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("write %s: %w", tmp, closeErr)
	}
	if spec.Size > 0 && n != spec.Size {
		return n, &transfer.Error{Kind: transfer.KindSizeMismatch, Op: "fetch", URL: spec.URL,
			Msg: fmt.Sprintf("got %d bytes, expected %d", n, spec.Size)}
	}
	if spec.SHA256 != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, spec.SHA256) {
			return n, transfer.Errorf(transfer.KindHashMismatch, "fetch", "sha256 %s, expected %s", sum, spec.SHA256)
		}
	}
	return n, nil
}

// matches reports whether an installed binary satisfies spec.
func matches(path string, spec BinarySpec) (bool, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fi.IsDir() || (spec.Size > 0 && fi.Size() != spec.Size) {
		return false, nil
	}
	if spec.SHA256 == "" {
		return true, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return false, err
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), spec.SHA256), nil
}
