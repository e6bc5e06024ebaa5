package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"localmind/internal/supervisor"
)

// Runner starts and stops the llama-server process. *supervisor.Supervisor
// satisfies it.
type Runner interface {
	Start(ctx context.Context, args ...string) (supervisor.Handle, error)
	Stop(ctx context.Context) error
	IsReady() bool
}

// ServerConfig configures the process-hosted backend.
type ServerConfig struct {
	// ExtraArgs are appended to the generated server arguments.
	ExtraArgs []string
	// RequestTimeout bounds one completion request; zero means no limit.
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	StopTimeout    time.Duration
	Client         *http.Client
	Logger         *zerolog.Logger
}

// ServerBackend runs models in a supervised llama-server process and talks
// to its native /completion endpoint.
type ServerBackend struct {
	cfg    ServerConfig
	runner Runner
	client *http.Client
	log    zerolog.Logger
}

// NewServerBackend constructs a ServerBackend over runner.
func NewServerBackend(runner Runner, cfg ServerConfig) *ServerBackend {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		}
		// Requests carry their own deadlines through the context.
		client = &http.Client{Transport: tr}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "engine").Str("backend", "llama-server").Logger()
	}
	return &ServerBackend{cfg: cfg, runner: runner, client: client, log: log}
}

func (b *ServerBackend) Name() string { return "llama-server" }

// serverArgs builds the llama-server command line for path.
func serverArgs(path string, opts LoadOptions, extra []string) []string {
	args := []string{"-m", path, "--host", "${HOST}", "--port", "${PORT}"}
	if opts.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(opts.ContextSize))
	}
	if opts.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(opts.BatchSize))
	}
	if opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(opts.Threads))
	}
	if opts.GPULayers != 0 {
		args = append(args, "-ngl", strconv.Itoa(opts.GPULayers))
	}
	return append(args, extra...)
}

// LoadModel starts the server process for path and waits until it is ready.
func (b *ServerBackend) LoadModel(ctx context.Context, path string, opts LoadOptions) (Model, error) {
	if b.runner == nil {
		return nil, ErrDependencyUnavailable("llama-server runner not configured")
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	m := &serverModel{b: b, args: serverArgs(path, opts, b.cfg.ExtraArgs)}
	if _, err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

type serverModel struct {
	b    *ServerBackend
	args []string

	mu      sync.Mutex
	baseURL string
}

// ensure returns the server base URL, restarting the process when the health
// watcher has marked it not ready.
func (m *serverModel) ensure(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseURL != "" && m.b.runner.IsReady() {
		return m.baseURL, nil
	}
	if m.baseURL != "" {
		m.b.log.Warn().Str("event", "restart").Msg("runtime not ready")
	}
	h, err := m.b.runner.Start(ctx, m.args...)
	if err != nil {
		return "", err
	}
	m.baseURL = h.BaseURL
	return m.baseURL, nil
}

func (m *serverModel) NewContext(ContextOptions) (DecodeContext, error) {
	return &serverContext{seq: &serverSequence{m: m}}, nil
}

func (m *serverModel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.b.cfg.StopTimeout)
	defer cancel()
	m.mu.Lock()
	m.baseURL = ""
	m.mu.Unlock()
	return m.b.runner.Stop(ctx)
}

// serverContext holds no state of its own; the KV cache lives in the server.
type serverContext struct{ seq *serverSequence }

func (c *serverContext) Sequence() Sequence { return c.seq }
func (c *serverContext) Close() error       { return nil }

type serverSequence struct{ m *serverModel }

// completionPayload renders req as a /completion request body.
func completionPayload(req DecodeRequest) (string, error) {
	body := `{"stream":true,"cache_prompt":true}`
	set := func(path string, v any) error {
		var err error
		body, err = sjson.Set(body, path, v)
		return err
	}
	fields := []struct {
		path string
		v    any
		skip bool
	}{
		{"prompt", req.Prompt, false},
		{"n_predict", req.MaxTokens, req.MaxTokens <= 0},
		{"temperature", req.Temperature, false},
		{"top_p", req.TopP, req.TopP <= 0},
		{"top_k", req.TopK, req.TopK <= 0},
		{"repeat_penalty", req.RepeatPenalty, req.RepeatPenalty <= 0},
		{"repeat_last_n", req.RepeatLastN, req.RepeatLastN <= 0},
		{"seed", req.Seed, req.Seed == 0},
		{"stop", req.Stop, len(req.Stop) == 0},
		{"grammar", req.Grammar, req.Grammar == ""},
	}
	for _, f := range fields {
		if f.skip {
			continue
		}
		if err := set(f.path, f.v); err != nil {
			return "", fmt.Errorf("build payload %s: %w", f.path, err)
		}
	}
	return body, nil
}

func (s *serverSequence) Decode(ctx context.Context, req DecodeRequest, onToken func(string) error) (string, error) {
	b := s.m.b
	baseURL, err := s.m.ensure(ctx)
	if err != nil {
		return "", err
	}
	if b.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}
	payload, err := completionPayload(req)
	if err != nil {
		return "", err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/completion", strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := b.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("llama-server %s: %s", resp.Status, msg)
	}

	var out strings.Builder
	r := bufio.NewReader(resp.Body)
	for {
		line, rerr := r.ReadString('\n')
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(line[len("data:"):])
			if data == "[DONE]" {
				return out.String(), nil
			}
			frame := gjson.Parse(data)
			if e := frame.Get("error"); e.Exists() {
				msg := e.Get("message").String()
				if msg == "" {
					msg = e.String()
				}
				return out.String(), errors.New("llama-server: " + msg)
			}
			if tok := frame.Get("content").String(); tok != "" {
				if cbErr := onToken(tok); cbErr != nil {
					return out.String(), cbErr
				}
				out.WriteString(tok)
			}
			if frame.Get("stop").Bool() {
				return out.String(), nil
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return out.String(), ctx.Err()
			}
			if errors.Is(rerr, io.EOF) {
				return out.String(), nil
			}
			return out.String(), rerr
		}
	}
}
