// Package supervisor runs the external inference server: it picks a port,
// spawns the process, waits for its health endpoint, keeps checking it in the
// background and shuts it down gracefully. Fetcher obtains the executable.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"localmind/internal/metrics"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 8080
	defaultPortSpan       = 100
	defaultAddrEnv        = "LOCALMIND_RUNTIME_ADDR"
	defaultHealthPath     = "/health"
	defaultPollInterval   = 500 * time.Millisecond
	defaultStartupTimeout = 30 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultHealthTimeout  = 2 * time.Second
	defaultStopTimeout    = 5 * time.Second
	defaultPortAttempts   = 3
	outputTailBytes       = 8 << 10
)

// Config holds the Supervisor tunables. Zero values select defaults.
type Config struct {
	// Binary is the executable path or a name looked up in PATH. When empty
	// or missing, Runtime is fetched with Fetcher.
	Binary  string
	Runtime *BinarySpec
	Fetcher *Fetcher

	Host string
	// Port is where probing starts; PortSpan bounds how far upward it goes.
	// A negative Port asks the OS for any free port.
	Port     int
	PortSpan int
	// PortAttempts bounds restarts on a port that turned out to be taken.
	PortAttempts int
	// AddrEnv names the environment variable that receives host:port.
	AddrEnv string
	Env     []string
	// Dir is the working directory of the process.
	Dir string

	HealthPath     string
	PollInterval   time.Duration
	StartupTimeout time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StopTimeout    time.Duration

	Client *http.Client
	// Output, when set, receives a copy of the process stdout and stderr.
	Output io.Writer
	Logger *zerolog.Logger
}

// Handle identifies a running runtime process.
type Handle struct {
	PID       int
	Host      string
	Port      int
	BaseURL   string
	StartedAt time.Time
}

type process struct {
	cmd        *exec.Cmd
	handle     Handle
	out        *tailBuffer
	done       chan struct{}
	waitErr    error
	stopHealth context.CancelFunc
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor manages at most one runtime process. It is safe for concurrent use.
type Supervisor struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client

	startMu sync.Mutex // serializes Start and Stop
	mu      sync.Mutex
	proc    *process
	ready   atomic.Bool
}

// New constructs a Supervisor from cfg.
func New(cfg Config) *Supervisor {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PortSpan <= 0 {
		cfg.PortSpan = defaultPortSpan
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = defaultPortAttempts
	}
	if cfg.AddrEnv == "" {
		cfg.AddrEnv = defaultAddrEnv
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = defaultHealthPath
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	client := cfg.Client
	if client == nil {
		// Timeout=0: every request carries a context deadline.
		client = &http.Client{Timeout: 0}
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "supervisor").Logger()
	}
	return &Supervisor{cfg: cfg, log: log, client: client}
}

// IsReady reports whether the process is running and its last health check passed.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.ready.Load()
}

// Handle returns the running process, if any.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return Handle{}, false
	}
	return s.proc.handle, true
}

// Output returns the tail of the process output.
func (s *Supervisor) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ""
	}
	return s.proc.out.String()
}

// Start spawns the runtime with args and waits until it is healthy. ${PORT}
// and ${HOST} in args are replaced with the chosen address. A running, ready
// process is returned as is; one that stopped answering health checks is
// restarted.
func (s *Supervisor) Start(ctx context.Context, args ...string) (Handle, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p != nil {
		if s.ready.Load() && !p.exited() {
			return p.handle, nil
		}
		s.log.Info().Str("event", "restart").Int("pid", p.handle.PID).Msg("")
		s.stopProcess(ctx, p)
	}

	bin, err := s.resolveBinary(ctx)
	if err != nil {
		metrics.SupervisorStartsTotal.WithLabelValues("no_binary").Inc()
		return Handle{}, err
	}
	next := s.cfg.Port
	for attempt := 1; ; attempt++ {
		port, err := pickPort(s.cfg.Host, next, s.cfg.PortSpan)
		if err != nil {
			metrics.SupervisorStartsTotal.WithLabelValues("port_unavailable").Inc()
			return Handle{}, err
		}
		h, err := s.startOnce(ctx, bin, port, args)
		if err == nil {
			metrics.SupervisorStartsTotal.WithLabelValues("ok").Inc()
			return h, nil
		}
		if IsPortUnavailable(err) && attempt < s.cfg.PortAttempts {
			s.log.Warn().Str("event", "port_taken").Int("port", port).Msg("")
			next = port + 1
			continue
		}
		switch {
		case IsStartupTimeout(err):
			metrics.SupervisorStartsTotal.WithLabelValues("timeout").Inc()
		case IsPortUnavailable(err):
			metrics.SupervisorStartsTotal.WithLabelValues("port_unavailable").Inc()
		default:
			metrics.SupervisorStartsTotal.WithLabelValues("error").Inc()
		}
		return Handle{}, err
	}
}

func (s *Supervisor) resolveBinary(ctx context.Context) (string, error) {
	bin := strings.TrimSpace(s.cfg.Binary)
	if bin != "" {
		if strings.ContainsRune(bin, os.PathSeparator) {
			if fi, err := os.Stat(bin); err == nil && !fi.IsDir() {
				return bin, nil
			}
		} else if lp, err := exec.LookPath(bin); err == nil {
			return lp, nil
		}
	}
	if s.cfg.Runtime != nil {
		f := s.cfg.Fetcher
		if f == nil {
			f = NewFetcher(FetcherConfig{Logger: s.cfg.Logger})
		}
		return f.Fetch(ctx, *s.cfg.Runtime)
	}
	if bin == "" {
		return "", dependencyUnavailableError{msg: "runtime binary not configured"}
	}
	return "", dependencyUnavailableError{msg: fmt.Sprintf("runtime binary not found: %s", bin)}
}

func (s *Supervisor) startOnce(ctx context.Context, bin string, port int, args []string) (Handle, error) {
	host := s.cfg.Host
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	cmd := exec.Command(bin, expandArgs(args, host, port)...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env,
		s.cfg.AddrEnv+"="+addr,
		"LLAMA_ARG_HOST="+host,
		"LLAMA_ARG_PORT="+strconv.Itoa(port),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Handle{}, err
	}
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start runtime: %w", err)
	}
	p := &process{
		cmd: cmd,
		handle: Handle{
			PID:       cmd.Process.Pid,
			Host:      host,
			Port:      port,
			BaseURL:   "http://" + addr,
			StartedAt: time.Now(),
		},
		out:        newTailBuffer(outputTailBytes),
		done:       make(chan struct{}),
		stopHealth: func() {},
	}
	s.log.Info().Str("event", "start").Str("bin", bin).Int("pid", p.handle.PID).Str("addr", addr).Msg("")

	sink := io.Writer(p.out)
	if s.cfg.Output != nil {
		sink = io.MultiWriter(p.out, s.cfg.Output)
	}
	var pumps errgroup.Group
	pumps.Go(func() error { _, err := io.Copy(sink, stdout); return err })
	pumps.Go(func() error { _, err := io.Copy(sink, stderr); return err })
	go func() {
		// Pipes must be drained before Wait closes them.
		_ = pumps.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
		s.onExit(p)
	}()

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
	s.ready.Store(false)

	if err := s.waitReady(ctx, p); err != nil {
		s.stopProcess(context.Background(), p)
		return Handle{}, err
	}
	s.ready.Store(true)
	hctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	p.stopHealth = cancel
	s.mu.Unlock()
	go s.watchHealth(hctx, p)
	s.log.Info().Str("event", "ready").Int("pid", p.handle.PID).Str("url", p.handle.BaseURL).
		Int64("dur_ms", time.Since(p.handle.StartedAt).Milliseconds()).Msg("")
	return p.handle, nil
}

// onExit clears the handle when the process it belongs to goes away.
func (s *Supervisor) onExit(p *process) {
	s.mu.Lock()
	current := s.proc == p
	if current {
		s.proc = nil
		s.ready.Store(false)
	}
	s.mu.Unlock()
	s.cancelHealth(p)
	ev := s.log.Info()
	if p.waitErr != nil {
		ev = s.log.Warn().Err(p.waitErr)
	}
	ev.Str("event", "exit").Int("pid", p.handle.PID).Bool("current", current).Msg("")
}

func (s *Supervisor) waitReady(ctx context.Context, p *process) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		if s.healthy(ctx, p.handle.BaseURL) {
			return nil
		}
		select {
		case <-p.done:
			tail := p.out.String()
			exitErr := &ExitError{PID: p.handle.PID, Err: p.waitErr, Tail: tail}
			s.log.Warn().Str("event", "exit_early").Int("pid", p.handle.PID).Err(p.waitErr).Msg("")
			if bindFailure(tail) {
				return &PortUnavailableError{Port: p.handle.Port, Err: exitErr}
			}
			return exitErr
		case <-deadline.C:
			s.log.Warn().Str("event", "timeout").Int("pid", p.handle.PID).Msg("")
			return &StartupTimeoutError{Port: p.handle.Port, Timeout: s.cfg.StartupTimeout, Tail: p.out.String()}
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (s *Supervisor) healthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+s.cfg.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// watchHealth runs the periodic check on its own goroutine and flips the
// ready flag; it never touches request paths.
func (s *Supervisor) watchHealth(ctx context.Context, p *process) {
	tick := time.NewTicker(s.cfg.HealthInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-tick.C:
		}
		ok := s.healthy(ctx, p.handle.BaseURL)
		was, current := s.setHealth(ctx, p, ok)
		if !current {
			return
		}
		if was && !ok {
			metrics.SupervisorHealthFailuresTotal.Inc()
			s.log.Warn().Str("event", "unhealthy").Int("pid", p.handle.PID).Msg("")
		} else if !was && ok {
			s.log.Info().Str("event", "healthy").Int("pid", p.handle.PID).Msg("")
		}
	}
}

// setHealth records a health result for p under s.mu, the lock stopProcess
// and onExit clear the flag under. It reports current=false and changes
// nothing once p's watch is canceled or p was replaced.
func (s *Supervisor) setHealth(ctx context.Context, p *process, ok bool) (was, current bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.proc != p {
		return false, false
	}
	return s.ready.Swap(ok), true
}

// Stop terminates the process: SIGTERM, then a kill after StopTimeout or
// when ctx ends. It returns once the process has exited.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	s.stopProcess(ctx, p)
	return nil
}

func (s *Supervisor) cancelHealth(p *process) {
	s.mu.Lock()
	stop := p.stopHealth
	s.mu.Unlock()
	stop()
}

func (s *Supervisor) stopProcess(ctx context.Context, p *process) {
	s.cancelHealth(p)
	s.mu.Lock()
	if s.proc == p {
		s.ready.Store(false)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.proc == p {
			s.proc = nil
		}
		s.mu.Unlock()
	}()
	if p.exited() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		s.log.Info().Str("event", "stop").Int("pid", p.handle.PID).Msg("")
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn().Str("event", "kill").Int("pid", p.handle.PID).Msg("")
	_ = p.cmd.Process.Kill()
	<-p.done
}
