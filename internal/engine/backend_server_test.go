package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"localmind/internal/supervisor"
	"localmind/pkg/types"
)

// fakeRunner stands in for the supervisor, pointing at an httptest server.
type fakeRunner struct {
	mu     sync.Mutex
	url    string
	ready  bool
	starts [][]string
	stops  int
}

func (r *fakeRunner) Start(_ context.Context, args ...string) (supervisor.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, args)
	r.ready = true
	return supervisor.Handle{PID: 1, BaseURL: r.url}, nil
}

func (r *fakeRunner) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.ready = false
	return nil
}

func (r *fakeRunner) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *fakeRunner) setReady(v bool) {
	r.mu.Lock()
	r.ready = v
	r.mu.Unlock()
}

func completionServer(t *testing.T, frames []string, bodies chan<- string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/completion", func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		if bodies != nil {
			bodies <- string(b)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestServerBackendStreamsCompletion(t *testing.T) {
	bodies := make(chan string, 4)
	srv := completionServer(t, []string{
		`{"content":"Hel","stop":false}`,
		`{"content":"lo","stop":false}`,
		`{"content":"","stop":true}`,
	}, bodies)
	runner := &fakeRunner{url: srv.URL}
	e := New(Config{}, NewServerBackend(runner, ServerConfig{ExtraArgs: []string{"--flash-attn"}}))

	_, err := e.LoadModel(context.Background(), "/m/a.gguf", LoadOptions{ContextSize: 4096, Threads: 4})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"-m", "/m/a.gguf", "--host", "${HOST}", "--port", "${PORT}", "-c", "4096", "-t", "4", "--flash-attn"}}, runner.starts)

	var chunks []string
	res, err := e.GenerateStream(context.Background(), "hi", types.GenerateOptions{Seed: 7, Schema: []byte(`{"type":"string"}`)}, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, []string{"Hel", "lo"}, chunks)

	body := <-bodies
	require.True(t, gjson.Get(body, "stream").Bool())
	require.EqualValues(t, 7, gjson.Get(body, "seed").Int())
	require.EqualValues(t, defaultMaxTokens, gjson.Get(body, "n_predict").Int())
	require.Contains(t, gjson.Get(body, "grammar").String(), "root ::= string")
	require.Equal(t, "<|im_end|>", gjson.Get(body, "stop.0").String())

	require.NoError(t, e.Unload())
	require.Equal(t, 1, runner.stops)
}

func TestServerBackendRestartsWhenNotReady(t *testing.T) {
	srv := completionServer(t, []string{`{"content":"ok","stop":true}`}, nil)
	runner := &fakeRunner{url: srv.URL}
	e := New(Config{}, NewServerBackend(runner, ServerConfig{}))
	_, err := e.LoadModel(context.Background(), "/m/a.gguf", LoadOptions{})
	require.NoError(t, err)

	runner.setReady(false)
	res, err := e.Generate(context.Background(), "hi", types.GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Text)
	require.Len(t, runner.starts, 2)
}

func TestServerBackendReportsErrors(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/completion", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"failed to parse grammar"}}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	e := New(Config{}, NewServerBackend(&fakeRunner{url: srv.URL}, ServerConfig{}))
	_, err := e.LoadModel(context.Background(), "/m/a.gguf", LoadOptions{})
	require.NoError(t, err)
	_, err = e.Generate(context.Background(), "hi", types.GenerateOptions{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "failed to parse grammar"))

	frames := completionServer(t, []string{`{"content":"par"}`, `{"error":{"message":"slot crashed"}}`}, nil)
	e2 := New(Config{}, NewServerBackend(&fakeRunner{url: frames.URL}, ServerConfig{}))
	_, err = e2.LoadModel(context.Background(), "/m/a.gguf", LoadOptions{})
	require.NoError(t, err)
	res, err := e2.Generate(context.Background(), "hi", types.GenerateOptions{})
	require.ErrorContains(t, err, "slot crashed")
	require.Equal(t, "par", res.Text)
}

func TestServerBackendWithoutRunner(t *testing.T) {
	_, err := NewServerBackend(nil, ServerConfig{}).LoadModel(context.Background(), "/m/a.gguf", LoadOptions{})
	require.True(t, IsDependencyUnavailable(err))
}
