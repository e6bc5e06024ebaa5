package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"localmind/internal/artifact"
	"localmind/internal/engine"
	"localmind/internal/registry"
	"localmind/internal/transfer"
	"localmind/pkg/types"
)

func modelBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	copy(b, "GGUF")
	return b
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// tokenBackend is an engine backend that replays tokens, optionally waiting
// on hold before the first one.
type tokenBackend struct {
	mu     sync.Mutex
	tokens []string
	loads  []string
	hold   chan struct{}
}

func (b *tokenBackend) Name() string { return "tokens" }

func (b *tokenBackend) LoadModel(_ context.Context, path string, _ engine.LoadOptions) (engine.Model, error) {
	b.mu.Lock()
	b.loads = append(b.loads, path)
	b.mu.Unlock()
	return tokenModel{b}, nil
}

func (b *tokenBackend) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

type tokenModel struct{ b *tokenBackend }

func (m tokenModel) NewContext(engine.ContextOptions) (engine.DecodeContext, error) {
	return tokenContext(m), nil
}
func (m tokenModel) Close() error { return nil }

type tokenContext struct{ b *tokenBackend }

func (c tokenContext) Sequence() engine.Sequence { return c }
func (c tokenContext) Close() error              { return nil }

func (c tokenContext) Decode(ctx context.Context, _ engine.DecodeRequest, onToken func(string) error) (string, error) {
	if c.b.hold != nil {
		select {
		case <-c.b.hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	var out strings.Builder
	for _, t := range c.b.tokens {
		if err := onToken(t); err != nil {
			return out.String(), err
		}
		out.WriteString(t)
	}
	return out.String(), nil
}

type fixture struct {
	bridge  *Bridge
	dl      *artifact.Downloader
	backend *tokenBackend
	pub     *MemoryPublisher
	data    []byte
	srv     *httptest.Server
	hits    func() int
	// gate, when set, blocks body requests for good.gguf until closed.
	gate func(chan struct{})
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	data := modelBytes(64 << 10)
	var (
		mu   sync.Mutex
		hits int
		gate chan struct{}
	)
	r := chi.NewRouter()
	r.Get("/good.gguf", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Range") != "bytes=0-0" {
			mu.Lock()
			hits++
			g := gate
			mu.Unlock()
			if g != nil {
				<-g
			}
		}
		http.ServeContent(w, req, "good.gguf", time.Time{}, bytes.NewReader(data))
	})
	r.Get("/flaky.gguf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data[:1000])
	})
	r.Get("/gone.gguf", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	descs := []types.ModelDescriptor{
		{ID: "good", Filename: "good.gguf", URL: srv.URL + "/good.gguf", Size: int64(len(data)), SHA256: sum(data)},
		{ID: "flaky", Filename: "flaky.gguf", URL: srv.URL + "/flaky.gguf", Size: int64(len(data)), SHA256: sum(data)},
		{ID: "gone", Filename: "gone.gguf", URL: srv.URL + "/gone.gguf", Size: int64(len(data)), SHA256: sum(data)},
	}
	cat, err := registry.NewCatalog(descs)
	require.NoError(t, err)
	dl, err := artifact.New(artifact.Config{
		Dir:   t.TempDir(),
		Retry: transfer.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)
	backend := &tokenBackend{tokens: []string{"re", "ady"}}
	eng := engine.New(engine.Config{}, backend)
	pub := NewMemoryPublisher()
	cfg := Config{DefaultModel: "good", MaxWait: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg, Deps{Catalog: cat, Downloader: dl, Engine: eng, Publisher: pub})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &fixture{bridge: b, dl: dl, backend: backend, pub: pub, data: data, srv: srv,
		hits: func() int { mu.Lock(); defer mu.Unlock(); return hits },
		gate: func(g chan struct{}) { mu.Lock(); gate = g; mu.Unlock() }}
}

func TestDownloadModelEmitsLifecycleAndLoads(t *testing.T) {
	f := newFixture(t)
	var ticks int
	res := f.bridge.DownloadModel(context.Background(), "good", func(types.DownloadProgress) { ticks++ })
	require.True(t, res.Success, res.Error)
	require.True(t, res.Transferred)
	require.EqualValues(t, len(f.data), res.Size)
	require.Positive(t, ticks)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, f.data, got)

	require.Equal(t, []string{EventDownloadStarted, EventDownloadComplete, EventModelLoaded}, f.pub.Names(true))
	require.Contains(t, f.pub.Names(false), EventDownloadProgress)
	require.Equal(t, []string{res.Path}, f.backend.Loads())

	// Downloading again validates without transfer and keeps the loaded model.
	again := f.bridge.DownloadModel(context.Background(), "good", nil)
	require.True(t, again.Success)
	require.False(t, again.Transferred)
	require.Equal(t, 1, f.hits())
	require.Equal(t, []string{res.Path}, f.backend.Loads())
}

func TestDownloadModelDoesNotInterruptChatOnUnchangedFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.bridge.EnsureModel(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, "", f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "warm"}).Error)
	f.backend.hold = make(chan struct{})

	done := make(chan types.ChatResult, 1)
	go func() { done <- f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "slow"}) }()
	require.Eventually(t, func() bool { return len(f.bridge.genCh) == 1 }, 2*time.Second, 5*time.Millisecond)

	res := f.bridge.DownloadModel(context.Background(), "good", nil)
	require.True(t, res.Success, res.Error)
	require.False(t, res.Transferred)

	close(f.backend.hold)
	chat := <-done
	require.True(t, chat.Success, chat.Error)
	require.False(t, chat.Aborted)
	require.Equal(t, "ready", chat.Text)
	require.Len(t, f.backend.Loads(), 1)
}

func TestConcurrentDownloadsEmitOneLifecycle(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.gate(gate)

	const callers = 3
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ticks = make([]int, callers)
	)
	results := make([]types.DownloadResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.bridge.DownloadModel(context.Background(), "good", func(types.DownloadProgress) {
				mu.Lock()
				ticks[i]++
				mu.Unlock()
			})
		}(i)
	}
	require.Eventually(t, func() bool { return f.hits() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, r := range results {
		require.True(t, r.Success, r.Error)
		require.Positive(t, ticks[i], "caller %d saw no progress", i)
	}
	require.Equal(t, 1, f.hits())
	count := map[string]int{}
	for _, n := range f.pub.Names(true) {
		count[n]++
	}
	require.Equal(t, 1, count[EventDownloadStarted])
	require.Equal(t, 1, count[EventDownloadComplete])
	require.Equal(t, 1, count[EventModelLoaded])
	require.Len(t, f.backend.Loads(), 1)
}

func TestDownloadFailuresAreClassified(t *testing.T) {
	f := newFixture(t)

	res := f.bridge.DownloadModel(context.Background(), "flaky", nil)
	require.False(t, res.Success)
	require.True(t, res.Resumable)
	require.Equal(t, "network", res.Code)
	require.Positive(t, f.dl.PartialSize(types.ModelDescriptor{Filename: "flaky.gguf"}))

	res = f.bridge.DownloadModel(context.Background(), "gone", nil)
	require.False(t, res.Success)
	require.False(t, res.Resumable)
	require.Equal(t, "http_status", res.Code)

	res = f.bridge.DownloadModel(context.Background(), "nope", nil)
	require.Equal(t, CodeModelNotFound, res.Code)

	var errs []Event
	for _, e := range f.pub.Events() {
		if e.Name == EventDownloadError {
			errs = append(errs, e)
		}
	}
	require.Len(t, errs, 2)
	require.True(t, errs[0].Resumable)
	require.Equal(t, "flaky", errs[0].ModelID)
	require.False(t, errs[1].Resumable)
}

func TestEnsureModelSharesAttemptAndTrustsValidation(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	paths := make([]string, 5)
	errs := make([]error, 5)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = f.bridge.EnsureModel(context.Background(), "")
		}(i)
	}
	wg.Wait()
	for i := range paths {
		require.NoError(t, errs[i])
		require.Equal(t, paths[0], paths[i])
	}
	require.Equal(t, 1, f.hits())

	p, err := f.bridge.EnsureModel(context.Background(), "good")
	require.NoError(t, err)
	require.Equal(t, paths[0], p)
	require.Equal(t, 1, f.hits())
}

func TestChatEnsuresAndLoadsOnce(t *testing.T) {
	f := newFixture(t)
	res := f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "hello"})
	require.True(t, res.Success, res.Error)
	require.Equal(t, "ready", res.Text)
	require.Equal(t, "good", res.ModelID)
	require.Equal(t, "default", res.Mode)

	var chunks []string
	res = f.bridge.ChatStream(context.Background(), types.ChatOptions{Model: "good", Prompt: "again"}, func(s string) {
		chunks = append(chunks, s)
	})
	require.True(t, res.Success)
	require.Equal(t, []string{"re", "ady"}, chunks)
	require.Len(t, f.backend.Loads(), 1)

	res = f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "x", GenerateOptions: types.GenerateOptions{Mode: "poet"}})
	require.False(t, res.Success)
	require.Equal(t, CodeUnknownMode, res.Code)

	res = f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "  "})
	require.False(t, res.Success)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	st := f.bridge.Status()
	require.Empty(t, st.LoadedModel)
	require.Equal(t, 0, st.Inflight)
	require.Equal(t, defaultMaxQueueDepth, st.MaxQueueDepth)

	res := f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "hello"})
	require.True(t, res.Success, res.Error)
	st = f.bridge.Status()
	require.Equal(t, "good", st.LoadedModel)
	require.Equal(t, "default", st.Mode)
	require.Equal(t, 0, st.QueueLen)
	require.Empty(t, st.Downloads)
}

func TestChatStreamAbortReturnsPartial(t *testing.T) {
	f := newFixture(t)
	f.backend.tokens = []string{"one ", "two ", "three"}
	var got []string
	res := f.bridge.ChatStream(context.Background(), types.ChatOptions{Prompt: "count"}, func(s string) {
		got = append(got, s)
		if len(got) == 2 {
			f.bridge.Abort()
		}
	})
	require.True(t, res.Success)
	require.True(t, res.Aborted)
	require.Equal(t, "one two ", res.Text)
}

func TestAdmissionQueueRejectsWhenFull(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MaxQueueDepth = 1
		c.MaxWait = 100 * time.Millisecond
	})
	_, err := f.bridge.EnsureModel(context.Background(), "good")
	require.NoError(t, err)
	f.backend.hold = make(chan struct{})

	done := make(chan types.ChatResult, 1)
	go func() { done <- f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "slow"}) }()
	require.Eventually(t, func() bool { return len(f.bridge.genCh) == 1 }, 2*time.Second, 5*time.Millisecond)

	res := f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "fast"})
	require.False(t, res.Success)
	require.Equal(t, CodeTooBusy, res.Code)

	close(f.backend.hold)
	first := <-done
	require.True(t, first.Success, first.Error)
}

func TestDeleteModelUnloads(t *testing.T) {
	f := newFixture(t)
	res := f.bridge.Chat(context.Background(), types.ChatOptions{Prompt: "hi"})
	require.True(t, res.Success)

	models := f.bridge.ListModels()
	require.True(t, models[0].Installed)
	require.True(t, models[0].Loaded)

	del := f.bridge.DeleteModel(context.Background(), "good")
	require.True(t, del.Success, del.Error)
	models = f.bridge.ListModels()
	require.False(t, models[0].Installed)
	require.False(t, models[0].Loaded)
	require.Equal(t, []string{EventDownloadStarted, EventDownloadComplete, EventModelLoaded, EventModelUnloaded, EventModelDeleted}, f.pub.Names(true))

	require.Equal(t, CodeModelNotFound, f.bridge.DeleteModel(context.Background(), "nope").Code)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t)
	res := f.bridge.TestConnection(context.Background(), "good")
	require.True(t, res.Success, res.Error)
	require.Equal(t, "ready", res.Sample)
	require.GreaterOrEqual(t, res.TotalMS, res.FirstResponseMS)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.bridge.Subscribe(1)
	var names []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if e.Name != EventDownloadProgress {
				names = append(names, e.Name)
			}
		}
	}()
	res := f.bridge.DownloadModel(context.Background(), "good", nil)
	require.True(t, res.Success)
	cancel()
	<-done
	require.Equal(t, []string{EventDownloadStarted, EventDownloadComplete, EventModelLoaded}, names)
	cancel()
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	cat, err := registry.NewCatalog(nil)
	require.NoError(t, err)
	dl, err := artifact.New(artifact.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = New(Config{DefaultModel: "x"}, Deps{Catalog: cat, Downloader: dl, Engine: engine.New(engine.Config{}, nil)})
	require.True(t, strings.Contains(err.Error(), "model not found"))
}
