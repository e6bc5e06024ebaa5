package artifact

import (
	"sync"
	"time"

	"localmind/pkg/types"
)

// progressHub fans progress out to every caller of a shared attempt and keeps
// the latest value for polling.
type progressHub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]ProgressFunc
	latest map[string]types.DownloadProgress
}

func newProgressHub() *progressHub {
	return &progressHub{
		subs:   make(map[string]map[uint64]ProgressFunc),
		latest: make(map[string]types.DownloadProgress),
	}
}

func (h *progressHub) subscribe(id string, fn ProgressFunc) func() {
	h.mu.Lock()
	h.nextID++
	key := h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[uint64]ProgressFunc)
	}
	h.subs[id][key] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs[id], key)
		if len(h.subs[id]) == 0 {
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
}

func (h *progressHub) publish(p types.DownloadProgress) {
	h.mu.Lock()
	h.latest[p.ModelID] = p
	fns := make([]ProgressFunc, 0, len(h.subs[p.ModelID]))
	for _, fn := range h.subs[p.ModelID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (h *progressHub) last(id string) (types.DownloadProgress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.latest[id]
	return p, ok
}

func (h *progressHub) clear(id string) {
	h.mu.Lock()
	delete(h.latest, id)
	h.mu.Unlock()
}

// Speed is an exponential moving average sampled at most every speedWindow.
const (
	speedWindow = 200 * time.Millisecond
	speedAlpha  = 0.3
)

// tracker is owned by the attempt goroutine; retries reuse it so counters and
// the speed estimate carry across attempts.
type tracker struct {
	id  string
	hub *progressHub
	now func() time.Time

	phase   types.Phase
	total   int64
	have    int64 // bytes on disk
	recv    int64 // bytes received by this acquisition
	resumed bool

	speed     float64
	sampleAt  time.Time
	sampleLen int64
}

func newTracker(id string, hub *progressHub) *tracker {
	return &tracker{id: id, hub: hub, now: time.Now, phase: types.PhaseProbing, total: -1}
}

func (t *tracker) setPhase(p types.Phase) {
	t.phase = p
	t.emit()
}

// start records the state at the beginning of a transfer attempt.
func (t *tracker) start(offset, total int64) {
	t.have = offset
	t.total = total
	if offset > 0 {
		t.resumed = true
	}
	t.sampleAt = t.now()
	t.sampleLen = offset
	t.setPhase(types.PhaseTransferring)
}

// Write counts bytes as they are written to the partial file.
func (t *tracker) Write(p []byte) (int, error) {
	n := len(p)
	t.have += int64(n)
	t.recv += int64(n)
	if now := t.now(); now.Sub(t.sampleAt) >= speedWindow {
		inst := float64(t.have-t.sampleLen) / now.Sub(t.sampleAt).Seconds()
		if t.speed == 0 {
			t.speed = inst
		} else {
			t.speed = speedAlpha*inst + (1-speedAlpha)*t.speed
		}
		t.sampleAt, t.sampleLen = now, t.have
	}
	t.emit()
	return n, nil
}

func (t *tracker) complete(size int64) {
	t.have = size
	if t.total <= 0 {
		t.total = size
	}
	t.setPhase(types.PhaseComplete)
}

func (t *tracker) fail() { t.setPhase(types.PhaseFailed) }

func (t *tracker) snapshot() types.DownloadProgress {
	p := types.DownloadProgress{
		ModelID:    t.id,
		Downloaded: t.have,
		Total:      t.total,
		Speed:      t.speed,
		Phase:      t.phase,
	}
	if t.total > 0 {
		p.Percent = float64(t.have) / float64(t.total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

func (t *tracker) emit() { t.hub.publish(t.snapshot()) }
