package bridge

import (
	"sync"
	"time"

	"localmind/pkg/types"
)

// Event names published by the Bridge.
const (
	EventDownloadStarted  = "download-started"
	EventDownloadProgress = "download-progress"
	EventDownloadComplete = "download-complete"
	EventDownloadError    = "download-error"
	EventModelLoaded      = "model-loaded"
	EventModelUnloaded    = "model-unloaded"
	EventModelDeleted     = "model-deleted"
)

// Event is one lifecycle notification. Optional data rides in the typed
// fields; Fields carries anything else.
type Event struct {
	Name    string
	ModelID string
	// Attempt correlates the events of one download call.
	Attempt  string
	Time     time.Time
	Progress *types.DownloadProgress
	Path     string
	Error    string
	Code     string
	// Resumable is set on download-error when partial progress was kept.
	Resumable bool
	Fields    map[string]any
}

// EventPublisher receives every event. Implementations should be lightweight
// and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order, optionally skipping progress.
func (p *MemoryPublisher) Names(skipProgress bool) []string {
	var out []string
	for _, e := range p.Events() {
		if skipProgress && e.Name == EventDownloadProgress {
			continue
		}
		out = append(out, e.Name)
	}
	return out
}

// bus fans events out to channel subscribers. Progress events are dropped
// for a subscriber whose buffer is full; every other event waits for room.
type bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newBus() *bus { return &bus{subs: map[*subscriber]struct{}{}} }

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s.ch, func() {
		s.once.Do(func() {
			// Unblock pending sends before waiting for them to finish.
			close(s.done)
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if e.Name == EventDownloadProgress {
			select {
			case s.ch <- e:
			default:
			}
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}
}

// closeAll ends every subscription.
func (b *bus) closeAll() {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.once.Do(func() {
			close(s.done)
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
