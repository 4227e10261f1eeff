// Package eventbus carries in-process observability signals between the
// dispatcher, the push hub and the app's event log. Clients never see
// these events; timeline state reaches them only through the push channel.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeCommitted     = "timeline.committed"
	TypePersistFailed = "timeline.persist_failed"
	TypePersisted     = "timeline.persisted"
	TypeClientJoined  = "push.client_joined"
	TypeClientLeft    = "push.client_left"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Commit is the Data of a TypeCommitted event.
type Commit struct {
	Op      string
	ID      string
	Version uint64
	Items   int
}

// Bus fans events out to subscribers. Publish never blocks: an event that
// does not fit a subscriber's buffer is dropped for that subscriber and
// counted.
type Bus interface {
	Publish(e Event)
	// Subscribe returns events of the given types, or of every type when
	// none are given. The returned func closes the channel; it may be called
	// more than once.
	Subscribe(buffer int, types ...string) (<-chan Event, func())
	Dropped() uint64
}

func New() Bus { return &memBus{} }

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, typ)
}

type memBus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Closing happens under the write lock, so no send races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: slices.Clone(types)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
