package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Topics are slash-separated, e.g. "job/sensor/done" or "sensor/mash/data".
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

type Bus interface {
	Publish(topic string, data any)
	// Subscribe registers interest in topics matching pattern. "+" matches
	// exactly one segment, a trailing "#" matches any remainder.
	Subscribe(pattern string, buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	pattern []string
	ch      chan Event
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(topic string, data any) {
	e := Event{Topic: topic, Time: time.Now(), Data: data}
	segs := splitTopic(topic)

	// Snapshot matching subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, sub := range b.subs {
		if Match(sub.pattern, segs) {
			chs = append(chs, sub.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(pattern string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = &subscription{pattern: splitTopic(pattern), ch: ch}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped returns the number of events dropped for slow subscribers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

func splitTopic(t string) []string {
	t = strings.Trim(strings.TrimSpace(t), "/")
	if t == "" {
		return nil
	}
	return strings.Split(t, "/")
}

// Match reports whether topic segments match pattern segments.
func Match(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if p != "+" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

// MatchTopic is Match for unsplit strings.
func MatchTopic(pattern, topic string) bool {
	return Match(splitTopic(pattern), splitTopic(topic))
}
