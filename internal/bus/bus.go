package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/imcore/internal/metrics"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Events from a single publishing goroutine reach each subscriber in order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Events of undeclared kinds are dropped.
func (b *Bus) Publish(evt Event) {
	if !evt.Kind.Valid() {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(string(evt.Kind), sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber is full; never block the publisher.
				b.dropped.Add(1)
				metrics.RecordBusDrop(string(evt.Kind))
			}
		}
	}
}

// Dropped returns how many deliveries were dropped for full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Emit publishes kind with payload stamped now.
func (b *Bus) Emit(kind Kind, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
