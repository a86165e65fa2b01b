package session

import (
	"sync"

	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/pkg/types"
)

const defaultSubscriberBuffer = 64

// Dispatcher fans runtime events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[uint64]chan types.RuntimeEvent
	next    uint64
	closed  bool
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		subs:    make(map[uint64]chan types.RuntimeEvent),
		metrics: m,
	}
}

// Subscribe registers a listener with the given buffer (a default when
// buffer <= 0). The returned function unsubscribes and closes the channel.
func (d *Dispatcher) Subscribe(buffer int) (<-chan types.RuntimeEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan types.RuntimeEvent, buffer)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := d.next
	d.next++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if c, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (d *Dispatcher) Publish(ev types.RuntimeEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.metrics.IncEventsDropped()
		}
	}
}

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}
