package events

import (
	"sync"
	"sync/atomic"
)

// BusMetrics counts bus traffic.
type BusMetrics struct {
	Published   int64
	Overwritten int64
}

// Bus delivers events to synchronous taps and to a bounded channel with
// overwrite-oldest semantics, so a slow reader never stalls the dispatch loop.
type Bus struct {
	ch     chan Event
	mu     sync.RWMutex
	taps   []func(Event)
	closed atomic.Bool

	published   atomic.Int64
	overwritten atomic.Int64
}

// NewBus creates a bus whose channel holds up to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		panic("events: bus capacity must be > 0")
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Tap registers fn to be called synchronously for every published event.
// fn runs on the publishing goroutine, must not block and must not call Tap.
func (b *Bus) Tap(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// Publish implements Sink. It never blocks; when the channel is full the
// oldest buffered event is dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	for _, fn := range b.taps {
		fn(e)
	}

	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case <-b.ch:
			b.overwritten.Add(1)
		default:
		}
	}
}

// C returns the receive side of the bus channel.
func (b *Bus) C() <-chan Event {
	return b.ch
}

// Metrics returns a snapshot of the counters.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		Published:   b.published.Load(),
		Overwritten: b.overwritten.Load(),
	}
}

// Close stops delivery and closes the channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.CompareAndSwap(false, true) {
		close(b.ch)
	}
}
