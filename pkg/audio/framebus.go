package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = fmt.Errorf("audio: frame bus closed")

// DropFunc is invoked when a subscription sheds a frame because its consumer
// fell behind. It runs on the publisher goroutine and must not block.
type DropFunc func(subscriber string, dropped uint64)

// Bus fans captured frames out to any number of subscribers without ever
// blocking the publisher. Each subscription has its own bounded queue; when a
// queue is full the oldest buffered frame is discarded to make room for the
// new one and the subscription's drop counter is incremented. A slow consumer
// therefore only loses its own frames and never stalls capture or its peers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	onDrop DropFunc
}

// Subscription is one consumer's view of the bus. Frames arrive on C in
// capture order; gaps are visible through Frame.Seq and Dropped.
type Subscription struct {
	name    string
	ch      chan Frame
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus creates an empty bus. onDrop may be nil.
func NewBus(onDrop DropFunc) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		onDrop: onDrop,
	}
}

// Subscribe registers a consumer with a queue of the given depth. The name is
// used only for drop reporting. Depth must be at least 1.
func (b *Bus) Subscribe(name string, depth int) (*Subscription, error) {
	if depth < 1 {
		return nil, fmt.Errorf("audio: subscribe %q: depth must be >= 1, got %d", name, depth)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		name: name,
		ch:   make(chan Frame, depth),
		bus:  b,
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers a frame to every live subscription. It never blocks: a
// full subscription queue sheds its oldest frame first. Publish is safe for a
// single producer; the capture device owns it.
func (b *Bus) Publish(f Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	for sub := range b.subs {
		select {
		case sub.ch <- f:
			continue
		default:
		}

		// Queue full: drop the oldest frame, then retry once. A concurrent
		// receive between the two selects only makes room, so the second
		// send cannot block meaningfully; if it still would, the frame is
		// counted as dropped for this subscriber.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- f:
			n := sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name, n)
			}
		default:
			n := sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name, n)
			}
		}
	}
	return nil
}

// Close shuts the bus down and closes every subscription channel. Subsequent
// Publish and Subscribe calls fail with ErrBusClosed. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

// C returns the receive channel for this subscription. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Frame { return s.ch }

// Name reports the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped reports how many frames this subscription has shed so far.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription from the bus and closes its channel.
// Idempotent; buffered frames may still be drained from C afterwards.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
