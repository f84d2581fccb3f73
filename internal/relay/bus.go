// Package relay tails the event stream and fans MessageSent events out to
// live sessions through an in-process broadcast bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of envelopes a Bus retains.
const DefaultCapacity = 1024

// ErrBusClosed is returned by Recv once the bus is closed and the subscriber
// has read everything still retained, or after the subscriber is closed.
var ErrBusClosed = errors.New("relay: bus closed")

// LagError reports that a subscriber fell behind the retained window and
// Missed envelopes were overwritten before it read them. The subscriber's
// next Recv continues with the oldest retained envelope.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("relay: subscriber lagged, missed %d envelopes", e.Missed)
}

// Envelope is the part of a MessageSent event live listeners need.
type Envelope struct {
	ChatID    string
	MessageID string
	SenderID  string
	Text      string
	Position  uint64
}

// Bus is a bounded single-producer, multi-consumer broadcast buffer. Publish
// never blocks: it overwrites the oldest slot once the ring is full, and
// every subscriber keeps its own read cursor.
type Bus struct {
	mu     sync.Mutex
	items  []Envelope
	head   uint64 // total envelopes published; the next one goes to items[head%cap]
	wake   chan struct{}
	closed bool
	subs   int
}

// NewBus creates a bus retaining the last capacity envelopes.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		items: make([]Envelope, capacity),
		wake:  make(chan struct{}),
	}
}

// Publish appends env and wakes waiting subscribers. Publishing to a closed
// bus is a no-op.
func (b *Bus) Publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.items[b.head%uint64(len(b.items))] = env
	b.head++
	close(b.wake)
	b.wake = make(chan struct{})
}

// Subscribe returns a subscriber that receives envelopes published from now
// on.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs++
	return &Subscriber{bus: b, next: b.head, done: make(chan struct{})}
}

// Subscribers returns the number of open subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Close stops the bus. Subscribers drain what is retained and then get
// ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// Subscriber is one independent cursor into a Bus. Recv must be called from
// a single goroutine; Close may be called from any.
type Subscriber struct {
	bus  *Bus
	next uint64 // sequence of the next envelope to read

	closeOnce sync.Once
	done      chan struct{}
}

// Recv blocks until the next envelope is available. It returns *LagError if
// envelopes were lost since the last call, ErrBusClosed when the bus or the
// subscriber is closed, and ctx.Err() on cancellation.
func (s *Subscriber) Recv(ctx context.Context) (Envelope, error) {
	b := s.bus
	for {
		select {
		case <-s.done:
			return Envelope{}, ErrBusClosed
		default:
		}

		b.mu.Lock()
		capacity := uint64(len(b.items))
		var oldest uint64
		if b.head > capacity {
			oldest = b.head - capacity
		}
		if s.next < oldest {
			missed := oldest - s.next
			s.next = oldest
			b.mu.Unlock()
			return Envelope{}, &LagError{Missed: missed}
		}
		if s.next < b.head {
			env := b.items[s.next%capacity]
			s.next++
			b.mu.Unlock()
			return env, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Envelope{}, ErrBusClosed
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.done:
			return Envelope{}, ErrBusClosed
		case <-wake:
		}
	}
}

// Close detaches the subscriber from the bus. It is safe to call more than
// once and returns once the subscriber is detached.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		s.bus.subs--
		s.bus.mu.Unlock()
	})
}
