package eventlog

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. Positions, consumer groups, redelivery of
// unacknowledged events, and append conflicts behave as they do against the
// real log, which makes it suitable for tests and single-process runs.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
}

type memStream struct {
	name   string
	events []RecordedEvent
	groups map[string]*memGroup
	wake   chan struct{} // closed and replaced on every append
}

type memGroup struct {
	delivered uint64             // highest position handed out
	unacked   map[uint64]*memSub // in-flight deliveries by position
	redeliver []uint64           // positions to hand out again, ascending
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
}

func (l *MemoryLog) stream(name string) *memStream {
	s, ok := l.streams[name]
	if !ok {
		s = &memStream{
			name:   name,
			groups: make(map[string]*memGroup),
			wake:   make(chan struct{}),
		}
		l.streams[name] = s
	}
	return s
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, stream string, expect Expectation, events ...EventData) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	head := uint64(len(s.events))
	if expect.check && expect.pos != head {
		return 0, &ConflictError{Stream: stream, Expected: expect.pos, Actual: head}
	}
	if len(events) == 0 {
		return head, nil
	}

	now := l.now()
	for _, ev := range events {
		head++
		s.events = append(s.events, RecordedEvent{
			ID:       ev.ID,
			Stream:   stream,
			Type:     ev.Type,
			Position: head,
			Data:     append([]byte(nil), ev.Data...),
			Time:     now,
		})
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return head, nil
}

// Head returns the position of the last event in stream, 0 if empty.
func (l *MemoryLog) Head(stream string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.stream(stream).events))
}

// Replay implements Log.
func (l *MemoryLog) Replay(ctx context.Context, stream string, from StartFrom, tail bool) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	head := uint64(len(s.events))
	r := &memReplay{
		log:    l,
		stream: s,
		next:   from.FirstPosition(head),
		stop:   head,
		tail:   tail,
		done:   make(chan struct{}),
	}
	return r, nil
}

// EnsureSubscription implements Log.
func (l *MemoryLog) EnsureSubscription(ctx context.Context, stream, group string, from StartFrom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}
	head := uint64(len(s.events))
	s.groups[group] = &memGroup{
		delivered: from.FirstPosition(head) - 1,
		unacked:   make(map[uint64]*memSub),
	}
	return nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(ctx context.Context, stream, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	if _, ok := s.groups[group]; !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &memSub{log: l, stream: s, group: group, done: make(chan struct{})}, nil
}

// DeleteSubscription implements Log.
func (l *MemoryLog) DeleteSubscription(ctx context.Context, stream, group string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	if _, ok := s.groups[group]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.groups, group)
	return nil
}

// Groups returns the names of the consumer groups on stream.
func (l *MemoryLog) Groups(stream string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stream(stream)
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// memSub is a consumer-group subscription.
type memSub struct {
	log    *MemoryLog
	stream *memStream
	group  string

	closeOnce sync.Once
	done      chan struct{}
}

func (m *memSub) Next(ctx context.Context) (Delivery, error) {
	for {
		m.log.mu.Lock()
		select {
		case <-m.done:
			m.log.mu.Unlock()
			return Delivery{}, ErrClosed
		default:
		}

		g, ok := m.stream.groups[m.group]
		if !ok {
			m.log.mu.Unlock()
			return Delivery{}, ErrSubscriptionNotFound
		}

		var pos uint64
		switch {
		case len(g.redeliver) > 0:
			pos = g.redeliver[0]
			g.redeliver = g.redeliver[1:]
		case g.delivered < uint64(len(m.stream.events)):
			g.delivered++
			pos = g.delivered
		}
		if pos > 0 {
			g.unacked[pos] = m
			ev := m.stream.events[pos-1]
			m.log.mu.Unlock()
			return NewDelivery(ev, m.ackFunc(pos)), nil
		}

		wake := m.stream.wake
		m.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-m.done:
			return Delivery{}, ErrClosed
		case <-wake:
		}
	}
}

func (m *memSub) ackFunc(pos uint64) func(context.Context) error {
	return func(ctx context.Context) error {
		m.log.mu.Lock()
		defer m.log.mu.Unlock()

		g, ok := m.stream.groups[m.group]
		if !ok {
			return ErrSubscriptionNotFound
		}
		if g.unacked[pos] != m {
			// Already acked, or handed to another subscriber after Close.
			return nil
		}
		delete(g.unacked, pos)
		return nil
	}
}

// Close returns this subscriber's in-flight deliveries to the group so the
// next subscriber receives them again.
func (m *memSub) Close() error {
	m.closeOnce.Do(func() {
		m.log.mu.Lock()
		defer m.log.mu.Unlock()

		close(m.done)
		g, ok := m.stream.groups[m.group]
		if !ok {
			return
		}
		for pos, owner := range g.unacked {
			if owner == m {
				delete(g.unacked, pos)
				g.redeliver = append(g.redeliver, pos)
			}
		}
		sort.Slice(g.redeliver, func(i, j int) bool { return g.redeliver[i] < g.redeliver[j] })
	})
	return nil
}

// memReplay reads a stream directly without a consumer group.
type memReplay struct {
	log    *MemoryLog
	stream *memStream
	next   uint64
	stop   uint64
	tail   bool

	closeOnce sync.Once
	done      chan struct{}
}

func (r *memReplay) Next(ctx context.Context) (Delivery, error) {
	for {
		r.log.mu.Lock()
		select {
		case <-r.done:
			r.log.mu.Unlock()
			return Delivery{}, ErrClosed
		default:
		}
		if !r.tail && r.next > r.stop {
			r.log.mu.Unlock()
			return Delivery{}, io.EOF
		}
		if r.next <= uint64(len(r.stream.events)) {
			ev := r.stream.events[r.next-1]
			r.next++
			r.log.mu.Unlock()
			return NewDelivery(ev, nil), nil
		}
		wake := r.stream.wake
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-r.done:
			return Delivery{}, ErrClosed
		case <-wake:
		}
	}
}

func (r *memReplay) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
