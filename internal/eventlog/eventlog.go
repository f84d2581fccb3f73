// Package eventlog defines the contract the chat services rely on from the
// external event log: ordered append, replay from a position, and persistent
// consumer-group subscriptions with per-event acknowledgement.
//
// The production implementation lives in package messaging (NATS JetStream).
// MemoryLog in this package implements the same semantics in process.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUpstreamUnavailable is returned once the adapter's retry budget for a
// transient upstream failure is exhausted. Read loops treat it as fatal.
var ErrUpstreamUnavailable = errors.New("eventlog: upstream unavailable")

// ErrSubscriptionNotFound is returned by Subscribe for an unknown group.
var ErrSubscriptionNotFound = errors.New("eventlog: subscription not found")

// ErrClosed is returned by Next after the subscription has been closed.
var ErrClosed = errors.New("eventlog: subscription closed")

// EventData is an event ready to be appended.
type EventData struct {
	ID   string // unique event id, used for publish de-duplication
	Type string // type tag
	Data []byte // JSON payload
}

// RecordedEvent is an event as stored in the log.
type RecordedEvent struct {
	ID       string
	Stream   string
	Type     string
	Position uint64 // strictly increasing per stream, starts at 1
	Data     []byte
	Time     time.Time
}

type startKind int

const (
	startBeginning startKind = iota
	startEnd
	startAfter
)

// StartFrom selects where a replay or a new subscription begins.
type StartFrom struct {
	kind startKind
	pos  uint64
}

var (
	// FromStart begins with the first event of the stream.
	FromStart = StartFrom{kind: startBeginning}
	// FromEnd begins with the first event appended after the call.
	FromEnd = StartFrom{kind: startEnd}
)

// After begins with the first event whose position is greater than pos.
func After(pos uint64) StartFrom {
	if pos == 0 {
		return FromStart
	}
	return StartFrom{kind: startAfter, pos: pos}
}

// IsEnd reports whether s is FromEnd.
func (s StartFrom) IsEnd() bool { return s.kind == startEnd }

// FirstPosition returns the first position that s includes, given the stream
// head at the time the start is resolved.
func (s StartFrom) FirstPosition(head uint64) uint64 {
	switch s.kind {
	case startEnd:
		return head + 1
	case startAfter:
		return s.pos + 1
	default:
		return 1
	}
}

func (s StartFrom) String() string {
	switch s.kind {
	case startEnd:
		return "end"
	case startAfter:
		return fmt.Sprintf("after:%d", s.pos)
	default:
		return "start"
	}
}

// Expectation is an optimistic concurrency check for Append.
type Expectation struct {
	check bool
	pos   uint64
}

// AnyPosition appends regardless of the current stream head.
var AnyPosition = Expectation{}

// ExpectPosition appends only if the stream head is exactly pos (0 for an
// empty stream).
func ExpectPosition(pos uint64) Expectation {
	return Expectation{check: true, pos: pos}
}

// Position returns the expected head and whether the check is enabled.
func (e Expectation) Position() (uint64, bool) { return e.pos, e.check }

// ConflictError reports a failed Append expectation.
type ConflictError struct {
	Stream   string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: append to %s: expected position %d, stream is at %d", e.Stream, e.Expected, e.Actual)
}

// Delivery is one event handed to a subscriber together with its ack handle.
type Delivery struct {
	Event RecordedEvent
	ack   func(ctx context.Context) error
}

// NewDelivery builds a Delivery. A nil ack makes Ack a no-op, as for replays.
func NewDelivery(ev RecordedEvent, ack func(ctx context.Context) error) Delivery {
	return Delivery{Event: ev, ack: ack}
}

// Ack confirms processing so the log does not redeliver the event.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Subscription is an ordered, lazy sequence of deliveries.
type Subscription interface {
	// Next blocks until the next delivery is available. It returns io.EOF
	// when a non-tailing replay reaches the head, ctx.Err() on cancellation,
	// ErrClosed after Close, and ErrUpstreamUnavailable when retries are
	// exhausted.
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Log is the event log contract.
type Log interface {
	// Append writes events in order and returns the position of the last one.
	Append(ctx context.Context, stream string, expect Expectation, events ...EventData) (uint64, error)

	// Replay reads the stream from the given start. Unless tail is set the
	// subscription ends with io.EOF at the head observed when Replay began.
	Replay(ctx context.Context, stream string, from StartFrom, tail bool) (Subscription, error)

	// EnsureSubscription creates a persistent consumer group if it does not
	// exist. It succeeds if the group already exists.
	EnsureSubscription(ctx context.Context, stream, group string, from StartFrom) error

	// Subscribe attaches to a consumer group. Delivery is at-least-once:
	// events not acknowledged before the subscriber goes away are delivered
	// again to the next subscriber of the group.
	Subscribe(ctx context.Context, stream, group string) (Subscription, error)

	// DeleteSubscription removes a consumer group and its cursor.
	DeleteSubscription(ctx context.Context, stream, group string) error
}
