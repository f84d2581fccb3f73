package messaging

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/whisper/chatstream/internal/eventlog"
)

// newTestLog connects to a local NATS server with JetStream enabled. Tests
// are skipped if it is not reachable.
func newTestLog(t *testing.T) (*JetStreamLog, string) {
	t.Helper()

	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	stream := "test-" + uuid.NewString()[:8]
	retry := eventlog.RetryPolicy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Budget: 2 * time.Second}
	l := NewJetStreamLog(client.JetStream(), DefaultJetStreamConfig(), retry, zaptest.NewLogger(t))

	t.Cleanup(func() {
		_ = client.JetStream().DeleteStream(context.Background(), stream)
		client.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.stream(ctx, stream); err != nil {
		t.Skipf("JetStream not available: %v", err)
	}
	return l, stream
}

func data(id string) eventlog.EventData {
	return eventlog.EventData{ID: id, Type: "ChatCreatedEvent", Data: []byte(`{"chat_id":"c1","user_id":"u1","subject":"s"}`)}
}

func TestJetStreamLog_AppendAndReplay(t *testing.T) {
	l, stream := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pos, err := l.Append(ctx, stream, eventlog.ExpectPosition(0), data("a"), data("b"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected position 2, got %d", pos)
	}

	sub, err := l.Replay(ctx, stream, eventlog.FromStart, false)
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	defer sub.Close()

	var got []eventlog.RecordedEvent
	for {
		d, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		got = append(got, d.Event)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != "ChatCreatedEvent" || got[0].ID != "a" || got[1].Position != 2 {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestJetStreamLog_Conflict(t *testing.T) {
	l, stream := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.Append(ctx, stream, eventlog.AnyPosition, data("a")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_, err := l.Append(ctx, stream, eventlog.ExpectPosition(0), data("b"))
	var ce *eventlog.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if ce.Actual != 1 {
		t.Errorf("expected actual position 1, got %d", ce.Actual)
	}
}

func TestJetStreamLog_DuplicateEventID(t *testing.T) {
	l, stream := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _ := l.Append(ctx, stream, eventlog.AnyPosition, data("same"))
	second, err := l.Append(ctx, stream, eventlog.AnyPosition, data("same"))
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if first != second {
		t.Fatalf("expected duplicate to report position %d, got %d", first, second)
	}
}

func TestJetStreamLog_GroupAck(t *testing.T) {
	l, stream := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.Append(ctx, stream, eventlog.AnyPosition, data("a")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := l.EnsureSubscription(ctx, stream, "projector", eventlog.FromStart); err != nil {
		t.Fatalf("EnsureSubscription() error: %v", err)
	}
	if err := l.EnsureSubscription(ctx, stream, "projector", eventlog.FromStart); err != nil {
		t.Fatalf("second EnsureSubscription() error: %v", err)
	}

	sub, err := l.Subscribe(ctx, stream, "projector")
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Close()

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if d.Event.Position != 1 {
		t.Fatalf("expected position 1, got %d", d.Event.Position)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}

	if err := l.DeleteSubscription(ctx, stream, "projector"); err != nil {
		t.Fatalf("DeleteSubscription() error: %v", err)
	}
	if _, err := l.Subscribe(ctx, stream, "projector"); !errors.Is(err, eventlog.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}
