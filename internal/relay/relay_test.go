package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/events"
)

const stream = "chat-stream"

func appendEvent(t *testing.T, l eventlog.Log, ev events.Event) {
	t.Helper()
	data, err := events.Encode(ev)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := l.Append(context.Background(), stream, eventlog.AnyPosition, data); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
}

func startRelay(t *testing.T, l eventlog.Log, bus *Bus) (*Relay, func() error) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Stream = stream
	r := New(l, bus, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-r.Ready():
	case err := <-errCh:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay not ready")
	}
	return r, func() error {
		cancel()
		return <-errCh
	}
}

func TestRelay_PublishesOnlyLiveMessages(t *testing.T) {
	l := eventlog.NewMemoryLog()
	appendEvent(t, l, events.ChatCreated{ChatID: "c0", OwnerID: "u0", Subject: "old"})
	appendEvent(t, l, events.MessageSent{ChatID: "c0", MessageID: "old", SenderID: "u0", Text: "history"})

	bus := NewBus(16)
	sub := bus.Subscribe()
	defer sub.Close()

	_, stop := startRelay(t, l, bus)

	appendEvent(t, l, events.ChatCreated{ChatID: "c1", OwnerID: "u1", Subject: "hi"})
	appendEvent(t, l, events.MessageSent{ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	want := Envelope{ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "hello", Position: 4}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run() returned %v on cancel", err)
	}
	if groups := l.Groups(stream); len(groups) != 0 {
		t.Errorf("expected relay group to be released, got %v", groups)
	}
	// The bus closes with the relay, so sessions wind down.
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed after relay stop, got %v", err)
	}
}

func TestRelay_SkipsUndecodableEvents(t *testing.T) {
	l := eventlog.NewMemoryLog()
	bus := NewBus(16)
	sub := bus.Subscribe()
	defer sub.Close()

	_, stop := startRelay(t, l, bus)
	defer stop()

	_, _ = l.Append(context.Background(), stream, eventlog.AnyPosition,
		eventlog.EventData{ID: "x", Type: "Mystery", Data: []byte(`{}`)})
	appendEvent(t, l, events.MessageSent{ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if got.MessageID != "m1" {
		t.Fatalf("expected m1, got %+v", got)
	}
}

type brokenLog struct {
	*eventlog.MemoryLog
}

func (brokenLog) Subscribe(context.Context, string, string) (eventlog.Subscription, error) {
	return nil, eventlog.ErrUpstreamUnavailable
}

func TestRelay_SubscribeFailureIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Stream = stream
	bus := NewBus(4)
	r := New(brokenLog{eventlog.NewMemoryLog()}, bus, cfg, zaptest.NewLogger(t))

	if err := r.Run(context.Background()); !errors.Is(err, eventlog.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	sub := bus.Subscribe()
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected bus to be closed, got %v", err)
	}
}
