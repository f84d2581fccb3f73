package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func env(id string) Envelope {
	return Envelope{ChatID: "c1", MessageID: id, SenderID: "u1", Text: "t-" + id}
}

func TestBus_EachSubscriberReceivesInOrder(t *testing.T) {
	bus := NewBus(8)
	a, b := bus.Subscribe(), bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(env("m1"))
	bus.Publish(env("m2"))

	ctx := context.Background()
	for _, sub := range []*Subscriber{a, b} {
		for _, want := range []string{"m1", "m2"} {
			got, err := sub.Recv(ctx)
			if err != nil {
				t.Fatalf("Recv() error: %v", err)
			}
			if got.MessageID != want {
				t.Fatalf("expected %s, got %s", want, got.MessageID)
			}
		}
	}
}

func TestBus_SubscriberOnlySeesLaterEnvelopes(t *testing.T) {
	bus := NewBus(8)
	bus.Publish(env("before"))

	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(env("after"))

	got, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if got.MessageID != "after" {
		t.Fatalf("expected after, got %s", got.MessageID)
	}
}

func TestBus_LagReportsMissedAndContinues(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	// Publish never blocks even though nobody is reading.
	for i := 0; i < 10; i++ {
		bus.Publish(Envelope{MessageID: string(rune('a' + i))})
	}

	_, err := sub.Recv(context.Background())
	var lag *LagError
	if !errors.As(err, &lag) {
		t.Fatalf("expected *LagError, got %v", err)
	}
	if lag.Missed != 6 {
		t.Fatalf("expected 6 missed, got %d", lag.Missed)
	}

	got, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv() after lag error: %v", err)
	}
	if got.MessageID != "g" {
		t.Fatalf("expected oldest retained envelope g, got %s", got.MessageID)
	}
}

func TestBus_RecvWaitsForPublish(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Publish(env("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if got.MessageID != "late" {
		t.Fatalf("expected late, got %s", got.MessageID)
	}
}

func TestBus_CloseDrainsThenFails(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	bus.Publish(env("m1"))
	bus.Close()

	if _, err := sub.Recv(context.Background()); err != nil {
		t.Fatalf("expected retained envelope after close, got %v", err)
	}
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	bus.Publish(env("ignored"))
}

func TestSubscriber_CloseUnblocksAndDetaches(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	if bus.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.Subscribers())
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	sub.Close()
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBusClosed) {
			t.Fatalf("expected ErrBusClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.Subscribers())
	}
}

func TestSubscriber_RecvCancelled(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
