package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/events"
	"github.com/whisper/chatstream/internal/metrics"
)

// Config holds relay settings.
type Config struct {
	Stream      string `yaml:"stream" env:"EVENT_STREAM"`
	GroupPrefix string `yaml:"group_prefix" env:"RELAY_GROUP_PREFIX"`
	BusCapacity int    `yaml:"bus_capacity" env:"BUS_CAPACITY"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stream:      "chat-stream",
		GroupPrefix: "chat-relay",
		BusCapacity: DefaultCapacity,
	}
}

// Relay holds the single tail subscription of a process instance and
// publishes every MessageSent it receives to a Bus.
type Relay struct {
	log    eventlog.Log
	bus    *Bus
	cfg    Config
	logger *zap.Logger

	ready chan struct{}
}

// New creates a Relay publishing to bus.
func New(log eventlog.Log, bus *Bus, cfg Config, logger *zap.Logger) *Relay {
	return &Relay{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		logger: logger.Named("relay"),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the tail subscription exists. Events appended after
// that are relayed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes from the current end of the stream and relays until ctx is
// cancelled. Errors fetching or acknowledging an event are returned and are
// fatal. The bus is closed when Run returns so sessions wind down.
func (r *Relay) Run(ctx context.Context) error {
	defer r.bus.Close()

	group := r.cfg.GroupPrefix + "-" + uuid.NewString()
	if err := r.log.EnsureSubscription(ctx, r.cfg.Stream, group, eventlog.FromEnd); err != nil {
		return fmt.Errorf("relay: ensure subscription: %w", err)
	}
	defer r.release(group)

	sub, err := r.log.Subscribe(ctx, r.cfg.Stream, group)
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	defer sub.Close()

	r.logger.Info("relay started", zap.String("stream", r.cfg.Stream), zap.String("group", group))
	close(r.ready)

	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("relay stopped")
				return nil
			}
			return fmt.Errorf("relay: next event: %w", err)
		}

		r.handle(d.Event)

		if err := d.Ack(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: ack position %d: %w", d.Event.Position, err)
		}
	}
}

func (r *Relay) handle(rec eventlog.RecordedEvent) {
	ev, err := events.Decode(rec)
	if err != nil {
		r.logger.Warn("skipping undecodable event",
			zap.Uint64("position", rec.Position), zap.String("type", rec.Type), zap.Error(err))
		return
	}

	msg, ok := ev.(events.MessageSent)
	if !ok {
		return
	}
	r.bus.Publish(Envelope{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Position:  rec.Position,
	})
	metrics.RelayPublished.Inc()
}

// release deletes this instance's consumer group.
func (r *Relay) release(group string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.log.DeleteSubscription(ctx, r.cfg.Stream, group)
	if err != nil && !errors.Is(err, eventlog.ErrSubscriptionNotFound) {
		r.logger.Warn("failed to delete consumer group", zap.String("group", group), zap.Error(err))
	}
}
