package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/eventlog"
)

// HeaderEventType carries the event type tag on every stored message.
const HeaderEventType = "Chat-Event-Type"

// JetStreamConfig tunes how logical streams map onto JetStream.
type JetStreamConfig struct {
	Replicas          int           `yaml:"replicas" env:"JETSTREAM_REPLICAS"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window" env:"JETSTREAM_DUPLICATE_WINDOW"`
	AckWait           time.Duration `yaml:"ack_wait" env:"JETSTREAM_ACK_WAIT"`
	InactiveThreshold time.Duration `yaml:"inactive_threshold" env:"JETSTREAM_INACTIVE_THRESHOLD"` // abandoned groups are removed after this
	MaxAckPending     int           `yaml:"max_ack_pending" env:"JETSTREAM_MAX_ACK_PENDING"`
	PullBatch         int           `yaml:"pull_batch" env:"JETSTREAM_PULL_BATCH"`
}

// DefaultJetStreamConfig returns sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Replicas:          1,
		DuplicateWindow:   2 * time.Minute,
		AckWait:           30 * time.Second,
		InactiveThreshold: 10 * time.Minute,
		MaxAckPending:     1, // one in flight keeps group delivery strictly ordered
		PullBatch:         64,
	}
}

// JetStreamLog implements eventlog.Log on NATS JetStream. Each logical stream
// is a JetStream stream of the same name with a single subject, the stream
// sequence is the event position, and consumer groups are durable pull
// consumers with explicit ack.
//
// Append with an expectation and several events publishes them one by one,
// each guarded by the previous sequence. A failure part way leaves the
// earlier events stored.
type JetStreamLog struct {
	js     jetstream.JetStream
	cfg    JetStreamConfig
	retry  eventlog.RetryPolicy
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

var _ eventlog.Log = (*JetStreamLog)(nil)

// NewJetStreamLog returns a Log backed by js.
func NewJetStreamLog(js jetstream.JetStream, cfg JetStreamConfig, retry eventlog.RetryPolicy, logger *zap.Logger) *JetStreamLog {
	return &JetStreamLog{
		js:      js,
		cfg:     cfg,
		retry:   retry,
		logger:  logger.Named("jetstream"),
		streams: make(map[string]jetstream.Stream),
	}
}

// stream returns the JetStream stream for name, creating it on first use.
func (l *JetStreamLog) stream(ctx context.Context, name string) (jetstream.Stream, error) {
	l.mu.Lock()
	s, ok := l.streams[name]
	l.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := eventlog.Retry(ctx, l.retry, l.logger, "ensure stream", func() (jetstream.Stream, error) {
		return l.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       name,
			Subjects:   []string{name},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			Replicas:   l.cfg.Replicas,
			Duplicates: l.cfg.DuplicateWindow,
		})
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.streams[name] = s
	l.mu.Unlock()
	return s, nil
}

func (l *JetStreamLog) head(ctx context.Context, s jetstream.Stream) (uint64, error) {
	return eventlog.Retry(ctx, l.retry, l.logger, "stream info", func() (uint64, error) {
		info, err := s.Info(ctx)
		if err != nil {
			return 0, err
		}
		return info.State.LastSeq, nil
	})
}

// Append implements eventlog.Log.
func (l *JetStreamLog) Append(ctx context.Context, stream string, expect eventlog.Expectation, evs ...eventlog.EventData) (uint64, error) {
	s, err := l.stream(ctx, stream)
	if err != nil {
		return 0, err
	}

	expected, check := expect.Position()
	var last uint64
	if len(evs) == 0 {
		last, err = l.head(ctx, s)
		if err != nil {
			return 0, err
		}
		if check && last != expected {
			return 0, &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: last}
		}
		return last, nil
	}

	for _, ev := range evs {
		msg := &nats.Msg{
			Subject: stream,
			Data:    ev.Data,
			Header:  nats.Header{},
		}
		msg.Header.Set(HeaderEventType, ev.Type)

		opts := []jetstream.PublishOpt{jetstream.WithMsgID(ev.ID)}
		if check {
			opts = append(opts, jetstream.WithExpectLastSequence(expected))
		}

		ack, err := eventlog.Retry(ctx, l.retry, l.logger, "publish", func() (*jetstream.PubAck, error) {
			ack, err := l.js.PublishMsg(ctx, msg, opts...)
			if isWrongLastSequence(err) {
				return nil, eventlog.Permanent(err)
			}
			return ack, err
		})
		if isWrongLastSequence(err) {
			actual, herr := l.head(ctx, s)
			if herr != nil {
				return 0, herr
			}
			return 0, &eventlog.ConflictError{Stream: stream, Expected: expected, Actual: actual}
		}
		if err != nil {
			return 0, fmt.Errorf("jetstream: append to %s: %w", stream, err)
		}
		if ack.Duplicate {
			l.logger.Debug("duplicate publish ignored", zap.String("event_id", ev.ID), zap.Uint64("position", ack.Sequence))
		}
		last = ack.Sequence
		expected = ack.Sequence
	}
	return last, nil
}

// Replay implements eventlog.Log using an ordered consumer.
func (l *JetStreamLog) Replay(ctx context.Context, stream string, from eventlog.StartFrom, tail bool) (eventlog.Subscription, error) {
	s, err := l.stream(ctx, stream)
	if err != nil {
		return nil, err
	}
	head, err := l.head(ctx, s)
	if err != nil {
		return nil, err
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{stream},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    from.FirstPosition(head),
	}
	cons, err := eventlog.Retry(ctx, l.retry, l.logger, "ordered consumer", func() (jetstream.Consumer, error) {
		return l.js.OrderedConsumer(ctx, stream, cfg)
	})
	if err != nil {
		return nil, err
	}

	sub, err := l.iterate(cons, stream)
	if err != nil {
		return nil, err
	}
	sub.replay = true
	if !tail {
		sub.stop = head
		sub.bounded = true
		if cfg.OptStartSeq > head {
			sub.exhausted = true
		}
	}
	return sub, nil
}

// EnsureSubscription implements eventlog.Log.
func (l *JetStreamLog) EnsureSubscription(ctx context.Context, stream, group string, from eventlog.StartFrom) error {
	s, err := l.stream(ctx, stream)
	if err != nil {
		return err
	}

	_, err = eventlog.Retry(ctx, l.retry, l.logger, "ensure consumer", func() (struct{}, error) {
		_, err := s.Consumer(ctx, group)
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return struct{}{}, err
		}

		cfg := jetstream.ConsumerConfig{
			Durable:           group,
			AckPolicy:         jetstream.AckExplicitPolicy,
			AckWait:           l.cfg.AckWait,
			MaxAckPending:     l.cfg.MaxAckPending,
			InactiveThreshold: l.cfg.InactiveThreshold,
			FilterSubject:     stream,
		}
		switch {
		case from.IsEnd():
			cfg.DeliverPolicy = jetstream.DeliverNewPolicy
		case from.FirstPosition(0) > 1:
			cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			cfg.OptStartSeq = from.FirstPosition(0)
		default:
			cfg.DeliverPolicy = jetstream.DeliverAllPolicy
		}

		_, err = s.CreateConsumer(ctx, cfg)
		if errors.Is(err, jetstream.ErrConsumerExists) {
			// Created concurrently by another instance.
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("jetstream: ensure subscription %s/%s: %w", stream, group, err)
	}
	l.logger.Info("subscription ready", zap.String("stream", stream), zap.String("group", group), zap.Stringer("from", from))
	return nil
}

// Subscribe implements eventlog.Log.
func (l *JetStreamLog) Subscribe(ctx context.Context, stream, group string) (eventlog.Subscription, error) {
	s, err := l.stream(ctx, stream)
	if err != nil {
		return nil, err
	}

	cons, err := eventlog.Retry(ctx, l.retry, l.logger, "lookup consumer", func() (jetstream.Consumer, error) {
		c, err := s.Consumer(ctx, group)
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, eventlog.Permanent(eventlog.ErrSubscriptionNotFound)
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return l.iterate(cons, stream)
}

// DeleteSubscription implements eventlog.Log.
func (l *JetStreamLog) DeleteSubscription(ctx context.Context, stream, group string) error {
	s, err := l.stream(ctx, stream)
	if err != nil {
		return err
	}
	err = s.DeleteConsumer(ctx, group)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		return eventlog.ErrSubscriptionNotFound
	}
	if err != nil {
		return fmt.Errorf("jetstream: delete subscription %s/%s: %w", stream, group, err)
	}
	return nil
}

func (l *JetStreamLog) iterate(cons jetstream.Consumer, stream string) (*jsSub, error) {
	batch := l.cfg.PullBatch
	if batch <= 0 {
		batch = 64
	}
	it, err := cons.Messages(jetstream.PullMaxMessages(batch))
	if err != nil {
		return nil, fmt.Errorf("jetstream: consume %s: %w", stream, err)
	}
	return &jsSub{log: l, stream: stream, it: it, closed: make(chan struct{})}, nil
}

// jsSub adapts a JetStream message iterator to eventlog.Subscription.
type jsSub struct {
	log    *JetStreamLog
	stream string
	it     jetstream.MessagesContext

	replay    bool
	bounded   bool
	stop      uint64
	exhausted bool

	closeOnce sync.Once
	closed    chan struct{}
}

// Next implements eventlog.Subscription. Cancelling ctx stops the underlying
// iterator, so the subscription cannot be used after a cancelled Next.
func (s *jsSub) Next(ctx context.Context) (eventlog.Delivery, error) {
	if s.exhausted {
		return eventlog.Delivery{}, io.EOF
	}
	select {
	case <-s.closed:
		return eventlog.Delivery{}, eventlog.ErrClosed
	default:
	}

	stop := context.AfterFunc(ctx, s.it.Stop)
	defer stop()

	msg, err := eventlog.Retry(ctx, s.log.retry, s.log.logger, "next", func() (jetstream.Msg, error) {
		m, err := s.it.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, eventlog.Permanent(err)
		}
		return m, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return eventlog.Delivery{}, ctxErr
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return eventlog.Delivery{}, eventlog.ErrClosed
		}
		return eventlog.Delivery{}, err
	}

	meta, err := msg.Metadata()
	if err != nil {
		return eventlog.Delivery{}, fmt.Errorf("jetstream: message metadata: %w", err)
	}

	rec := eventlog.RecordedEvent{
		ID:       msg.Headers().Get(nats.MsgIdHdr),
		Stream:   s.stream,
		Type:     msg.Headers().Get(HeaderEventType),
		Position: meta.Sequence.Stream,
		Data:     msg.Data(),
		Time:     meta.Timestamp,
	}
	if s.bounded && rec.Position >= s.stop {
		s.exhausted = true
	}

	if s.replay {
		return eventlog.NewDelivery(rec, nil), nil
	}
	return eventlog.NewDelivery(rec, func(ctx context.Context) error {
		_, err := eventlog.Retry(ctx, s.log.retry, s.log.logger, "ack", func() (struct{}, error) {
			return struct{}{}, msg.DoubleAck(ctx)
		})
		return err
	}), nil
}

// Close stops the iterator. Unacknowledged messages are redelivered to the
// group's next subscriber once their ack wait expires.
func (s *jsSub) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.it.Stop()
	})
	return nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
