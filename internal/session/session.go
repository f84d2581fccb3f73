// Package session bridges one live client connection to the broadcast bus,
// forwarding only the messages of the chat the client asked for, and tracks
// live sessions in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/metrics"
	"github.com/whisper/chatstream/internal/protocol"
	"github.com/whisper/chatstream/internal/relay"
)

// Sender writes one frame to the client.
type Sender interface {
	Send(data []byte) error
}

// Session is the live state of one client connection: its chat filter and
// its cursor into the bus. Sessions share nothing with each other.
type Session struct {
	ID     string
	ChatID string

	sub    *relay.Subscriber
	out    Sender
	logger *zap.Logger

	closeOnce sync.Once
}

// New subscribes a session for chatID to bus. Only envelopes published after
// New returns are delivered.
func New(id, chatID string, bus *relay.Bus, out Sender, logger *zap.Logger) *Session {
	return &Session{
		ID:     id,
		ChatID: chatID,
		sub:    bus.Subscribe(),
		out:    out,
		logger: logger.Named("session").With(zap.String("session_id", id), zap.String("chat_id", chatID)),
	}
}

// Run forwards matching envelopes until ctx is cancelled, the session or bus
// is closed, or a write fails. A write failure is returned; the other cases
// return nil. Falling behind the bus is not an error: the client is told how
// many messages it missed and delivery continues.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	for {
		env, err := s.sub.Recv(ctx)
		if err != nil {
			var lag *relay.LagError
			switch {
			case errors.As(err, &lag):
				metrics.BusLagged.Inc()
				metrics.BusMissed.Add(float64(lag.Missed))
				s.logger.Warn("session lagged", zap.Uint64("missed", lag.Missed))
				if err := s.out.Send(protocol.Lagged(lag.Missed)); err != nil {
					return fmt.Errorf("session: send lag notice: %w", err)
				}
				continue
			case errors.Is(err, relay.ErrBusClosed), ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("session: receive: %w", err)
			}
		}

		if env.ChatID != s.ChatID {
			continue
		}

		frame, err := json.Marshal(protocol.ChatMessage{
			Message:   env.Text,
			SentBy:    env.SenderID,
			MessageID: env.MessageID,
		})
		if err != nil {
			return fmt.Errorf("session: encode message: %w", err)
		}
		if err := s.out.Send(frame); err != nil {
			return fmt.Errorf("session: send: %w", err)
		}
		metrics.EnvelopesDelivered.Inc()
	}
}

// Close unsubscribes from the bus. It returns once the session no longer
// holds a bus cursor and is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sub.Close()
	})
}
