// Package command validates chat commands and appends the resulting events
// to the event log.
package command

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/events"
	"github.com/whisper/chatstream/internal/metrics"
	"github.com/whisper/chatstream/internal/protocol"
)

// ErrRateLimited is returned when the caller exceeded its command rate.
var ErrRateLimited = errors.New("command: rate limited")

// Limiter decides whether an identifier may issue another command under
// rule. *RedisLimiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Config holds command service settings.
type Config struct {
	Stream     string `yaml:"stream" env:"EVENT_STREAM"`
	ListenAddr string `yaml:"listen_addr" env:"COMMAND_LISTEN_ADDR"`
	RateLimit  bool   `yaml:"rate_limit" env:"COMMAND_RATE_LIMIT"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Stream:     "chat-stream",
		ListenAddr: ":8081",
	}
}

// Service turns commands into events. Appends go to the end of the stream
// without a position expectation.
type Service struct {
	log     eventlog.Log
	stream  string
	limiter Limiter // optional
	logger  *zap.Logger
}

// NewService creates a Service appending to stream. limiter may be nil.
func NewService(log eventlog.Log, stream string, limiter Limiter, logger *zap.Logger) *Service {
	return &Service{
		log:     log,
		stream:  stream,
		limiter: limiter,
		logger:  logger.Named("command"),
	}
}

// CreateChat validates req and appends a ChatCreated event for a new chat.
// The owner id is derived from a fresh UUID and the username, so the same
// username gets a different owner id for every chat.
func (s *Service) CreateChat(ctx context.Context, req protocol.CreateChatRequest) (protocol.CreateChatData, error) {
	if err := ValidateCreateChat(req); err != nil {
		return protocol.CreateChatData{}, err
	}
	if err := s.allow(ctx, req.Username, RuleCreateChat); err != nil {
		return protocol.CreateChatData{}, err
	}

	ev := events.ChatCreated{
		ChatID:  uuid.NewString(),
		OwnerID: hashOwner(uuid.NewString() + req.Username),
		Subject: req.Subject,
	}
	if err := s.appendEvent(ctx, ev); err != nil {
		return protocol.CreateChatData{}, err
	}

	s.logger.Info("chat created", zap.String("chat_id", ev.ChatID), zap.String("owner_id", ev.OwnerID))
	return protocol.CreateChatData{ChatID: ev.ChatID, UserID: ev.OwnerID, Subject: ev.Subject}, nil
}

// SendMessage validates req and appends a MessageSent event. Whether the
// chat exists is not checked here; the projection records a message for an
// unknown chat as an anomaly.
func (s *Service) SendMessage(ctx context.Context, req protocol.SendMessageRequest) (protocol.SendMessageData, error) {
	if err := ValidateSendMessage(req); err != nil {
		return protocol.SendMessageData{}, err
	}
	if err := s.allow(ctx, req.UserID, RuleMessage); err != nil {
		return protocol.SendMessageData{}, err
	}

	ev := events.MessageSent{
		ChatID:    req.ChatID,
		MessageID: uuid.NewString(),
		SenderID:  req.UserID,
		Text:      req.Message,
	}
	if err := s.appendEvent(ctx, ev); err != nil {
		return protocol.SendMessageData{}, err
	}

	s.logger.Debug("message sent", zap.String("chat_id", ev.ChatID), zap.String("message_id", ev.MessageID))
	return protocol.SendMessageData{
		MessageID: ev.MessageID,
		ChatID:    ev.ChatID,
		UserID:    ev.SenderID,
		Message:   ev.Text,
	}, nil
}

func (s *Service) allow(ctx context.Context, identifier string, rule Rule) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		s.logger.Debug("rate limiter error", zap.Error(err))
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, ev events.Event) error {
	data, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("command: encode %s: %w", ev.Kind(), err)
	}
	pos, err := s.log.Append(ctx, s.stream, eventlog.AnyPosition, data)
	if err != nil {
		return fmt.Errorf("command: append %s: %w", ev.Kind(), err)
	}
	metrics.CommandAppends.WithLabelValues(ev.Kind().String()).Inc()
	s.logger.Debug("event appended", zap.String("type", data.Type), zap.Uint64("position", pos))
	return nil
}

func hashOwner(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
