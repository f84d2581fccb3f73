// Package query answers read-only questions about chats from the projected
// read model.
package query

import (
	"errors"

	"github.com/whisper/chatstream/internal/protocol"
)

// ErrNotFound is returned when the requested chat or owner is unknown to the
// read model.
var ErrNotFound = errors.New("query: not found")

// Reader is the read side of the projection. *projection.ReadModel
// satisfies it.
type Reader interface {
	Messages(chatID string) ([]protocol.ChatMessage, bool)
	ChatsOf(ownerID string) ([]protocol.ChatSummary, bool)
	Position() uint64
	Len() int
}

// Service answers chat queries. Results reflect every event up to the
// model's current position and nothing after it.
type Service struct {
	model Reader
}

// NewService creates a Service reading from model.
func NewService(model Reader) *Service {
	return &Service{model: model}
}

// GetChat returns the chat's messages oldest first. A chat that exists but
// has no messages yields an empty list.
func (s *Service) GetChat(chatID string) (protocol.GetChatResponse, error) {
	msgs, ok := s.model.Messages(chatID)
	if !ok {
		return protocol.GetChatResponse{}, ErrNotFound
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	return protocol.GetChatResponse{Messages: msgs}, nil
}

// GetChats returns the chats created by ownerID in creation order.
func (s *Service) GetChats(ownerID string) (protocol.GetChatsResponse, error) {
	chats, ok := s.model.ChatsOf(ownerID)
	if !ok {
		return protocol.GetChatsResponse{}, ErrNotFound
	}
	return protocol.GetChatsResponse{Chats: chats}, nil
}

// Chats returns how many chats the read model holds.
func (s *Service) Chats() int {
	return s.model.Len()
}

// Position returns the log position the answers are consistent with.
func (s *Service) Position() uint64 {
	return s.model.Position()
}
