// Package protocol defines the JSON shapes exchanged with clients: live
// WebSocket frames, query responses, and command requests and responses.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePing = "ping"
)

// Server -> Client message types. Chat messages themselves are sent as a
// bare ChatMessage without a type field.
const (
	TypePong   = "pong"
	TypeLagged = "lagged"
	TypeError  = "error"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Read model DTOs
// ---------------------------------------------------------------------------

// ChatMessage is one message as clients see it, both in query responses and
// as a live frame.
type ChatMessage struct {
	Message   string `json:"message"`
	SentBy    string `json:"sent_by"`
	MessageID string `json:"message_id"`
}

// ChatSummary identifies a chat in an owner's list.
type ChatSummary struct {
	ChatID  string `json:"chat_id"`
	Subject string `json:"subject"`
}

// GetChatResponse is the body of GET /chats/{chat_id}.
type GetChatResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// GetChatsResponse is the body of GET /chats?user_id=.
type GetChatsResponse struct {
	Chats []ChatSummary `json:"chats"`
}

// ErrorResponse is the body of every non-2xx HTTP response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// CreateChatRequest is the body of POST /create-chat.
type CreateChatRequest struct {
	Username string `json:"username"`
	Subject  string `json:"subject"`
}

// CreateChatData is returned when a chat has been created.
type CreateChatData struct {
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
}

// SendMessageRequest is the body of POST /send-chat-message.
type SendMessageRequest struct {
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// SendMessageData is returned when a message has been accepted.
type SendMessageData struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// CommandResponse wraps the result of a successful command.
type CommandResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// ---------------------------------------------------------------------------
// Live frames
// ---------------------------------------------------------------------------

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// LaggedMsg tells a live client that Missed messages were dropped because it
// fell behind. The client should re-fetch the chat through the query API.
type LaggedMsg struct {
	Type   string `json:"type"`
	Missed uint64 `json:"missed"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown types are an error.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// NewServerMessage creates a JSON-encoded server frame with msgType injected
// under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// Pong returns the encoded pong frame.
func Pong() []byte {
	out, _ := json.Marshal(PongMsg{Type: TypePong})
	return out
}

// Lagged returns the encoded lag notice for missed messages.
func Lagged(missed uint64) []byte {
	out, _ := json.Marshal(LaggedMsg{Type: TypeLagged, Missed: missed})
	return out
}
