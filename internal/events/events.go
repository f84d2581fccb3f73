// Package events defines the chat domain events and the codec that maps them
// to and from the event log's type-tag + JSON payload representation.
//
// Event is a closed union: the only implementations are ChatCreated and
// MessageSent. Consumers switch over the concrete types; anything the codec
// cannot map to one of them is reported as a DecodeError instead.
package events

// Kind identifies a domain event kind.
type Kind int

const (
	KindChatCreated Kind = iota + 1
	KindMessageSent
)

func (k Kind) String() string {
	switch k {
	case KindChatCreated:
		return "chat_created"
	case KindMessageSent:
		return "message_sent"
	default:
		return "unknown"
	}
}

// Type tags written to the log. Existing streams already carry these names.
const (
	TypeChatCreated = "ChatCreatedEvent"
	TypeMessageSent = "ChatMessageSentEvent"
)

// Event is an immutable fact about the chat domain.
type Event interface {
	Kind() Kind
	// AggregateID is the chat the event belongs to.
	AggregateID() string
	sealed()
}

// ChatCreated records the creation of a conversation by its owner.
type ChatCreated struct {
	ChatID  string `json:"chat_id"`
	OwnerID string `json:"user_id"`
	Subject string `json:"subject"`
}

func (ChatCreated) Kind() Kind { return KindChatCreated }
func (e ChatCreated) AggregateID() string { return e.ChatID }
func (ChatCreated) sealed() {}

// MessageSent records a message posted to a conversation.
type MessageSent struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"user_id"`
	Text      string `json:"message"`
}

func (MessageSent) Kind() Kind { return KindMessageSent }
func (e MessageSent) AggregateID() string { return e.ChatID }
func (MessageSent) sealed() {}
