// Package projection folds the chat event stream into an in-memory read
// model and keeps it current from a consumer group on the event log.
package projection

import (
	"slices"
	"sync"

	"github.com/whisper/chatstream/internal/events"
	"github.com/whisper/chatstream/internal/protocol"
)

// Result is the outcome of applying one event to the read model.
type Result int

const (
	Applied Result = iota
	// Duplicate means the event was already reflected in the model.
	Duplicate
	// Referential means a MessageSent named a chat that does not exist.
	Referential
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Referential:
		return "referential"
	default:
		return "unknown"
	}
}

type chatBucket struct {
	messages []protocol.ChatMessage
	seen     map[string]struct{} // message ids in messages
}

// ReadModel holds every chat's messages in stream order and every owner's
// chat list. Only the Projector mutates it; readers get copies under a
// shared lock, so a query never sees half an event applied.
type ReadModel struct {
	mu       sync.RWMutex
	chats    map[string]*chatBucket
	owners   map[string][]protocol.ChatSummary
	position uint64
}

// NewReadModel returns an empty read model.
func NewReadModel() *ReadModel {
	return &ReadModel{
		chats:  make(map[string]*chatBucket),
		owners: make(map[string][]protocol.ChatSummary),
	}
}

// Apply folds ev, read at pos, into the model. Events at or below the last
// applied position are reported as Duplicate and change nothing.
func (m *ReadModel) Apply(pos uint64, ev events.Event) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos != 0 && pos <= m.position {
		return Duplicate
	}
	if pos > m.position {
		m.position = pos
	}

	switch e := ev.(type) {
	case events.ChatCreated:
		return m.applyChatCreated(e)
	case *events.ChatCreated:
		return m.applyChatCreated(*e)
	case events.MessageSent:
		return m.applyMessageSent(e)
	case *events.MessageSent:
		return m.applyMessageSent(*e)
	default:
		// events.Event is sealed; nothing else can reach here.
		panic("projection: unhandled event type")
	}
}

func (m *ReadModel) applyChatCreated(e events.ChatCreated) Result {
	created := false
	if _, ok := m.chats[e.ChatID]; !ok {
		m.chats[e.ChatID] = &chatBucket{seen: make(map[string]struct{})}
		created = true
	}
	list := m.owners[e.OwnerID]
	if slices.ContainsFunc(list, func(c protocol.ChatSummary) bool { return c.ChatID == e.ChatID }) {
		if created {
			return Applied
		}
		return Duplicate
	}
	m.owners[e.OwnerID] = append(list, protocol.ChatSummary{ChatID: e.ChatID, Subject: e.Subject})
	return Applied
}

func (m *ReadModel) applyMessageSent(e events.MessageSent) Result {
	b, ok := m.chats[e.ChatID]
	if !ok {
		return Referential
	}
	if _, dup := b.seen[e.MessageID]; dup {
		return Duplicate
	}
	b.seen[e.MessageID] = struct{}{}
	b.messages = append(b.messages, protocol.ChatMessage{
		Message:   e.Text,
		SentBy:    e.SenderID,
		MessageID: e.MessageID,
	})
	return Applied
}

// Advance records pos as consumed without changing any chat, for events the
// codec could not decode.
func (m *ReadModel) Advance(pos uint64) {
	m.mu.Lock()
	if pos > m.position {
		m.position = pos
	}
	m.mu.Unlock()
}

// Position returns the position of the last consumed event.
func (m *ReadModel) Position() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.position
}

// Messages returns a copy of the chat's messages, oldest first. ok is false
// if the chat does not exist; an existing chat with no messages returns an
// empty, non-nil slice.
func (m *ReadModel) Messages(chatID string) (msgs []protocol.ChatMessage, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.chats[chatID]
	if !ok {
		return nil, false
	}
	out := make([]protocol.ChatMessage, len(b.messages))
	copy(out, b.messages)
	return out, true
}

// ChatsOf returns a copy of the owner's chats in creation order. ok is false
// if the owner has created none.
func (m *ReadModel) ChatsOf(ownerID string) (chats []protocol.ChatSummary, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list, ok := m.owners[ownerID]
	if !ok {
		return nil, false
	}
	return slices.Clone(list), true
}

// Len returns the number of chats.
func (m *ReadModel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chats)
}
