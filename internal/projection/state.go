package projection

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/whisper/chatstream/internal/protocol"
)

// State is a position-consistent copy of the read model: every event up to
// and including Position is reflected, nothing after it. It is what gets
// persisted as a snapshot.
type State struct {
	Position   uint64                            `json:"position"`
	Chats      map[string][]protocol.ChatMessage `json:"chats"`
	OwnerChats map[string][]protocol.ChatSummary `json:"owner_chats"`
}

// Snapshot returns the model's current State.
func (m *ReadModel) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{
		Position:   m.position,
		Chats:      make(map[string][]protocol.ChatMessage, len(m.chats)),
		OwnerChats: make(map[string][]protocol.ChatSummary, len(m.owners)),
	}
	for id, b := range m.chats {
		msgs := make([]protocol.ChatMessage, len(b.messages))
		copy(msgs, b.messages)
		st.Chats[id] = msgs
	}
	for owner, list := range m.owners {
		st.OwnerChats[owner] = slices.Clone(list)
	}
	return st
}

// Restore replaces the model's contents with st.
func (m *ReadModel) Restore(st State) {
	chats := make(map[string]*chatBucket, len(st.Chats))
	for id, msgs := range st.Chats {
		b := &chatBucket{
			messages: slices.Clone(msgs),
			seen:     make(map[string]struct{}, len(msgs)),
		}
		for _, msg := range msgs {
			b.seen[msg.MessageID] = struct{}{}
		}
		chats[id] = b
	}
	owners := make(map[string][]protocol.ChatSummary, len(st.OwnerChats))
	for owner, list := range st.OwnerChats {
		owners[owner] = slices.Clone(list)
	}

	m.mu.Lock()
	m.chats = chats
	m.owners = owners
	m.position = st.Position
	m.mu.Unlock()
}

// Encode returns st as JSON. Map keys are sorted, so equal states encode to
// identical bytes.
func (st State) Encode() ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("projection: encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a State produced by Encode.
func DecodeState(data []byte) (State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("projection: decode state: %w", err)
	}
	if st.Chats == nil {
		st.Chats = make(map[string][]protocol.ChatMessage)
	}
	if st.OwnerChats == nil {
		st.OwnerChats = make(map[string][]protocol.ChatSummary)
	}
	return st, nil
}
