package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/chatstream/internal/eventlog"
)

var (
	// ErrUnknownType is wrapped by DecodeError for type tags with no kind.
	ErrUnknownType = errors.New("events: unknown event type")
	// ErrMalformed is wrapped by DecodeError for payloads that do not parse
	// or lack a required field.
	ErrMalformed = errors.New("events: malformed payload")
)

// DecodeError describes an event the codec could not map to a domain event.
// Consumers log and skip it.
type DecodeError struct {
	Type     string
	Position uint64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("events: decode %q at position %d: %v", e.Type, e.Position, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewID returns a fresh event id. It is a variable so tests can pin ids.
var NewID = func() string { return uuid.NewString() }

// Encode serializes a domain event for Append.
func Encode(e Event) (eventlog.EventData, error) {
	var tag string
	switch e.(type) {
	case ChatCreated, *ChatCreated:
		tag = TypeChatCreated
	case MessageSent, *MessageSent:
		tag = TypeMessageSent
	default:
		return eventlog.EventData{}, fmt.Errorf("events: encode %T: %w", e, ErrUnknownType)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return eventlog.EventData{}, fmt.Errorf("events: encode %s: %w", tag, err)
	}
	return eventlog.EventData{ID: NewID(), Type: tag, Data: data}, nil
}

// Decode maps a recorded event to its domain event. Failures are always a
// *DecodeError.
func Decode(rec eventlog.RecordedEvent) (Event, error) {
	ev, err := DecodePayload(rec.Type, rec.Data)
	if err != nil {
		return nil, &DecodeError{Type: rec.Type, Position: rec.Position, Err: err}
	}
	return ev, nil
}

// DecodePayload maps a type tag and JSON payload to a domain event.
func DecodePayload(tag string, data []byte) (Event, error) {
	switch tag {
	case TypeChatCreated:
		var e ChatCreated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.ChatID == "" || e.OwnerID == "" {
			return nil, fmt.Errorf("%w: chat_id and user_id are required", ErrMalformed)
		}
		return e, nil

	case TypeMessageSent:
		var e MessageSent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.ChatID == "" || e.MessageID == "" {
			return nil, fmt.Errorf("%w: chat_id and message_id are required", ErrMalformed)
		}
		return e, nil

	default:
		return nil, ErrUnknownType
	}
}
