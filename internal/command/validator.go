package command

import (
	"fmt"
	"unicode/utf8"

	"github.com/whisper/chatstream/internal/protocol"
)

// Field limits, in characters.
const (
	MaxUsernameChars = 36
	MaxSubjectChars  = 36
	ChatIDChars      = 36 // a canonical UUID string
	MaxUserIDChars   = 120
	MaxMessageChars  = 255
)

// ValidationError reports the first invalid field of a command.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// ValidateCreateChat checks a create-chat request.
func ValidateCreateChat(req protocol.CreateChatRequest) error {
	if err := checkLength("username", req.Username, 1, MaxUsernameChars); err != nil {
		return err
	}
	return checkLength("subject", req.Subject, 1, MaxSubjectChars)
}

// ValidateSendMessage checks a send-message request.
func ValidateSendMessage(req protocol.SendMessageRequest) error {
	if err := checkLength("chat_id", req.ChatID, ChatIDChars, ChatIDChars); err != nil {
		return err
	}
	if err := checkLength("user_id", req.UserID, 1, MaxUserIDChars); err != nil {
		return err
	}
	return checkLength("message", req.Message, 1, MaxMessageChars)
}

func checkLength(field, value string, min, max int) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Reason: "contains invalid UTF-8"}
	}
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0 && min > 0:
		return &ValidationError{Field: field, Reason: "is required"}
	case min == max && n != min:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be exactly %d characters", min)}
	case n < min:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %d characters", min)}
	case n > max:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d character limit", max)}
	}
	return nil
}
