package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/whisper/chatstream/internal/protocol"
)

func TestValidateCreateChat(t *testing.T) {
	tests := []struct {
		name  string
		req   protocol.CreateChatRequest
		field string // empty means valid
	}{
		{"valid", protocol.CreateChatRequest{Username: "alice", Subject: "lunch"}, ""},
		{"max lengths", protocol.CreateChatRequest{Username: strings.Repeat("a", 36), Subject: strings.Repeat("s", 36)}, ""},
		{"multibyte counts characters", protocol.CreateChatRequest{Username: strings.Repeat("é", 36), Subject: "x"}, ""},
		{"empty username", protocol.CreateChatRequest{Subject: "lunch"}, "username"},
		{"long username", protocol.CreateChatRequest{Username: strings.Repeat("a", 37), Subject: "lunch"}, "username"},
		{"empty subject", protocol.CreateChatRequest{Username: "alice"}, "subject"},
		{"long subject", protocol.CreateChatRequest{Username: "alice", Subject: strings.Repeat("s", 37)}, "subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkField(t, ValidateCreateChat(tt.req), tt.field)
		})
	}
}

func TestValidateSendMessage(t *testing.T) {
	chatID := "3f1c8e9a-2b7d-4c5e-9f10-a1b2c3d4e5f6"
	tests := []struct {
		name  string
		req   protocol.SendMessageRequest
		field string
	}{
		{"valid", protocol.SendMessageRequest{ChatID: chatID, UserID: "u1", Message: "hi"}, ""},
		{"long message", protocol.SendMessageRequest{ChatID: chatID, UserID: "u1", Message: strings.Repeat("m", 256)}, "message"},
		{"max message", protocol.SendMessageRequest{ChatID: chatID, UserID: "u1", Message: strings.Repeat("m", 255)}, ""},
		{"empty message", protocol.SendMessageRequest{ChatID: chatID, UserID: "u1"}, "message"},
		{"short chat id", protocol.SendMessageRequest{ChatID: "c1", UserID: "u1", Message: "hi"}, "chat_id"},
		{"empty user", protocol.SendMessageRequest{ChatID: chatID, Message: "hi"}, "user_id"},
		{"long user", protocol.SendMessageRequest{ChatID: chatID, UserID: strings.Repeat("u", 121), Message: "hi"}, "user_id"},
		{"invalid utf8", protocol.SendMessageRequest{ChatID: chatID, UserID: "u1", Message: "\xff\xfe"}, "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkField(t, ValidateSendMessage(tt.req), tt.field)
		})
	}
}

func checkField(t *testing.T, err error, field string) {
	t.Helper()
	if field == "" {
		if err != nil {
			t.Fatalf("expected valid, got %v", err)
		}
		return
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError for %s, got %v", field, err)
	}
	if verr.Field != field {
		t.Fatalf("expected field %s, got %s (%v)", field, verr.Field, verr)
	}
}
