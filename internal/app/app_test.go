package app

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/whisper/chatstream/internal/command"
	"github.com/whisper/chatstream/internal/config"
	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/projection"
	"github.com/whisper/chatstream/internal/protocol"
	"github.com/whisper/chatstream/internal/query"
	"github.com/whisper/chatstream/internal/relay"
)

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.EventLogBackend = config.BackendMemory
	cfg.Command.ListenAddr = "127.0.0.1:0"
	cfg.QueryAddr = "127.0.0.1:0"
	cfg.WS.ListenAddr = "127.0.0.1:0"
	cfg.WS.Heartbeat.Interval = 0
	return cfg
}

func TestOpenLog(t *testing.T) {
	logger := zaptest.NewLogger(t)

	l, release, err := OpenLog(memoryConfig(), logger)
	if err != nil {
		t.Fatalf("OpenLog() error: %v", err)
	}
	defer release()
	if _, ok := l.(*eventlog.MemoryLog); !ok {
		t.Fatalf("expected *eventlog.MemoryLog, got %T", l)
	}

	cfg := memoryConfig()
	cfg.EventLogBackend = "kafka"
	if _, _, err := OpenLog(cfg, logger); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRunAll_StopsCleanly(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- RunAll(ctx, memoryConfig(), eventlog.NewMemoryLog(), logger) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunAll() returned %v on cancel", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("RunAll did not stop")
	}
}

// TestPipeline drives a command through the log to both the read model and
// a live subscriber.
func TestPipeline(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := memoryConfig()
	l := eventlog.NewMemoryLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := relay.NewBus(16)
	r := relay.New(l, bus, cfg.Relay, logger)
	go func() { _ = r.Run(ctx) }()
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay not ready")
	}
	sub := bus.Subscribe()
	defer sub.Close()

	p := projection.New(l, nil, cfg.Projection, logger)
	go func() { _ = p.Run(ctx) }()

	cmds := command.NewService(l, cfg.Command.Stream, nil, logger)
	chat, err := cmds.CreateChat(ctx, protocol.CreateChatRequest{Username: "alice", Subject: "lunch"})
	if err != nil {
		t.Fatalf("CreateChat() error: %v", err)
	}
	sent, err := cmds.SendMessage(ctx, protocol.SendMessageRequest{ChatID: chat.ChatID, UserID: chat.UserID, Message: "noon?"})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	env, err := sub.Recv(rctx)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if env.ChatID != chat.ChatID || env.MessageID != sent.MessageID || env.Text != "noon?" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	q := query.NewService(p.Model())
	deadline := time.Now().Add(2 * time.Second)
	for q.Position() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("projection stuck at position %d", q.Position())
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := q.GetChat(chat.ChatID)
	if err != nil {
		t.Fatalf("GetChat() error: %v", err)
	}
	want := protocol.ChatMessage{Message: "noon?", SentBy: chat.UserID, MessageID: sent.MessageID}
	if len(got.Messages) != 1 || got.Messages[0] != want {
		t.Fatalf("expected [%+v], got %+v", want, got.Messages)
	}
	chats, err := q.GetChats(chat.UserID)
	if err != nil {
		t.Fatalf("GetChats() error: %v", err)
	}
	if len(chats.Chats) != 1 || chats.Chats[0].Subject != "lunch" {
		t.Fatalf("unexpected chats %+v", chats.Chats)
	}
}
