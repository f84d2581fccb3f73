package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/whisper/chatstream/internal/snapshot"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if c.EventLogBackend != BackendJetStream {
		t.Errorf("expected jetstream backend, got %q", c.EventLogBackend)
	}
	if c.Projection.Stream != "chat-stream" || c.Relay.Stream != "chat-stream" {
		t.Errorf("unexpected stream names %q %q", c.Projection.Stream, c.Relay.Stream)
	}
	if c.ServerName == "" {
		t.Error("expected a server name")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	base := writeFile(t, "base.yml", `
eventlog_backend: memory
nats:
  url: nats://file:4222
ws:
  listen_addr: ":9000"
  read_timeout: 3s
projection:
  snapshot_every: 50
`)
	override := writeFile(t, "override.yml", `
projection:
  snapshot_every: 75
`)

	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("EVENT_STREAM", "other-stream")
	t.Setenv("SERVER_NAME", "ws-7")

	c, err := Load(base + "," + override)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if c.EventLogBackend != BackendMemory {
		t.Errorf("expected memory backend from file, got %q", c.EventLogBackend)
	}
	if c.NATS.URL != "nats://env:4222" {
		t.Errorf("expected env to override file, got %q", c.NATS.URL)
	}
	if c.WS.ListenAddr != ":9000" || c.WS.ReadTimeout != 3*time.Second {
		t.Errorf("unexpected ws config %+v", c.WS)
	}
	if c.WS.WriteTimeout != 10*time.Second {
		t.Errorf("expected default write timeout to survive, got %v", c.WS.WriteTimeout)
	}
	if c.Projection.SnapshotEvery != 75 {
		t.Errorf("expected later file to win, got %d", c.Projection.SnapshotEvery)
	}
	if c.Projection.Stream != "other-stream" || c.Relay.Stream != "other-stream" || c.Command.Stream != "other-stream" {
		t.Errorf("expected EVENT_STREAM everywhere, got %q %q %q", c.Projection.Stream, c.Relay.Stream, c.Command.Stream)
	}
	if c.ServerName != "ws-7" {
		t.Errorf("expected server name ws-7, got %q", c.ServerName)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.EventLogBackend = "kafka" }, "eventlog_backend"},
		{"postgres without dsn", func(c *Config) { c.Snapshot.Backend = snapshot.BackendPostgres }, "postgres_dsn"},
		{"zero bus", func(c *Config) { c.Relay.BusCapacity = 0 }, "bus_capacity"},
		{"unordered groups", func(c *Config) { c.JetStream.MaxAckPending = 8 }, "max_ack_pending"},
		{"no stream", func(c *Config) { c.Relay.Stream = "" }, "stream"},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LogConfig{Format: "console", Level: "debug"}, "test"); err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	if _, err := NewLogger(LogConfig{Format: "json", Level: "loud"}, "test"); err == nil {
		t.Fatal("expected error for bad level")
	}
	if _, err := NewLogger(LogConfig{Format: "xml", Level: "info"}, "test"); err == nil {
		t.Fatal("expected error for bad format")
	}
}
