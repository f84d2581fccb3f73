// Package config loads the settings shared by every chatstream service:
// defaults first, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/whisper/chatstream/internal/command"
	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/messaging"
	"github.com/whisper/chatstream/internal/projection"
	"github.com/whisper/chatstream/internal/relay"
	"github.com/whisper/chatstream/internal/snapshot"
	"github.com/whisper/chatstream/internal/ws"
)

// Event log backends.
const (
	BackendJetStream = "jetstream"
	BackendMemory    = "memory" // single-process, for local runs and tests
)

// Config is the full configuration of a chatstream process. Each service
// reads the sections it needs.
type Config struct {
	ServerName      string `yaml:"server_name" env:"SERVER_NAME"`
	EventLogBackend string `yaml:"eventlog_backend" env:"EVENTLOG_BACKEND"`
	RedisAddr       string `yaml:"redis_addr" env:"REDIS_ADDR"` // presence and rate limiting
	Presence        bool   `yaml:"presence" env:"PRESENCE_ENABLED"`
	QueryAddr       string `yaml:"query_addr" env:"QUERY_LISTEN_ADDR"`

	Log        LogConfig                 `yaml:"log"`
	NATS       messaging.NATSConfig      `yaml:"nats"`
	JetStream  messaging.JetStreamConfig `yaml:"jetstream"`
	Retry      eventlog.RetryPolicy      `yaml:"retry"`
	Projection projection.Config         `yaml:"projection"`
	Snapshot   snapshot.Config           `yaml:"snapshot"`
	Relay      relay.Config              `yaml:"relay"`
	WS         ws.ServerConfig           `yaml:"ws"`
	Command    command.Config            `yaml:"command"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		EventLogBackend: BackendJetStream,
		RedisAddr:       "localhost:6379",
		QueryAddr:       ":8082",
		Log:             DefaultLogConfig(),
		NATS:            messaging.DefaultNATSConfig(),
		JetStream:       messaging.DefaultJetStreamConfig(),
		Retry:           eventlog.DefaultRetryPolicy(),
		Projection:      projection.DefaultConfig(),
		Snapshot:        snapshot.DefaultConfig(),
		Relay:           relay.DefaultConfig(),
		WS:              ws.DefaultServerConfig(),
		Command:         command.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML files in pathList
// (comma-separated, later files override earlier ones, empty for none), and
// the environment, in that order. The result is validated.
func Load(pathList string) (Config, error) {
	c := Default()

	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", p, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", p, err)
		}
	}

	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.ServerName == "" {
		c.ServerName = "chatstream-1"
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first setting no service could run with.
func (c Config) Validate() error {
	var errs []error
	switch c.EventLogBackend {
	case BackendJetStream, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("eventlog_backend %q is not one of %s, %s", c.EventLogBackend, BackendJetStream, BackendMemory))
	}
	switch c.Snapshot.Backend {
	case "", snapshot.BackendNone, snapshot.BackendRedis, snapshot.BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("snapshot backend %q is unknown", c.Snapshot.Backend))
	}
	if c.Snapshot.Backend == snapshot.BackendPostgres && c.Snapshot.PostgresDSN == "" {
		errs = append(errs, errors.New("snapshot backend postgres needs postgres_dsn"))
	}
	if c.Projection.Stream == "" || c.Relay.Stream == "" || c.Command.Stream == "" {
		errs = append(errs, errors.New("event stream name is empty"))
	}
	if c.Projection.SnapshotEvery < 0 {
		errs = append(errs, errors.New("projection snapshot_every must not be negative"))
	}
	if c.Relay.BusCapacity <= 0 {
		errs = append(errs, errors.New("relay bus_capacity must be positive"))
	}
	if c.WS.MaxConnections <= 0 || c.WS.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("ws max_connections and worker_pool_size must be positive"))
	}
	if c.JetStream.MaxAckPending != 1 {
		errs = append(errs, errors.New("jetstream max_ack_pending must be 1 to keep group delivery ordered"))
	}
	if c.Retry.Budget <= 0 {
		errs = append(errs, errors.New("retry budget must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
