// Package app wires configuration into running services. Each Run function
// blocks until its context is cancelled or a component fails, and returns
// the first fatal error.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chatstream/internal/command"
	"github.com/whisper/chatstream/internal/config"
	"github.com/whisper/chatstream/internal/eventlog"
	"github.com/whisper/chatstream/internal/messaging"
	"github.com/whisper/chatstream/internal/projection"
	"github.com/whisper/chatstream/internal/query"
	"github.com/whisper/chatstream/internal/relay"
	"github.com/whisper/chatstream/internal/session"
	"github.com/whisper/chatstream/internal/snapshot"
	"github.com/whisper/chatstream/internal/ws"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// OpenLog returns the configured event log and a function releasing it.
func OpenLog(cfg config.Config, logger *zap.Logger) (eventlog.Log, func(), error) {
	switch cfg.EventLogBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory event log; events are lost on exit")
		return eventlog.NewMemoryLog(), func() {}, nil
	case config.BackendJetStream:
		client, err := messaging.NewClient(cfg.NATS, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		return messaging.NewJetStreamLog(client.JetStream(), cfg.JetStream, cfg.Retry, logger), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown event log backend %q", cfg.EventLogBackend)
	}
}

// RunAggregate serves the command API.
func RunAggregate(ctx context.Context, cfg config.Config, log eventlog.Log, logger *zap.Logger) error {
	var limiter command.Limiter
	if cfg.Command.RateLimit {
		client, err := dialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("app: rate limiter: %w", err)
		}
		rl := command.NewRedisLimiter(client, logger)
		defer rl.Close()
		limiter = rl
	}

	svc := command.NewService(log, cfg.Command.Stream, limiter, logger)
	logger.Info("aggregate starting",
		zap.String("addr", cfg.Command.ListenAddr),
		zap.String("stream", cfg.Command.Stream),
		zap.Bool("rate_limit", cfg.Command.RateLimit))
	return serveHTTP(ctx, cfg.Command.ListenAddr, command.NewHandler(svc, logger), logger)
}

// RunProjector folds the stream into the read model and serves the query
// API from it.
func RunProjector(ctx context.Context, cfg config.Config, log eventlog.Log, logger *zap.Logger) error {
	store, err := snapshot.Open(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("app: snapshot store: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	p := projection.New(log, store, cfg.Projection, logger)
	handler := query.NewHandler(query.NewService(p.Model()), logger)

	logger.Info("projector starting",
		zap.String("query_addr", cfg.QueryAddr),
		zap.String("stream", cfg.Projection.Stream),
		zap.String("snapshot_backend", cfg.Snapshot.Backend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.Run(gctx); err != nil {
			return err
		}
		// A clean return only happens on cancellation.
		return gctx.Err()
	})
	g.Go(func() error {
		return serveHTTP(gctx, cfg.QueryAddr, handler, logger)
	})
	return ignoreCancel(ctx, g.Wait())
}

// RunLive relays new messages from the stream to WebSocket clients.
func RunLive(ctx context.Context, cfg config.Config, log eventlog.Log, logger *zap.Logger) error {
	bus := relay.NewBus(cfg.Relay.BusCapacity)
	r := relay.New(log, bus, cfg.Relay, logger)

	var presence ws.Presence
	if cfg.Presence {
		ps, err := session.NewPresenceStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("app: presence: %w", err)
		}
		defer ps.Close()
		presence = ps
	}

	server, err := ws.NewServer(cfg.WS, bus, presence, logger)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	logger.Info("live relay starting",
		zap.String("addr", cfg.WS.ListenAddr),
		zap.String("stream", cfg.Relay.Stream),
		zap.Int("bus_capacity", cfg.Relay.BusCapacity),
		zap.String("server_name", cfg.ServerName),
		zap.Bool("presence", cfg.Presence))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.Run(gctx); err != nil {
			return err
		}
		return gctx.Err()
	})
	g.Go(func() error {
		// Accept connections only once new events are being relayed.
		select {
		case <-r.Ready():
		case <-gctx.Done():
			return nil
		}
		l, err := net.Listen("tcp", cfg.WS.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: ws listen: %w", err)
		}
		return server.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return ignoreCancel(ctx, g.Wait())
}

// RunAll runs every service in one process against the same log.
func RunAll(ctx context.Context, cfg config.Config, log eventlog.Log, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return RunAggregate(gctx, cfg, log, logger.Named("aggregate")) })
	g.Go(func() error { return RunProjector(gctx, cfg, log, logger.Named("projector")) })
	g.Go(func() error { return RunLive(gctx, cfg, log, logger.Named("live")) })
	return ignoreCancel(ctx, g.Wait())
}

// serveHTTP serves handler on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	logger.Info("http listening", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

func dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// ignoreCancel drops the cancellation error of a requested shutdown.
func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
