// Package ws serves live chat delivery over WebSocket. Each connection names
// the chat it wants with ?chat_id= and gets a session that forwards that
// chat's messages from the broadcast bus.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/chatstream/internal/metrics"
	"github.com/whisper/chatstream/internal/protocol"
	"github.com/whisper/chatstream/internal/relay"
	"github.com/whisper/chatstream/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          `yaml:"listen_addr" env:"LISTEN_ADDR"`           // address to listen on, e.g. ":8080"
	WorkerPoolSize int             `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE"` // max concurrent read-worker goroutines
	MaxConnections int             `yaml:"max_connections" env:"MAX_CONNECTIONS"`   // hard cap on total connections
	ReadTimeout    time.Duration   `yaml:"read_timeout" env:"READ_TIMEOUT"`         // timeout for WebSocket read operations
	WriteTimeout   time.Duration   `yaml:"write_timeout" env:"WRITE_TIMEOUT"`       // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Presence records live sessions outside the process. Failures are logged
// and never affect delivery.
type Presence interface {
	Register(ctx context.Context, sessionID, chatID string) error
	Touch(ctx context.Context, sessionID, chatID string) error
	Unregister(ctx context.Context, sessionID, chatID string) error
}

// Server upgrades HTTP requests to WebSocket, registers connections with a
// Poller for read readiness, and reads ready connections on a bounded worker
// pool. Outbound traffic is written by each connection's session goroutine.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *ConnectionManager
	bus        *relay.Bus
	presence   Presence // optional
	logger     *zap.Logger
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server

	ctx      context.Context // parent of every session
	cancel   context.CancelFunc
	sessions sync.WaitGroup

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time // server start time for uptime calculation
}

// NewServer creates a Server whose sessions read from bus. presence may be
// nil.
func NewServer(config ServerConfig, bus *relay.Bus, presence Presence, logger *zap.Logger) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		poller:     poller,
		conns:      NewConnectionManager(),
		bus:        bus,
		presence:   presence,
		logger:     logger.Named("ws"),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

// Handler returns the server's HTTP routes: /ws, /health, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.Serve(l)
}

// Serve starts the read loop and heartbeat and serves HTTP on l until
// Shutdown.
func (s *Server) Serve(l net.Listener) error {
	go s.startEventLoop()
	startHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", l.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the chat filter, upgrades the connection, and
// starts its session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Info("upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := newConnection(id, chatID, s.poller.Prepare(raw), s.config.WriteTimeout)
	c.session = session.New(id, chatID, s.bus, c, s.logger)

	s.conns.Add(c)
	if err := s.poller.Add(id, c.Conn); err != nil {
		s.logger.Warn("poller add failed", zap.String("conn_id", id), zap.Error(err))
		c.session.Close()
		s.conns.Remove(id)
		return
	}
	metrics.SessionsActive.Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := s.presence.Register(ctx, id, chatID); err != nil {
			s.logger.Warn("failed to register presence", zap.String("conn_id", id), zap.Error(err))
		}
		cancel()
	}

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		if err := c.session.Run(s.ctx); err != nil {
			s.logger.Info("session ended", zap.String("conn_id", id), zap.Error(err))
		}
		s.RemoveConnection(c)
	}()

	s.logger.Debug("new connection",
		zap.String("conn_id", id), zap.String("chat_id", chatID), zap.Int("total", s.conns.Count()))
}

// handleHealth reports connection and subscriber counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Subscribers int    `json:"subscribers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Subscribers: s.bus.Subscribers(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on the poller and hands each ready connection to a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ids, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				s.logger.Warn("poller wait error", zap.Error(err))
				continue
			}
		}

		for _, id := range ids {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(id)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled without blocking on a data frame; read errors and close frames
// remove the connection.
func (s *Server) handleConn(id string) {
	c := s.conns.Get(id)
	if c == nil {
		return
	}

	// Level-triggered epoll can report a connection again while a worker is
	// still reading it.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.poller.Resume(id)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch with nothing to read; the
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.handleFrame(c, data)
}

// handleControl consumes a control frame's payload so the next read starts
// at a frame boundary. Pings are answered with a pong carrying the same data.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	if header.OpCode == ws.OpClose {
		s.RemoveConnection(c)
		return
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if header.OpCode == ws.OpPing {
		if err := c.WritePong(payload); err != nil {
			s.RemoveConnection(c)
		}
	}
}

// handleFrame answers client text frames. The only client message is ping;
// anything else gets an error frame.
func (s *Server) handleFrame(c *Connection, data []byte) {
	msgType, _, err := protocol.ParseClientMessage(data)
	if err != nil {
		resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    "bad_message",
			Message: err.Error(),
		})
		if err := c.Send(resp); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	switch msgType {
	case protocol.TypePing:
		if err := c.Send(protocol.Pong()); err != nil {
			s.RemoveConnection(c)
			return
		}
		if s.presence != nil {
			ctx, cancel := context.WithTimeout(s.ctx, time.Second)
			if err := s.presence.Touch(ctx, c.ID, c.ChatID); err != nil {
				s.logger.Debug("presence touch failed", zap.String("conn_id", c.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// RemoveConnection unregisters a connection, closes its session and network
// connection, and clears its presence. It is safe to call more than once and
// from any goroutine.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.ID, c.Conn)

	// Only the first caller proceeds; read errors, heartbeat timeouts, and
	// session exits can race here.
	if !s.conns.Remove(c.ID) {
		return
	}
	c.session.Close()
	metrics.SessionsActive.Dec()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Unregister(ctx, c.ID, c.ChatID); err != nil {
			s.logger.Warn("failed to unregister presence", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}

	s.logger.Debug("connection closed", zap.String("conn_id", c.ID), zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, ends every session, closes all
// connections, and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down server")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}

		s.cancel()
		waited := make(chan struct{})
		go func() {
			s.sessions.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.poller.Close()
		s.logger.Info("server stopped")
	})
	return err
}
