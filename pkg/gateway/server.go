package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/internal/tracing"
	"github.com/harun/syncd/pkg/channels"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the WebSocket gateway. It owns the connection registry, the
// read and write loops of every connection and the heartbeat monitor.
type Server struct {
	addr            string
	maxMessageBytes int64
	sendBuffer      int
	rateLimit       int
	rateWindow      time.Duration

	channels    *channels.Registry
	connections *ConnectionRegistry
	validator   *MessageValidator
	router      *Router
	sessions    *SessionManager
	heartbeat   *HeartbeatMonitor
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	connWG         sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host string
	Port int

	Channels      *channels.Registry
	Agents        AgentStore
	Authenticator Authenticator

	MaxMessageBytes    int64
	SendBuffer         int
	AuthMaxAttempts    int
	RateLimitPerMinute int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	KeepAlive         KeepAliveConfig

	Audit  *observability.AuditLogger
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	validator, err := NewMessageValidator()
	if err != nil {
		return nil, err
	}

	sessions, err := NewSessionManager(SessionConfig{
		Channels:        cfg.Channels,
		Agents:          cfg.Agents,
		Authenticator:   cfg.Authenticator,
		AuthMaxAttempts: cfg.AuthMaxAttempts,
		KeepAlive:       cfg.KeepAlive,
		Audit:           cfg.Audit,
		Logger:          cfg.Logger,
		Now:             cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	router := NewRouter(cfg.Logger)
	if err := sessions.Register(router); err != nil {
		return nil, err
	}

	s := &Server{
		addr:            net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		maxMessageBytes: cfg.MaxMessageBytes,
		sendBuffer:      cfg.SendBuffer,
		rateLimit:       cfg.RateLimitPerMinute,
		rateWindow:      time.Minute,
		channels:        cfg.Channels,
		connections:     NewConnectionRegistry(),
		validator:       validator,
		router:          router,
		sessions:        sessions,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.heartbeat = NewHeartbeatMonitor(HeartbeatConfig{
		Interval:    cfg.HeartbeatInterval,
		Timeout:     cfg.HeartbeatTimeout,
		Connections: s.connections,
		Broadcaster: NewBroadcaster(cfg.Logger),
		OnTimeout:   s.disconnect,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
	})

	return s, nil
}

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.connections.Count())
	})
	return mux
}

// Start listens on the configured address and starts the heartbeat monitor.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.StartHeartbeat(context.Background())
	return nil
}

// StartHeartbeat starts the heartbeat monitor without the HTTP listener,
// for servers mounted through Handler.
func (s *Server) StartHeartbeat(ctx context.Context) {
	s.heartbeat.Start(ctx)
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionRegistry {
	return s.connections
}

// Heartbeat exposes the heartbeat monitor.
func (s *Server) Heartbeat() *HeartbeatMonitor {
	return s.heartbeat
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.heartbeat.Stop()

	for _, conn := range s.connections.All() {
		s.disconnect(conn)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, abandoning connection loops")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	if !shuttingDown {
		s.connWG.Add(1)
	}
	s.shutdownMu.RUnlock()

	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.connWG.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate connection id")
		_ = ws.Close()
		return
	}

	conn := newConnection(connID, ws, r.RemoteAddr, connectionOptions{
		SendBuffer: s.sendBuffer,
		Limiter:    NewRateLimiter(s.rateLimit, s.rateWindow),
		Logger:     s.logger,
		Now:        s.sessions.now(),
	})
	s.connections.Add(conn)

	s.logger.Info().
		Str("connectionId", connID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go conn.writePump()
	s.readLoop(conn)
}

// readLoop handles messages in arrival order until the socket fails.
func (s *Server) readLoop(conn *Connection) {
	defer s.disconnect(conn)

	conn.ws.SetReadLimit(s.maxMessageBytes)
	ctx := tracing.WithConnectionID(context.Background(), conn.ID)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Str("connectionId", conn.ID).Msg("WebSocket read error")
			}
			return
		}
		s.handleMessage(ctx, conn, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *Connection, data []byte) {
	if !conn.limiter.Allow() {
		observability.RecordMessageReceived("rate_limited")
		s.router.ReplyError(ctx, conn, "", protocolError(CodeRateLimited, "Rate limit exceeded"))
		return
	}

	env, err := s.validator.Parse(data)
	if err != nil {
		requestID := ""
		if env != nil {
			requestID = env.RequestID
		}
		observability.RecordMessageReceived("invalid")
		s.router.ReplyError(ctx, conn, requestID, err)
		return
	}

	observability.RecordMessageReceived(env.Type)

	reqCtx := tracing.NewRequestContext(ctx, conn.ID, conn.UserID(), env.RequestID)
	s.router.Dispatch(withConnection(reqCtx, conn), conn, env)
}

// disconnect closes conn and drops it from the registry and every channel.
// Safe to call more than once.
func (s *Server) disconnect(conn *Connection) {
	conn.Close()

	// Always sweep channels: a subscribe in flight when the first disconnect
	// ran may have registered the connection after that sweep.
	removed := s.channels.RemoveConnection(conn.ID)
	if !s.connections.Remove(conn.ID) {
		return
	}

	s.logger.Info().
		Str("connectionId", conn.ID).
		Str("userId", conn.UserID()).
		Int("subscriptions", removed).
		Msg("Client disconnected")
}
