package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/harun/syncd/internal/observability"
	"github.com/rs/zerolog"
)

// HeartbeatConfig configures a HeartbeatMonitor.
type HeartbeatConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	Connections *ConnectionRegistry
	Broadcaster *Broadcaster
	// OnTimeout tears down a dead connection. It must remove the connection
	// from the registry and from every channel.
	OnTimeout func(conn *Connection)
	Logger    zerolog.Logger
	Now       func() time.Time
}

// HeartbeatMonitor pings live connections and reaps silent ones.
type HeartbeatMonitor struct {
	interval    time.Duration
	timeout     time.Duration
	connections *ConnectionRegistry
	broadcaster *Broadcaster
	onTimeout   func(conn *Connection)
	logger      zerolog.Logger
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatMonitor creates a monitor. Defaults are a 30s interval and a
// 90s timeout.
func NewHeartbeatMonitor(cfg HeartbeatConfig) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = NewBroadcaster(cfg.Logger)
	}
	if cfg.OnTimeout == nil {
		registry := cfg.Connections
		cfg.OnTimeout = func(conn *Connection) {
			conn.Close()
			registry.Remove(conn.ID)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &HeartbeatMonitor{
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		connections: cfg.Connections,
		broadcaster: cfg.Broadcaster,
		onTimeout:   cfg.OnTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Start runs the monitor until Stop or ctx is cancelled.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}

	tickCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)

	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				h.Tick()
			}
		}
	}()
}

// Stop halts the monitor and waits for the loop to exit.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Tick runs one heartbeat round and returns the number of connections
// reaped.
func (h *HeartbeatMonitor) Tick() int {
	now := h.now()
	conns := h.connections.All()
	alive := make([]*Connection, 0, len(conns))
	reaped := 0

	for _, conn := range conns {
		if conn.IsClosed() {
			continue
		}
		if silent := now.Sub(conn.LastPong()); silent > h.timeout {
			h.logger.Info().
				Str("connectionId", conn.ID).
				Dur("silentFor", silent).
				Msg("Heartbeat timeout, closing connection")
			observability.RecordHeartbeatTimeout()
			h.onTimeout(conn)
			reaped++
			continue
		}
		alive = append(alive, conn)
	}

	h.broadcaster.Broadcast(alive, PingMessage{Type: TypePing, Timestamp: now.UnixMilli()})
	return reaped
}
