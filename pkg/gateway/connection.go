package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow client falls behind; the
	// connection is closed when it happens.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Connection is one WebSocket client. Reads happen on the server's read
// loop; every write goes through the buffered send queue drained by a
// single writer goroutine.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	drained chan struct{}
	once    sync.Once
	logger  zerolog.Logger

	limiter  *RateLimiter
	lastPong atomic.Int64

	mu           sync.RWMutex
	userID       string
	authAttempts int
}

type connectionOptions struct {
	SendBuffer int
	Limiter    *RateLimiter
	Logger     zerolog.Logger
	Now        time.Time
}

func newConnection(id string, ws *websocket.Conn, remoteAddr string, opts connectionOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	c := &Connection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: opts.Now,
		ws:          ws,
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
		limiter:     opts.Limiter,
		logger:      opts.Logger.With().Str("connectionId", id).Logger(),
	}
	c.lastPong.Store(opts.Now.UnixNano())
	return c
}

// UserID returns the authenticated user, or "".
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether authenticate succeeded.
func (c *Connection) Authenticated() bool {
	return c.UserID() != ""
}

func (c *Connection) setUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authAttempts = 0
}

// failAuth records a failed attempt and returns the running total.
func (c *Connection) failAuth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authAttempts++
	return c.authAttempts
}

// MarkPong records liveness.
func (c *Connection) MarkPong(at time.Time) {
	c.lastPong.Store(at.UnixNano())
}

// LastPong returns when the client last answered a ping (or connected).
func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Info returns a copy of the connection's state.
func (c *Connection) Info() ConnectionInfo {
	userID := c.UserID()
	return ConnectionInfo{
		ID:            c.ID,
		UserID:        userID,
		Authenticated: userID != "",
		ConnectedAt:   c.ConnectedAt,
		LastPong:      c.LastPong(),
		RemoteAddr:    c.RemoteAddr,
	}
}

// Send marshals v and queues it.
func (c *Connection) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded message without blocking.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("Send buffer full, closing slow connection")
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the connection. Messages already queued are flushed before
// the socket closes. Safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// Done is closed when Close is called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump owns all socket writes. It exits after Close, flushing what
// was queued, sending a close frame and closing the socket.
func (c *Connection) writePump() {
	defer close(c.drained)
	defer c.ws.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}
