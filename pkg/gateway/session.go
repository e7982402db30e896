package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/internal/tracing"
	"github.com/harun/syncd/pkg/channels"
	"github.com/harun/syncd/pkg/dataservice"
	"github.com/rs/zerolog"
)

// AgentStore is the part of the data service keep-alive needs.
type AgentStore interface {
	dataservice.AccessChecker
	GetAgent(ctx context.Context, agentID string) (*dataservice.Agent, error)
	dataservice.LifetimeExtender
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Channels        *channels.Registry
	Agents          AgentStore
	Authenticator   Authenticator
	AuthMaxAttempts int
	KeepAlive       KeepAliveConfig
	Audit           *observability.AuditLogger // optional
	Logger          zerolog.Logger
	Now             func() time.Time
}

// SessionManager implements the client message handlers.
type SessionManager struct {
	channels        *channels.Registry
	agents          AgentStore
	auth            Authenticator
	authMaxAttempts int
	keepAlive       KeepAliveConfig
	audit           *observability.AuditLogger
	logger          zerolog.Logger
	now             func() time.Time
}

// NewSessionManager validates cfg and creates a session manager.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if cfg.Channels == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent store is required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.AuthMaxAttempts <= 0 {
		cfg.AuthMaxAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &SessionManager{
		channels:        cfg.Channels,
		agents:          cfg.Agents,
		auth:            cfg.Authenticator,
		authMaxAttempts: cfg.AuthMaxAttempts,
		keepAlive:       cfg.KeepAlive.withDefaults(),
		audit:           cfg.Audit,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}, nil
}

// Register installs every handler on router.
func (m *SessionManager) Register(router *Router) error {
	handlers := []struct {
		msgType string
		public  bool
		handler HandlerFunc
	}{
		{TypeAuthenticate, true, m.handleAuthenticate},
		{TypePong, true, m.handlePong},
		{TypeSubscribe, false, m.handleSubscribe},
		{TypeUnsubscribe, false, m.handleUnsubscribe},
		{TypeRequest, false, m.handleRequest},
		{TypeKeepAlive, false, m.handleKeepAlive},
	}

	for _, h := range handlers {
		register := router.Handle
		if h.public {
			register = router.HandlePublic
		}
		if err := register(h.msgType, h.handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) handleAuthenticate(ctx context.Context, conn *Connection, env *Envelope) error {
	msg, err := decode[AuthenticateMessage](env)
	if err != nil {
		return err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)

	userID, err := m.auth.Authenticate(ctx, msg.Token)
	if err == nil && conn.Authenticated() && conn.UserID() != userID {
		err = errors.New("connection already authenticated as another user")
	}
	if err != nil {
		attempts := conn.failAuth()
		logger.Warn().Err(err).Int("attempts", attempts).Msg("Authentication failed")
		m.audit.Security(ctx, conn.ID, conn.UserID(), "authenticate", observability.AuditFailure,
			map[string]interface{}{"attempts": attempts})

		_ = conn.Send(newErrorMessage(env.RequestID, CodeAuthenticationFailed, "Authentication failed"))
		if attempts >= m.authMaxAttempts {
			logger.Warn().Msg("Too many failed authentication attempts, closing connection")
			conn.Close()
		}
		return nil
	}

	conn.setUser(userID)
	logger.Info().Str("userId", userID).Msg("Connection authenticated")
	m.audit.Security(ctx, conn.ID, userID, "authenticate", observability.AuditSuccess, nil)

	return conn.Send(AuthenticatedMessage{Type: TypeAuthenticated, UserID: userID})
}

func (m *SessionManager) handlePong(_ context.Context, conn *Connection, _ *Envelope) error {
	conn.MarkPong(m.now())
	return nil
}

func (m *SessionManager) handleSubscribe(ctx context.Context, conn *Connection, env *Envelope) error {
	msg, err := decode[SubscribeMessage](env)
	if err != nil {
		return err
	}

	ch, params, err := m.resolve(msg.Channel, msg.Params)
	if err != nil {
		return err
	}

	userID := conn.UserID()
	data, err := m.snapshot(ctx, ch, userID, params, CodeSnapshotFailed)
	if err != nil {
		return err
	}

	err = conn.Send(SnapshotMessage{
		Type:      TypeSnapshot,
		Channel:   ch.Name(),
		Params:    params,
		RequestID: msg.RequestID,
		Data:      data,
	})
	if err != nil {
		return nil
	}

	ch.Subscribe(conn.ID, userID, params, deltaSender(conn, ch.Name(), params))
	// A disconnect that ran while the snapshot was loading has already swept
	// the channels; undo the registration it could not see.
	if conn.IsClosed() {
		ch.RemoveConnection(conn.ID)
	}
	return nil
}

func (m *SessionManager) handleUnsubscribe(ctx context.Context, conn *Connection, env *Envelope) error {
	msg, err := decode[UnsubscribeMessage](env)
	if err != nil {
		return err
	}

	ch, ok := m.channels.Get(msg.Channel)
	if !ok {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Debug().
			Str("channel", msg.Channel).
			Msg("Unsubscribe for unknown channel ignored")
		return nil
	}

	ch.Unsubscribe(conn.ID, normalizeParams(msg.Params))
	return nil
}

func (m *SessionManager) handleRequest(ctx context.Context, conn *Connection, env *Envelope) error {
	msg, err := decode[RequestMessage](env)
	if err != nil {
		return err
	}

	ch, params, err := m.resolve(msg.Channel, msg.Params)
	if err != nil {
		return err
	}

	data, err := m.snapshot(ctx, ch, conn.UserID(), params, CodeRequestFailed)
	if err != nil {
		return err
	}

	return conn.Send(SnapshotMessage{
		Type:      TypeSnapshot,
		Channel:   ch.Name(),
		Params:    params,
		RequestID: msg.RequestID,
		Data:      data,
	})
}

func (m *SessionManager) resolve(name string, params channels.Params) (channels.Channel, channels.Params, error) {
	ch, ok := m.channels.Get(name)
	if !ok {
		return nil, nil, protocolError(CodeUnknownChannel, "Unknown channel: %s", name)
	}

	params = normalizeParams(params)
	if err := ch.ValidateParams(params); err != nil {
		return nil, nil, protocolError(CodeInvalidMessage, "Invalid params for %s: %v", name, err)
	}
	return ch, params, nil
}

// snapshot checks access and computes the channel view. failCode is used for
// access-check and data failures.
func (m *SessionManager) snapshot(ctx context.Context, ch channels.Channel, userID string, params channels.Params, failCode ErrorCode) (interface{}, error) {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("channel", ch.Name()).Logger()

	allowed, err := ch.CheckAccess(ctx, userID, params)
	if err != nil {
		logger.Error().Err(err).Msg("Access check failed")
		return nil, protocolError(failCode, "Failed to check access")
	}
	if !allowed {
		logger.Debug().Msg("Access denied")
		connID := ""
		if conn, ok := ConnectionFromContext(ctx); ok {
			connID = conn.ID
		}
		m.audit.Security(ctx, connID, userID, "access:"+ch.Name(), observability.AuditDenied,
			map[string]interface{}{"params": params})
		return nil, protocolError(CodeUnauthorized, "Access denied")
	}

	data, err := ch.Snapshot(ctx, userID, params)
	if err != nil {
		logger.Error().Err(err).Msg("Snapshot failed")
		return nil, protocolError(failCode, "Failed to load %s", ch.Name())
	}
	return data, nil
}

func deltaSender(conn *Connection, channel string, params channels.Params) channels.SendFunc {
	return func(delta channels.Delta) error {
		return conn.Send(DeltaMessage{
			Type:    TypeDelta,
			Channel: channel,
			Params:  params,
			Data:    delta,
		})
	}
}

func normalizeParams(params channels.Params) channels.Params {
	if params == nil {
		return channels.Params{}
	}
	return params
}
