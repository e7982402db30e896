package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/harun/syncd/internal/tracing"
	"github.com/rs/zerolog"
)

// HandlerFunc handles one validated client message. A returned
// *ProtocolError is sent to the client; any other error is logged and
// reported as INTERNAL_ERROR.
type HandlerFunc func(ctx context.Context, conn *Connection, env *Envelope) error

type route struct {
	handler HandlerFunc
	public  bool
}

// Router dispatches client messages by type.
type Router struct {
	mu     sync.RWMutex
	routes map[string]route
	logger zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		routes: make(map[string]route),
		logger: logger,
	}
}

// Handle registers a handler that requires an authenticated connection.
func (r *Router) Handle(msgType string, handler HandlerFunc) error {
	return r.register(msgType, handler, false)
}

// HandlePublic registers a handler that also runs before authentication.
func (r *Router) HandlePublic(msgType string, handler HandlerFunc) error {
	return r.register(msgType, handler, true)
}

func (r *Router) register(msgType string, handler HandlerFunc, public bool) error {
	if msgType == "" {
		return fmt.Errorf("message type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[msgType]; exists {
		return fmt.Errorf("handler for %q already registered", msgType)
	}
	r.routes[msgType] = route{handler: handler, public: public}
	return nil
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.routes))
	for msgType := range r.routes {
		types = append(types, msgType)
	}
	return types
}

// Dispatch runs the handler for env and sends any error reply.
func (r *Router) Dispatch(ctx context.Context, conn *Connection, env *Envelope) {
	r.mu.RLock()
	rt, ok := r.routes[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.ReplyError(ctx, conn, env.RequestID,
			protocolError(CodeUnknownMessageType, "Unknown message type: %s", env.Type))
		return
	}

	if !rt.public && !conn.Authenticated() {
		r.ReplyError(ctx, conn, env.RequestID,
			protocolError(CodeUnauthenticated, "Authentication required"))
		return
	}

	if err := r.invoke(ctx, rt.handler, conn, env); err != nil {
		r.ReplyError(ctx, conn, env.RequestID, err)
	}
}

func (r *Router) invoke(ctx context.Context, handler HandlerFunc, conn *Connection, env *Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Error().
				Interface("panic", rec).
				Str("type", env.Type).
				Bytes("stack", debug.Stack()).
				Msg("Message handler panicked")
			err = protocolError(CodeInternalError, "Internal error")
		}
	}()
	return handler(ctx, conn, env)
}

// ReplyError sends err to the client. Only *ProtocolError messages reach the
// wire; other causes are logged.
func (r *Router) ReplyError(ctx context.Context, conn *Connection, requestID string, err error) {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Error().Err(err).Msg("Message handler failed")
		perr = protocolError(CodeInternalError, "Internal error")
	}

	if sendErr := conn.Send(newErrorMessage(requestID, perr.Code, perr.Message)); sendErr != nil {
		r.logger.Debug().
			Err(sendErr).
			Str("connectionId", conn.ID).
			Str("code", string(perr.Code)).
			Msg("Failed to send error reply")
	}
}

// decode unmarshals a validated envelope into its typed message.
func decode[T any](env *Envelope) (T, error) {
	var msg T
	if err := json.Unmarshal(env.Raw, &msg); err != nil {
		return msg, protocolError(CodeInvalidMessage, "Invalid %s message", env.Type)
	}
	return msg, nil
}
