package gateway

import (
	"fmt"
	"time"

	"github.com/harun/syncd/pkg/channels"
)

// Client message types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeRequest      = "request"
	TypePong         = "pong"
	TypeKeepAlive    = "keep-alive"
)

// Server message types.
const (
	TypeAuthenticated     = "authenticated"
	TypeSnapshot          = "snapshot"
	TypeDelta             = "delta"
	TypeError             = "error"
	TypePing              = "ping"
	TypeKeepAliveResponse = "keep-alive-response"
)

// ErrorCode classifies an error reply.
type ErrorCode string

const (
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	CodeUnauthenticated      ErrorCode = "UNAUTHENTICATED"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeUnknownChannel       ErrorCode = "UNKNOWN_CHANNEL"
	CodeInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	CodeUnknownMessageType   ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeSnapshotFailed       ErrorCode = "SNAPSHOT_FAILED"
	CodeRequestFailed        ErrorCode = "REQUEST_FAILED"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
)

// ProtocolError is an error that is reported to the client as-is. Its
// message must never carry an internal cause.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolError(code ErrorCode, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AuthenticateMessage carries a bearer token.
type AuthenticateMessage struct {
	Token string `json:"token"`
}

// SubscribeMessage opens a subscription and asks for its snapshot.
type SubscribeMessage struct {
	Channel   string          `json:"channel"`
	Params    channels.Params `json:"params,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// UnsubscribeMessage drops a subscription. It gets no reply.
type UnsubscribeMessage struct {
	Channel string          `json:"channel"`
	Params  channels.Params `json:"params,omitempty"`
}

// RequestMessage asks for a one-shot snapshot.
type RequestMessage struct {
	Channel   string          `json:"channel"`
	Params    channels.Params `json:"params,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct{}

// KeepAliveMessage asks to extend the lifetime of agents.
type KeepAliveMessage struct {
	AgentIDs  []string `json:"agentIds"`
	RequestID string   `json:"requestId,omitempty"`
}

// AuthenticatedMessage confirms authentication.
type AuthenticatedMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// SnapshotMessage answers subscribe and request.
type SnapshotMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Params    channels.Params `json:"params"`
	RequestID string          `json:"requestId,omitempty"`
	Data      interface{}     `json:"data"`
}

// DeltaMessage carries an incremental change for one subscription.
type DeltaMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Params  channels.Params `json:"params"`
	Data    channels.Delta  `json:"data"`
}

// ErrorBody is the error payload of an error reply.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorMessage reports a failed client message.
type ErrorMessage struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Error     ErrorBody `json:"error"`
}

// PingMessage is sent by the heartbeat monitor.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// KeepAliveResult is the outcome for one agent id.
type KeepAliveResult struct {
	Success   bool       `json:"success"`
	Extended  bool       `json:"extended,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// KeepAliveResponse answers keep-alive.
type KeepAliveResponse struct {
	Type      string                     `json:"type"`
	RequestID string                     `json:"requestId,omitempty"`
	Results   map[string]KeepAliveResult `json:"results"`
}

func newErrorMessage(requestID string, code ErrorCode, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Error:     ErrorBody{Code: code, Message: message},
	}
}

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastPong      time.Time `json:"lastPong"`
	RemoteAddr    string    `json:"remoteAddr"`
}
