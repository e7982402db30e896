package channels

import (
	"context"
	"time"

	"github.com/harun/syncd/pkg/commandqueue"
	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
	"github.com/rs/zerolog"
)

// Channel is a named, parameterized subscription handler.
type Channel interface {
	Name() string
	// ValidateParams rejects params the channel cannot serve.
	ValidateParams(params Params) error
	// CheckAccess reports whether userID may see params. false is not an error.
	CheckAccess(ctx context.Context, userID string, params Params) (bool, error)
	// Snapshot computes the full current view. Errors are *SnapshotError.
	Snapshot(ctx context.Context, userID string, params Params) (interface{}, error)

	Subscribe(connID, userID string, params Params, send SendFunc)
	Unsubscribe(connID string, params Params)
	RemoveConnection(connID string) int

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Limits are per-channel result caps and timings.
type Limits struct {
	Debounce            time.Duration
	AgentsListCap       int
	AgentEventsLimit    int
	AgentEventsMaxLimit int
	CollaboratorsCap    int
	IssuesCap           int
	CommitsCap          int
}

// DefaultLimits returns the production caps.
func DefaultLimits() Limits {
	return Limits{
		Debounce:            500 * time.Millisecond,
		AgentsListCap:       100,
		AgentEventsLimit:    50,
		AgentEventsMaxLimit: 500,
		CollaboratorsCap:    200,
		IssuesCap:           200,
		CommitsCap:          100,
	}
}

// Deps are the collaborators every concrete channel is built from.
type Deps struct {
	Bus    *eventbus.Bus
	Data   dataservice.Service
	Queue  *commandqueue.Queue
	Limits Limits
	Logger zerolog.Logger
}

// NewAll builds every channel and registers their bus listeners.
func NewAll(deps Deps) []Channel {
	return []Channel{
		NewAgentEventsChannel(deps),
		NewAgentsListChannel(deps),
		NewCollaboratorsChannel(deps),
		NewIssuesChannel(deps),
		NewCommitsChannel(deps),
	}
}

// on registers a typed bus listener. Payloads of the wrong type are errors.
func on[T any](bus *eventbus.Bus, event string, fn func(T)) {
	bus.On(event, func(payload interface{}) error {
		switch v := payload.(type) {
		case T:
			fn(v)
			return nil
		case *T:
			if v == nil {
				return errUnexpectedPayload(event, payload)
			}
			fn(*v)
			return nil
		default:
			return errUnexpectedPayload(event, payload)
		}
	})
}

var (
	_ Channel = (*AgentEventsChannel)(nil)
	_ Channel = (*AgentsListChannel)(nil)
	_ Channel = (*CollaboratorsChannel)(nil)
	_ Channel = (*IssuesChannel)(nil)
	_ Channel = (*CommitsChannel)(nil)
)
