package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/harun/syncd/internal/tracing"
	"github.com/harun/syncd/pkg/dataservice"
)

// KeepAliveConfig controls agent lifetime extension.
type KeepAliveConfig struct {
	// Window extends agents that expire within this duration of now.
	Window time.Duration
	// Extension is how far past now the new expiry is set.
	Extension time.Duration
	// MaxIDs caps the ids processed per request.
	MaxIDs int
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.Extension <= 0 {
		c.Extension = 30 * time.Minute
	}
	if c.MaxIDs <= 0 {
		c.MaxIDs = 100
	}
	return c
}

const (
	errTooManyIDs    = "Too many agent ids"
	errNoWriteAccess = "No write access"
	errAgentNotFound = "Agent not found"
	errAgentExpired  = "Agent expired"
	errKeepAlive     = "Failed to extend agent lifetime"
)

func (m *SessionManager) handleKeepAlive(ctx context.Context, conn *Connection, env *Envelope) error {
	msg, err := decode[KeepAliveMessage](env)
	if err != nil {
		return err
	}

	results := m.KeepAlive(ctx, conn.UserID(), msg.AgentIDs)
	for agentID, result := range results {
		if result.Extended {
			m.audit.Mutation(ctx, conn.ID, conn.UserID(), "extend-agent-lifetime",
				map[string]interface{}{"agentId": agentID, "expiresAt": result.ExpiresAt})
		}
	}
	return conn.Send(KeepAliveResponse{
		Type:      TypeKeepAliveResponse,
		RequestID: msg.RequestID,
		Results:   results,
	})
}

// KeepAlive processes every id independently. Only the first MaxIDs distinct
// ids are processed; the rest fail with "Too many agent ids".
func (m *SessionManager) KeepAlive(ctx context.Context, userID string, agentIDs []string) map[string]KeepAliveResult {
	results := make(map[string]KeepAliveResult, len(agentIDs))
	processed := 0

	for _, id := range agentIDs {
		if _, seen := results[id]; seen {
			continue
		}
		if processed >= m.keepAlive.MaxIDs {
			results[id] = KeepAliveResult{Error: errTooManyIDs}
			continue
		}
		processed++
		results[id] = m.keepAliveOne(ctx, userID, id)
	}
	return results
}

func (m *SessionManager) keepAliveOne(ctx context.Context, userID, agentID string) (result KeepAliveResult) {
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("agentId", agentID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Keep-alive panicked")
			result = KeepAliveResult{Error: errKeepAlive}
		}
	}()

	allowed, err := m.agents.HasAgentWriteAccess(ctx, userID, agentID)
	if err != nil {
		logger.Error().Err(err).Msg("Keep-alive access check failed")
		return KeepAliveResult{Error: errKeepAlive}
	}
	if !allowed {
		return KeepAliveResult{Error: errNoWriteAccess}
	}

	agent, err := m.agents.GetAgent(ctx, agentID)
	if errors.Is(err, dataservice.ErrNotFound) {
		return KeepAliveResult{Error: errAgentNotFound}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Keep-alive agent load failed")
		return KeepAliveResult{Error: errKeepAlive}
	}

	// The sweeper already tore this agent down; extending it would leave
	// a future expiry on an agent that stays expired.
	if agent.Status == dataservice.AgentStatusExpired {
		return KeepAliveResult{Error: errAgentExpired}
	}

	// Agents without an expiry never need extending.
	if agent.ExpiresAt == nil {
		return KeepAliveResult{Success: true}
	}
	if agent.ExpiresAt.Sub(m.now()) > m.keepAlive.Window {
		expiresAt := *agent.ExpiresAt
		return KeepAliveResult{Success: true, ExpiresAt: &expiresAt}
	}

	expiresAt, err := m.agents.ExtendAgentLifetime(ctx, agentID, m.keepAlive.Extension)
	if errors.Is(err, dataservice.ErrNotFound) {
		return KeepAliveResult{Error: errAgentNotFound}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Keep-alive extension failed")
		return KeepAliveResult{Error: errKeepAlive}
	}

	logger.Debug().Time("expiresAt", expiresAt).Msg("Agent lifetime extended")
	return KeepAliveResult{Success: true, Extended: true, ExpiresAt: &expiresAt}
}
