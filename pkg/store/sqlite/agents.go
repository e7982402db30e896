package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

const agentColumns = `id, project_id, user_id, name, status, created_at, updated_at, last_activity_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (dataservice.Agent, error) {
	var (
		a                          dataservice.Agent
		created, updated, activity int64
		expires                    sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Name, &a.Status, &created, &updated, &activity, &expires); err != nil {
		return a, err
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	a.LastActivityAt = fromMillis(activity)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		a.ExpiresAt = &t
	}
	return a, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]dataservice.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []dataservice.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*dataservice.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dataservice.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	return &a, nil
}

func (s *Store) GetAgents(ctx context.Context, ids []string) ([]dataservice.Agent, error) {
	if len(ids) == 0 {
		return []dataservice.Agent{}, nil
	}
	in, args := inClause(ids)
	agents, err := s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	return agents, nil
}

func (s *Store) ListAgents(ctx context.Context, filter dataservice.AgentFilter) ([]dataservice.Agent, error) {
	where, arg := "user_id = ?", filter.UserID
	if filter.ProjectID != "" {
		where, arg = "project_id = ?", filter.ProjectID
	}

	agents, err := s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE `+where+`
		ORDER BY last_activity_at DESC, created_at ASC, id ASC
		LIMIT ?`,
		arg, sqlLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// ExtendAgentLifetime sets the agent's expiry to now+by and emits agent:updated.
func (s *Store) ExtendAgentLifetime(ctx context.Context, agentID string, by time.Duration) (time.Time, error) {
	now := s.now()
	expires := now.Add(by)

	var owner, project string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT user_id, project_id FROM agents WHERE id = ?`, agentID,
		).Scan(&owner, &project)
		if errors.Is(err, sql.ErrNoRows) {
			return dataservice.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET expires_at = ?, updated_at = ? WHERE id = ?`,
			toMillis(expires), toMillis(now), agentID,
		)
		if err != nil {
			return fmt.Errorf("failed to extend agent %s: %w", agentID, err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	s.emit(eventbus.AgentUpdated, eventbus.AgentEvent{AgentID: agentID, ProjectID: project, UserID: owner})
	return fromMillis(toMillis(expires)), nil
}
