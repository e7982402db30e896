package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harun/syncd/pkg/dataservice"
)

var _ dataservice.Service = (*Store)(nil)

// projectRole returns the user's role in the project, or "" for none. The
// project owner always counts as "owner".
func (s *Store) projectRole(ctx context.Context, userID, projectID string) (string, error) {
	if userID == "" || projectID == "" {
		return "", nil
	}

	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN p.owner_id = ? THEN 'owner' ELSE COALESCE(m.role, '') END
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = ?
		WHERE p.id = ?`,
		userID, userID, projectID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load project role: %w", err)
	}
	return role, nil
}

func canWrite(role string) bool {
	switch role {
	case dataservice.RoleOwner, dataservice.RoleAdmin, dataservice.RoleWrite:
		return true
	}
	return false
}

func (s *Store) IsProjectMember(ctx context.Context, userID, projectID string) (bool, error) {
	role, err := s.projectRole(ctx, userID, projectID)
	return role != "", err
}

func (s *Store) HasProjectReadAccess(ctx context.Context, userID, projectID string) (bool, error) {
	return s.IsProjectMember(ctx, userID, projectID)
}

func (s *Store) HasProjectWriteAccess(ctx context.Context, userID, projectID string) (bool, error) {
	role, err := s.projectRole(ctx, userID, projectID)
	return canWrite(role), err
}

// agentOwnership returns the agent's owner and project; found is false when
// the agent does not exist.
func (s *Store) agentOwnership(ctx context.Context, agentID string) (ownerID, projectID string, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, project_id FROM agents WHERE id = ?`, agentID,
	).Scan(&ownerID, &projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}
	return ownerID, projectID, true, nil
}

func (s *Store) HasAgentReadAccess(ctx context.Context, userID, agentID string) (bool, error) {
	owner, project, found, err := s.agentOwnership(ctx, agentID)
	if err != nil || !found {
		return false, err
	}
	if owner == userID {
		return true, nil
	}
	return s.HasProjectReadAccess(ctx, userID, project)
}

func (s *Store) HasAgentWriteAccess(ctx context.Context, userID, agentID string) (bool, error) {
	owner, project, found, err := s.agentOwnership(ctx, agentID)
	if err != nil || !found {
		return false, err
	}
	if owner == userID {
		return true, nil
	}
	return s.HasProjectWriteAccess(ctx, userID, project)
}
