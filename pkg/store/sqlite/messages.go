package sqlite

import (
	"context"
	"fmt"

	"github.com/harun/syncd/pkg/dataservice"
)

const messageColumns = `id, agent_id, seq, role, content, created_at`

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]dataservice.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []dataservice.Message{}
	for rows.Next() {
		var (
			m       dataservice.Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Seq, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMessages returns the newest limit messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, agentID string, limit int) ([]dataservice.Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM agent_messages
			WHERE agent_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`,
		agentID, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) GetMessages(ctx context.Context, agentID string, ids []string) ([]dataservice.Message, error) {
	if len(ids) == 0 {
		return []dataservice.Message{}, nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{agentID}, args...)

	msgs, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM agent_messages
		WHERE agent_id = ? AND id IN (`+in+`)
		ORDER BY seq ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return msgs, nil
}
