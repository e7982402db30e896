package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// Project is a project row.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage is a message to append to an agent's log.
type NewMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func validRole(role string) bool {
	switch role {
	case dataservice.RoleOwner, dataservice.RoleAdmin, dataservice.RoleWrite, dataservice.RoleRead:
		return true
	}
	return false
}

// CreateUser inserts a user, generating an id when none is given.
func (s *Store) CreateUser(ctx context.Context, profile dataservice.UserProfile) (dataservice.UserProfile, error) {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, avatar_url, created_at) VALUES (?, ?, ?, ?)`,
		profile.ID, profile.DisplayName, profile.AvatarURL, toMillis(s.now()),
	)
	if err != nil {
		return dataservice.UserProfile{}, fmt.Errorf("failed to create user: %w", err)
	}
	return profile, nil
}

// CreateProject inserts a project and makes its owner a member.
func (s *Store) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.OwnerID == "" {
		return Project{}, errors.New("project owner is required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = fromMillis(toMillis(s.now()))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
			p.ID, p.Name, p.OwnerID, toMillis(p.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_members (project_id, user_id, role, added_at) VALUES (?, ?, 'owner', ?)`,
			p.ID, p.OwnerID, toMillis(p.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to add project owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}

	s.emit(eventbus.CollaboratorsChanged, eventbus.ProjectEvent{ProjectID: p.ID})
	return p, nil
}

// DeleteProject removes a project with its agents, members, issues and commits.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := projectExists(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("failed to load project: %w", err)
		}
		if !ok {
			return dataservice.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to delete project agents: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(eventbus.AgentsBulkChanged, eventbus.AgentsBulkEvent{ProjectID: projectID})
	s.emit(eventbus.CollaboratorsChanged, eventbus.ProjectEvent{ProjectID: projectID})
	s.emit(eventbus.IssuesChanged, eventbus.IssuesEvent{ProjectID: projectID})
	s.emit(eventbus.CommitsPushed, eventbus.CommitsEvent{ProjectID: projectID})
	return nil
}

// AddCollaborator adds a member, or changes the role of an existing one.
func (s *Store) AddCollaborator(ctx context.Context, projectID, userID, role string) error {
	if !validRole(role) {
		return fmt.Errorf("invalid role %q", role)
	}

	existed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT role FROM project_members WHERE project_id = ? AND user_id = ?`,
			projectID, userID,
		).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to load member: %w", err)
		default:
			existed = true
		}

		if existed {
			_, err = tx.ExecContext(ctx,
				`UPDATE project_members SET role = ? WHERE project_id = ? AND user_id = ?`,
				role, projectID, userID)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO project_members (project_id, user_id, role, added_at) VALUES (?, ?, ?, ?)`,
				projectID, userID, role, toMillis(s.now()))
		}
		if err != nil {
			return fmt.Errorf("failed to save member: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if existed {
		s.emit(eventbus.CollaboratorsChanged, eventbus.ProjectEvent{ProjectID: projectID})
		return nil
	}
	s.emit(eventbus.CollaboratorAdded, eventbus.CollaboratorEvent{ProjectID: projectID, UserID: userID})
	return nil
}

// RemoveCollaborator removes a member. The project owner cannot be removed.
func (s *Store) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = ?`, projectID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return dataservice.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load project: %w", err)
		}
		if owner == userID {
			return errors.New("cannot remove the project owner")
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID)
		if err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return dataservice.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(eventbus.CollaboratorRemoved, eventbus.CollaboratorEvent{ProjectID: projectID, UserID: userID})
	return nil
}

// CreateAgent inserts an agent. Id, status and timestamps default when unset.
func (s *Store) CreateAgent(ctx context.Context, a dataservice.Agent) (dataservice.Agent, error) {
	if a.UserID == "" {
		return dataservice.Agent{}, errors.New("agent owner is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = dataservice.AgentStatusActive
	}
	now := fromMillis(toMillis(s.now()))
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActivityAt.IsZero() {
		a.LastActivityAt = a.CreatedAt
	}
	a.UpdatedAt = now

	if err := s.writeAgent(ctx, s.db, a, true); err != nil {
		return dataservice.Agent{}, fmt.Errorf("failed to create agent: %w", err)
	}

	s.emit(eventbus.AgentCreated, eventbus.AgentEvent{AgentID: a.ID, ProjectID: a.ProjectID, UserID: a.UserID})
	return a, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) writeAgent(ctx context.Context, db execer, a dataservice.Agent, insert bool) error {
	var expires interface{}
	if a.ExpiresAt != nil {
		expires = toMillis(*a.ExpiresAt)
	}

	if insert {
		_, err := db.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ProjectID, a.UserID, a.Name, a.Status,
			toMillis(a.CreatedAt), toMillis(a.UpdatedAt), toMillis(a.LastActivityAt), expires,
		)
		return err
	}

	_, err := db.ExecContext(ctx, `
		UPDATE agents
		SET project_id = ?, name = ?, status = ?, updated_at = ?, last_activity_at = ?, expires_at = ?
		WHERE id = ?`,
		a.ProjectID, a.Name, a.Status, toMillis(a.UpdatedAt), toMillis(a.LastActivityAt), expires, a.ID,
	)
	return err
}

// UpdateAgent applies fn to the stored agent and saves the result. Id, owner
// and creation time are not changeable.
func (s *Store) UpdateAgent(ctx context.Context, agentID string, fn func(*dataservice.Agent)) (*dataservice.Agent, error) {
	var updated, previous dataservice.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := scanAgent(tx.QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID))
		if errors.Is(err, sql.ErrNoRows) {
			return dataservice.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load agent %s: %w", agentID, err)
		}

		previous = current
		updated = current
		fn(&updated)
		updated.ID = current.ID
		updated.UserID = current.UserID
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = fromMillis(toMillis(s.now()))

		if err := s.writeAgent(ctx, tx, updated, false); err != nil {
			return fmt.Errorf("failed to update agent %s: %w", agentID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := eventbus.AgentEvent{AgentID: updated.ID, ProjectID: updated.ProjectID, UserID: updated.UserID}
	if previous.ProjectID != updated.ProjectID {
		ev.Moved = true
		ev.PreviousProjectID = previous.ProjectID
	}
	s.emit(eventbus.AgentUpdated, ev)
	return &updated, nil
}

// DeleteAgent removes an agent and its messages.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
			return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emit(eventbus.AgentDeleted, eventbus.AgentEvent{AgentID: agentID, ProjectID: project, UserID: owner})
	return nil
}

// AppendMessages appends to the agent's log and bumps its last activity.
func (s *Store) AppendMessages(ctx context.Context, agentID string, msgs []NewMessage) ([]dataservice.Message, error) {
	if len(msgs) == 0 {
		return []dataservice.Message{}, nil
	}

	now := fromMillis(toMillis(s.now()))
	var (
		out            []dataservice.Message
		owner, project string
	)
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

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM agent_messages WHERE agent_id = ?`, agentID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to read message sequence: %w", err)
		}

		for _, nm := range msgs {
			seq++
			m := dataservice.Message{
				ID:        uuid.NewString(),
				AgentID:   agentID,
				Seq:       seq,
				Role:      nm.Role,
				Content:   nm.Content,
				CreatedAt: now,
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO agent_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				m.ID, m.AgentID, m.Seq, m.Role, m.Content, toMillis(m.CreatedAt),
			); err != nil {
				return fmt.Errorf("failed to append message: %w", err)
			}
			out = append(out, m)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
			toMillis(now), toMillis(now), agentID,
		); err != nil {
			return fmt.Errorf("failed to touch agent %s: %w", agentID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(out))
	for i, m := range out {
		ids[i] = m.ID
	}
	s.emit(eventbus.AgentMessagesAdded, eventbus.MessagesEvent{AgentID: agentID, MessageIDs: ids})
	s.emit(eventbus.AgentUpdated, eventbus.AgentEvent{AgentID: agentID, ProjectID: project, UserID: owner})
	return out, nil
}

// UpdateMessage replaces a message's content.
func (s *Store) UpdateMessage(ctx context.Context, agentID, messageID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_messages SET content = ? WHERE agent_id = ? AND id = ?`,
		content, agentID, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dataservice.ErrNotFound
	}

	s.emit(eventbus.AgentMessageUpdated, eventbus.MessageEvent{AgentID: agentID, MessageID: messageID})
	return nil
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(ctx context.Context, agentID, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE agent_id = ? AND id = ?`, agentID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dataservice.ErrNotFound
	}

	s.emit(eventbus.AgentMessageDeleted, eventbus.MessageEvent{AgentID: agentID, MessageID: messageID})
	return nil
}

// ClearMessages empties an agent's log.
func (s *Store) ClearMessages(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_messages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	s.emit(eventbus.AgentMessagesChanged, eventbus.MessagesEvent{AgentID: agentID})
	return nil
}

// UpsertIssues creates issues without a known id and updates the rest.
// New issues are numbered after the project's highest number.
func (s *Store) UpsertIssues(ctx context.Context, projectID string, issues []dataservice.Issue) ([]dataservice.Issue, error) {
	if len(issues) == 0 {
		return []dataservice.Issue{}, nil
	}

	now := fromMillis(toMillis(s.now()))
	var (
		out              []dataservice.Issue
		created, updated []string
		previous         = make(map[string]string)
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var number int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(number), 0) FROM issues WHERE project_id = ?`, projectID,
		).Scan(&number); err != nil {
			return fmt.Errorf("failed to read issue number: %w", err)
		}

		for _, issue := range issues {
			issue.ProjectID = projectID
			issue.UpdatedAt = now

			var (
				existingCreated int64
				existingStatus  string
			)
			err := sql.ErrNoRows
			if issue.ID != "" {
				err = tx.QueryRowContext(ctx,
					`SELECT created_at, status FROM issues WHERE id = ? AND project_id = ?`, issue.ID, projectID,
				).Scan(&existingCreated, &existingStatus)
			}

			switch {
			case err == nil:
				issue.CreatedAt = fromMillis(existingCreated)
				if _, err := tx.ExecContext(ctx,
					`UPDATE issues SET title = ?, status = ?, updated_at = ? WHERE id = ?`,
					issue.Title, issue.Status, toMillis(now), issue.ID,
				); err != nil {
					return fmt.Errorf("failed to update issue %s: %w", issue.ID, err)
				}
				if _, seen := previous[issue.ID]; !seen {
					previous[issue.ID] = existingStatus
				}
				updated = append(updated, issue.ID)
			case errors.Is(err, sql.ErrNoRows):
				if issue.ID == "" {
					issue.ID = uuid.NewString()
				}
				number++
				issue.Number = number
				issue.CreatedAt = now
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO issues (`+issueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					issue.ID, projectID, issue.Number, issue.Title, issue.Status, issue.AuthorID,
					toMillis(now), toMillis(now),
				); err != nil {
					return fmt.Errorf("failed to create issue: %w", err)
				}
				created = append(created, issue.ID)
			default:
				return fmt.Errorf("failed to load issue %s: %w", issue.ID, err)
			}
			out = append(out, issue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := eventbus.IssuesEvent{ProjectID: projectID, CreatedIDs: created, UpdatedIDs: updated}
	if len(previous) > 0 {
		ev.PreviousStatus = previous
	}
	s.emit(eventbus.IssuesChanged, ev)
	return out, nil
}

// DeleteIssues removes issues; ids that do not exist are ignored.
func (s *Store) DeleteIssues(ctx context.Context, projectID string, ids []string) error {
	var deleted []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ? AND project_id = ?`, id, projectID)
			if err != nil {
				return fmt.Errorf("failed to delete issue %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(deleted) > 0 {
		s.emit(eventbus.IssuesChanged, eventbus.IssuesEvent{ProjectID: projectID, DeletedIDs: deleted})
	}
	return nil
}

// PushCommits records commits on a branch.
func (s *Store) PushCommits(ctx context.Context, projectID, branch string, commits []dataservice.Commit) ([]dataservice.Commit, error) {
	if branch == "" {
		return nil, errors.New("branch is required")
	}
	if len(commits) == 0 {
		return []dataservice.Commit{}, nil
	}

	now := fromMillis(toMillis(s.now()))
	out := make([]dataservice.Commit, 0, len(commits))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range commits {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			if c.CommittedAt.IsZero() {
				c.CommittedAt = now
			}
			c.ProjectID = projectID
			c.Branch = branch

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commits (`+commitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.ProjectID, c.Branch, c.SHA, c.Message, c.AuthorID, toMillis(c.CommittedAt),
			); err != nil {
				return fmt.Errorf("failed to record commit %s: %w", c.SHA, err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.ID
	}
	s.emit(eventbus.CommitsPushed, eventbus.CommitsEvent{ProjectID: projectID, Branch: branch, CommitIDs: ids})
	return out, nil
}
