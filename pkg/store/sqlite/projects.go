package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harun/syncd/pkg/dataservice"
)

func (s *Store) queryCollaborators(ctx context.Context, query string, args ...interface{}) ([]dataservice.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	collabs := []dataservice.Collaborator{}
	for rows.Next() {
		var (
			c            dataservice.Collaborator
			added        int64
			name, avatar sql.NullString
		)
		if err := rows.Scan(&c.ProjectID, &c.UserID, &c.Role, &added, &name, &avatar); err != nil {
			return nil, err
		}
		c.AddedAt = fromMillis(added)
		if name.Valid {
			c.Profile = &dataservice.UserProfile{ID: c.UserID, DisplayName: name.String, AvatarURL: avatar.String}
		}
		collabs = append(collabs, c)
	}
	return collabs, rows.Err()
}

const collaboratorQuery = `
	SELECT m.project_id, m.user_id, m.role, m.added_at, u.display_name, u.avatar_url
	FROM project_members m
	LEFT JOIN users u ON u.id = m.user_id`

// ListCollaborators returns members ordered by when they joined.
func (s *Store) ListCollaborators(ctx context.Context, projectID string, limit int) ([]dataservice.Collaborator, error) {
	collabs, err := s.queryCollaborators(ctx, collaboratorQuery+`
		WHERE m.project_id = ?
		ORDER BY m.added_at ASC, m.user_id ASC
		LIMIT ?`,
		projectID, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}
	return collabs, nil
}

func (s *Store) GetCollaborator(ctx context.Context, projectID, userID string) (*dataservice.Collaborator, error) {
	collabs, err := s.queryCollaborators(ctx, collaboratorQuery+`
		WHERE m.project_id = ? AND m.user_id = ?`,
		projectID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load collaborator: %w", err)
	}
	if len(collabs) == 0 {
		return nil, dataservice.ErrNotFound
	}
	return &collabs[0], nil
}

const issueColumns = `id, project_id, number, title, status, author_id, created_at, updated_at`

func (s *Store) queryIssues(ctx context.Context, query string, args ...interface{}) ([]dataservice.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issues := []dataservice.Issue{}
	for rows.Next() {
		var (
			i                dataservice.Issue
			created, updated int64
		)
		if err := rows.Scan(&i.ID, &i.ProjectID, &i.Number, &i.Title, &i.Status, &i.AuthorID, &created, &updated); err != nil {
			return nil, err
		}
		i.CreatedAt = fromMillis(created)
		i.UpdatedAt = fromMillis(updated)
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

func (s *Store) ListIssues(ctx context.Context, filter dataservice.IssueFilter) ([]dataservice.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE project_id = ?`
	args := []interface{}{filter.ProjectID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY updated_at DESC, number DESC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))

	issues, err := s.queryIssues(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return issues, nil
}

func (s *Store) GetIssues(ctx context.Context, projectID string, ids []string) ([]dataservice.Issue, error) {
	if len(ids) == 0 {
		return []dataservice.Issue{}, nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{projectID}, args...)

	issues, err := s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_id = ? AND id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	return issues, nil
}

const commitColumns = `id, project_id, branch, sha, message, author_id, committed_at`

func (s *Store) queryCommits(ctx context.Context, query string, args ...interface{}) ([]dataservice.Commit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commits := []dataservice.Commit{}
	for rows.Next() {
		var (
			c         dataservice.Commit
			committed int64
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Branch, &c.SHA, &c.Message, &c.AuthorID, &committed); err != nil {
			return nil, err
		}
		c.CommittedAt = fromMillis(committed)
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func (s *Store) ListCommits(ctx context.Context, filter dataservice.CommitFilter) ([]dataservice.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits WHERE project_id = ?`
	args := []interface{}{filter.ProjectID}
	if filter.Branch != "" {
		query += ` AND branch = ?`
		args = append(args, filter.Branch)
	}
	query += ` ORDER BY committed_at DESC, id ASC LIMIT ?`
	args = append(args, sqlLimit(filter.Limit))

	commits, err := s.queryCommits(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	return commits, nil
}

func (s *Store) GetCommits(ctx context.Context, projectID string, ids []string) ([]dataservice.Commit, error) {
	if len(ids) == 0 {
		return []dataservice.Commit{}, nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{projectID}, args...)

	commits, err := s.queryCommits(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE project_id = ? AND id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load commits: %w", err)
	}
	return commits, nil
}

func (s *Store) GetUserProfiles(ctx context.Context, ids []string) (map[string]dataservice.UserProfile, error) {
	out := make(map[string]dataservice.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	in, args := inClause(ids)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p dataservice.UserProfile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// projectExists reports whether a project row exists.
func projectExists(ctx context.Context, tx *sql.Tx, projectID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, projectID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
