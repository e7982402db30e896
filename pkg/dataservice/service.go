// Package dataservice defines the read facade the real-time layer depends on.
// Implementations own persistence; callers only see these interfaces.
package dataservice

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AccessChecker answers permission questions for a user.
type AccessChecker interface {
	IsProjectMember(ctx context.Context, userID, projectID string) (bool, error)
	HasProjectReadAccess(ctx context.Context, userID, projectID string) (bool, error)
	HasProjectWriteAccess(ctx context.Context, userID, projectID string) (bool, error)
	HasAgentReadAccess(ctx context.Context, userID, agentID string) (bool, error)
	HasAgentWriteAccess(ctx context.Context, userID, agentID string) (bool, error)
}

// AgentReader loads agents.
type AgentReader interface {
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	// GetAgents returns the agents that exist among ids; missing ids are skipped.
	GetAgents(ctx context.Context, ids []string) ([]Agent, error)
	// ListAgents returns agents ordered by last activity desc, then creation asc.
	ListAgents(ctx context.Context, filter AgentFilter) ([]Agent, error)
}

// MessageReader loads agent messages.
type MessageReader interface {
	// ListMessages returns the latest limit messages in ascending seq order.
	ListMessages(ctx context.Context, agentID string, limit int) ([]Message, error)
	GetMessages(ctx context.Context, agentID string, ids []string) ([]Message, error)
}

// ProjectReader loads project collaborators, issues and commits.
type ProjectReader interface {
	ListCollaborators(ctx context.Context, projectID string, limit int) ([]Collaborator, error)
	GetCollaborator(ctx context.Context, projectID, userID string) (*Collaborator, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error)
	GetIssues(ctx context.Context, projectID string, ids []string) ([]Issue, error)
	ListCommits(ctx context.Context, filter CommitFilter) ([]Commit, error)
	GetCommits(ctx context.Context, projectID string, ids []string) ([]Commit, error)
}

// ProfileReader loads user profiles by id; unknown ids are omitted.
type ProfileReader interface {
	GetUserProfiles(ctx context.Context, ids []string) (map[string]UserProfile, error)
}

// LifetimeExtender pushes an agent's expiry forward and returns the new expiry.
type LifetimeExtender interface {
	ExtendAgentLifetime(ctx context.Context, agentID string, by time.Duration) (time.Time, error)
}

// Service is the full facade.
type Service interface {
	AccessChecker
	AgentReader
	MessageReader
	ProjectReader
	ProfileReader
	LifetimeExtender
}
