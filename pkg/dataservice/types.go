package dataservice

import "time"

// Agent status values.
const (
	AgentStatusActive  = "active"
	AgentStatusIdle    = "idle"
	AgentStatusExpired = "expired"
)

// Project member roles, strongest first.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleWrite = "write"
	RoleRead  = "read"
)

// UserProfile is the public part of a user record.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Agent is a long-running unit of work owned by a user, optionally scoped to
// a project.
type Agent struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId,omitempty"`
	UserID         string     `json:"userId"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// EnrichedAgent is an agent with its owner's profile attached.
type EnrichedAgent struct {
	Agent
	Owner *UserProfile `json:"owner,omitempty"`
}

// Message is one entry in an agent's event log.
type Message struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Collaborator is a project member.
type Collaborator struct {
	ProjectID string       `json:"projectId"`
	UserID    string       `json:"userId"`
	Role      string       `json:"role"`
	AddedAt   time.Time    `json:"addedAt"`
	Profile   *UserProfile `json:"profile,omitempty"`
}

// Issue is a project issue.
type Issue struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Commit is a pushed commit.
type Commit struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Branch      string    `json:"branch"`
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	AuthorID    string    `json:"authorId"`
	CommittedAt time.Time `json:"committedAt"`
}

// AgentFilter selects agents for listing. With a ProjectID it lists the
// project's agents; without one it lists the agents UserID owns.
type AgentFilter struct {
	UserID    string
	ProjectID string
	Limit     int
}

// IssueFilter selects a project's issues, newest update first.
type IssueFilter struct {
	ProjectID string
	Status    string
	Limit     int
}

// CommitFilter selects a project's commits, newest first.
type CommitFilter struct {
	ProjectID string
	Branch    string
	Limit     int
}
