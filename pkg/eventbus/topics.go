package eventbus

// Event names published by the data layer.
const (
	AgentCreated         = "agent:created"
	AgentUpdated         = "agent:updated"
	AgentDeleted         = "agent:deleted"
	AgentsBulkChanged    = "agents:bulk-changed"
	AgentMessagesAdded   = "agent:messages-added"
	AgentMessageUpdated  = "agent:message-updated"
	AgentMessageDeleted  = "agent:message-deleted"
	AgentMessagesChanged = "agent:messages-changed"

	CollaboratorAdded    = "project:collaborator-added"
	CollaboratorRemoved  = "project:collaborator-removed"
	CollaboratorsChanged = "project:collaborators-changed"
	IssuesChanged        = "project:issues-changed"
	CommitsPushed        = "project:commits-pushed"
)

// AgentEvent identifies one agent. ProjectID and UserID are carried so
// listeners can route a delete without loading the (gone) record.
// Moved is set when an update changed the agent's project; PreviousProjectID
// is then the project it left ("" for none).
type AgentEvent struct {
	AgentID           string `json:"agentId"`
	ProjectID         string `json:"projectId,omitempty"`
	UserID            string `json:"userId,omitempty"`
	Moved             bool   `json:"moved,omitempty"`
	PreviousProjectID string `json:"previousProjectId,omitempty"`
}

// AgentsBulkEvent signals that many agents changed at once. Empty fields
// widen the scope: both empty means every agents-list view.
type AgentsBulkEvent struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// MessagesEvent carries new or changed message ids for one agent. No ids
// means the agent's history changed wholesale.
type MessagesEvent struct {
	AgentID    string   `json:"agentId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MessageEvent identifies a single message.
type MessageEvent struct {
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

// CollaboratorEvent identifies one project member.
type CollaboratorEvent struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// ProjectEvent identifies a project whose collaborator list changed wholesale.
type ProjectEvent struct {
	ProjectID string `json:"projectId"`
}

// IssuesEvent lists issue ids by kind of change. All three empty means
// the project's issues changed wholesale. PreviousStatus maps updated ids
// to their status before the change, when known.
type IssuesEvent struct {
	ProjectID      string            `json:"projectId"`
	CreatedIDs     []string          `json:"createdIds,omitempty"`
	UpdatedIDs     []string          `json:"updatedIds,omitempty"`
	DeletedIDs     []string          `json:"deletedIds,omitempty"`
	PreviousStatus map[string]string `json:"previousStatus,omitempty"`
}

// Empty reports whether no ids were supplied.
func (e IssuesEvent) Empty() bool {
	return len(e.CreatedIDs) == 0 && len(e.UpdatedIDs) == 0 && len(e.DeletedIDs) == 0
}

// CommitsEvent lists commits pushed to one branch.
type CommitsEvent struct {
	ProjectID string   `json:"projectId"`
	Branch    string   `json:"branch"`
	CommitIDs []string `json:"commitIds,omitempty"`
}
