package channels

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/harun/syncd/pkg/dataservice"
)

// fakeData is an in-memory dataservice.Service.
type fakeData struct {
	mu            sync.Mutex
	agents        map[string]dataservice.Agent
	messages      map[string][]dataservice.Message
	members       map[string]map[string]string // project -> user -> role
	collaborators map[string][]dataservice.Collaborator
	issues        map[string]dataservice.Issue
	commits       map[string]dataservice.Commit
	profiles      map[string]dataservice.UserProfile
	failList      error
	agentReads    int
}

func newFakeData() *fakeData {
	return &fakeData{
		agents:        make(map[string]dataservice.Agent),
		messages:      make(map[string][]dataservice.Message),
		members:       make(map[string]map[string]string),
		collaborators: make(map[string][]dataservice.Collaborator),
		issues:        make(map[string]dataservice.Issue),
		commits:       make(map[string]dataservice.Commit),
		profiles:      make(map[string]dataservice.UserProfile),
	}
}

func (f *fakeData) putAgent(a dataservice.Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.ID] = a
}

func (f *fakeData) addMember(projectID, userID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[projectID] == nil {
		f.members[projectID] = make(map[string]string)
	}
	f.members[projectID][userID] = role
}

func (f *fakeData) appendMessages(agentID string, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	base := len(f.messages[agentID])
	for i := 0; i < n; i++ {
		seq := int64(base + i + 1)
		id := agentID + "-m" + strconv.Itoa(int(seq))
		f.messages[agentID] = append(f.messages[agentID], dataservice.Message{
			ID: id, AgentID: agentID, Seq: seq, Role: "assistant", Content: "msg",
		})
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeData) role(projectID, userID string) string {
	return f.members[projectID][userID]
}

func (f *fakeData) IsProjectMember(_ context.Context, userID, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role(projectID, userID) != "", nil
}

func (f *fakeData) HasProjectReadAccess(ctx context.Context, userID, projectID string) (bool, error) {
	return f.IsProjectMember(ctx, userID, projectID)
}

func (f *fakeData) HasProjectWriteAccess(_ context.Context, userID, projectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.role(projectID, userID) {
	case dataservice.RoleOwner, dataservice.RoleAdmin, dataservice.RoleWrite:
		return true, nil
	}
	return false, nil
}

func (f *fakeData) HasAgentReadAccess(_ context.Context, userID, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return false, nil
	}
	return a.UserID == userID || f.role(a.ProjectID, userID) != "", nil
}

func (f *fakeData) HasAgentWriteAccess(_ context.Context, userID, agentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return false, nil
	}
	return a.UserID == userID, nil
}

func (f *fakeData) GetAgent(_ context.Context, agentID string) (*dataservice.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentReads++
	a, ok := f.agents[agentID]
	if !ok {
		return nil, dataservice.ErrNotFound
	}
	return &a, nil
}

func (f *fakeData) GetAgents(_ context.Context, ids []string) ([]dataservice.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataservice.Agent
	for _, id := range ids {
		if a, ok := f.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeData) ListAgents(_ context.Context, filter dataservice.AgentFilter) ([]dataservice.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList != nil {
		return nil, f.failList
	}
	var out []dataservice.Agent
	for _, a := range f.agents {
		if filter.ProjectID != "" && a.ProjectID != filter.ProjectID {
			continue
		}
		if filter.ProjectID == "" && a.UserID != filter.UserID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeData) ListMessages(_ context.Context, agentID string, limit int) ([]dataservice.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[agentID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]dataservice.Message(nil), msgs...), nil
}

func (f *fakeData) GetMessages(_ context.Context, agentID string, ids []string) ([]dataservice.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []dataservice.Message
	for _, m := range f.messages[agentID] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeData) ListCollaborators(_ context.Context, projectID string, limit int) ([]dataservice.Collaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dataservice.Collaborator(nil), f.collaborators[projectID]...), nil
}

func (f *fakeData) GetCollaborator(_ context.Context, projectID, userID string) (*dataservice.Collaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.collaborators[projectID] {
		if c.UserID == userID {
			col := c
			return &col, nil
		}
	}
	return nil, dataservice.ErrNotFound
}

func (f *fakeData) ListIssues(_ context.Context, filter dataservice.IssueFilter) ([]dataservice.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataservice.Issue
	for _, i := range f.issues {
		if i.ProjectID == filter.ProjectID && (filter.Status == "" || i.Status == filter.Status) {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeData) GetIssues(_ context.Context, projectID string, ids []string) ([]dataservice.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataservice.Issue
	for _, id := range ids {
		if i, ok := f.issues[id]; ok && i.ProjectID == projectID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeData) ListCommits(_ context.Context, filter dataservice.CommitFilter) ([]dataservice.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataservice.Commit
	for _, c := range f.commits {
		if c.ProjectID == filter.ProjectID && (filter.Branch == "" || c.Branch == filter.Branch) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.After(out[j].CommittedAt) })
	return out, nil
}

func (f *fakeData) GetCommits(_ context.Context, projectID string, ids []string) ([]dataservice.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataservice.Commit
	for _, id := range ids {
		if c, ok := f.commits[id]; ok && c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeData) GetUserProfiles(_ context.Context, ids []string) (map[string]dataservice.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]dataservice.UserProfile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeData) ExtendAgentLifetime(_ context.Context, agentID string, by time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return time.Time{}, dataservice.ErrNotFound
	}
	exp := time.Now().Add(by)
	a.ExpiresAt = &exp
	f.agents[agentID] = a
	return exp, nil
}

var errFake = errors.New("fake failure")

// recorder collects deltas sent to one subscriber.
type recorder struct {
	mu     sync.Mutex
	deltas []Delta
	fail   bool
}

func (r *recorder) send(d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errFake
	}
	r.deltas = append(r.deltas, d)
	return nil
}

func (r *recorder) all() []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delta(nil), r.deltas...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}
