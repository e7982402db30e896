package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// AgentsListName is the agents-list channel name.
const AgentsListName = "agents-list"

// AgentsListChannel streams a user's agents, or a project's agents when
// params carry projectId. Updates are debounced per agent.
type AgentsListChannel struct {
	*Base
	data     dataservice.Service
	cap      int
	debounce *Debouncer

	// movedFrom holds, per agent with a pending update, the project it was
	// in when the burst started. Only set when some update moved it.
	movedMu   sync.Mutex
	movedFrom map[string]string
}

// NewAgentsListChannel creates the channel and registers its bus listeners.
func NewAgentsListChannel(deps Deps) *AgentsListChannel {
	c := &AgentsListChannel{
		Base:      NewBase(AgentsListName, deps.Queue, deps.Logger),
		data:      deps.Data,
		cap:       deps.Limits.AgentsListCap,
		debounce:  NewDebouncer(deps.Limits.Debounce),
		movedFrom: make(map[string]string),
	}
	if c.cap <= 0 {
		c.cap = DefaultLimits().AgentsListCap
	}

	on(deps.Bus, eventbus.AgentCreated, c.onCreated)
	on(deps.Bus, eventbus.AgentUpdated, c.onUpdated)
	on(deps.Bus, eventbus.AgentDeleted, c.onDeleted)
	on(deps.Bus, eventbus.AgentsBulkChanged, c.onBulkChanged)

	return c
}

func (c *AgentsListChannel) ValidateParams(params Params) error {
	return optionalString(params, "projectId")
}

func (c *AgentsListChannel) CheckAccess(ctx context.Context, userID string, params Params) (bool, error) {
	projectID := params.String("projectId")
	if projectID == "" {
		return true, nil
	}
	return c.data.IsProjectMember(ctx, userID, projectID)
}

func (c *AgentsListChannel) Snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	return c.ObserveSnapshot(ctx, userID, params, c.snapshot)
}

func (c *AgentsListChannel) snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	agents, err := c.data.ListAgents(ctx, dataservice.AgentFilter{
		UserID:    userID,
		ProjectID: params.String("projectId"),
		Limit:     c.cap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	SortAgents(agents)
	if len(agents) > c.cap {
		agents = agents[:c.cap]
	}

	return dataservice.EnrichAgents(ctx, c.data, agents)
}

// SortAgents orders by last activity desc, then creation asc, then id.
func SortAgents(agents []dataservice.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// agentAudience selects the owner's unscoped view and every view scoped to
// the agent's project.
func agentAudience(ownerID, projectID string) SubscriberFilter {
	return func(userID string, params Params) bool {
		scoped := params.String("projectId")
		if scoped == "" {
			return userID == ownerID
		}
		return projectID != "" && scoped == projectID
	}
}

func (c *AgentsListChannel) onCreated(ev eventbus.AgentEvent) {
	c.Submit(func(ctx context.Context) error {
		agent, err := c.loadEnriched(ctx, ev.AgentID)
		if err != nil {
			return err
		}
		if agent == nil {
			return nil
		}
		c.BroadcastFiltered(agentAudience(agent.UserID, agent.ProjectID), AddDelta(agent))
		return nil
	})
}

// projectViews selects every view scoped to projectID.
func projectViews(projectID string) SubscriberFilter {
	return func(_ string, params Params) bool {
		return params.String("projectId") == projectID
	}
}

// ownerView selects the owner's unscoped view.
func ownerView(ownerID string) SubscriberFilter {
	return func(userID string, params Params) bool {
		return params.String("projectId") == "" && userID == ownerID
	}
}

// onUpdated coalesces bursts per agent; the delta carries the state read
// when the quiet period ends. A burst that moved the agent between
// projects deletes it from the old project's views and adds it to the new.
func (c *AgentsListChannel) onUpdated(ev eventbus.AgentEvent) {
	agentID := ev.AgentID
	if ev.Moved {
		c.movedMu.Lock()
		if _, ok := c.movedFrom[agentID]; !ok {
			c.movedFrom[agentID] = ev.PreviousProjectID
		}
		c.movedMu.Unlock()
	}

	c.debounce.Schedule(agentID, func() {
		from, moved := c.takeMove(agentID)
		c.Submit(func(ctx context.Context) error {
			agent, err := c.loadEnriched(ctx, agentID)
			if err != nil {
				return err
			}
			if agent == nil {
				return nil
			}

			if !moved || from == agent.ProjectID {
				c.BroadcastFiltered(agentAudience(agent.UserID, agent.ProjectID), ModifyDelta(agent.ID, agent))
				return nil
			}

			if from != "" {
				c.BroadcastFiltered(projectViews(from), DeleteDelta(agent.ID))
			}
			if agent.ProjectID != "" {
				c.BroadcastFiltered(projectViews(agent.ProjectID), AddDelta(agent))
			}
			c.BroadcastFiltered(ownerView(agent.UserID), ModifyDelta(agent.ID, agent))
			return nil
		})
	})
}

func (c *AgentsListChannel) takeMove(agentID string) (string, bool) {
	c.movedMu.Lock()
	defer c.movedMu.Unlock()

	from, ok := c.movedFrom[agentID]
	delete(c.movedFrom, agentID)
	return from, ok
}

func (c *AgentsListChannel) onDeleted(ev eventbus.AgentEvent) {
	c.debounce.Cancel(ev.AgentID)
	from, moved := c.takeMove(ev.AgentID)
	c.Submit(func(ctx context.Context) error {
		c.BroadcastFiltered(agentAudience(ev.UserID, ev.ProjectID), DeleteDelta(ev.AgentID))
		// Views of the project it left in a still-pending move never saw it go.
		if moved && from != "" && from != ev.ProjectID {
			c.BroadcastFiltered(projectViews(from), DeleteDelta(ev.AgentID))
		}
		return nil
	})
}

func (c *AgentsListChannel) onBulkChanged(ev eventbus.AgentsBulkEvent) {
	filter := func(userID string, params Params) bool {
		scoped := params.String("projectId")
		if scoped == "" {
			return ev.UserID == "" || userID == ev.UserID
		}
		return ev.ProjectID == "" || scoped == ev.ProjectID
	}
	c.Submit(func(ctx context.Context) error {
		c.ReplaceAll(ctx, filter, c.snapshot)
		return nil
	})
}

// loadEnriched returns nil without error when the agent no longer exists.
func (c *AgentsListChannel) loadEnriched(ctx context.Context, agentID string) (*dataservice.EnrichedAgent, error) {
	agent, err := c.data.GetAgent(ctx, agentID)
	if errors.Is(err, dataservice.ErrNotFound) {
		logger := c.Logger()
		logger.Debug().Str("agentId", agentID).Msg("Agent gone before delta")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", agentID, err)
	}

	enriched, err := dataservice.EnrichAgents(ctx, c.data, []dataservice.Agent{*agent})
	if err != nil {
		return nil, err
	}
	return &enriched[0], nil
}

func (c *AgentsListChannel) Start(ctx context.Context) error {
	return nil
}

// Stop cancels pending debounced updates.
func (c *AgentsListChannel) Stop(ctx context.Context) error {
	c.debounce.Stop()
	return nil
}
