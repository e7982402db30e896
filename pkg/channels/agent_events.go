package channels

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// AgentEventsName is the agent-events channel name.
const AgentEventsName = "agent-events"

// AgentEventsChannel streams the tail of one agent's message log. Each key
// keeps its own limit, so the same new messages are trimmed per key.
type AgentEventsChannel struct {
	*Base
	data         dataservice.Service
	defaultLimit int
	maxLimit     int
}

// NewAgentEventsChannel creates the channel and registers its bus listeners.
func NewAgentEventsChannel(deps Deps) *AgentEventsChannel {
	defaults := DefaultLimits()
	c := &AgentEventsChannel{
		Base:         NewBase(AgentEventsName, deps.Queue, deps.Logger),
		data:         deps.Data,
		defaultLimit: deps.Limits.AgentEventsLimit,
		maxLimit:     deps.Limits.AgentEventsMaxLimit,
	}
	if c.defaultLimit <= 0 {
		c.defaultLimit = defaults.AgentEventsLimit
	}
	if c.maxLimit <= 0 {
		c.maxLimit = defaults.AgentEventsMaxLimit
	}

	on(deps.Bus, eventbus.AgentMessagesAdded, c.onMessagesAdded)
	on(deps.Bus, eventbus.AgentMessageUpdated, c.onMessageUpdated)
	on(deps.Bus, eventbus.AgentMessageDeleted, c.onMessageDeleted)
	on(deps.Bus, eventbus.AgentMessagesChanged, c.onMessagesChanged)

	return c
}

func (c *AgentEventsChannel) ValidateParams(params Params) error {
	if err := requireString(params, "agentId"); err != nil {
		return err
	}
	limit, ok := params.Int("limit", c.defaultLimit)
	if !ok || limit <= 0 {
		return fmt.Errorf("%w: limit must be a positive integer", ErrInvalidParams)
	}
	return nil
}

// limit returns the key's effective limit, clamped to the channel maximum.
func (c *AgentEventsChannel) limit(params Params) int {
	limit, ok := params.Int("limit", c.defaultLimit)
	if !ok || limit <= 0 {
		limit = c.defaultLimit
	}
	if limit > c.maxLimit {
		limit = c.maxLimit
	}
	return limit
}

func (c *AgentEventsChannel) CheckAccess(ctx context.Context, userID string, params Params) (bool, error) {
	return c.data.HasAgentReadAccess(ctx, userID, params.String("agentId"))
}

func (c *AgentEventsChannel) Snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	return c.ObserveSnapshot(ctx, userID, params, c.snapshot)
}

func (c *AgentEventsChannel) snapshot(ctx context.Context, _ string, params Params) (interface{}, error) {
	msgs, err := c.data.ListMessages(ctx, params.String("agentId"), c.limit(params))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if msgs == nil {
		msgs = []dataservice.Message{}
	}
	return msgs, nil
}

func forAgent(agentID string) func(Params) bool {
	return func(p Params) bool {
		return p.String("agentId") == agentID
	}
}

func (c *AgentEventsChannel) onMessagesAdded(ev eventbus.MessagesEvent) {
	if len(ev.MessageIDs) == 0 {
		c.onMessagesChanged(ev)
		return
	}

	c.Submit(func(ctx context.Context) error {
		msgs, err := c.data.GetMessages(ctx, ev.AgentID, ev.MessageIDs)
		if err != nil {
			return fmt.Errorf("failed to load added messages: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })

		c.ForEachKey(forAgent(ev.AgentID), func(group KeyGroup) error {
			batch := msgs
			if limit := c.limit(group.Params); len(batch) > limit {
				batch = batch[len(batch)-limit:]
			}
			c.SendGroup(group, AddBatchDelta(batch))
			return nil
		})
		return nil
	})
}

func (c *AgentEventsChannel) onMessageUpdated(ev eventbus.MessageEvent) {
	c.Submit(func(ctx context.Context) error {
		msgs, err := c.data.GetMessages(ctx, ev.AgentID, []string{ev.MessageID})
		if err != nil {
			return fmt.Errorf("failed to load message %s: %w", ev.MessageID, err)
		}

		delta := DeleteDelta(ev.MessageID)
		if len(msgs) > 0 {
			delta = ModifyDelta(ev.MessageID, msgs[0])
		}
		c.ForEachKey(forAgent(ev.AgentID), func(group KeyGroup) error {
			c.SendGroup(group, delta)
			return nil
		})
		return nil
	})
}

func (c *AgentEventsChannel) onMessageDeleted(ev eventbus.MessageEvent) {
	c.Submit(func(ctx context.Context) error {
		c.ForEachKey(forAgent(ev.AgentID), func(group KeyGroup) error {
			c.SendGroup(group, DeleteDelta(ev.MessageID))
			return nil
		})
		return nil
	})
}

func (c *AgentEventsChannel) onMessagesChanged(ev eventbus.MessagesEvent) {
	c.Submit(func(ctx context.Context) error {
		c.ReplaceAll(ctx, func(_ string, p Params) bool {
			return p.String("agentId") == ev.AgentID
		}, c.snapshot)
		return nil
	})
}

func (c *AgentEventsChannel) Start(ctx context.Context) error { return nil }

func (c *AgentEventsChannel) Stop(ctx context.Context) error { return nil }
