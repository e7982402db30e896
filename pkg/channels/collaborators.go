package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// CollaboratorsName is the project-collaborators channel name.
const CollaboratorsName = "project-collaborators"

// CollaboratorsChannel streams a project's members with their profiles.
type CollaboratorsChannel struct {
	*Base
	data dataservice.Service
	cap  int
}

// NewCollaboratorsChannel creates the channel and registers its bus listeners.
func NewCollaboratorsChannel(deps Deps) *CollaboratorsChannel {
	c := &CollaboratorsChannel{
		Base: NewBase(CollaboratorsName, deps.Queue, deps.Logger),
		data: deps.Data,
		cap:  deps.Limits.CollaboratorsCap,
	}
	if c.cap <= 0 {
		c.cap = DefaultLimits().CollaboratorsCap
	}

	on(deps.Bus, eventbus.CollaboratorAdded, c.onAdded)
	on(deps.Bus, eventbus.CollaboratorRemoved, c.onRemoved)
	on(deps.Bus, eventbus.CollaboratorsChanged, c.onChanged)

	return c
}

func (c *CollaboratorsChannel) ValidateParams(params Params) error {
	return requireString(params, "projectId")
}

func (c *CollaboratorsChannel) CheckAccess(ctx context.Context, userID string, params Params) (bool, error) {
	return c.data.IsProjectMember(ctx, userID, params.String("projectId"))
}

func (c *CollaboratorsChannel) Snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	return c.ObserveSnapshot(ctx, userID, params, c.snapshot)
}

func (c *CollaboratorsChannel) snapshot(ctx context.Context, _ string, params Params) (interface{}, error) {
	collabs, err := c.data.ListCollaborators(ctx, params.String("projectId"), c.cap)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaborators: %w", err)
	}

	sort.SliceStable(collabs, func(i, j int) bool {
		if !collabs[i].AddedAt.Equal(collabs[j].AddedAt) {
			return collabs[i].AddedAt.Before(collabs[j].AddedAt)
		}
		return collabs[i].UserID < collabs[j].UserID
	})
	if len(collabs) > c.cap {
		collabs = collabs[:c.cap]
	}

	return c.withProfiles(ctx, collabs)
}

func (c *CollaboratorsChannel) withProfiles(ctx context.Context, collabs []dataservice.Collaborator) ([]dataservice.Collaborator, error) {
	out := make([]dataservice.Collaborator, len(collabs))
	copy(out, collabs)
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(out))
	for _, col := range out {
		if col.Profile == nil {
			ids = append(ids, col.UserID)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}

	profiles, err := c.data.GetUserProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	for i := range out {
		if out[i].Profile != nil {
			continue
		}
		if p, ok := profiles[out[i].UserID]; ok {
			profile := p
			out[i].Profile = &profile
		}
	}
	return out, nil
}

func forProject(projectID string) func(Params) bool {
	return func(p Params) bool {
		return p.String("projectId") == projectID
	}
}

func (c *CollaboratorsChannel) onAdded(ev eventbus.CollaboratorEvent) {
	c.Submit(func(ctx context.Context) error {
		col, err := c.data.GetCollaborator(ctx, ev.ProjectID, ev.UserID)
		if errors.Is(err, dataservice.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load collaborator: %w", err)
		}

		enriched, err := c.withProfiles(ctx, []dataservice.Collaborator{*col})
		if err != nil {
			return err
		}
		c.ForEachKey(forProject(ev.ProjectID), func(group KeyGroup) error {
			c.SendGroup(group, AddDelta(enriched[0]))
			return nil
		})
		return nil
	})
}

func (c *CollaboratorsChannel) onRemoved(ev eventbus.CollaboratorEvent) {
	c.Submit(func(ctx context.Context) error {
		c.ForEachKey(forProject(ev.ProjectID), func(group KeyGroup) error {
			c.SendGroup(group, DeleteDelta(ev.UserID))
			return nil
		})
		return nil
	})
}

func (c *CollaboratorsChannel) onChanged(ev eventbus.ProjectEvent) {
	c.Submit(func(ctx context.Context) error {
		c.ReplaceAll(ctx, func(_ string, p Params) bool {
			return p.String("projectId") == ev.ProjectID
		}, c.snapshot)
		return nil
	})
}

func (c *CollaboratorsChannel) Start(ctx context.Context) error { return nil }

func (c *CollaboratorsChannel) Stop(ctx context.Context) error { return nil }
