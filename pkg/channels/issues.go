package channels

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// IssuesName is the project-issues channel name.
const IssuesName = "project-issues"

// IssuesChannel streams a project's issues, optionally filtered by status.
type IssuesChannel struct {
	*Base
	data dataservice.Service
	cap  int
}

// NewIssuesChannel creates the channel and registers its bus listeners.
func NewIssuesChannel(deps Deps) *IssuesChannel {
	c := &IssuesChannel{
		Base: NewBase(IssuesName, deps.Queue, deps.Logger),
		data: deps.Data,
		cap:  deps.Limits.IssuesCap,
	}
	if c.cap <= 0 {
		c.cap = DefaultLimits().IssuesCap
	}

	on(deps.Bus, eventbus.IssuesChanged, c.onChanged)

	return c
}

func (c *IssuesChannel) ValidateParams(params Params) error {
	if err := requireString(params, "projectId"); err != nil {
		return err
	}
	return optionalString(params, "status")
}

func (c *IssuesChannel) CheckAccess(ctx context.Context, userID string, params Params) (bool, error) {
	return c.data.HasProjectReadAccess(ctx, userID, params.String("projectId"))
}

func (c *IssuesChannel) Snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	return c.ObserveSnapshot(ctx, userID, params, c.snapshot)
}

func (c *IssuesChannel) snapshot(ctx context.Context, _ string, params Params) (interface{}, error) {
	issues, err := c.data.ListIssues(ctx, dataservice.IssueFilter{
		ProjectID: params.String("projectId"),
		Status:    params.String("status"),
		Limit:     c.cap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if !issues[i].UpdatedAt.Equal(issues[j].UpdatedAt) {
			return issues[i].UpdatedAt.After(issues[j].UpdatedAt)
		}
		return issues[i].Number > issues[j].Number
	})
	if len(issues) > c.cap {
		issues = issues[:c.cap]
	}
	if issues == nil {
		issues = []dataservice.Issue{}
	}
	return issues, nil
}

func statusMatches(params Params, issue dataservice.Issue) bool {
	status := params.String("status")
	return status == "" || status == issue.Status
}

func (c *IssuesChannel) onChanged(ev eventbus.IssuesEvent) {
	if ev.Empty() {
		c.Submit(func(ctx context.Context) error {
			c.ReplaceAll(ctx, func(_ string, p Params) bool {
				return p.String("projectId") == ev.ProjectID
			}, c.snapshot)
			return nil
		})
		return
	}

	c.Submit(func(ctx context.Context) error {
		ids := make([]string, 0, len(ev.CreatedIDs)+len(ev.UpdatedIDs))
		ids = append(ids, ev.CreatedIDs...)
		ids = append(ids, ev.UpdatedIDs...)

		byID := make(map[string]dataservice.Issue, len(ids))
		if len(ids) > 0 {
			issues, err := c.data.GetIssues(ctx, ev.ProjectID, ids)
			if err != nil {
				return fmt.Errorf("failed to load changed issues: %w", err)
			}
			for _, issue := range issues {
				byID[issue.ID] = issue
			}
		}

		c.ForEachKey(forProject(ev.ProjectID), func(group KeyGroup) error {
			for _, id := range ev.CreatedIDs {
				if issue, ok := byID[id]; ok && statusMatches(group.Params, issue) {
					c.SendGroup(group, AddDelta(issue))
				}
			}
			for _, id := range ev.UpdatedIDs {
				issue, ok := byID[id]
				now := ok && statusMatches(group.Params, issue)
				before, known := ev.PreviousStatus[id]
				was := !known || statusMatches(group.Params, dataservice.Issue{Status: before})
				switch {
				case now && was:
					c.SendGroup(group, ModifyDelta(id, issue))
				case now:
					c.SendGroup(group, AddDelta(issue))
				case was:
					// gone, or moved out of this key's status filter
					c.SendGroup(group, DeleteDelta(id))
				}
			}
			for _, id := range ev.DeletedIDs {
				c.SendGroup(group, DeleteDelta(id))
			}
			return nil
		})
		return nil
	})
}

func (c *IssuesChannel) Start(ctx context.Context) error { return nil }

func (c *IssuesChannel) Stop(ctx context.Context) error { return nil }
