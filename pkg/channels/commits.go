package channels

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
)

// CommitsName is the project-commits channel name.
const CommitsName = "project-commits"

// CommitsChannel streams a project's commits, optionally for one branch.
type CommitsChannel struct {
	*Base
	data dataservice.Service
	cap  int
}

// NewCommitsChannel creates the channel and registers its bus listeners.
func NewCommitsChannel(deps Deps) *CommitsChannel {
	c := &CommitsChannel{
		Base: NewBase(CommitsName, deps.Queue, deps.Logger),
		data: deps.Data,
		cap:  deps.Limits.CommitsCap,
	}
	if c.cap <= 0 {
		c.cap = DefaultLimits().CommitsCap
	}

	on(deps.Bus, eventbus.CommitsPushed, c.onPushed)

	return c
}

func (c *CommitsChannel) ValidateParams(params Params) error {
	if err := requireString(params, "projectId"); err != nil {
		return err
	}
	return optionalString(params, "branch")
}

func (c *CommitsChannel) CheckAccess(ctx context.Context, userID string, params Params) (bool, error) {
	return c.data.HasProjectReadAccess(ctx, userID, params.String("projectId"))
}

func (c *CommitsChannel) Snapshot(ctx context.Context, userID string, params Params) (interface{}, error) {
	return c.ObserveSnapshot(ctx, userID, params, c.snapshot)
}

func (c *CommitsChannel) snapshot(ctx context.Context, _ string, params Params) (interface{}, error) {
	commits, err := c.data.ListCommits(ctx, dataservice.CommitFilter{
		ProjectID: params.String("projectId"),
		Branch:    params.String("branch"),
		Limit:     c.cap,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}

	sortCommits(commits)
	if len(commits) > c.cap {
		commits = commits[:c.cap]
	}
	if commits == nil {
		commits = []dataservice.Commit{}
	}
	return commits, nil
}

// sortCommits orders newest first.
func sortCommits(commits []dataservice.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].CommittedAt.Equal(commits[j].CommittedAt) {
			return commits[i].CommittedAt.After(commits[j].CommittedAt)
		}
		return commits[i].ID < commits[j].ID
	})
}

func (c *CommitsChannel) onPushed(ev eventbus.CommitsEvent) {
	match := func(p Params) bool {
		if p.String("projectId") != ev.ProjectID {
			return false
		}
		branch := p.String("branch")
		return branch == "" || ev.Branch == "" || branch == ev.Branch
	}

	if len(ev.CommitIDs) == 0 {
		c.Submit(func(ctx context.Context) error {
			c.ReplaceAll(ctx, func(_ string, p Params) bool { return match(p) }, c.snapshot)
			return nil
		})
		return
	}

	c.Submit(func(ctx context.Context) error {
		commits, err := c.data.GetCommits(ctx, ev.ProjectID, ev.CommitIDs)
		if err != nil {
			return fmt.Errorf("failed to load pushed commits: %w", err)
		}
		if len(commits) == 0 {
			return nil
		}
		sortCommits(commits)

		c.ForEachKey(match, func(group KeyGroup) error {
			batch := commits
			if branch := group.Params.String("branch"); branch != "" {
				batch = make([]dataservice.Commit, 0, len(commits))
				for _, commit := range commits {
					if commit.Branch == branch {
						batch = append(batch, commit)
					}
				}
			}
			if len(batch) == 0 {
				return nil
			}
			if len(batch) > c.cap {
				batch = batch[:c.cap]
			}
			c.SendGroup(group, AddBatchDelta(batch))
			return nil
		})
		return nil
	})
}

func (c *CommitsChannel) Start(ctx context.Context) error { return nil }

func (c *CommitsChannel) Stop(ctx context.Context) error { return nil }
