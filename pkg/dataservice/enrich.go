package dataservice

import (
	"context"
	"fmt"
)

// EnrichAgents attaches owner profiles, fetched in one batch.
func EnrichAgents(ctx context.Context, profiles ProfileReader, agents []Agent) ([]EnrichedAgent, error) {
	out := make([]EnrichedAgent, 0, len(agents))
	if len(agents) == 0 {
		return out, nil
	}

	seen := make(map[string]struct{}, len(agents))
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		ids = append(ids, a.UserID)
	}

	byID, err := profiles.GetUserProfiles(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner profiles: %w", err)
	}

	for _, a := range agents {
		enriched := EnrichedAgent{Agent: a}
		if p, ok := byID[a.UserID]; ok {
			profile := p
			enriched.Owner = &profile
		}
		out = append(out, enriched)
	}
	return out, nil
}
