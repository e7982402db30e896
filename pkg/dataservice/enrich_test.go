package dataservice

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profileStub struct {
	profiles map[string]UserProfile
	err      error
	calls    [][]string
}

func (p *profileStub) GetUserProfiles(_ context.Context, ids []string) (map[string]UserProfile, error) {
	p.calls = append(p.calls, ids)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]UserProfile)
	for _, id := range ids {
		if prof, ok := p.profiles[id]; ok {
			out[id] = prof
		}
	}
	return out, nil
}

func TestEnrichAgents(t *testing.T) {
	stub := &profileStub{profiles: map[string]UserProfile{
		"u1": {ID: "u1", DisplayName: "Ada"},
	}}

	agents := []Agent{
		{ID: "a1", UserID: "u1"},
		{ID: "a2", UserID: "u1"},
		{ID: "a3", UserID: "ghost"},
	}

	out, err := EnrichAgents(context.Background(), stub, agents)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "Ada", out[0].Owner.DisplayName)
	assert.Equal(t, "Ada", out[1].Owner.DisplayName)
	assert.Nil(t, out[2].Owner)

	require.Len(t, stub.calls, 1)
	assert.Equal(t, []string{"u1", "ghost"}, stub.calls[0])
}

func TestEnrichAgentsEmpty(t *testing.T) {
	stub := &profileStub{}

	out, err := EnrichAgents(context.Background(), stub, nil)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
	assert.Empty(t, stub.calls)
}

func TestEnrichAgentsError(t *testing.T) {
	stub := &profileStub{err: errors.New("db down")}

	_, err := EnrichAgents(context.Background(), stub, []Agent{{ID: "a1", UserID: "u1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
