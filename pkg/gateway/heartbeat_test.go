package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitor_ReapsSilentConnections(t *testing.T) {
	registry := NewConnectionRegistry()
	stale := newConnection("stale", nil, "test", connectionOptions{
		Logger: zerolog.Nop(),
		Now:    time.Now().Add(-time.Hour),
	})
	registry.Add(stale)

	monitor := NewHeartbeatMonitor(HeartbeatConfig{
		Interval:    10 * time.Millisecond,
		Timeout:     time.Minute,
		Connections: registry,
		Logger:      zerolog.Nop(),
	})
	monitor.Start(context.Background())
	monitor.Start(context.Background())
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		return registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, stale.IsClosed())
}

func TestHeartbeatMonitor_PingsLiveConnections(t *testing.T) {
	registry := NewConnectionRegistry()
	live, client := pumpedConnection(t, "live")
	registry.Add(live)

	now := time.Now()
	monitor := NewHeartbeatMonitor(HeartbeatConfig{
		Timeout:     time.Minute,
		Connections: registry,
		OnTimeout: func(*Connection) {
			t.Fatal("live connection must not time out")
		},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})

	assert.Equal(t, 0, monitor.Tick())

	ping := readAs[PingMessage](t, client)
	assert.Equal(t, TypePing, ping.Type)
	assert.Equal(t, now.UnixMilli(), ping.Timestamp)
	assert.Equal(t, 1, registry.Count())
}

func TestHeartbeatMonitor_StopWithoutStart(t *testing.T) {
	monitor := NewHeartbeatMonitor(HeartbeatConfig{Connections: NewConnectionRegistry(), Logger: zerolog.Nop()})
	monitor.Stop()
}
