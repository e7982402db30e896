package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/pkg/channels"
	"github.com/harun/syncd/pkg/commandqueue"
	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
	"github.com/harun/syncd/pkg/store/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    *sqlite.Store
	channels *channels.Registry
	server   *Server
	url      string
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	bus := eventbus.New(logger)
	store, err := sqlite.Open(sqlite.Config{
		Path:   filepath.Join(t.TempDir(), "syncd.db"),
		Bus:    bus,
		Logger: logger,
	})
	require.NoError(t, err)

	queue := commandqueue.New(commandqueue.Config{Logger: logger})

	limits := channels.DefaultLimits()
	limits.Debounce = 20 * time.Millisecond

	registry := channels.NewRegistry()
	for _, ch := range channels.NewAll(channels.Deps{
		Bus:    bus,
		Data:   store,
		Queue:  queue,
		Limits: limits,
		Logger: logger,
	}) {
		require.NoError(t, registry.Register(ch))
	}
	require.NoError(t, registry.StartAll(context.Background()))

	auth, err := NewJWTAuthenticator(testSecret)
	require.NoError(t, err)

	cfg := Config{
		Channels:          registry,
		Agents:            store,
		Authenticator:     auth,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  90 * time.Second,
		Logger:            logger,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Stop(ctx)
		httpServer.Close()
		_ = registry.StopAll(ctx)
		_ = queue.Close(ctx)
		_ = store.Close()
	})

	return &testEnv{
		store:    store,
		channels: registry,
		server:   server,
		url:      httpServer.URL,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.url, "http") + "/ws"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// connect dials and authenticates as userID.
func (e *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	client := e.dial(t)
	sendJSON(t, client, map[string]interface{}{"type": TypeAuthenticate, "token": mustSign(t, testSecret, userID, time.Hour)})

	msg := readAs[AuthenticatedMessage](t, client)
	require.Equal(t, TypeAuthenticated, msg.Type)
	require.Equal(t, userID, msg.UserID)
	return client
}

func (e *testEnv) seedProject(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{"owner", "writer", "stranger"} {
		_, err := e.store.CreateUser(ctx, dataservice.UserProfile{ID: id, DisplayName: "User " + id})
		require.NoError(t, err)
	}
	_, err := e.store.CreateProject(ctx, sqlite.Project{ID: "p1", Name: "Project", OwnerID: "owner"})
	require.NoError(t, err)
	require.NoError(t, e.store.AddCollaborator(ctx, "p1", "writer", dataservice.RoleWrite))
}

type snapshotReply struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Params    channels.Params `json:"params"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type deltaReply struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Params  channels.Params `json:"params"`
	Data    struct {
		Op     channels.Op     `json:"op"`
		Item   json.RawMessage `json:"item"`
		ItemID string          `json:"itemId"`
		Items  json.RawMessage `json:"items"`
	} `json:"data"`
}

func sendJSON(t *testing.T, client *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, client.WriteJSON(v))
}

func readAs[T any](t *testing.T, client *websocket.Conn) T {
	t.Helper()

	var msg T
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, client.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, client *websocket.Conn, channel string, params map[string]interface{}, requestID string) snapshotReply {
	t.Helper()

	sendJSON(t, client, map[string]interface{}{
		"type":      TypeSubscribe,
		"channel":   channel,
		"params":    params,
		"requestId": requestID,
	})
	reply := readAs[snapshotReply](t, client)
	require.Equal(t, TypeSnapshot, reply.Type, "subscribe %s failed: %s", channel, string(reply.Data))
	return reply
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","connections":0}`, string(body))
}

func TestServer_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)
	client := env.dial(t)

	sendJSON(t, client, map[string]interface{}{"type": TypeSubscribe, "channel": channels.AgentsListName, "requestId": "r1"})

	msg := readAs[ErrorMessage](t, client)
	assert.Equal(t, CodeUnauthenticated, msg.Error.Code)
	assert.Equal(t, "r1", msg.RequestID)
}

func TestServer_ClosesAfterRepeatedAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	client := env.dial(t)

	for i := 0; i < 3; i++ {
		sendJSON(t, client, map[string]interface{}{"type": TypeAuthenticate, "token": "bogus"})
		msg := readAs[ErrorMessage](t, client)
		assert.Equal(t, CodeAuthenticationFailed, msg.Error.Code)
		assert.Equal(t, "Authentication failed", msg.Error.Message)
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close, got %v", err)

	require.Eventually(t, func() bool {
		return env.server.Connections().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	client := env.connect(t, "stranger")

	tests := []struct {
		name      string
		raw       string
		code      ErrorCode
		requestID string
	}{
		{name: "malformed json", raw: `{"type":`, code: CodeInvalidMessage},
		{name: "unknown type", raw: `{"type":"teleport","requestId":"r1"}`, code: CodeUnknownMessageType, requestID: "r1"},
		{name: "schema violation", raw: `{"type":"subscribe","requestId":"r2"}`, code: CodeInvalidMessage, requestID: "r2"},
		{name: "unknown channel", raw: `{"type":"subscribe","channel":"nope","requestId":"r3"}`, code: CodeUnknownChannel, requestID: "r3"},
		{name: "invalid params", raw: `{"type":"subscribe","channel":"agent-events","params":{},"requestId":"r4"}`, code: CodeInvalidMessage, requestID: "r4"},
		{name: "access denied", raw: `{"type":"subscribe","channel":"project-collaborators","params":{"projectId":"p1"},"requestId":"r5"}`, code: CodeUnauthorized, requestID: "r5"},
		{name: "request access denied", raw: `{"type":"request","channel":"project-issues","params":{"projectId":"p1"},"requestId":"r6"}`, code: CodeUnauthorized, requestID: "r6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(tt.raw)))

			msg := readAs[ErrorMessage](t, client)
			assert.Equal(t, TypeError, msg.Type)
			assert.Equal(t, tt.code, msg.Error.Code)
			assert.Equal(t, tt.requestID, msg.RequestID)
		})
	}

	reply := subscribe(t, client, channels.AgentsListName, nil, "r7")
	assert.Equal(t, "r7", reply.RequestID)
	assert.Equal(t, channels.Params{}, reply.Params)
}

// Scenario A: a project-scoped agents-list subscriber sees one add delta for
// a newly created agent.
func TestServer_AgentsListAddDelta(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	client := env.connect(t, "writer")

	reply := subscribe(t, client, channels.AgentsListName, map[string]interface{}{"projectId": "p1"}, "req-1")
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, channels.AgentsListName, reply.Channel)
	assert.Equal(t, "p1", reply.Params.String("projectId"))
	assert.JSONEq(t, `[]`, string(reply.Data))

	_, err := env.store.CreateAgent(context.Background(), dataservice.Agent{
		ID:        "a1",
		ProjectID: "p1",
		UserID:    "owner",
		Name:      "Builder",
	})
	require.NoError(t, err)

	delta := readAs[deltaReply](t, client)
	assert.Equal(t, TypeDelta, delta.Type)
	assert.Equal(t, channels.AgentsListName, delta.Channel)
	assert.Equal(t, "p1", delta.Params.String("projectId"))
	assert.Equal(t, channels.OpAdd, delta.Data.Op)

	var agent dataservice.EnrichedAgent
	require.NoError(t, json.Unmarshal(delta.Data.Item, &agent))
	assert.Equal(t, "a1", agent.ID)
	assert.Equal(t, "Builder", agent.Name)
	require.NotNil(t, agent.Owner)
	assert.Equal(t, "User owner", agent.Owner.DisplayName)

	assertNoMessage(t, client)
}

// Scenario B: different limits are different keys, each receiving its own
// add-batch.
func TestServer_AgentEventsPerKeyDeltas(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	ctx := context.Background()

	_, err := env.store.CreateAgent(ctx, dataservice.Agent{ID: "a1", ProjectID: "p1", UserID: "owner", Name: "Builder"})
	require.NoError(t, err)

	small := env.connect(t, "owner")
	large := env.connect(t, "writer")

	subscribe(t, small, channels.AgentEventsName, map[string]interface{}{"agentId": "a1", "limit": 50}, "s")
	subscribe(t, large, channels.AgentEventsName, map[string]interface{}{"agentId": "a1", "limit": 100}, "l")

	added, err := env.store.AppendMessages(ctx, "a1", []sqlite.NewMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)

	for _, tc := range []struct {
		client *websocket.Conn
		limit  float64
	}{
		{client: small, limit: 50},
		{client: large, limit: 100},
	} {
		delta := readAs[deltaReply](t, tc.client)
		assert.Equal(t, channels.OpAddBatch, delta.Data.Op)
		assert.Equal(t, tc.limit, delta.Params["limit"])

		var msgs []dataservice.Message
		require.NoError(t, json.Unmarshal(delta.Data.Items, &msgs))
		require.Len(t, msgs, 2)
		assert.Equal(t, added[0].ID, msgs[0].ID)
		assert.Equal(t, added[1].ID, msgs[1].ID)
	}
}

// Scenario C: keep-alive results are independent per agent.
func TestServer_KeepAlivePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	ctx := context.Background()

	soon := time.Now().Add(time.Minute)
	_, err := env.store.CreateAgent(ctx, dataservice.Agent{ID: "a1", UserID: "writer", Name: "Mine", ExpiresAt: &soon})
	require.NoError(t, err)
	_, err = env.store.CreateAgent(ctx, dataservice.Agent{ID: "a2", UserID: "stranger", Name: "Theirs", ExpiresAt: &soon})
	require.NoError(t, err)

	client := env.connect(t, "writer")
	sendJSON(t, client, map[string]interface{}{
		"type":      TypeKeepAlive,
		"agentIds":  []string{"a1", "a2", "missing"},
		"requestId": "ka-1",
	})

	resp := readAs[KeepAliveResponse](t, client)
	assert.Equal(t, TypeKeepAliveResponse, resp.Type)
	assert.Equal(t, "ka-1", resp.RequestID)
	require.Len(t, resp.Results, 3)

	assert.True(t, resp.Results["a1"].Success)
	assert.True(t, resp.Results["a1"].Extended)
	require.NotNil(t, resp.Results["a1"].ExpiresAt)
	assert.True(t, resp.Results["a1"].ExpiresAt.After(soon))

	assert.Equal(t, KeepAliveResult{Success: false, Error: "No write access"}, resp.Results["a2"])
	assert.False(t, resp.Results["missing"].Success)
	assert.NotEmpty(t, resp.Results["missing"].Error)

	agent, err := env.store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, agent.ExpiresAt)
	assert.True(t, agent.ExpiresAt.After(soon))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_AuditTrail(t *testing.T) {
	out := &lockedBuffer{}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit = observability.NewAuditLogger(zerolog.New(out))
	})
	env.seedProject(t)

	soon := time.Now().Add(time.Minute)
	_, err := env.store.CreateAgent(context.Background(), dataservice.Agent{ID: "a1", UserID: "writer", Name: "Mine", ExpiresAt: &soon})
	require.NoError(t, err)

	stranger := env.connect(t, "stranger")
	sendJSON(t, stranger, map[string]interface{}{
		"type":      TypeRequest,
		"channel":   channels.CollaboratorsName,
		"params":    map[string]interface{}{"projectId": "p1"},
		"requestId": "r1",
	})
	denied := readAs[ErrorMessage](t, stranger)
	require.Equal(t, CodeUnauthorized, denied.Error.Code)

	writer := env.connect(t, "writer")
	sendJSON(t, writer, map[string]interface{}{"type": TypeKeepAlive, "agentIds": []string{"a1"}, "requestId": "ka-1"})
	resp := readAs[KeepAliveResponse](t, writer)
	require.True(t, resp.Results["a1"].Extended)

	log := out.String()
	assert.Contains(t, log, `"action":"authenticate","status":"success"`)
	assert.Contains(t, log, `"action":"access:`+channels.CollaboratorsName+`","status":"denied"`)
	assert.Contains(t, log, `"action":"extend-agent-lifetime","status":"success"`)
	assert.Contains(t, log, `"agentId":"a1"`)
}

func TestServer_RequestDoesNotSubscribe(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	client := env.connect(t, "writer")

	sendJSON(t, client, map[string]interface{}{
		"type":      TypeRequest,
		"channel":   channels.IssuesName,
		"params":    map[string]interface{}{"projectId": "p1"},
		"requestId": "q1",
	})
	reply := readAs[snapshotReply](t, client)
	assert.Equal(t, TypeSnapshot, reply.Type)
	assert.Equal(t, "q1", reply.RequestID)
	assert.JSONEq(t, `[]`, string(reply.Data))

	_, err := env.store.UpsertIssues(context.Background(), "p1", []dataservice.Issue{{Title: "Broken", Status: "open"}})
	require.NoError(t, err)

	assertNoMessage(t, client)
}

func TestServer_UnsubscribeStopsDeltas(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	client := env.connect(t, "writer")

	params := map[string]interface{}{"projectId": "p1"}
	subscribe(t, client, channels.CollaboratorsName, params, "c1")

	// Subscribing twice under the same key replaces the registration.
	subscribe(t, client, channels.CollaboratorsName, map[string]interface{}{"projectId": "p1"}, "c2")

	ch, ok := env.channels.Get(channels.CollaboratorsName)
	require.True(t, ok)
	assert.Equal(t, 1, ch.(*channels.CollaboratorsChannel).SubscriberCount())

	sendJSON(t, client, map[string]interface{}{"type": TypeUnsubscribe, "channel": channels.CollaboratorsName, "params": params})

	require.Eventually(t, func() bool {
		return ch.(*channels.CollaboratorsChannel).SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.store.AddCollaborator(context.Background(), "p1", "stranger", dataservice.RoleRead))
	assertNoMessage(t, client)
}

func TestServer_DisconnectRemovesSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	client := env.connect(t, "writer")

	subscribe(t, client, channels.AgentsListName, map[string]interface{}{"projectId": "p1"}, "r1")
	subscribe(t, client, channels.CollaboratorsName, map[string]interface{}{"projectId": "p1"}, "r2")

	agents, _ := env.channels.Get(channels.AgentsListName)
	collaborators, _ := env.channels.Get(channels.CollaboratorsName)
	require.Equal(t, 1, agents.(*channels.AgentsListChannel).SubscriberCount())
	require.Equal(t, 1, env.server.Connections().Count())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return env.server.Connections().Count() == 0 &&
			agents.(*channels.AgentsListChannel).SubscriberCount() == 0 &&
			collaborators.(*channels.CollaboratorsChannel).SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// reapingChannel tears the connection down while its subscribe is between
// the snapshot reply and the registration, as a heartbeat reap would.
type reapingChannel struct {
	channels.Channel
	server     *Server
	subscribed chan struct{}
}

func (c *reapingChannel) Subscribe(connID, userID string, params channels.Params, send channels.SendFunc) {
	if conn, ok := c.server.Connections().Get(connID); ok {
		c.server.disconnect(conn)
	}
	c.Channel.Subscribe(connID, userID, params, send)
	close(c.subscribed)
}

func TestServer_DisconnectDuringSubscribeLeavesNoSubscriber(t *testing.T) {
	wrapper := &reapingChannel{subscribed: make(chan struct{})}
	env := newTestEnv(t, func(cfg *Config) {
		inner, ok := cfg.Channels.Get(channels.AgentsListName)
		require.True(t, ok)
		wrapper.Channel = inner

		registry := channels.NewRegistry()
		require.NoError(t, registry.Register(wrapper))
		cfg.Channels = registry
	})
	wrapper.server = env.server
	inner := wrapper.Channel.(*channels.AgentsListChannel)

	client := env.connect(t, "owner")
	sendJSON(t, client, map[string]interface{}{
		"type":      TypeSubscribe,
		"channel":   channels.AgentsListName,
		"requestId": "r1",
	})

	select {
	case <-wrapper.subscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe never reached the channel")
	}

	require.Eventually(t, func() bool {
		return inner.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.server.Connections().Count())

	// The read loop's own disconnect must not resurrect anything either.
	_ = client.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, inner.SubscriberCount())
}

func TestServer_HeartbeatTimeout(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Now = clock.Now
	})
	env.seedProject(t)

	silent := env.connect(t, "owner")
	alive := env.connect(t, "writer")
	subscribe(t, silent, channels.AgentsListName, nil, "r1")

	clock.Advance(2 * time.Minute)
	sendJSON(t, alive, map[string]interface{}{"type": TypePong})

	require.Eventually(t, func() bool {
		for _, info := range env.server.Connections().Infos() {
			if info.UserID == "writer" {
				return info.LastPong.Equal(clock.Now())
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	reaped := env.server.Heartbeat().Tick()
	assert.Equal(t, 1, reaped)

	ping := readAs[PingMessage](t, alive)
	assert.Equal(t, TypePing, ping.Type)
	assert.Equal(t, clock.Now().UnixMilli(), ping.Timestamp)

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := silent.ReadMessage()
	assert.Error(t, err)

	agents, _ := env.channels.Get(channels.AgentsListName)
	assert.Equal(t, 0, agents.(*channels.AgentsListChannel).SubscriberCount())
	assert.Equal(t, 1, env.server.Connections().Count())
}

func TestServer_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimitPerMinute = 2
	})
	client := env.dial(t)

	sendJSON(t, client, map[string]interface{}{"type": TypePong})
	sendJSON(t, client, map[string]interface{}{"type": TypePong})
	sendJSON(t, client, map[string]interface{}{"type": TypePong})

	msg := readAs[ErrorMessage](t, client)
	assert.Equal(t, CodeRateLimited, msg.Error.Code)
}
