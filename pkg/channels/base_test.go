package channels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBase() *Base {
	return NewBase("test", nil, zerolog.Nop())
}

func TestSubscribeAtMostOncePerKey(t *testing.T) {
	b := newTestBase()
	first, second := &recorder{}, &recorder{}

	b.Subscribe("c1", "u1", Params{"projectId": "p1", "status": "open"}, first.send)
	b.Subscribe("c1", "u1", Params{"status": "open", "projectId": "p1"}, second.send)

	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, 1, b.KeyCount())

	b.Broadcast(Key("test", Params{"projectId": "p1", "status": "open"}), DeleteDelta("x"))
	assert.Equal(t, 0, first.count(), "replaced entry must not receive")
	assert.Equal(t, 1, second.count())
}

func TestSameConnectionDifferentKeys(t *testing.T) {
	b := newTestBase()
	r := &recorder{}

	b.Subscribe("c1", "u1", Params{"projectId": "p1"}, r.send)
	b.Subscribe("c1", "u1", Params{"projectId": "p2"}, r.send)

	assert.Equal(t, 2, b.SubscriberCount())
	assert.Equal(t, 2, b.KeyCount())
}

func TestUnsubscribePrunesEmptyKey(t *testing.T) {
	b := newTestBase()
	r := &recorder{}

	b.Subscribe("c1", "u1", Params{"projectId": "p1"}, r.send)
	b.Subscribe("c2", "u2", Params{"projectId": "p1"}, r.send)

	b.Unsubscribe("c1", Params{"projectId": "p1"})
	assert.Equal(t, 1, b.KeyCount())
	assert.False(t, b.HasSubscriber("c1", Params{"projectId": "p1"}))
	assert.True(t, b.HasSubscriber("c2", Params{"projectId": "p1"}))

	b.Unsubscribe("c2", Params{"projectId": "p1"})
	assert.Equal(t, 0, b.KeyCount())

	// unknown key is a no-op
	b.Unsubscribe("c3", Params{"projectId": "nope"})
}

func TestRemoveConnectionCleansEveryKey(t *testing.T) {
	b := newTestBase()
	r := &recorder{}

	b.Subscribe("c1", "u1", Params{"projectId": "p1"}, r.send)
	b.Subscribe("c1", "u1", Params{"projectId": "p2"}, r.send)
	b.Subscribe("c2", "u2", Params{"projectId": "p2"}, r.send)

	assert.Equal(t, 2, b.RemoveConnection("c1"))

	for _, group := range b.Groups(nil) {
		for _, sub := range group.Subscribers {
			assert.NotEqual(t, "c1", sub.ConnectionID)
		}
	}
	assert.Equal(t, 1, b.KeyCount(), "p1 key had only c1 and must be gone")
	assert.Equal(t, 0, b.RemoveConnection("c1"))
}

func TestBroadcastExactKey(t *testing.T) {
	b := newTestBase()
	p1, p2 := &recorder{}, &recorder{}

	b.Subscribe("c1", "u1", Params{"projectId": "p1"}, p1.send)
	b.Subscribe("c2", "u2", Params{"projectId": "p2"}, p2.send)

	n := b.Broadcast(Key("test", Params{"projectId": "p1"}), AddDelta("item"))

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p1.count())
	assert.Equal(t, 0, p2.count())
	assert.Equal(t, 0, b.Broadcast("test:missing", AddDelta("item")))
}

func TestBroadcastFilteredReachesAllAndOnlyMatches(t *testing.T) {
	b := newTestBase()

	type sub struct {
		conn, user string
		params     Params
		rec        *recorder
	}
	subs := []sub{
		{"c1", "owner", Params{}, &recorder{}},                  // owner unscoped: match
		{"c2", "other", Params{}, &recorder{}},                  // other unscoped: no
		{"c3", "other", Params{"projectId": "p1"}, &recorder{}}, // scoped p1: match
		{"c4", "owner", Params{"projectId": "p1"}, &recorder{}}, // scoped p1: match
		{"c5", "owner", Params{"projectId": "p2"}, &recorder{}}, // scoped p2: no
	}
	for _, s := range subs {
		b.Subscribe(s.conn, s.user, s.params, s.rec.send)
	}

	filter := agentAudience("owner", "p1")
	n := b.BroadcastFiltered(filter, AddDelta("agent"))

	assert.Equal(t, 3, n)
	for _, s := range subs {
		want := 0
		if filter(s.user, s.params) {
			want = 1
		}
		assert.Equal(t, want, s.rec.count(), s.conn)
	}
}

func TestSendFailureDoesNotStopOthers(t *testing.T) {
	b := newTestBase()
	bad, good := &recorder{fail: true}, &recorder{}

	b.Subscribe("c1", "u1", Params{"k": "v"}, bad.send)
	b.Subscribe("c2", "u2", Params{"k": "v"}, good.send)

	n := b.Broadcast(Key("test", Params{"k": "v"}), AddDelta(1))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, good.count())
}

func TestForEachKeyIsolatesFailures(t *testing.T) {
	b := newTestBase()
	r := &recorder{}
	for _, p := range []string{"p1", "p2", "p3"} {
		b.Subscribe("c-"+p, "u1", Params{"projectId": p}, r.send)
	}

	visited := 0
	b.ForEachKey(nil, func(group KeyGroup) error {
		visited++
		switch group.Params.String("projectId") {
		case "p1":
			return errors.New("bad key")
		case "p2":
			panic("worse key")
		}
		return nil
	})

	assert.Equal(t, 3, visited)
}

func TestGroupsAreCopies(t *testing.T) {
	b := newTestBase()
	r := &recorder{}
	b.Subscribe("c1", "u1", Params{"projectId": "p1"}, r.send)

	groups := b.Groups(nil)
	require.Len(t, groups, 1)

	b.RemoveConnection("c1")
	assert.Len(t, groups[0].Subscribers, 1, "copied group unaffected by later mutation")
}

func TestReplaceAllSnapshotsOncePerUserPerKey(t *testing.T) {
	b := newTestBase()
	u1a, u1b, u2, other := &recorder{}, &recorder{}, &recorder{}, &recorder{}

	b.Subscribe("c1", "u1", Params{}, u1a.send)
	b.Subscribe("c2", "u1", Params{}, u1b.send)
	b.Subscribe("c3", "u2", Params{}, u2.send)
	b.Subscribe("c4", "u3", Params{"projectId": "p9"}, other.send)

	var calls atomic.Int32
	snapshot := func(_ context.Context, userID string, _ Params) (interface{}, error) {
		calls.Add(1)
		return []string{"view-of-" + userID}, nil
	}
	unscoped := func(_ string, p Params) bool { return p.String("projectId") == "" }

	b.ReplaceAll(context.Background(), unscoped, snapshot)

	assert.Equal(t, int32(2), calls.Load())
	require.Equal(t, 1, u1a.count())
	assert.Equal(t, OpReplace, u1a.all()[0].Op)
	assert.Equal(t, []string{"view-of-u1"}, u1a.all()[0].Items)
	assert.Equal(t, []string{"view-of-u1"}, u1b.all()[0].Items)
	assert.Equal(t, []string{"view-of-u2"}, u2.all()[0].Items)
	assert.Equal(t, 0, other.count())
}

func TestReplaceAllSkipsFailingUser(t *testing.T) {
	b := newTestBase()
	ok, failing := &recorder{}, &recorder{}
	b.Subscribe("c1", "good", Params{}, ok.send)
	b.Subscribe("c2", "bad", Params{}, failing.send)

	b.ReplaceAll(context.Background(), nil, func(_ context.Context, userID string, _ Params) (interface{}, error) {
		if userID == "bad" {
			return nil, errFake
		}
		return []int{}, nil
	})

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 0, failing.count())
}

func TestObserveSnapshotWrapsErrors(t *testing.T) {
	b := newTestBase()

	_, err := b.ObserveSnapshot(context.Background(), "u1", nil, func(context.Context, string, Params) (interface{}, error) {
		return nil, errFake
	})

	var snapErr *SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.Equal(t, "test", snapErr.Channel)
	assert.ErrorIs(t, err, errFake)

	_, err = b.ObserveSnapshot(context.Background(), "u1", nil, func(context.Context, string, Params) (interface{}, error) {
		panic("boom")
	})
	require.ErrorAs(t, err, &snapErr)
}

func TestSubmitInlineWithoutQueue(t *testing.T) {
	b := newTestBase()

	ran := false
	b.Submit(func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)

	assert.NotPanics(t, func() {
		b.Submit(func(ctx context.Context) error { panic("boom") })
	})
}
