package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/internal/tracing"
	"github.com/harun/syncd/pkg/commandqueue"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SendFunc delivers one delta to one subscriber.
type SendFunc func(delta Delta) error

// Subscriber is one connection's registration under a subscription key.
type Subscriber struct {
	ConnectionID string
	UserID       string
	Params       Params
	Send         SendFunc
}

// KeyGroup is a copied view of one key's subscribers, safe to use after the
// registry lock is released.
type KeyGroup struct {
	Key         string
	Params      Params
	Subscribers []*Subscriber
}

// SubscriberFilter selects subscribers by user and params.
type SubscriberFilter func(userID string, params Params) bool

// SnapshotFunc computes the view of params for userID.
type SnapshotFunc func(ctx context.Context, userID string, params Params) (interface{}, error)

type keyEntry struct {
	params Params
	subs   map[string]*Subscriber // by connection id
}

// Base holds the subscriber registry and broadcast primitives shared by
// every channel.
type Base struct {
	name   string
	queue  *commandqueue.Queue
	logger zerolog.Logger

	mu   sync.RWMutex
	keys map[string]*keyEntry
}

// NewBase creates the shared part of a channel. With a nil queue, submitted
// delta work runs inline on the caller's goroutine.
func NewBase(name string, queue *commandqueue.Queue, logger zerolog.Logger) *Base {
	return &Base{
		name:   name,
		queue:  queue,
		logger: logger.With().Str("channel", name).Logger(),
		keys:   make(map[string]*keyEntry),
	}
}

// Name returns the channel name.
func (b *Base) Name() string {
	return b.name
}

// Logger returns the channel logger.
func (b *Base) Logger() zerolog.Logger {
	return b.logger
}

// Subscribe registers send for connID under the key of params, replacing any
// earlier registration of the same connection under that key.
func (b *Base) Subscribe(connID, userID string, params Params, send SendFunc) {
	key := Key(b.name, params)

	b.mu.Lock()
	entry, ok := b.keys[key]
	if !ok {
		entry = &keyEntry{params: params.Clone(), subs: make(map[string]*Subscriber)}
		b.keys[key] = entry
	}
	entry.subs[connID] = &Subscriber{
		ConnectionID: connID,
		UserID:       userID,
		Params:       entry.params,
		Send:         send,
	}
	count := b.countLocked()
	b.mu.Unlock()

	observability.SetSubscriptionsActive(b.name, count)
	b.logger.Debug().Str("connectionId", connID).Str("key", key).Msg("Subscribed")
}

// Unsubscribe removes connID from the key of params. Empty keys are pruned.
func (b *Base) Unsubscribe(connID string, params Params) {
	key := Key(b.name, params)

	b.mu.Lock()
	entry, ok := b.keys[key]
	if ok {
		delete(entry.subs, connID)
		if len(entry.subs) == 0 {
			delete(b.keys, key)
		}
	}
	count := b.countLocked()
	b.mu.Unlock()

	observability.SetSubscriptionsActive(b.name, count)
}

// RemoveConnection drops every registration of connID and returns how many
// were removed.
func (b *Base) RemoveConnection(connID string) int {
	removed := 0

	b.mu.Lock()
	for key, entry := range b.keys {
		if _, ok := entry.subs[connID]; !ok {
			continue
		}
		delete(entry.subs, connID)
		removed++
		if len(entry.subs) == 0 {
			delete(b.keys, key)
		}
	}
	count := b.countLocked()
	b.mu.Unlock()

	if removed > 0 {
		observability.SetSubscriptionsActive(b.name, count)
	}
	return removed
}

func (b *Base) countLocked() int {
	n := 0
	for _, entry := range b.keys {
		n += len(entry.subs)
	}
	return n
}

// SubscriberCount returns the total number of registrations.
func (b *Base) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countLocked()
}

// KeyCount returns the number of keys with at least one subscriber.
func (b *Base) KeyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys)
}

// HasSubscriber reports whether connID is registered under the key of params.
func (b *Base) HasSubscriber(connID string, params Params) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.keys[Key(b.name, params)]
	if !ok {
		return false
	}
	_, ok = entry.subs[connID]
	return ok
}

// Groups returns copies of every key group whose params satisfy match. A nil
// match selects all keys.
func (b *Base) Groups(match func(Params) bool) []KeyGroup {
	b.mu.RLock()
	defer b.mu.RUnlock()

	groups := make([]KeyGroup, 0, len(b.keys))
	for key, entry := range b.keys {
		if match != nil && !match(entry.params) {
			continue
		}
		group := KeyGroup{
			Key:         key,
			Params:      entry.params,
			Subscribers: make([]*Subscriber, 0, len(entry.subs)),
		}
		for _, sub := range entry.subs {
			group.Subscribers = append(group.Subscribers, sub)
		}
		groups = append(groups, group)
	}
	return groups
}

// Broadcast sends delta to every subscriber of exactly one key.
func (b *Base) Broadcast(key string, delta Delta) int {
	b.mu.RLock()
	entry, ok := b.keys[key]
	var subs []*Subscriber
	if ok {
		subs = make([]*Subscriber, 0, len(entry.subs))
		for _, sub := range entry.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	return b.deliver(key, subs, delta)
}

// BroadcastFiltered sends delta to every (key, subscriber) pair the filter
// accepts, across all keys.
func (b *Base) BroadcastFiltered(filter SubscriberFilter, delta Delta) int {
	sent := 0
	for _, group := range b.Groups(nil) {
		var matched []*Subscriber
		for _, sub := range group.Subscribers {
			if filter(sub.UserID, group.Params) {
				matched = append(matched, sub)
			}
		}
		sent += b.deliver(group.Key, matched, delta)
	}
	return sent
}

// SendGroup sends delta to the subscribers of a copied group.
func (b *Base) SendGroup(group KeyGroup, delta Delta) int {
	return b.deliver(group.Key, group.Subscribers, delta)
}

// deliver is best-effort: a failed send is logged and the loop continues.
func (b *Base) deliver(key string, subs []*Subscriber, delta Delta) int {
	sent := 0
	for _, sub := range subs {
		if err := sub.Send(delta); err != nil {
			observability.RecordDeltaSent(b.name, string(delta.Op), false)
			b.logger.Debug().
				Err(err).
				Str("connectionId", sub.ConnectionID).
				Str("key", key).
				Str("op", string(delta.Op)).
				Msg("Delta send failed")
			continue
		}
		observability.RecordDeltaSent(b.name, string(delta.Op), true)
		sent++
	}
	return sent
}

// ForEachKey runs fn for each matching key group. A failing or panicking key
// is logged and the remaining keys still run.
func (b *Base) ForEachKey(match func(Params) bool, fn func(KeyGroup) error) {
	for _, group := range b.Groups(match) {
		if err := b.runKey(group, fn); err != nil {
			b.logger.Error().Err(err).Str("key", group.Key).Msg("Delta computation failed")
		}
	}
}

func (b *Base) runKey(group KeyGroup, fn func(KeyGroup) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(group)
}

// ReplaceAll recomputes and sends a replace delta to every subscriber the
// filter accepts. The snapshot is computed once per distinct user per key.
func (b *Base) ReplaceAll(ctx context.Context, filter SubscriberFilter, snapshot SnapshotFunc) {
	for _, group := range b.Groups(nil) {
		byUser := make(map[string][]*Subscriber)
		var users []string
		for _, sub := range group.Subscribers {
			if filter != nil && !filter(sub.UserID, group.Params) {
				continue
			}
			if _, seen := byUser[sub.UserID]; !seen {
				users = append(users, sub.UserID)
			}
			byUser[sub.UserID] = append(byUser[sub.UserID], sub)
		}

		for _, userID := range users {
			data, err := b.ObserveSnapshot(ctx, userID, group.Params, snapshot)
			if err != nil {
				b.logger.Error().
					Err(err).
					Str("key", group.Key).
					Str("userId", userID).
					Msg("Replace snapshot failed")
				continue
			}
			b.deliver(group.Key, byUser[userID], ReplaceDelta(data))
		}
	}
}

// ObserveSnapshot runs fn inside a span, records metrics and wraps failures
// in *SnapshotError.
func (b *Base) ObserveSnapshot(ctx context.Context, userID string, params Params, fn SnapshotFunc) (data interface{}, err error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"syncd.channels",
		"channel.snapshot",
		attribute.String("channel", b.name),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if _, ok := err.(*SnapshotError); !ok {
				err = &SnapshotError{Channel: b.name, Err: err}
			}
		}
		observability.RecordSnapshot(b.name, time.Since(start), err == nil)
	}()

	return fn(ctx, userID, params)
}

// Submit queues delta work on the channel's lane so deltas leave in event
// order without blocking the emitter.
func (b *Base) Submit(task func(ctx context.Context) error) {
	if b.queue == nil {
		if err := b.runInline(task); err != nil {
			b.logger.Error().Err(err).Msg("Delta task failed")
		}
		return
	}
	if err := b.queue.Submit(context.Background(), b.name, task); err != nil {
		b.logger.Error().Err(err).Msg("Delta task rejected")
	}
}

func (b *Base) runInline(task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(context.Background())
}
