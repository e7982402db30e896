package eventbus

import (
	"fmt"
	"sync"

	"github.com/harun/syncd/internal/observability"
	"github.com/rs/zerolog"
)

// Listener handles one event payload. A returned error is logged and does
// not stop delivery to later listeners.
type Listener func(payload interface{}) error

// Bus is a synchronous, in-process publish/subscribe registry.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	logger    zerolog.Logger
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]Listener),
		logger:    logger.With().Str("component", "eventbus").Logger(),
	}
}

// On registers a listener for an event. Listeners run in registration order.
func (b *Bus) On(event string, listener Listener) {
	if listener == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[event] = append(b.listeners[event], listener)
}

// Emit invokes every listener registered for event, in order, before
// returning. A failing or panicking listener is logged and skipped.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners[event]))
	copy(listeners, b.listeners[event])
	b.mu.RUnlock()

	observability.RecordEventEmitted(event)

	for i, listener := range listeners {
		if err := b.invoke(listener, payload); err != nil {
			observability.RecordListenerError(event)
			b.logger.Error().
				Err(err).
				Str("event", event).
				Int("listener", i).
				Msg("Event listener failed")
		}
	}
}

func (b *Bus) invoke(listener Listener, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return listener(payload)
}

// ListenerCount returns the number of listeners registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Events returns every event name with at least one listener.
func (b *Bus) Events() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]string, 0, len(b.listeners))
	for event := range b.listeners {
		events = append(events, event)
	}
	return events
}
