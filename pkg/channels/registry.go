package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores the channels a server exposes.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

// NewRegistry constructs a channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	return nil
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveConnection removes connID from every channel and returns the number
// of registrations dropped.
func (r *Registry) RemoveConnection(connID string) int {
	removed := 0
	for _, name := range r.Names() {
		if ch, ok := r.Get(name); ok {
			removed += ch.RemoveConnection(connID)
		}
	}
	return removed
}

// StartAll starts all registered channels.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	return nil
}

// Stop stops a registered channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	return nil
}
