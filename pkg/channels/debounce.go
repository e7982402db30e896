package channels

import (
	"sync"
	"time"
)

type debounceEntry struct {
	timer *time.Timer
}

// Debouncer coalesces bursts of calls per id into one call after a quiet
// period.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*debounceEntry),
	}
}

// Schedule runs fn after the quiet period unless another Schedule or Cancel
// for id happens first. Only the last fn scheduled for an id runs.
func (d *Debouncer) Schedule(id string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if prev, ok := d.pending[id]; ok {
		prev.timer.Stop()
	}

	entry := &debounceEntry{}
	entry.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A Stop that lost the race with the timer leaves a stale entry
		// behind; only the current entry may fire.
		if d.pending[id] != entry {
			d.mu.Unlock()
			return
		}
		delete(d.pending, id)
		d.mu.Unlock()

		fn()
	})
	d.pending[id] = entry
}

// Cancel drops the pending call for id. It reports whether one was pending.
func (d *Debouncer) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.pending[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.pending, id)
	return true
}

// Pending returns the number of scheduled calls.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending call and rejects later schedules.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for id, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, id)
	}
}
