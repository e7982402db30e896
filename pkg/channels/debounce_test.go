package channels

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCoalesces(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 10; i++ {
		n := int32(i)
		d.Schedule("a1", func() {
			calls.Add(1)
			last.Store(n)
		})
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(10), last.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncerIndependentIDs(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	d.Schedule("a1", func() { calls.Add(1) })
	d.Schedule("a2", func() { calls.Add(1) })
	assert.Equal(t, 2, d.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	d.Schedule("a1", func() { calls.Add(1) })

	assert.True(t, d.Cancel("a1"))
	assert.False(t, d.Cancel("a1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDebouncerRescheduleFromCallback(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	var again func()
	again = func() {
		if calls.Add(1) == 1 {
			// the entry was removed before fn ran, so this starts a fresh timer
			d.Schedule("a1", again)
		}
	}
	d.Schedule("a1", again)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDebouncerStop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var calls atomic.Int32
	d.Schedule("a1", func() { calls.Add(1) })
	d.Stop()
	d.Schedule("a2", func() { calls.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, d.Pending())
}
