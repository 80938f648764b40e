package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule(t *testing.T) {
	t.Run("fires once after delay", func(t *testing.T) {
		table := New()
		fired := make(chan struct{}, 1)

		table.Schedule("reconnect:tg:1", 10*time.Millisecond, func() { fired <- struct{}{} })
		assert.True(t, table.Pending("reconnect:tg:1"))

		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
		assert.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("rescheduling replaces the previous timer", func(t *testing.T) {
		table := New()
		var first, second atomic.Int32

		table.Schedule("pairing:tg:1", 20*time.Millisecond, func() { first.Add(1) })
		table.Schedule("pairing:tg:1", 20*time.Millisecond, func() { second.Add(1) })

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, int32(0), first.Load())
		assert.Equal(t, int32(1), second.Load())
	})

	t.Run("panicking callback is recovered", func(t *testing.T) {
		table := New()
		done := make(chan struct{})
		table.Schedule("k", time.Millisecond, func() {
			defer close(done)
			panic("boom")
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	})
}

func TestCancel(t *testing.T) {
	table := New()
	var fired atomic.Bool

	table.Schedule("k", 20*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, table.Cancel("k"))
	assert.False(t, table.Cancel("k"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStop(t *testing.T) {
	table := New()
	var fired atomic.Int32

	table.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	table.Schedule("b", 20*time.Millisecond, func() { fired.Add(1) })
	table.Stop()
	table.Schedule("c", time.Millisecond, func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, table.Len())
}
