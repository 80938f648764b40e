// Package timers keeps at most one pending timer per key.
package timers

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
}

type entry struct {
	timer *time.Timer
}

func New() *Table {
	return &Table{pending: make(map[string]*entry)}
}

// Schedule runs fn after d, cancelling any timer previously scheduled under key.
func (t *Table) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.pending[key] != e {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("timer", key).Msg("timer callback panicked")
			}
		}()
		fn()
	})
	t.pending[key] = e
}

// Cancel stops the timer for key. It reports whether one was pending.
func (t *Table) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.pending, key)
	return true
}

func (t *Table) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels every pending timer and rejects future schedules.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
	}
	t.stopped = true
}
