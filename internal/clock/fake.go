package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance is called.
// Grounded on failsafe-go's internal/testutil.TestClock, extended with
// timer scheduling since breakerstat's rotation/snapshot/health-check/
// cooldown timers all need deterministic firing in tests.
//
// Manual is safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []manualTimer
}

type manualTimer struct {
	id      int
	fireAt  time.Time
	fn      func()
	fired   bool
	stopped bool
}

// NewManual returns a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := manualTimer{id: m.nextID, fireAt: m.now.Add(d), fn: fn}
	m.pending = append(m.pending, t)
	return &manualTimerHandle{clock: m, id: t.id}
}

// Advance moves time forward by d, firing (synchronously, in fire-time
// order) any timers whose deadline has elapsed.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := m.due()
	m.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// due removes and returns, in fireAt order, the timers that are now due.
// Must be called with mu held; returns timers to invoke without the lock.
func (m *Manual) due() []manualTimer {
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].fireAt.Before(m.pending[j].fireAt)
	})

	var due []manualTimer
	var remaining []manualTimer
	for _, t := range m.pending {
		if t.stopped || t.fired {
			continue
		}
		if !t.fireAt.After(m.now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.pending = remaining
	return due
}

func (m *Manual) stop(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pending {
		if m.pending[i].id == id && !m.pending[i].fired && !m.pending[i].stopped {
			m.pending[i].stopped = true
			return true
		}
	}
	return false
}

type manualTimerHandle struct {
	clock *Manual
	id    int
}

func (h *manualTimerHandle) Stop() bool {
	return h.clock.stop(h.id)
}
