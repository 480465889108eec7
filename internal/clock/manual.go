package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests. Timers fire
// synchronously from Advance in due order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

// manualTimer state (stopped, fired) is guarded by the owning clock's mutex
// so Stop is safe against a concurrent Advance.
type manualTimer struct {
	m       *Manual
	at      time.Time
	seq     int
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.schedule(&manualTimer{m: m, at: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the manual clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// AfterFunc schedules f to run when the manual clock advances past d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	timer := &manualTimer{m: m, at: m.now.Add(d), fn: f}
	if d <= 0 {
		timer.fired = true
		m.mu.Unlock()
		f()
		return timer
	}
	m.schedule(timer)
	m.mu.Unlock()
	return timer
}

// schedule inserts the timer keeping the slice ordered by due time, then by
// insertion order so simultaneous timers fire deterministically. Callers hold mu.
func (m *Manual) schedule(t *manualTimer) {
	m.seq++
	t.seq = m.seq
	idx := sort.Search(len(m.timers), func(i int) bool {
		if m.timers[i].at.Equal(t.at) {
			return m.timers[i].seq > t.seq
		}
		return m.timers[i].at.After(t.at)
	})
	m.timers = append(m.timers, nil)
	copy(m.timers[idx+1:], m.timers[idx:])
	m.timers[idx] = t
}

// Advance moves time forward by d and fires every due timer in order.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	var due []*manualTimer
	for len(m.timers) > 0 && !m.timers[0].at.After(now) {
		t := m.timers[0]
		m.timers = m.timers[1:]
		if !t.stopped {
			t.fired = true
			due = append(due, t)
		}
	}
	m.mu.Unlock()
	for _, t := range due {
		if t.ch != nil {
			t.ch <- now
		}
		if t.fn != nil {
			t.fn()
		}
	}
	return now
}

// Pending returns the number of scheduled, unfired timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Stop cancels the manual timer; it reports whether the timer had not fired.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
