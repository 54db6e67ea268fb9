// File: timer/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer manager for the runtime: an ordered deadline store on a
// monotonic millisecond clock. Ordering is deadline ascending with a
// per-timer sequence tiebreak; the heap index makes cancellation
// O(log n) given the handle. Periodic timers reinsert themselves after
// firing. A backwards clock jump of more than an hour expires the whole
// set at the next poll.

package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/momentics/hioload-fiber/api"
)

// Infinite is returned by NextDueIn when no timer is pending.
const Infinite = ^uint64(0)

// rolloverWindow is how far backwards the clock must move between two
// polls before every live timer is force-expired.
const rolloverWindow = uint64(60 * 60 * 1000)

var processStart = time.Now()

// NowMs returns milliseconds on the process monotonic clock.
func NowMs() uint64 {
	return uint64(time.Since(processStart) / time.Millisecond)
}

// Timer is a single deadline entry. Handles stay valid for Cancel,
// Refresh and Reset until the timer fires (non-periodic) or is
// cancelled.
type Timer struct {
	deadline uint64 // absolute ms
	interval uint64
	periodic bool
	cb       func()
	cond     func() bool // nil, or gate evaluated at fire time
	seq      uint64
	index    int // heap position, -1 when detached
	mgr      *Manager
}

var _ api.Cancelable = (*Timer)(nil)

// Manager is an ordered set of timers.
type Manager struct {
	mu      sync.RWMutex
	heap    timerHeap
	seq     atomic.Uint64
	ticked  bool   // debounces onFront between polls
	prevNow uint64 // last poll time, for rollover detection
	onFront func() // invoked when an insertion becomes the earliest

	// now is injectable for tests; defaults to NowMs.
	now func() uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the monotonic clock source.
func WithClock(now func() uint64) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. onFront, if non-nil, runs whenever an
// inserted timer becomes the earliest deadline and no wakeup is already
// pending.
func NewManager(onFront func(), opts ...Option) *Manager {
	m := &Manager{
		onFront: onFront,
		now:     NowMs,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.prevNow = m.now()
	return m
}

// AddTimer schedules cb to run after intervalMs, repeating when periodic.
func (m *Manager) AddTimer(intervalMs uint64, cb func(), periodic bool) *Timer {
	t := &Timer{
		deadline: m.now() + intervalMs,
		interval: intervalMs,
		periodic: periodic,
		cb:       cb,
		seq:      m.seq.Add(1),
		index:    -1,
		mgr:      m,
	}
	m.insert(t)
	return t
}

// AddConditionalTimer schedules cb gated on cond: at fire time the
// callback is a no-op unless cond still reports true. Alive builds the
// usual weak-reference condition.
func (m *Manager) AddConditionalTimer(intervalMs uint64, cb func(), cond func() bool, periodic bool) *Timer {
	t := &Timer{
		deadline: m.now() + intervalMs,
		interval: intervalMs,
		periodic: periodic,
		cb:       cb,
		cond:     cond,
		seq:      m.seq.Add(1),
		index:    -1,
		mgr:      m,
	}
	m.insert(t)
	return t
}

// Alive returns a condition that holds while the referent has not been
// collected. The timer set keeps only a weak reference, so a waiter that
// disappeared cancels its own timeout.
func Alive[T any](p *T) func() bool {
	w := weak.Make(p)
	return func() bool { return w.Value() != nil }
}

func (m *Manager) insert(t *Timer) {
	m.mu.Lock()
	heap.Push(&m.heap, t)
	atFront := t.index == 0 && !m.ticked
	if atFront {
		m.ticked = true
	}
	m.mu.Unlock()
	if atFront && m.onFront != nil {
		m.onFront()
	}
}

// NextDueIn returns the time until the earliest deadline: Infinite when
// the set is empty, 0 when it is already due. Clears the wakeup
// debounce.
func (m *Manager) NextDueIn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticked = false
	if m.heap.Len() == 0 {
		return Infinite
	}
	now := m.now()
	first := m.heap[0].deadline
	if first <= now {
		return 0
	}
	return first - now
}

// DrainExpired removes every timer with deadline <= now and returns their
// callbacks in deadline order. Periodic timers are reinserted at
// now + interval. Conditional callbacks whose condition lapsed are
// dropped here.
func (m *Manager) DrainExpired() []func() {
	now := m.now()
	m.mu.Lock()
	if m.heap.Len() == 0 {
		m.prevNow = now
		m.mu.Unlock()
		return nil
	}
	rollover := now < m.prevNow && m.prevNow-now > rolloverWindow
	m.prevNow = now

	var expired []*Timer
	for m.heap.Len() > 0 {
		t := m.heap[0]
		if !rollover && t.deadline > now {
			break
		}
		heap.Pop(&m.heap)
		expired = append(expired, t)
	}
	var cbs []func()
	for _, t := range expired {
		if t.periodic {
			t.deadline = now + t.interval
			heap.Push(&m.heap, t)
		}
		if t.cond != nil && !t.cond() {
			continue
		}
		cbs = append(cbs, t.cb)
	}
	m.mu.Unlock()
	return cbs
}

// HasTimers reports whether any timer is pending.
func (m *Manager) HasTimers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap.Len() > 0
}

// LiveTimers returns the number of timers currently in the set.
func (m *Manager) LiveTimers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap.Len()
}

// Cancel removes the timer. Returns false if it already fired or was
// cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	t.cb = nil
	t.cond = nil
	return true
}

// Refresh pushes the deadline out to now + interval.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&m.heap, t.index)
	t.deadline = m.now() + t.interval
	heap.Push(&m.heap, t)
	return true
}

// Reset changes the interval. When fromNow, the new deadline is
// now + interval; otherwise it keeps the original start point.
func (t *Timer) Reset(intervalMs uint64, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 {
		return false
	}
	if intervalMs == t.interval && !fromNow {
		return true
	}
	heap.Remove(&m.heap, t.index)
	start := t.deadline - t.interval
	if fromNow {
		start = m.now()
	}
	t.interval = intervalMs
	t.deadline = start + intervalMs
	heap.Push(&m.heap, t)
	return true
}

// timerHeap orders by deadline ascending, sequence tiebreak.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
