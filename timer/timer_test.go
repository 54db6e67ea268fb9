// File: timer/timer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package timer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeClock drives a Manager without real time.
type fakeClock struct {
	now uint64
}

func (c *fakeClock) fn() func() uint64 {
	return func() uint64 { return c.now }
}

func TestManager_DrainExpiredInOrder(t *testing.T) {
	clk := &fakeClock{now: 1000}
	m := NewManager(nil, WithClock(clk.fn()))

	var fired []int
	m.AddTimer(30, func() { fired = append(fired, 3) }, false)
	m.AddTimer(10, func() { fired = append(fired, 1) }, false)
	m.AddTimer(20, func() { fired = append(fired, 2) }, false)

	require.Empty(t, m.DrainExpired())

	clk.now = 1015
	for _, cb := range m.DrainExpired() {
		cb()
	}
	require.Equal(t, []int{1}, fired)

	clk.now = 1100
	for _, cb := range m.DrainExpired() {
		cb()
	}
	require.Equal(t, []int{1, 2, 3}, fired)
	require.False(t, m.HasTimers())
}

func TestManager_NextDueIn(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))
	require.Equal(t, Infinite, m.NextDueIn())

	m.AddTimer(50, func() {}, false)
	require.Equal(t, uint64(50), m.NextDueIn())

	clk.now = 60
	require.Equal(t, uint64(0), m.NextDueIn())
}

func TestManager_OnFrontDebounce(t *testing.T) {
	clk := &fakeClock{now: 0}
	calls := 0
	m := NewManager(func() { calls++ }, WithClock(clk.fn()))

	m.AddTimer(100, func() {}, false)
	require.Equal(t, 1, calls)

	// becomes the new front, but the wakeup is still unflushed
	m.AddTimer(50, func() {}, false)
	require.Equal(t, 1, calls)

	// a poll clears the debounce; the next front insert notifies again
	m.NextDueIn()
	m.AddTimer(10, func() {}, false)
	require.Equal(t, 2, calls)

	// not the front: no notification
	m.AddTimer(500, func() {}, false)
	require.Equal(t, 2, calls)
}

func TestTimer_Cancel(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))
	fired := false
	tm := m.AddTimer(10, func() { fired = true }, false)
	require.True(t, tm.Cancel())
	require.False(t, tm.Cancel())

	clk.now = 100
	require.Empty(t, m.DrainExpired())
	require.False(t, fired)
}

func TestTimer_Periodic(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))
	count := 0
	tm := m.AddTimer(100, func() { count++ }, true)

	for tick := uint64(100); tick <= 1000; tick += 100 {
		clk.now = tick
		for _, cb := range m.DrainExpired() {
			cb()
		}
	}
	require.Equal(t, 10, count)

	require.True(t, tm.Cancel())
	clk.now = 2000
	require.Empty(t, m.DrainExpired())
	require.Equal(t, 10, count)
}

func TestTimer_RefreshPushesDeadline(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))
	fired := false
	tm := m.AddTimer(100, func() { fired = true }, false)

	clk.now = 90
	require.True(t, tm.Refresh()) // deadline becomes 190

	clk.now = 150
	require.Empty(t, m.DrainExpired())
	require.False(t, fired)

	clk.now = 200
	require.Len(t, m.DrainExpired(), 1)
}

func TestTimer_ResetInterval(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))
	tm := m.AddTimer(100, func() {}, false)

	require.True(t, tm.Reset(500, true))
	clk.now = 200
	require.Empty(t, m.DrainExpired())
	clk.now = 500
	require.Len(t, m.DrainExpired(), 1)
	require.False(t, tm.Reset(100, true))
}

func TestManager_ConditionalTimer(t *testing.T) {
	clk := &fakeClock{now: 0}
	m := NewManager(nil, WithClock(clk.fn()))

	alive := true
	fired := 0
	m.AddConditionalTimer(10, func() { fired++ }, func() bool { return alive }, false)
	m.AddConditionalTimer(10, func() { fired += 100 }, func() bool { return false }, false)

	clk.now = 50
	for _, cb := range m.DrainExpired() {
		cb()
	}
	require.Equal(t, 1, fired, "lapsed condition must suppress the callback")
	_ = alive
}

func TestManager_ClockRollover(t *testing.T) {
	clk := &fakeClock{now: 10 * 60 * 60 * 1000} // t = 10h
	m := NewManager(nil, WithClock(clk.fn()))

	var fired []int
	for i := 1; i <= 5; i++ {
		m.AddTimer(10_000, func() { fired = append(fired, i) }, false)
	}
	// a small regression does not trip the detector
	m.DrainExpired()
	clk.now -= 1000
	require.Empty(t, m.DrainExpired())

	// a two-hour jump backwards expires the whole set, insertion order
	clk.now -= 2 * 60 * 60 * 1000
	for _, cb := range m.DrainExpired() {
		cb()
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, fired)
	require.False(t, m.HasTimers())
}
