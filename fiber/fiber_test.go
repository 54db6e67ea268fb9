// File: fiber/fiber_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fiber

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/api"
)

func TestFiber_ResumeYieldResume(t *testing.T) {
	var trace []string
	f := New(func() {
		trace = append(trace, "enter")
		YieldHold()
		trace = append(trace, "again")
	})
	require.Equal(t, StateInit, f.State())

	require.NoError(t, f.Resume())
	require.Equal(t, StateSuspended, f.State())
	trace = append(trace, "between")

	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())

	require.Equal(t, []string{"enter", "between", "again"}, trace)
	require.NoError(t, f.Close())
}

func TestFiber_ResumeInvalidStates(t *testing.T) {
	f := New(func() {})
	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())
	require.ErrorIs(t, f.Resume(), api.ErrInvalidState)
	require.NoError(t, f.Close())

	boot := Current()
	require.True(t, boot.IsBootstrap())
	require.ErrorIs(t, boot.Resume(), api.ErrInvalidState)
}

func TestFiber_YieldReady(t *testing.T) {
	steps := 0
	f := New(func() {
		steps++
		YieldReady()
		steps++
	})
	require.NoError(t, f.Resume())
	require.Equal(t, StateReady, f.State())
	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())
	require.Equal(t, 2, steps)
	require.NoError(t, f.Close())
}

func TestFiber_ResetReusesStack(t *testing.T) {
	var firstGid, secondGid uint64
	f := New(func() { firstGid = backingGid() })
	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())

	require.NoError(t, f.Reset(func() { secondGid = backingGid() }))
	require.Equal(t, StateInit, f.State())
	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())

	require.NotZero(t, firstGid)
	require.Equal(t, firstGid, secondGid, "reset must reuse the backing goroutine (same stack)")
	require.NoError(t, f.Close())
}

func TestFiber_ResetInvalidWhileSuspended(t *testing.T) {
	f := New(func() { YieldHold() })
	require.NoError(t, f.Resume())
	require.Equal(t, StateSuspended, f.State())
	require.ErrorIs(t, f.Reset(func() {}), api.ErrInvalidState)
	require.NoError(t, f.Resume())
	require.NoError(t, f.Close())
}

func TestFiber_FaultCaptured(t *testing.T) {
	f := New(func() { panic("boom") })
	require.NoError(t, f.Resume())
	require.Equal(t, StateFaulted, f.State())
	require.Error(t, f.Err())
	// a faulted fiber can be reset and reused
	require.NoError(t, f.Reset(func() {}))
	require.NoError(t, f.Resume())
	require.Equal(t, StateDone, f.State())
	require.NoError(t, f.Close())
}

func TestFiber_MonotonicIDs(t *testing.T) {
	a := New(func() {})
	b := New(func() {})
	require.Greater(t, b.ID(), a.ID())
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestFiber_CountersConverge(t *testing.T) {
	before := Live()
	fs := make([]*Fiber, 10)
	for i := range fs {
		fs[i] = New(func() {})
		require.NoError(t, fs[i].Resume())
	}
	for _, f := range fs {
		require.NoError(t, f.Close())
	}
	require.Equal(t, before, Live())
}

func TestFiber_CloseSuspendedReleasesGoroutine(t *testing.T) {
	f := New(func() { YieldHold() })
	require.NoError(t, f.Resume())
	require.Equal(t, StateSuspended, f.State())
	require.NoError(t, f.Close())
}

// backingGid reads the backing goroutine id of the running fiber.
func backingGid() uint64 {
	return Current().gid
}
