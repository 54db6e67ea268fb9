// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/fiber"
)

func TestScheduler_RunsCallbacks(t *testing.T) {
	s := New(2, false, "cbtest")
	require.NoError(t, s.Start())
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, s.Schedule(func() {
			count.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	require.NoError(t, s.Stop())
	require.Equal(t, int32(100), count.Load())
}

func TestScheduler_RunsFibers(t *testing.T) {
	s := New(1, false, "fibtest")
	require.NoError(t, s.Start())
	done := make(chan struct{})
	f := fiber.New(func() {
		fiber.YieldReady() // dispatcher must requeue us once
		close(done)
	})
	require.NoError(t, s.Schedule(f))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber did not complete")
	}
	require.NoError(t, s.Stop())
}

func TestScheduler_AffinityExactness(t *testing.T) {
	const workers = 2
	const tasks = 1000
	s := New(workers, false, "affinity")
	require.NoError(t, s.Start())

	var mu sync.Mutex
	seen := make(map[int][]int) // workerID -> task ordinals
	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		target := i % workers
		ordinal := i
		wg.Add(1)
		require.NoError(t, s.ScheduleTo(target, func() {
			w := CurrentWorker()
			mu.Lock()
			seen[w] = append(seen[w], ordinal)
			mu.Unlock()
			wg.Done()
		}))
	}
	wg.Wait()
	require.NoError(t, s.Stop())

	require.Len(t, seen[0], tasks/2)
	require.Len(t, seen[1], tasks/2)
	for w, ordinals := range seen {
		for i := 1; i < len(ordinals); i++ {
			require.Greater(t, ordinals[i], ordinals[i-1],
				"worker %d ran tasks out of submission order", w)
		}
		expected := w
		for _, o := range ordinals {
			require.Equal(t, expected, o%2, "task %d ran on wrong worker %d", o, w)
		}
	}
}

func TestScheduler_StopWaitsForCompletion(t *testing.T) {
	s := New(2, false, "stopwait")
	require.NoError(t, s.Start())
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Schedule(func() {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		}))
	}
	require.NoError(t, s.Stop())
	require.Equal(t, int32(10), done.Load(), "Stop returned before tasks finished")
}

func TestScheduler_UseCallerDispatchesInStop(t *testing.T) {
	s := New(1, true, "caller")
	require.NoError(t, s.Start())
	var ran atomic.Bool
	require.NoError(t, s.Schedule(func() { ran.Store(true) }))
	require.NoError(t, s.Stop())
	require.True(t, ran.Load())
}

func TestScheduler_BatchScheduling(t *testing.T) {
	s := New(2, false, "batch")
	require.NoError(t, s.Start())
	var count atomic.Int32
	var wg sync.WaitGroup
	tasks := make([]any, 50)
	for i := range tasks {
		wg.Add(1)
		tasks[i] = func() {
			count.Add(1)
			wg.Done()
		}
	}
	require.NoError(t, s.ScheduleBatch(tasks...))
	wg.Wait()
	require.NoError(t, s.Stop())
	require.Equal(t, int32(50), count.Load())
}

func TestScheduler_CurrentVisibleFromTasks(t *testing.T) {
	s := New(1, false, "current")
	require.NoError(t, s.Start())
	got := make(chan *Scheduler, 1)
	require.NoError(t, s.Schedule(func() { got <- Current() }))
	select {
	case cur := <-got:
		require.Same(t, s, cur)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	require.NoError(t, s.Stop())
}

func TestScheduler_ScheduleRejectsGarbage(t *testing.T) {
	s := New(1, false, "reject")
	require.Error(t, s.Schedule(42))
	require.Error(t, s.Schedule(nil))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestScheduler_StartIdempotent(t *testing.T) {
	s := New(1, false, "idem")
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.Error(t, s.Schedule(func() {}))
}
