// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scheduler is the worker pool of the runtime. Workers are OS-thread
// locked goroutines running a dispatch loop over FIFO ready queues: one
// shared queue for any-affinity tasks and one per-worker queue for
// affined tasks, so a task pinned to worker W is never taken by another
// worker. When the queues are empty a worker switches into its idle
// fiber; the plain scheduler idles with a short backoff, the IOManager
// overrides it with the epoll loop via the Driver hooks.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sync/semaphore"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("scheduler")

// Driver customises the scheduler's waiting behaviour. The plain
// Scheduler is its own driver; the IOManager overrides all three hooks.
type Driver interface {
	// Notify wakes at least one idle worker after a task arrives.
	Notify()
	// Idle is the body of a worker's idle fiber. It must yield back to
	// the dispatcher regularly and return once Stopping holds.
	Idle(workerID int)
	// Stopping reports whether the dispatch loops may terminate.
	Stopping() bool
}

// Owner is implemented by anything that embeds a Scheduler; Current
// resolves through it.
type Owner interface {
	Sched() *Scheduler
}

// Scheduler owns worker threads and dispatches fibers to them.
type Scheduler struct {
	name      string
	useCaller bool
	pinCPUs   bool
	driver    Driver

	mu     sync.Mutex
	shared *queue.Queue // *Task, any-affinity

	workers []*worker

	started  atomic.Bool
	stopReq  atomic.Bool
	stopped  atomic.Bool
	pending  atomic.Int64 // tasks sitting in any queue
	active   atomic.Int64 // workers currently running a task
	idle     atomic.Int64 // workers inside their idle fiber
	wg       sync.WaitGroup
	gate     *semaphore.Weighted
	callerID uint64 // goroutine that may run Stop in useCaller mode

	fiberCache *concurrency.RingBuffer[*fiber.Fiber] // reusable callback fibers

	scheduled *control.Counter
	completed *control.Counter
}

// Option configures scheduler construction.
type Option func(*Scheduler)

// WithPinnedWorkers binds each worker thread to a CPU core.
func WithPinnedWorkers() Option {
	return func(s *Scheduler) { s.pinCPUs = true }
}

// New creates a scheduler with workerCount workers. When useCaller is
// true the calling thread becomes worker 0 (its dispatch loop runs
// inside Stop) and workerCount-1 threads are spawned.
func New(workerCount int, useCaller bool, name string, opts ...Option) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{
		name:       name,
		useCaller:  useCaller,
		shared:     queue.New(),
		fiberCache: concurrency.NewRingBuffer[*fiber.Fiber](64),
		scheduled:  control.NewCounter(name + ".tasks_scheduled"),
		completed:  control.NewCounter(name + ".tasks_completed"),
	}
	s.driver = s
	for _, opt := range opts {
		opt(s)
	}
	s.workers = make([]*worker, workerCount)
	for i := range s.workers {
		s.workers[i] = &worker{
			id:    i,
			sched: s,
			local: queue.New(),
		}
	}
	if useCaller {
		s.callerID = concurrency.GoroutineID()
		// make the runtime visible to fibers created on the caller
		tls := concurrency.CurrentTLS()
		tls.Scheduler = s.driver
		tls.WorkerID = 0
	}
	control.Metrics().RegisterProbe(name+".tasks_pending", func() any { return s.pending.Load() })
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Sched implements Owner.
func (s *Scheduler) Sched() *Scheduler { return s }

// SetDriver installs the waiting-behaviour override. Must be called
// before Start.
func (s *Scheduler) SetDriver(d Driver) {
	s.driver = d
	if s.useCaller {
		concurrency.CurrentTLS().Scheduler = d
	}
}

// Workers returns the worker count, caller included.
func (s *Scheduler) Workers() int { return len(s.workers) }

// Current returns the scheduler owning the calling goroutine, or nil.
func Current() *Scheduler {
	if tls, ok := concurrency.LookupTLS(); ok && tls.Scheduler != nil {
		if o, ok := tls.Scheduler.(Owner); ok {
			return o.Sched()
		}
	}
	return nil
}

// CurrentWorker returns the worker index of the calling goroutine, or
// AnyWorker outside workers. Inside a callback task it reports the worker
// that started the callback; a fiber scheduled directly reports AnyWorker.
func CurrentWorker() int {
	if tls, ok := concurrency.LookupTLS(); ok {
		return tls.WorkerID
	}
	return AnyWorker
}

// Start spawns the worker threads and begins dispatching. Idempotent
// while the scheduler has not stopped.
func (s *Scheduler) Start() error {
	if s.stopped.Load() {
		return api.ErrStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	spawn := len(s.workers)
	first := 0
	if s.useCaller {
		spawn--
		first = 1
	}
	if spawn > 0 {
		s.gate = semaphore.NewWeighted(int64(spawn))
		if !s.gate.TryAcquire(int64(spawn)) {
			return api.ErrResourceExhausted
		}
		for i := first; i < len(s.workers); i++ {
			s.wg.Add(1)
			go s.workers[i].run()
		}
		// wait until every worker initialised its thread-local state
		if err := s.gate.Acquire(context.Background(), int64(spawn)); err != nil {
			return err
		}
		s.gate.Release(int64(spawn))
	}
	log.Info().Str("scheduler", s.name).Int("workers", len(s.workers)).
		Bool("use_caller", s.useCaller).Msg("started")
	return nil
}

// Schedule pushes a fiber or callback onto the ready queue with no
// affinity. Fibers dispatched to completion are closed by the scheduler.
func (s *Scheduler) Schedule(v any) error {
	return s.ScheduleTo(AnyWorker, v)
}

// ScheduleTo pushes a task for a specific worker. workerID AnyWorker
// means any.
func (s *Scheduler) ScheduleTo(workerID int, v any) error {
	if s.stopped.Load() {
		return api.ErrStopped
	}
	t, err := toTask(v, workerID)
	if err != nil {
		return err
	}
	if t.Fiber != nil {
		t.Fiber.SetOwner(s.driver)
	}
	wasEmpty := s.push(t)
	s.scheduled.Inc()
	if wasEmpty {
		s.driver.Notify()
	}
	return nil
}

// ScheduleBatch pushes several tasks with a single wakeup.
func (s *Scheduler) ScheduleBatch(vs ...any) error {
	if s.stopped.Load() {
		return api.ErrStopped
	}
	wasEmpty := false
	for _, v := range vs {
		t, err := toTask(v, AnyWorker)
		if err != nil {
			return err
		}
		if t.Fiber != nil {
			t.Fiber.SetOwner(s.driver)
		}
		if s.push(t) {
			wasEmpty = true
		}
		s.scheduled.Inc()
	}
	if wasEmpty {
		s.driver.Notify()
	}
	return nil
}

// push enqueues and reports whether all queues were empty beforehand.
func (s *Scheduler) push(t *Task) bool {
	wasEmpty := s.pending.Add(1) == 1
	if t.Worker != AnyWorker {
		w := s.workers[t.Worker%len(s.workers)]
		w.localMu.Lock()
		w.local.Add(t)
		w.localMu.Unlock()
		return wasEmpty
	}
	s.mu.Lock()
	s.shared.Add(t)
	s.mu.Unlock()
	return wasEmpty
}

// Notify is the default no-op wakeup; idle workers poll with a short
// backoff. Overridden by the IOManager.
func (s *Scheduler) Notify() {}

// Idle is the plain idle-fiber body: back off briefly and hand control
// back to the dispatcher until the scheduler winds down.
func (s *Scheduler) Idle(workerID int) {
	for !s.driver.Stopping() {
		time.Sleep(500 * time.Microsecond)
		fiber.YieldHold()
	}
}

// Stopping reports whether dispatch may terminate: stop requested, no
// queued tasks, no worker mid-task.
func (s *Scheduler) Stopping() bool {
	return s.stopReq.Load() && s.pending.Load() == 0 && s.active.Load() == 0
}

// IdleWorkers returns how many workers sit in their idle fiber.
func (s *Scheduler) IdleWorkers() int64 { return s.idle.Load() }

// Stop requests graceful termination and joins the workers. In useCaller
// mode it must run on the creating thread, whose dispatch loop executes
// here; otherwise any non-worker thread may call it.
func (s *Scheduler) Stop() error {
	if !s.started.Load() {
		s.stopped.Store(true)
		return nil
	}
	if s.stopReq.CompareAndSwap(false, true) {
		for range s.workers {
			s.driver.Notify()
		}
	}
	if s.useCaller {
		if concurrency.GoroutineID() != s.callerID {
			return api.ErrInvalidState
		}
		tls := concurrency.CurrentTLS()
		tls.Scheduler = s.driver
		tls.Name = fmt.Sprintf("%s_0", s.name)
		tls.WorkerID = 0
		tls.HookEnabled = true
		s.workers[0].dispatch()
		concurrency.ReleaseTLS()
	}
	s.wg.Wait()
	s.stopped.Store(true)
	for {
		cf, ok := s.fiberCache.Dequeue()
		if !ok {
			break
		}
		_ = cf.Close()
	}
	log.Info().Str("scheduler", s.name).Msg("stopped")
	return nil
}

// worker is a single dispatch thread.
type worker struct {
	id        int
	sched     *Scheduler
	localMu   sync.Mutex
	local     *queue.Queue // *Task affined to this worker
	idleFiber *fiber.Fiber
}

func (w *worker) run() {
	s := w.sched
	defer s.wg.Done()
	cpu := -1
	if s.pinCPUs {
		cpu = w.id
	}
	if err := concurrency.PinCurrentThread(cpu); err != nil {
		log.Warn().Err(err).Int("worker", w.id).Msg("cpu pin failed")
	}
	defer concurrency.UnpinCurrentThread()
	tls := concurrency.CurrentTLS()
	tls.Scheduler = s.driver
	tls.Name = fmt.Sprintf("%s_%d", s.name, w.id)
	tls.WorkerID = w.id
	tls.HookEnabled = true
	defer concurrency.ReleaseTLS()
	s.gate.Release(1)
	w.dispatch()
}

func (w *worker) dispatch() {
	s := w.sched
	for {
		if t, ok := w.take(); ok {
			w.runTask(t)
			s.active.Add(-1)
			continue
		}
		if s.driver.Stopping() {
			break
		}
		w.runIdle()
	}
	if w.idleFiber != nil {
		_ = w.idleFiber.Close()
		w.idleFiber = nil
	}
}

// take pops the worker's affined queue first, then the shared queue. On
// success the worker is already accounted active, before the pending
// count drops, so Stopping never observes a task-in-flight window as
// idle.
func (w *worker) take() (*Task, bool) {
	s := w.sched
	w.localMu.Lock()
	if w.local.Length() > 0 {
		t := w.local.Remove().(*Task)
		s.active.Add(1)
		w.localMu.Unlock()
		s.pending.Add(-1)
		return t, true
	}
	w.localMu.Unlock()
	s.mu.Lock()
	if s.shared.Length() > 0 {
		t := s.shared.Remove().(*Task)
		s.active.Add(1)
		s.mu.Unlock()
		s.pending.Add(-1)
		return t, true
	}
	s.mu.Unlock()
	return nil, false
}

func (w *worker) runTask(t *Task) {
	s := w.sched
	if t.Fiber != nil {
		w.resumeFiber(t.Fiber, t.Worker, false)
		return
	}
	cb, wid := t.Cb, w.id
	entry := func() {
		// publish the dispatching worker to the callback's goroutine
		concurrency.CurrentTLS().WorkerID = wid
		cb()
	}
	cf, ok := s.fiberCache.Dequeue()
	if ok {
		if err := cf.Reset(entry); err != nil {
			_ = cf.Close()
			ok = false
		}
	}
	if !ok {
		cf = fiber.New(entry, fiber.WithReturnMode(fiber.ReturnToDispatcher))
	}
	cf.SetOwner(s.driver)
	w.resumeFiber(cf, t.Worker, true)
}

func (w *worker) resumeFiber(f *fiber.Fiber, affinity int, recyclable bool) {
	s := w.sched
	if err := f.Resume(); err != nil {
		if f.State() == fiber.StateRunning {
			// the wakeup raced the fiber's own suspension on another
			// worker; requeue so it lands once the yield completes
			t := &Task{Fiber: f, Worker: affinity}
			if s.push(t) {
				s.driver.Notify()
			}
			return
		}
		log.Warn().Err(err).Uint64("fiber", f.ID()).Msg("resume rejected")
		return
	}
	switch f.State() {
	case fiber.StateReady:
		t := &Task{Fiber: f, Worker: affinity}
		if s.push(t) {
			s.driver.Notify()
		}
	case fiber.StateSuspended:
		// a pending event or timer holds the reference
	case fiber.StateDone, fiber.StateFaulted:
		s.completed.Inc()
		if recyclable && s.fiberCache.Enqueue(f) {
			return
		}
		_ = f.Close()
	}
}

func (w *worker) runIdle() {
	s := w.sched
	if w.idleFiber == nil {
		w.idleFiber = fiber.New(func() { s.driver.Idle(w.id) },
			fiber.WithReturnMode(fiber.ReturnToDispatcher))
		w.idleFiber.SetOwner(s.driver)
	}
	s.idle.Add(1)
	err := w.idleFiber.Resume()
	s.idle.Add(-1)
	if err != nil {
		return
	}
	if st := w.idleFiber.State(); st == fiber.StateDone || st == fiber.StateFaulted {
		_ = w.idleFiber.Close()
		w.idleFiber = nil
	}
}
