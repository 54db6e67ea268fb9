// File: fiber/fiber.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fiber is a stackful cooperative task. Each fiber is backed by a
// dedicated goroutine parked on a channel handoff pair: Resume transfers
// control into the fiber and blocks the caller until the fiber yields or
// finishes, so a worker never has more than one fiber executing at a
// time. Reset reuses the backing goroutine, which keeps its stack.

package fiber

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("fiber")

// State is the lifecycle position of a fiber.
type State int32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateSuspended
	StateDone
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ReturnMode records where control lands when the fiber completes or
// holds: the thread's bootstrap fiber, or the scheduler's dispatcher
// fiber. With channel handoff the transfer always reaches whoever called
// Resume; the mode is kept for bookkeeping and state assertions.
type ReturnMode int

const (
	ReturnToBootstrap ReturnMode = iota
	ReturnToDispatcher
)

var (
	nextID    atomic.Uint64
	created   atomic.Int64
	destroyed atomic.Int64
)

// Fiber is a schedulable unit with its own stack and saved continuation.
type Fiber struct {
	id        uint64
	state     atomic.Int32
	entry     func()
	stackSize int
	mode      ReturnMode
	bootstrap bool

	// owner is the adopting scheduler, published to the backing
	// goroutine's TLS so hooked syscalls can find their IOManager.
	owner atomic.Pointer[any]

	started  bool
	closed   atomic.Bool
	resumeCh chan struct{}
	yieldCh  chan struct{}

	gid uint64 // backing goroutine id, stable across Reset
	err error  // fault record when state is StateFaulted
}

// Option configures fiber creation.
type Option func(*Fiber)

// WithStackSize overrides the accounted stack size in bytes.
func WithStackSize(n int) Option {
	return func(f *Fiber) {
		if n > 0 {
			f.stackSize = n
		}
	}
}

// WithReturnMode sets where completion control lands.
func WithReturnMode(m ReturnMode) Option {
	return func(f *Fiber) { f.mode = m }
}

// New creates a fiber in StateInit. The backing goroutine starts lazily
// on first Resume.
func New(entry func(), opts ...Option) *Fiber {
	f := &Fiber{
		id:        nextID.Add(1),
		entry:     entry,
		stackSize: control.FiberStackSize.Get(),
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.state.Store(int32(StateInit))
	created.Add(1)
	return f
}

func newBootstrap() *Fiber {
	f := &Fiber{
		id:        nextID.Add(1),
		bootstrap: true,
		gid:       concurrency.GoroutineID(),
	}
	f.state.Store(int32(StateRunning))
	return f
}

// Current returns the fiber running on the calling goroutine, lazily
// creating the goroutine's bootstrap fiber on first call.
func Current() *Fiber {
	tls := concurrency.CurrentTLS()
	if tls.Fiber != nil {
		return tls.Fiber.(*Fiber)
	}
	f := newBootstrap()
	tls.Fiber = f
	return f
}

// ID returns the monotonically assigned fiber id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// StackSize returns the accounted stack size in bytes.
func (f *Fiber) StackSize() int { return f.stackSize }

// IsBootstrap reports whether this fiber represents a goroutine's
// original context.
func (f *Fiber) IsBootstrap() bool { return f.bootstrap }

// Err returns the captured fault when the fiber is StateFaulted.
func (f *Fiber) Err() error { return f.err }

// SetOwner records the adopting scheduler. Visible to the fiber's hooks
// from the next resumption on.
func (f *Fiber) SetOwner(owner any) { f.owner.Store(&owner) }

// Owner returns the adopting scheduler, or nil.
func (f *Fiber) Owner() any {
	if p := f.owner.Load(); p != nil {
		return *p
	}
	return nil
}

// Resume transfers control from the caller into this fiber and blocks
// until the fiber yields or completes. Invalid when the fiber is already
// running or finished.
func (f *Fiber) Resume() error {
	if f.bootstrap {
		return api.ErrInvalidState
	}
	if f.closed.Load() {
		return api.ErrInvalidState
	}
	swapped := f.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) ||
		f.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) ||
		f.state.CompareAndSwap(int32(StateSuspended), int32(StateRunning))
	if !swapped {
		return api.ErrInvalidState
	}
	if !f.started {
		f.started = true
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
	return nil
}

// Reset reuses the fiber's stack and bookkeeping for a new entry.
// Valid in StateInit, StateDone and StateFaulted.
func (f *Fiber) Reset(entry func()) error {
	if f.bootstrap {
		return api.ErrInvalidState
	}
	switch f.State() {
	case StateInit, StateDone, StateFaulted:
	default:
		return api.ErrInvalidState
	}
	f.entry = entry
	f.err = nil
	f.state.Store(int32(StateInit))
	return nil
}

// Close releases the backing goroutine. Invalid while the fiber is
// running; idempotent otherwise.
func (f *Fiber) Close() error {
	if f.bootstrap {
		return api.ErrInvalidState
	}
	if f.State() == StateRunning {
		return api.ErrInvalidState
	}
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f.started {
		close(f.resumeCh)
	}
	destroyed.Add(1)
	return nil
}

// trampoline is the backing goroutine body. It publishes the fiber to
// the goroutine's TLS, runs entries in a loop so Reset reuses the same
// stack, and converts panics into StateFaulted.
func (f *Fiber) trampoline() {
	f.gid = concurrency.GoroutineID()
	tls := concurrency.CurrentTLS()
	tls.Fiber = f
	defer concurrency.ReleaseTLS()
	for {
		tls.Scheduler = f.Owner()
		tls.HookEnabled = tls.Scheduler != nil
		f.runEntry()
		f.yieldCh <- struct{}{}
		if _, ok := <-f.resumeCh; !ok {
			return
		}
	}
}

func (f *Fiber) runEntry() {
	defer func() {
		if r := recover(); r != nil {
			f.err = api.NewError(api.ErrCodeInternal, "fiber fault").
				WithContext("panic", r)
			f.state.Store(int32(StateFaulted))
			log.Error().
				Uint64("fiber", f.id).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("fiber entry faulted")
		}
	}()
	f.entry()
	f.state.Store(int32(StateDone))
}

// YieldHold suspends the currently running fiber without rescheduling it.
// Something else must hold a reference and Resume it later. Control
// returns to the Resume caller.
func YieldHold() {
	f := Current()
	if f.bootstrap {
		panic(api.ErrInvalidState)
	}
	f.state.Store(int32(StateSuspended))
	f.yieldCh <- struct{}{}
	f.reenter()
}

// YieldReady suspends the currently running fiber and marks it ready, so
// the dispatcher re-enqueues it automatically.
func YieldReady() {
	f := Current()
	if f.bootstrap {
		panic(api.ErrInvalidState)
	}
	f.state.Store(int32(StateReady))
	f.yieldCh <- struct{}{}
	f.reenter()
}

// reenter parks the fiber goroutine until the next Resume. A Close while
// suspended unwinds the goroutine instead of resuming the entry.
func (f *Fiber) reenter() {
	if _, ok := <-f.resumeCh; !ok {
		runtime.Goexit()
	}
	tls := concurrency.CurrentTLS()
	tls.Scheduler = f.Owner()
	tls.HookEnabled = tls.Scheduler != nil
}

// Created returns the number of non-bootstrap fibers created.
func Created() int64 { return created.Load() }

// Destroyed returns the number of fibers released via Close.
func Destroyed() int64 { return destroyed.Load() }

// Live returns created minus destroyed.
func Live() int64 { return created.Load() - destroyed.Load() }
