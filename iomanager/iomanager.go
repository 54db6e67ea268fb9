//go:build linux

// File: iomanager/iomanager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package iomanager extends the Scheduler with readiness multiplexing
// and deadline timers. Workers that run out of tasks switch into an idle
// fiber running the epoll loop: it waits with a timeout bounded by the
// next timer deadline, dispatches expired timer callbacks before
// readiness continuations, and wakes the fiber or callback registered
// for each (fd, event) pair.
package iomanager

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/logging"
	"github.com/momentics/hioload-fiber/reactor"
	"github.com/momentics/hioload-fiber/scheduler"
	"github.com/momentics/hioload-fiber/timer"
)

var log = logging.Component("iomanager")

const (
	// maxPollTimeoutMs bounds epoll_wait so new timers are noticed even
	// without a wakeup.
	maxPollTimeoutMs = 3000
	// pollBatch is the epoll_wait result capacity.
	pollBatch = 64
)

// target is where a fired event context is pushed.
type target interface {
	Schedule(v any) error
}

// EventContext names what to schedule when a given (fd, kind) becomes
// ready: a callback, or the fiber that suspended after registering.
type EventContext struct {
	sched target
	fiber *fiber.Fiber
	cb    func()
}

// FdContext carries the registered interests of one descriptor.
type FdContext struct {
	fd         int
	mu         sync.Mutex
	registered api.EventKind
	read       EventContext
	write      EventContext
}

func (c *FdContext) slot(kind api.EventKind) *EventContext {
	if kind == api.EventRead {
		return &c.read
	}
	return &c.write
}

// IOManager multiplexes readiness events and timers over the worker
// pool.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	r reactor.Reactor

	fdMu    sync.RWMutex
	fdCtxs  []*FdContext
	pending atomic.Int64 // registered, not-yet-fired event contexts
}

// New constructs and starts an IOManager. Construction failures (epoll,
// eventfd) are fatal: no partial IOManager exists.
func New(workerCount int, useCaller bool, name string, opts ...scheduler.Option) (*IOManager, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	m := &IOManager{
		Scheduler: scheduler.New(workerCount, useCaller, name, opts...),
		r:         r,
		fdCtxs:    make([]*FdContext, 64),
	}
	m.Manager = timer.NewManager(m.onTimerInsertedAtFront)
	m.Scheduler.SetDriver(m)
	control.Metrics().RegisterProbe(name+".events_pending", func() any { return m.pending.Load() })
	control.Metrics().RegisterProbe(name+".timers_live", func() any { return m.Manager.LiveTimers() })
	if err := m.Start(); err != nil {
		r.Close()
		return nil, err
	}
	return m, nil
}

// Current returns the IOManager owning the calling goroutine, or nil.
func Current() *IOManager {
	if tls, ok := concurrency.LookupTLS(); ok && tls.Scheduler != nil {
		if m, ok := tls.Scheduler.(*IOManager); ok {
			return m
		}
	}
	return nil
}

// AddEvent registers interest in kind on fd. With a nil callback the
// currently running fiber is captured; the caller is expected to
// YieldHold immediately after. Registering an already-registered kind
// fails, as does a nil callback outside a runtime fiber.
func (m *IOManager) AddEvent(fd int, kind api.EventKind, cb func()) error {
	if fd < 0 || (kind != api.EventRead && kind != api.EventWrite) {
		return api.ErrInvalidArgument
	}
	ctx := m.fdContext(fd, true)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.registered.Has(kind) {
		return api.ErrAlreadyExists
	}
	ec := EventContext{sched: m}
	if cb != nil {
		ec.cb = cb
	} else {
		f := fiber.Current()
		if f.IsBootstrap() || f.Owner() == nil {
			return api.ErrInvalidState
		}
		ec.fiber = f
	}
	prev := ctx.registered
	next := prev | kind
	var err error
	if prev == api.EventNone {
		err = m.r.Add(fd, next)
	} else {
		err = m.r.Mod(fd, next)
	}
	if err != nil {
		log.Error().Err(err).Int("fd", fd).Str("event", kind.String()).
			Msg("epoll_ctl failed")
		return err
	}
	ctx.registered = next
	*ctx.slot(kind) = ec
	m.pending.Add(1)
	return nil
}

// DelEvent rescinds interest in kind on fd without firing its context.
func (m *IOManager) DelEvent(fd int, kind api.EventKind) error {
	ctx := m.fdContext(fd, false)
	if ctx == nil {
		return api.ErrNotFound
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !ctx.registered.Has(kind) {
		return api.ErrNotFound
	}
	m.detachLocked(ctx, kind)
	*ctx.slot(kind) = EventContext{}
	m.pending.Add(-1)
	return nil
}

// CancelEvent removes interest in kind on fd and fires its context, so
// the waiter wakes and observes cancellation (timeout, close).
func (m *IOManager) CancelEvent(fd int, kind api.EventKind) error {
	ctx := m.fdContext(fd, false)
	if ctx == nil {
		return api.ErrNotFound
	}
	ctx.mu.Lock()
	if !ctx.registered.Has(kind) {
		ctx.mu.Unlock()
		return api.ErrNotFound
	}
	m.detachLocked(ctx, kind)
	ec := *ctx.slot(kind)
	*ctx.slot(kind) = EventContext{}
	m.pending.Add(-1)
	ctx.mu.Unlock()
	m.fire(ec)
	return nil
}

// CancelAll fires both contexts of fd, if present, and removes it from
// the reactor.
func (m *IOManager) CancelAll(fd int) error {
	ctx := m.fdContext(fd, false)
	if ctx == nil {
		return nil
	}
	ctx.mu.Lock()
	if ctx.registered == api.EventNone {
		ctx.mu.Unlock()
		return nil
	}
	if err := m.r.Del(fd); err != nil {
		log.Warn().Err(err).Int("fd", fd).Msg("epoll_ctl del failed")
	}
	var fired []EventContext
	for _, kind := range [...]api.EventKind{api.EventRead, api.EventWrite} {
		if ctx.registered.Has(kind) {
			fired = append(fired, *ctx.slot(kind))
			*ctx.slot(kind) = EventContext{}
			m.pending.Add(-1)
		}
	}
	ctx.registered = api.EventNone
	ctx.mu.Unlock()
	for _, ec := range fired {
		m.fire(ec)
	}
	return nil
}

// detachLocked drops kind from the kernel interest set. Kernel-side
// failures are logged but do not keep the bookkeeping registered: a fd
// closed underneath the runtime must still release its waiters. Caller
// holds ctx.mu.
func (m *IOManager) detachLocked(ctx *FdContext, kind api.EventKind) {
	remaining := ctx.registered &^ kind
	var err error
	if remaining == api.EventNone {
		err = m.r.Del(ctx.fd)
	} else {
		err = m.r.Mod(ctx.fd, remaining)
	}
	if err != nil {
		log.Warn().Err(err).Int("fd", ctx.fd).Msg("epoll_ctl failed")
	}
	ctx.registered = remaining
}

// fire schedules the event context onto its scheduler. The fiber or
// callback reference is already cleared from the FdContext, so no
// pending dispatch keeps reference cycles alive past fire time.
func (m *IOManager) fire(ec EventContext) {
	if ec.sched == nil {
		ec.sched = m
	}
	var err error
	switch {
	case ec.cb != nil:
		err = ec.sched.Schedule(ec.cb)
	case ec.fiber != nil:
		err = ec.sched.Schedule(ec.fiber)
	default:
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("event dispatch failed")
	}
}

// PendingEvents returns the count of registered, unfired contexts.
func (m *IOManager) PendingEvents() int64 { return m.pending.Load() }

// fdContext returns the context of fd, growing the table to 1.5x the fd
// on demand when create is set.
func (m *IOManager) fdContext(fd int, create bool) *FdContext {
	if fd < 0 {
		return nil
	}
	m.fdMu.RLock()
	if fd < len(m.fdCtxs) {
		if c := m.fdCtxs[fd]; c != nil {
			m.fdMu.RUnlock()
			return c
		}
	}
	m.fdMu.RUnlock()
	if !create {
		return nil
	}
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fdCtxs) {
		grown := make([]*FdContext, fd+fd/2+1)
		copy(grown, m.fdCtxs)
		m.fdCtxs = grown
	}
	if m.fdCtxs[fd] == nil {
		m.fdCtxs[fd] = &FdContext{fd: fd}
	}
	return m.fdCtxs[fd]
}

// onTimerInsertedAtFront forces pollers to recompute their timeout.
func (m *IOManager) onTimerInsertedAtFront() {
	m.Notify()
}

// Notify wakes one sleeping poller when any worker is idle.
func (m *IOManager) Notify() {
	if m.IdleWorkers() > 0 {
		if err := m.r.Wakeup(); err != nil {
			log.Warn().Err(err).Msg("wakeup failed")
		}
	}
}

// Stopping additionally requires no pending events and an empty timer
// set.
func (m *IOManager) Stopping() bool {
	return m.Scheduler.Stopping() && m.pending.Load() == 0 && !m.HasTimers()
}

// Idle is the epoll loop run by each worker's idle fiber.
func (m *IOManager) Idle(workerID int) {
	events := make([]reactor.Event, pollBatch)
	for {
		if m.Stopping() {
			// chain-wake the remaining pollers so shutdown does not
			// wait out their poll timeout
			_ = m.r.Wakeup()
			return
		}
		timeout := maxPollTimeoutMs
		if due := m.NextDueIn(); due != timer.Infinite && due < uint64(timeout) {
			timeout = int(due)
		}
		n, err := m.r.Wait(events, timeout)
		if err != nil {
			log.Error().Err(err).Msg("epoll_wait failed")
			return
		}
		// timer-driven cancellations take effect before readiness
		// continuations from the same tick
		for _, cb := range m.DrainExpired() {
			if serr := m.Schedule(cb); serr != nil {
				log.Error().Err(serr).Msg("timer dispatch failed")
			}
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Fd == m.r.WakeFd() {
				m.r.DrainWake()
				continue
			}
			m.processEvent(ev)
		}
		fiber.YieldHold()
	}
}

// processEvent resolves one readiness notification into scheduled
// continuations, READ before WRITE.
func (m *IOManager) processEvent(ev reactor.Event) {
	ctx := m.fdContext(ev.Fd, false)
	if ctx == nil {
		return
	}
	ctx.mu.Lock()
	fired := ev.Kinds & ctx.registered
	if fired == api.EventNone {
		ctx.mu.Unlock()
		return
	}
	remaining := ctx.registered &^ fired
	var err error
	if remaining == api.EventNone {
		err = m.r.Del(ctx.fd)
	} else {
		err = m.r.Mod(ctx.fd, remaining)
	}
	if err != nil {
		log.Warn().Err(err).Int("fd", ctx.fd).Msg("epoll_ctl failed")
	}
	ctx.registered = remaining
	var dispatch []EventContext
	for _, kind := range [...]api.EventKind{api.EventRead, api.EventWrite} {
		if fired.Has(kind) {
			dispatch = append(dispatch, *ctx.slot(kind))
			*ctx.slot(kind) = EventContext{}
			m.pending.Add(-1)
		}
	}
	ctx.mu.Unlock()
	for _, ec := range dispatch {
		m.fire(ec)
	}
}

// Close stops the scheduler and releases the reactor. Pending events
// and timers must have drained; Stop blocks until they do.
func (m *IOManager) Close() error {
	if err := m.Stop(); err != nil {
		return err
	}
	return m.r.Close()
}
