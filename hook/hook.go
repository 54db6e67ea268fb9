//go:build linux

// File: hook/hook.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package hook provides the blocking primitives of the runtime. Go has
// no dynamic-linker interposition, so the runtime is the sole provider
// of these calls: code running under the scheduler uses hook.Read,
// hook.Sleep, hook.Connect and friends, and gets cooperative suspension
// instead of thread blocking. Outside a runtime fiber every function
// falls through to the plain syscall, so the same code runs hooked and
// unhooked.
package hook

import (
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-fiber/control"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/concurrency"
	"github.com/momentics/hioload-fiber/iomanager"
	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("hook")

// connectTimeoutMs caches tcp.connect.timeout; a config listener keeps
// it current.
var connectTimeoutMs atomic.Int64

func init() {
	connectTimeoutMs.Store(int64(control.TCPConnectTimeout.Get()))
	control.TCPConnectTimeout.AddListener(func(_, newVal int) {
		log.Info().Int("old", int(connectTimeoutMs.Load())).Int("new", newVal).
			Msg("tcp connect timeout changed")
		connectTimeoutMs.Store(int64(newVal))
	})
}

// Enabled reports whether blocking primitives cooperate on the calling
// goroutine. True exactly for code running inside a scheduler-owned
// fiber or dispatcher.
func Enabled() bool {
	tls, ok := concurrency.LookupTLS()
	return ok && tls.HookEnabled
}

// cooperative returns the IOManager to suspend on, or nil when the call
// must fall through to the plain syscall.
func cooperative() *iomanager.IOManager {
	if !Enabled() {
		return nil
	}
	m := iomanager.Current()
	if m == nil {
		return nil
	}
	if fiber.Current().IsBootstrap() {
		return nil
	}
	return m
}

// Sleep suspends the calling fiber for d without blocking its worker.
// Outside the runtime it is time.Sleep.
func Sleep(d time.Duration) {
	m := cooperative()
	if m == nil {
		time.Sleep(d)
		return
	}
	ms := uint64(d / time.Millisecond)
	f := fiber.Current()
	m.AddTimer(ms, func() {
		if err := m.Schedule(f); err != nil {
			log.Error().Err(err).Uint64("fiber", f.ID()).Msg("sleep wake failed")
		}
	}, false)
	fiber.YieldHold()
}

// Usleep suspends for usec microseconds (millisecond resolution).
func Usleep(usec uint64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Nanosleep suspends for the given duration (millisecond resolution).
func Nanosleep(d time.Duration) {
	Sleep(d)
}

// ioWait is the per-suspension cancellation record. The conditional
// timeout timer holds it weakly: once the waiter returns, the record
// dies and a late timer fire is a no-op.
type ioWait struct {
	cancelled atomic.Bool
}
