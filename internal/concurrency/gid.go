// File: internal/concurrency/gid.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Goroutine identity and goroutine-local storage. The runtime needs the
// equivalent of thread-local state (current fiber, current scheduler,
// hook-enabled flag) but hooked calls can sit arbitrarily deep in user
// code, so the state is keyed by goroutine id instead of being threaded
// through call signatures.

package concurrency

import (
	"runtime"
	"sync"
)

// TLS is the per-goroutine state of the runtime. Fields typed any to keep
// this package below fiber/scheduler in the dependency order.
type TLS struct {
	Fiber       any    // *fiber.Fiber currently running on this goroutine
	Scheduler   any    // *scheduler.Scheduler owning this goroutine, if any
	Name        string // worker name, empty outside workers
	WorkerID    int    // worker index, -1 outside workers
	HookEnabled bool   // blocking primitives cooperate when true
}

const tlsShards = 64

type tlsShard struct {
	mu sync.RWMutex
	m  map[uint64]*TLS
}

var tlsTable [tlsShards]tlsShard

func init() {
	for i := range tlsTable {
		tlsTable[i].m = make(map[uint64]*TLS)
	}
}

// GoroutineID parses the current goroutine id from the runtime stack
// header ("goroutine N [running]:"). Costs one runtime.Stack call; callers
// on hot paths keep the id instead of re-resolving.
func GoroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	// skip "goroutine "
	var id uint64
	for i := 10; i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// CurrentTLS returns the TLS record of the calling goroutine, creating an
// empty one on first use.
func CurrentTLS() *TLS {
	gid := GoroutineID()
	sh := &tlsTable[gid%tlsShards]
	sh.mu.RLock()
	t, ok := sh.m[gid]
	sh.mu.RUnlock()
	if ok {
		return t
	}
	sh.mu.Lock()
	if t, ok = sh.m[gid]; !ok {
		t = &TLS{WorkerID: -1}
		sh.m[gid] = t
	}
	sh.mu.Unlock()
	return t
}

// LookupTLS returns the TLS record of the calling goroutine without
// creating one.
func LookupTLS() (*TLS, bool) {
	gid := GoroutineID()
	sh := &tlsTable[gid%tlsShards]
	sh.mu.RLock()
	t, ok := sh.m[gid]
	sh.mu.RUnlock()
	return t, ok
}

// ReleaseTLS drops the TLS record of the calling goroutine. Must be called
// before a runtime-owned goroutine exits or the table leaks entries.
func ReleaseTLS() {
	gid := GoroutineID()
	sh := &tlsTable[gid%tlsShards]
	sh.mu.Lock()
	delete(sh.m, gid)
	sh.mu.Unlock()
}
