// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor wraps the host readiness-notification facility for the
// IOManager: an edge-triggered epoll instance plus an eventfd used to
// wake sleeping pollers from other threads.
package reactor

import "github.com/momentics/hioload-fiber/api"

// Event is one readiness notification.
type Event struct {
	Fd    int
	Kinds api.EventKind // READ/WRITE bits; ERR/HUP fold into both
}

// Reactor is the readiness multiplexer consumed by the IOManager. All
// interest is edge-triggered.
type Reactor interface {
	// Add registers initial interest kinds for fd.
	Add(fd int, kinds api.EventKind) error
	// Mod replaces the interest kinds for fd.
	Mod(fd int, kinds api.EventKind) error
	// Del removes fd entirely.
	Del(fd int) error
	// Wait blocks up to timeoutMs (-1 forever) and fills events.
	Wait(events []Event, timeoutMs int) (int, error)
	// WakeFd returns the descriptor readable when Wakeup fires.
	WakeFd() int
	// Wakeup makes a concurrent Wait return.
	Wakeup() error
	// DrainWake consumes pending wakeups (edge-triggered: drain fully).
	DrainWake()
	// Close releases the epoll and wakeup descriptors.
	Close() error
}
