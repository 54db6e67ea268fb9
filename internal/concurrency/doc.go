// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the fiber runtime: goroutine-local state
// emulation, spinlocks, lock-free rings, and CPU pinning for worker
// threads. Linux-focused, pure Go (no cgo).
package concurrency
