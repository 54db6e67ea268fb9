//go:build !linux

// File: internal/concurrency/pin_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fallback pinning for platforms without sched_setaffinity: the OS
// thread is still locked so worker identity holds, but no CPU binding
// is performed.

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	return nil
}

// UnpinCurrentThread releases the OS thread.
func UnpinCurrentThread() {
	runtime.UnlockOSThread()
}
