// File: api/contracts.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Small cross-package contracts.

package api

// Cancelable is anything that can be revoked before it fires.
type Cancelable interface {
	// Cancel revokes the pending action. Returns false if it already
	// fired or was cancelled before.
	Cancel() bool
}

// Ring is a bounded FIFO shared between workers. The runtime uses it
// where allocation on the dispatch path would hurt: parked callback
// fibers waiting for reuse. Implementations must tolerate concurrent
// producers and consumers; both ends fail soft rather than block.
type Ring[T any] interface {
	// Enqueue parks an item. A full ring refuses it (false) and the
	// caller falls back to allocating or dropping.
	Enqueue(item T) bool
	// Dequeue claims the oldest parked item, ok false when none is
	// available.
	Dequeue() (T, bool)
	// Len is the current occupancy. Advisory under concurrency.
	Len() int
	// Cap is the fixed slot count chosen at construction.
	Cap() int
}

// Control is the management surface of a running process: every
// registered config option readable and writable as a dynamic map,
// plus the metrics feed. Bulk updates fire the reload hooks after all
// values are applied, so observers see a consistent set.
type Control interface {
	// GetConfig snapshots every registered option by dotted name.
	GetConfig() map[string]any
	// SetConfig applies the given options; unknown names are skipped.
	SetConfig(cfg map[string]any) error
	// Stats snapshots the metrics registry, probes evaluated.
	Stats() map[string]any
	// OnReload registers fn to run after each bulk config update.
	OnReload(fn func())
}
