// File: control/controller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// api.Control facade over the config registry and metrics: dynamic
// get/set of every registered option plus reload hooks fired after each
// bulk update.

package control

import (
	"sync"

	"github.com/momentics/hioload-fiber/api"
)

var (
	reloadMu    sync.Mutex
	reloadHooks []func()
)

// OnReload registers a hook called after every bulk configuration
// update (SetConfig, LoadYAML).
func OnReload(fn func()) {
	reloadMu.Lock()
	reloadHooks = append(reloadHooks, fn)
	reloadMu.Unlock()
}

func dispatchReload() {
	reloadMu.Lock()
	hooks := make([]func(), len(reloadHooks))
	copy(hooks, reloadHooks)
	reloadMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type runtimeControl struct{}

var _ api.Control = runtimeControl{}

// Controller returns the api.Control view of the process runtime.
func Controller() api.Control { return runtimeControl{} }

func (runtimeControl) GetConfig() map[string]any { return Snapshot() }

func (runtimeControl) SetConfig(cfg map[string]any) error {
	if err := applyRaw(cfg); err != nil {
		return err
	}
	dispatchReload()
	return nil
}

func (runtimeControl) Stats() map[string]any { return Metrics().GetSnapshot() }

func (runtimeControl) OnReload(fn func()) { OnReload(fn) }
