// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dynamic typed configuration with defaults, YAML loading and change
// listeners. Options may change at runtime; components that cache a value
// register a listener and refresh their copy.

package control

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-fiber/logging"
)

var log = logging.Component("control")

// Var is a named typed configuration variable with change listeners.
type Var[T comparable] struct {
	name string
	desc string

	mu        sync.RWMutex
	val       T
	listeners map[uint64]func(oldVal, newVal T)
	nextKey   uint64
}

// Get returns the current value.
func (v *Var[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// Update sets a new value and notifies listeners on change.
func (v *Var[T]) Update(newVal T) {
	v.mu.Lock()
	oldVal := v.val
	if oldVal == newVal {
		v.mu.Unlock()
		return
	}
	v.val = newVal
	fns := make([]func(T, T), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		fn(oldVal, newVal)
	}
}

// AddListener registers a change callback and returns its key.
func (v *Var[T]) AddListener(fn func(oldVal, newVal T)) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listeners == nil {
		v.listeners = make(map[uint64]func(T, T))
	}
	v.nextKey++
	key := v.nextKey
	v.listeners[key] = fn
	return key
}

// DelListener removes a previously registered callback.
func (v *Var[T]) DelListener(key uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.listeners, key)
}

// Name returns the dotted option name.
func (v *Var[T]) Name() string { return v.name }

type registryEntry struct {
	desc   string
	setAny func(raw any) error
	getAny func() any
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]*registryEntry)
	varStore = make(map[string]any)
)

// Lookup returns the registered variable for name, creating it with the
// given default on first use. The type must match across lookups.
func Lookup[T comparable](name string, def T, desc string) *Var[T] {
	regMu.Lock()
	defer regMu.Unlock()
	if existing, ok := varStore[name]; ok {
		v, ok := existing.(*Var[T])
		if !ok {
			panic(fmt.Sprintf("control: %q registered with a different type", name))
		}
		return v
	}
	v := &Var[T]{name: name, desc: desc, val: def}
	varStore[name] = v
	registry[name] = &registryEntry{
		desc: desc,
		setAny: func(raw any) error {
			tv, ok := convert[T](raw)
			if !ok {
				return fmt.Errorf("control: %q: cannot convert %T", name, raw)
			}
			v.Update(tv)
			return nil
		},
		getAny: func() any { return v.Get() },
	}
	return v
}

// Snapshot returns the current value of every registered option.
func Snapshot() map[string]any {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make(map[string]any, len(registry))
	for name, e := range registry {
		out[name] = e.getAny()
	}
	return out
}

// LoadYAMLFile reads a YAML document from path and applies it.
func LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return LoadYAML(data)
}

// LoadYAML applies a YAML document. Nested mappings flatten to dotted
// names ("tcp: {connect: {timeout: 100}}" sets tcp.connect.timeout).
// Unknown names are ignored with a debug record.
func LoadYAML(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	flat := make(map[string]any)
	flatten("", doc, flat)
	if err := applyRaw(flat); err != nil {
		return err
	}
	dispatchReload()
	return nil
}

// applyRaw resolves the registry entries under the lock but runs the
// typed updates (and so the listeners) outside it.
func applyRaw(values map[string]any) error {
	type update struct {
		set func(any) error
		raw any
	}
	var updates []update
	regMu.RLock()
	for name, raw := range values {
		e, ok := registry[name]
		if !ok {
			log.Debug().Str("option", name).Msg("unknown config option")
			continue
		}
		updates = append(updates, update{set: e.setAny, raw: raw})
	}
	regMu.RUnlock()
	for _, u := range updates {
		if err := u.set(u.raw); err != nil {
			return err
		}
	}
	return nil
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(name, sub, out)
			continue
		}
		out[name] = v
	}
}

func convert[T comparable](raw any) (T, bool) {
	var zero T
	if tv, ok := raw.(T); ok {
		return tv, true
	}
	switch p := any(&zero).(type) {
	case *int:
		switch r := raw.(type) {
		case int:
			*p = r
		case int64:
			*p = int(r)
		case uint64:
			*p = int(r)
		case float64:
			*p = int(r)
		default:
			return zero, false
		}
	case *int64:
		switch r := raw.(type) {
		case int:
			*p = int64(r)
		case int64:
			*p = r
		case float64:
			*p = int64(r)
		default:
			return zero, false
		}
	case *string:
		r, ok := raw.(string)
		if !ok {
			return zero, false
		}
		*p = r
	case *bool:
		r, ok := raw.(bool)
		if !ok {
			return zero, false
		}
		*p = r
	default:
		return zero, false
	}
	return zero, true
}

// Built-in runtime options.
var (
	// FiberStackSize is the default per-fiber stack accounting size in
	// bytes.
	FiberStackSize = Lookup("fiber.stack_size", 1048576, "default per-fiber stack size in bytes")

	// TCPConnectTimeout bounds hooked connect calls, in milliseconds.
	TCPConnectTimeout = Lookup("tcp.connect.timeout", 5000, "tcp connect timeout in ms")

	// LogLevel is the global logging severity threshold.
	LogLevel = Lookup("log.level", "info", "global log level")
)

func init() {
	LogLevel.AddListener(func(_, newVal string) {
		logging.SetLevel(newVal)
	})
}
