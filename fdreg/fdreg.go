//go:build linux

// File: fdreg/fdreg.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fdreg is the process-wide file-descriptor metadata registry.
// For every fd the hook layer has seen it records whether it is a
// socket, the kernel and user-requested non-blocking flags, the closed
// flag and the recv/send timeouts. Sockets are switched to kernel
// non-blocking mode on first sight; the user-visible blocking illusion
// is maintained by the hooks.
package fdreg

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/internal/concurrency"
)

// TimeoutKind selects which of the two fd timeouts to address.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// NoTimeout marks an unset fd timeout.
const NoTimeout = ^uint64(0)

// FdMeta is the per-descriptor record.
type FdMeta struct {
	fd int

	mu          concurrency.SpinLock
	initialized bool
	isSocket    bool
	sysNonblock bool
	usrNonblock bool
	closed      bool

	recvTimeoutMs atomic.Uint64
	sendTimeoutMs atomic.Uint64
}

func newFdMeta(fd int) *FdMeta {
	m := &FdMeta{fd: fd}
	m.recvTimeoutMs.Store(NoTimeout)
	m.sendTimeoutMs.Store(NoTimeout)
	m.init()
	return m
}

func (m *FdMeta) init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err != nil {
		return
	}
	m.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if m.isSocket {
		// the whole point: sockets run kernel non-blocking, cooperation
		// provides the blocking illusion
		flags, err := unix.FcntlInt(uintptr(m.fd), unix.F_GETFL, 0)
		if err == nil {
			if flags&unix.O_NONBLOCK == 0 {
				_, _ = unix.FcntlInt(uintptr(m.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
			}
			m.sysNonblock = true
		}
	}
	m.initialized = true
}

// IsSocket reports whether fstat classified the fd as a socket.
func (m *FdMeta) IsSocket() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSocket
}

// IsClosed reports whether the close hook retired this fd.
func (m *FdMeta) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MarkClosed flags the record; the registry entry is removed separately.
func (m *FdMeta) MarkClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// UserNonblock reports whether the user asked for non-blocking mode.
func (m *FdMeta) UserNonblock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usrNonblock
}

// SetUserNonblock records the user-requested blocking mode.
func (m *FdMeta) SetUserNonblock(v bool) {
	m.mu.Lock()
	m.usrNonblock = v
	m.mu.Unlock()
}

// SysNonblock reports whether the kernel flag is set.
func (m *FdMeta) SysNonblock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sysNonblock
}

// Timeout returns the configured timeout in ms, NoTimeout if unset.
func (m *FdMeta) Timeout(kind TimeoutKind) uint64 {
	if kind == RecvTimeout {
		return m.recvTimeoutMs.Load()
	}
	return m.sendTimeoutMs.Load()
}

// SetTimeout configures the fd timeout in ms.
func (m *FdMeta) SetTimeout(kind TimeoutKind, ms uint64) {
	if kind == RecvTimeout {
		m.recvTimeoutMs.Store(ms)
		return
	}
	m.sendTimeoutMs.Store(ms)
}

// Registry is a growable vector of records indexed by fd.
type Registry struct {
	mu    sync.RWMutex
	metas []*FdMeta
}

// NewRegistry creates a registry with an initial table.
func NewRegistry() *Registry {
	return &Registry{metas: make([]*FdMeta, 64)}
}

// Get returns the record for fd, creating one when autoCreate is set.
func (r *Registry) Get(fd int, autoCreate bool) *FdMeta {
	if fd < 0 {
		return nil
	}
	r.mu.RLock()
	if fd < len(r.metas) {
		if m := r.metas[fd]; m != nil {
			r.mu.RUnlock()
			return m
		}
	}
	r.mu.RUnlock()
	if !autoCreate {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= len(r.metas) {
		grown := make([]*FdMeta, fd+fd/2+1)
		copy(grown, r.metas)
		r.metas = grown
	}
	if r.metas[fd] == nil {
		r.metas[fd] = newFdMeta(fd)
	}
	return r.metas[fd]
}

// Remove drops the record for fd. Called from the close hook; a later
// open reusing the fd starts from a fresh record.
func (r *Registry) Remove(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= 0 && fd < len(r.metas) {
		if m := r.metas[fd]; m != nil {
			m.MarkClosed()
		}
		r.metas[fd] = nil
	}
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide registry singleton.
func Default() *Registry {
	once.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// ErrClosed is returned by hooks touching a retired fd.
var ErrClosed = api.ErrClosedDescriptor
