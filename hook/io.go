//go:build linux

// File: hook/io.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generic cooperative I/O. The fast path calls straight through for
// non-sockets, user-requested non-blocking fds, and code outside the
// runtime. The slow path retries the syscall, converting EAGAIN into a
// readiness wait plus an optional conditional timeout timer.

package hook

import (
	"runtime"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
	"github.com/momentics/hioload-fiber/fdreg"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/timer"
)

// doIO runs fn with cooperative blocking semantics on fd. kind names the
// readiness to wait for on EAGAIN; tkind picks the fd timeout that
// bounds the wait.
func doIO(fd int, kind api.EventKind, tkind fdreg.TimeoutKind, fn func() (int, error)) (int, error) {
	m := cooperative()
	if m == nil {
		return rawRetry(fn)
	}
	meta := fdreg.Default().Get(fd, true)
	if meta == nil {
		return rawRetry(fn)
	}
	if meta.IsClosed() {
		return -1, unix.EBADF
	}
	if !meta.IsSocket() || meta.UserNonblock() {
		return rawRetry(fn)
	}
	timeoutMs := meta.Timeout(tkind)
	for {
		n, err := fn()
		for err == unix.EINTR {
			n, err = fn()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		w := &ioWait{}
		wp := weak.Make(w)
		var tmr *timer.Timer
		if timeoutMs != fdreg.NoTimeout {
			tmr = m.AddConditionalTimer(timeoutMs, func() {
				s := wp.Value()
				if s == nil {
					return
				}
				s.cancelled.Store(true)
				_ = m.CancelEvent(fd, kind)
			}, func() bool { return wp.Value() != nil }, false)
		}
		if aerr := m.AddEvent(fd, kind, nil); aerr != nil {
			if tmr != nil {
				tmr.Cancel()
			}
			log.Error().Err(aerr).Int("fd", fd).Str("event", kind.String()).
				Msg("event registration failed")
			return -1, unix.EBADF
		}
		fiber.YieldHold()
		if tmr != nil {
			tmr.Cancel()
		}
		if w.cancelled.Load() {
			runtime.KeepAlive(w)
			return -1, unix.ETIMEDOUT
		}
		runtime.KeepAlive(w)
		// readiness (or cancellation by close) arrived: retry
	}
}

func rawRetry(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Read reads into p with cooperative blocking.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv scatters into iovs with cooperative blocking.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv receives from a connected socket.
func Recv(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// RecvFrom receives a datagram and its source address.
func RecvFrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		var ferr error
		var fn int
		fn, from, ferr = unix.Recvfrom(fd, p, flags)
		return fn, ferr
	})
	return n, from, err
}

// RecvMsg receives a message with ancillary data.
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	n, err = doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		var ierr error
		var in int
		in, oobn, recvflags, from, ierr = unix.Recvmsg(fd, p, oob, flags)
		return in, ierr
	})
	return n, oobn, recvflags, from, err
}

// Write writes p with cooperative blocking.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, api.EventWrite, fdreg.SendTimeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev gathers iovs with cooperative blocking.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, api.EventWrite, fdreg.SendTimeout, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send sends on a connected socket.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, api.EventWrite, fdreg.SendTimeout, func() (int, error) {
		err := unix.Sendto(fd, p, flags, nil)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendTo sends a datagram to the given address.
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, api.EventWrite, fdreg.SendTimeout, func() (int, error) {
		err := unix.Sendto(fd, p, flags, to)
		if err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendMsg sends a message with ancillary data.
func SendMsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, api.EventWrite, fdreg.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Accept waits for and accepts a connection, returning the new fd
// already registered (and kernel non-blocking).
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, api.EventRead, fdreg.RecvTimeout, func() (int, error) {
		n, s, aerr := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if aerr == nil {
			sa = s
		}
		return n, aerr
	})
	if err != nil {
		return -1, nil, err
	}
	fdreg.Default().Get(nfd, true)
	return nfd, sa, nil
}

