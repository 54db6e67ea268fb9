//go:build linux

// File: hook/sockopt.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection establishment, descriptor retirement and the fcntl/ioctl/
// sockopt mirror that preserves the user-visible blocking illusion.

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

// Socket creates a socket and registers it (kernel non-blocking for the
// cooperative machinery, blocking as far as the user can tell).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, err
	}
	fdreg.Default().Get(fd, true)
	return fd, nil
}

// Connect establishes a connection bounded by tcp.connect.timeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, uint64(connectTimeoutMs.Load()))
}

// ConnectWithTimeout establishes a connection with an explicit deadline
// in milliseconds; fdreg.NoTimeout waits indefinitely.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMs uint64) error {
	m := cooperative()
	if m == nil {
		return unix.Connect(fd, sa)
	}
	meta := fdreg.Default().Get(fd, true)
	if meta == nil || !meta.IsSocket() || meta.UserNonblock() {
		return unix.Connect(fd, sa)
	}
	if meta.IsClosed() {
		return unix.EBADF
	}
	err := unix.Connect(fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS:
	default:
		return err
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
			_ = m.CancelEvent(fd, api.EventWrite)
		}, func() bool { return wp.Value() != nil }, false)
	}
	if aerr := m.AddEvent(fd, api.EventWrite, nil); aerr != nil {
		if tmr != nil {
			tmr.Cancel()
		}
		log.Error().Err(aerr).Int("fd", fd).Msg("connect event registration failed")
		return aerr
	}
	fiber.YieldHold()
	if tmr != nil {
		tmr.Cancel()
	}
	timedOut := w.cancelled.Load()
	runtime.KeepAlive(w)
	if timedOut {
		return unix.ETIMEDOUT
	}
	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Close fires any blocked waiters on fd with an error, retires its
// metadata and closes the descriptor.
func Close(fd int) error {
	if m := cooperative(); m != nil {
		_ = m.CancelAll(fd)
	}
	fdreg.Default().Remove(fd)
	return unix.Close(fd)
}

// SetNonblock records the user-requested blocking mode. The kernel flag
// on sockets stays set regardless; non-sockets pass through.
func SetNonblock(fd int, nonblocking bool) error {
	meta := fdreg.Default().Get(fd, true)
	if meta == nil || !meta.IsSocket() || meta.IsClosed() {
		return unix.SetNonblock(fd, nonblocking)
	}
	meta.SetUserNonblock(nonblocking)
	return nil
}

// Fcntl passes through to fcntl(2) while keeping the O_NONBLOCK
// illusion: F_SETFL records the user's wish but never clears the kernel
// flag on sockets; F_GETFL reports what the user set.
func Fcntl(fd, cmd, arg int) (int, error) {
	meta := fdreg.Default().Get(fd, true)
	switch cmd {
	case unix.F_SETFL:
		if meta != nil && meta.IsSocket() && !meta.IsClosed() {
			meta.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
			arg |= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return -1, err
		}
		if meta != nil && meta.IsSocket() && !meta.IsClosed() {
			if meta.UserNonblock() {
				flags |= unix.O_NONBLOCK
			} else {
				flags &^= unix.O_NONBLOCK
			}
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// IoctlSetNonblock is the FIONBIO path of ioctl(2), mirrored like
// F_SETFL.
func IoctlSetNonblock(fd int, nonblocking bool) error {
	return SetNonblock(fd, nonblocking)
}

// SetsockoptTimeval mirrors SO_RCVTIMEO/SO_SNDTIMEO into the registry
// and passes the option through.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if meta := fdreg.Default().Get(fd, true); meta != nil {
			ms := uint64(tv.Sec)*1000 + uint64(tv.Usec)/1000
			if ms == 0 {
				ms = fdreg.NoTimeout
			}
			kind := fdreg.RecvTimeout
			if opt == unix.SO_SNDTIMEO {
				kind = fdreg.SendTimeout
			}
			meta.SetTimeout(kind, ms)
		}
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetRecvTimeout sets the fd's receive deadline in milliseconds.
func SetRecvTimeout(fd int, ms uint64) {
	if meta := fdreg.Default().Get(fd, true); meta != nil {
		meta.SetTimeout(fdreg.RecvTimeout, ms)
	}
}

// SetSendTimeout sets the fd's send deadline in milliseconds.
func SetSendTimeout(fd int, ms uint64) {
	if meta := fdreg.Default().Get(fd, true); meta != nil {
		meta.SetTimeout(fdreg.SendTimeout, ms)
	}
}

// GetsockoptInt passes through.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}
