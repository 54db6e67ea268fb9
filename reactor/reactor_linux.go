//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7) reactor. Interest is always EPOLLET; EPOLLERR/EPOLLHUP
// surface as both READ and WRITE so waiters on either side wake and
// observe the error through the subsequent syscall.

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/api"
)

type epollReactor struct {
	epfd   int
	wakeFd int
}

// New constructs the epoll reactor with its eventfd wakeup registered
// edge-triggered. Construction failure is fatal to the IOManager; no
// partial reactor is returned.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return &epollReactor{epfd: epfd, wakeFd: wakeFd}, nil
}

func epollBits(kinds api.EventKind) uint32 {
	bits := uint32(unix.EPOLLET)
	if kinds.Has(api.EventRead) {
		bits |= unix.EPOLLIN
	}
	if kinds.Has(api.EventWrite) {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (r *epollReactor) Add(fd int, kinds api.EventKind) error {
	ev := unix.EpollEvent{Events: epollBits(kinds), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *epollReactor) Mod(fd int, kinds api.EventKind) error {
	ev := unix.EpollEvent{Events: epollBits(kinds), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (r *epollReactor) Del(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *epollReactor) Wait(events []Event, timeoutMs int) (int, error) {
	raw := make([]unix.EpollEvent, len(events))
	n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		var kinds api.EventKind
		bits := raw[i].Events
		if bits&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kinds |= api.EventRead
		}
		if bits&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kinds |= api.EventWrite
		}
		events[i] = Event{Fd: int(raw[i].Fd), Kinds: kinds}
	}
	return n, nil
}

func (r *epollReactor) WakeFd() int { return r.wakeFd }

func (r *epollReactor) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(r.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated; the poller is already due to wake
		return nil
	}
	return err
}

func (r *epollReactor) DrainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (r *epollReactor) Close() error {
	unix.Close(r.wakeFd)
	return unix.Close(r.epfd)
}
