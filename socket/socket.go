//go:build linux

// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package socket is the thin facade at the edge of the runtime: a
// Socket wraps one fd and routes every blocking call through the hook
// layer, so fibers using it cooperate instead of blocking workers.
package socket

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdreg"
	"github.com/momentics/hioload-fiber/hook"
)

// Socket is one descriptor plus its creation triple.
type Socket struct {
	fd     int
	family int
	typ    int
	proto  int
}

// NewTCP creates an IPv4 TCP socket.
func NewTCP() (*Socket, error) {
	return New(unix.AF_INET, unix.SOCK_STREAM, 0)
}

// NewTCP6 creates an IPv6 TCP socket.
func NewTCP6() (*Socket, error) {
	return New(unix.AF_INET6, unix.SOCK_STREAM, 0)
}

// NewUDP creates an IPv4 UDP socket.
func NewUDP() (*Socket, error) {
	return New(unix.AF_INET, unix.SOCK_DGRAM, 0)
}

// New creates a socket of the given triple, registered with the
// runtime.
func New(family, typ, proto int) (*Socket, error) {
	fd, err := hook.Socket(family, typ, proto)
	if err != nil {
		return nil, err
	}
	return &Socket{fd: fd, family: family, typ: typ, proto: proto}, nil
}

func wrap(fd, family, typ, proto int) *Socket {
	return &Socket{fd: fd, family: family, typ: typ, proto: proto}
}

// Fd returns the underlying descriptor.
func (s *Socket) Fd() int { return s.fd }

// Bind binds the socket to sa.
func (s *Socket) Bind(sa unix.Sockaddr) error {
	return unix.Bind(s.fd, sa)
}

// Listen marks the socket passive.
func (s *Socket) Listen(backlog int) error {
	return unix.Listen(s.fd, backlog)
}

// Accept waits cooperatively for a connection.
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	nfd, sa, err := hook.Accept(s.fd)
	if err != nil {
		return nil, nil, err
	}
	return wrap(nfd, s.family, s.typ, s.proto), sa, nil
}

// Connect dials sa bounded by tcp.connect.timeout.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	return hook.Connect(s.fd, sa)
}

// ConnectWithTimeout dials sa with an explicit deadline in ms.
func (s *Socket) ConnectWithTimeout(sa unix.Sockaddr, timeoutMs uint64) error {
	return hook.ConnectWithTimeout(s.fd, sa, timeoutMs)
}

// Send writes p, cooperating on would-block.
func (s *Socket) Send(p []byte, flags int) (int, error) {
	return hook.Send(s.fd, p, flags)
}

// Recv reads into p, cooperating on would-block.
func (s *Socket) Recv(p []byte, flags int) (int, error) {
	return hook.Recv(s.fd, p, flags)
}

// SendTo sends a datagram.
func (s *Socket) SendTo(p []byte, flags int, to unix.Sockaddr) (int, error) {
	return hook.SendTo(s.fd, p, flags, to)
}

// RecvFrom receives a datagram and its source.
func (s *Socket) RecvFrom(p []byte, flags int) (int, unix.Sockaddr, error) {
	return hook.RecvFrom(s.fd, p, flags)
}

// Close cancels pending waiters and releases the fd.
func (s *Socket) Close() error {
	return hook.Close(s.fd)
}

// SetRecvTimeout bounds cooperative receives in ms.
func (s *Socket) SetRecvTimeout(ms uint64) {
	hook.SetRecvTimeout(s.fd, ms)
}

// SetSendTimeout bounds cooperative sends in ms.
func (s *Socket) SetSendTimeout(ms uint64) {
	hook.SetSendTimeout(s.fd, ms)
}

// RecvTimeout returns the receive deadline, fdreg.NoTimeout if unset.
func (s *Socket) RecvTimeout() uint64 {
	if meta := fdreg.Default().Get(s.fd, false); meta != nil {
		return meta.Timeout(fdreg.RecvTimeout)
	}
	return fdreg.NoTimeout
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (unix.Sockaddr, error) {
	return unix.Getsockname(s.fd)
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() (unix.Sockaddr, error) {
	return unix.Getpeername(s.fd)
}
