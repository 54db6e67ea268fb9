//go:build linux

// File: socket/socket_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-fiber/fdreg"
	"github.com/momentics/hioload-fiber/iomanager"
)

func newIOM(t *testing.T) *iomanager.IOManager {
	t.Helper()
	m, err := iomanager.New(2, false, "socket-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSocket_UDPRoundTrip(t *testing.T) {
	m := newIOM(t)

	srv, err := NewUDP()
	require.NoError(t, err)
	require.NoError(t, srv.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	srvAddr, err := srv.LocalAddr()
	require.NoError(t, err)

	cli, err := NewUDP()
	require.NoError(t, err)
	require.NoError(t, cli.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))

	type reply struct {
		n    int
		buf  []byte
		err  error
		from unix.Sockaddr
	}
	got := make(chan reply, 1)
	require.NoError(t, m.Schedule(func() {
		buf := make([]byte, 32)
		n, from, rerr := srv.RecvFrom(buf, 0)
		got <- reply{n, buf, rerr, from}
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Schedule(func() {
		_, serr := cli.SendTo([]byte("hello"), 0, srvAddr)
		require.NoError(t, serr)
	}))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, 5, r.n)
		require.Equal(t, "hello", string(r.buf[:r.n]))
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
}

func TestSocket_TCPAcceptConnectEcho(t *testing.T) {
	m := newIOM(t)

	ln, err := NewTCP()
	require.NoError(t, err)
	require.NoError(t, ln.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, ln.Listen(8))
	addr, err := ln.LocalAddr()
	require.NoError(t, err)

	done := make(chan string, 1)
	require.NoError(t, m.Schedule(func() {
		conn, _, aerr := ln.Accept()
		if aerr != nil {
			done <- "accept: " + aerr.Error()
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, rerr := conn.Recv(buf, 0)
		if rerr != nil {
			done <- "recv: " + rerr.Error()
			return
		}
		if _, serr := conn.Send(buf[:n], 0); serr != nil {
			done <- "send: " + serr.Error()
			return
		}
		done <- ""
	}))

	echoed := make(chan string, 1)
	require.NoError(t, m.Schedule(func() {
		cli, cerr := NewTCP()
		if cerr != nil {
			echoed <- cerr.Error()
			return
		}
		defer cli.Close()
		if cerr = cli.Connect(addr); cerr != nil {
			echoed <- "connect: " + cerr.Error()
			return
		}
		if _, cerr := cli.Send([]byte("PING"), 0); cerr != nil {
			echoed <- "send: " + cerr.Error()
			return
		}
		buf := make([]byte, 16)
		n, cerr := cli.Recv(buf, 0)
		if cerr != nil {
			echoed <- "recv: " + cerr.Error()
			return
		}
		echoed <- string(buf[:n])
	}))

	select {
	case msg := <-echoed:
		require.Equal(t, "PING", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("echo round trip stalled")
	}
	select {
	case serr := <-done:
		require.Empty(t, serr)
	case <-time.After(time.Second):
		t.Fatal("server fiber stalled")
	}
	require.NoError(t, ln.Close())
}

func TestSocket_RecvTimeoutConfigured(t *testing.T) {
	s, err := NewUDP()
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, fdreg.NoTimeout, s.RecvTimeout())
	s.SetRecvTimeout(300)
	require.Equal(t, uint64(300), s.RecvTimeout())
}
