// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/easysockets/pkg/sched"
	"github.com/dtn7/easysockets/pkg/sockets"
)

func listenUDP(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func newRuntime(t *testing.T, clk clock.Clock) *Runtime {
	rt := New(nil, clk)
	t.Cleanup(rt.Close)
	return rt
}

func TestTimerWaitsForDeadline(t *testing.T) {
	mock := clock.NewMock()
	rt := newRuntime(t, mock)

	timer := rt.NewTimer(mock.Now().Add(time.Second))
	require.False(t, timer.Expired())

	done := make(chan error, 1)
	go func() { done <- timer.Wait(context.Background()) }()

	// Extend the deadline before it passes.
	timer.Reset(mock.Now().Add(3 * time.Second))
	require.Equal(t, mock.Now().Add(3*time.Second), timer.Deadline())

	mock.Add(2 * time.Second)
	select {
	case <-done:
		t.Fatal("timer fired before the reset deadline")
	case <-time.After(20 * time.Millisecond):
	}
	require.False(t, timer.Expired())

	var waitErr error
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		select {
		case waitErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, waitErr)
	require.True(t, timer.Expired())
}

func TestTimerWaitCancelled(t *testing.T) {
	rt := newRuntime(t, nil)
	timer := rt.NewTimer(time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, timer.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, rt.NewTimer(time.Now().Add(-time.Second)).Wait(context.Background()))
}

func TestSpawnDetached(t *testing.T) {
	scheduler := sched.New(2)
	defer scheduler.Close()

	rt := New(scheduler, nil)
	defer rt.Close()

	ran := make(chan struct{})
	rt.Spawn(func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned task did not run")
	}
}

func TestDatagramSocketTrySendRecv(t *testing.T) {
	rt := newRuntime(t, nil)

	a, err := rt.WrapUDPSocket(listenUDP(t))
	require.NoError(t, err)
	defer a.Close()
	b, err := rt.WrapUDPSocket(listenUDP(t))
	require.NoError(t, err)
	defer b.Close()

	p := make([]byte, 64)
	_, _, err = b.TryRecv(p)
	require.ErrorIs(t, err, sockets.ErrWouldBlock)

	require.NoError(t, a.TrySend(Transmit{
		Destination: b.LocalAddr().(*net.UDPAddr),
		Contents:    []byte("transmit"),
	}))

	var n int
	var from *net.UDPAddr
	require.Eventually(t, func() bool {
		n, from, err = b.TryRecv(p)
		return !errors.Is(err, sockets.ErrWouldBlock)
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "transmit", string(p[:n]))
	require.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, from.Port)

	// The net.PacketConn side.
	_, err = b.WriteTo([]byte("reply"), from)
	require.NoError(t, err)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := a.ReadFrom(p)
	require.NoError(t, err)
	require.Equal(t, "reply", string(p[:n]))
	require.Equal(t, b.LocalAddr().String(), addr.String())

	_, err = a.WriteTo([]byte("x"), &net.TCPAddr{})
	require.Error(t, err)
}

func TestDatagramSocketReadDeadline(t *testing.T) {
	rt := newRuntime(t, nil)

	s, err := rt.WrapUDPSocket(listenUDP(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, addr, err := s.ReadFrom(make([]byte, 8))
	require.Nil(t, addr)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestPollerReadyOnce(t *testing.T) {
	rt := newRuntime(t, nil)

	s, err := rt.WrapUDPSocket(listenUDP(t))
	require.NoError(t, err)
	defer s.Close()

	poller := s.CreateIOPoller()
	require.False(t, poller.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, poller.PollWritable(ctx))
	require.True(t, poller.Ready())

	// Once ready, a poller stays ready, even for a done context.
	cancel()
	require.NoError(t, poller.PollWritable(ctx))
	require.True(t, poller.Ready())
}

func TestEndpointEcho(t *testing.T) {
	rt := newRuntime(t, nil)

	tlsConf, err := SelfSignedTLSConfig(DefaultALPN)
	require.NoError(t, err)

	server, err := Server(rt, listenUDP(t), tlsConf, nil)
	require.NoError(t, err)
	defer server.Close()

	client, err := Client(rt, listenUDP(t))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Accept(context.Background())
	require.ErrorIs(t, err, ErrNoListener)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	rt.Spawn(func(context.Context) {
		conn, err := server.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverErr <- err
			return
		}

		_, err = io.Copy(stream, stream)
		_ = stream.Close()
		serverErr <- err
	})

	conn, err := client.Dial(ctx, server.LocalAddr(), InsecureDialerTLSConfig(DefaultALPN), nil)
	require.NoError(t, err)
	defer conn.CloseWithError(ApplicationShutdown, "done")

	stream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	_, err = stream.Write([]byte("hello quic"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	echo, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "hello quic", string(echo))

	require.NoError(t, <-serverErr)
}

func TestEndpointShutdownCode(t *testing.T) {
	rt := newRuntime(t, nil)

	tlsConf, err := SelfSignedTLSConfig(DefaultALPN)
	require.NoError(t, err)

	server, err := Server(rt, listenUDP(t), tlsConf, nil)
	require.NoError(t, err)
	defer server.Close()

	client, err := Client(rt, listenUDP(t))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	rt.Spawn(func(context.Context) {
		conn, err := server.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}

		_, err = conn.AcceptStream(ctx)
		serverErr <- err
	})

	conn, err := client.Dial(ctx, server.LocalAddr(), InsecureDialerTLSConfig(DefaultALPN), nil)
	require.NoError(t, err)
	require.NoError(t, conn.CloseWithError(ApplicationShutdown, "bye"))

	var appErr *quic.ApplicationError
	require.ErrorAs(t, <-serverErr, &appErr)
	require.True(t, appErr.Remote)
	require.Equal(t, ApplicationShutdown, appErr.ErrorCode)
}
