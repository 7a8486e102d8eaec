// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rawio

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dtn7/easysockets/pkg/sockets"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return
}

// readEventually retries ReadAvailable until data arrived.
func readEventually(t *testing.T, s *Stream, p []byte) (n int, err error) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err = s.ReadAvailable(p)
		if !errors.Is(err, sockets.ErrWouldBlock) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no data arrived in time")
	return
}

func TestStreamReadWrite(t *testing.T) {
	client, server := tcpPair(t)

	s, err := NewStream(server)
	require.NoError(t, err)
	require.NoError(t, s.SetKeepAlive(DefaultKeepAlive()))

	p := make([]byte, 64)
	_, err = s.ReadAvailable(p)
	require.ErrorIs(t, err, sockets.ErrWouldBlock)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	n, err := readEventually(t, s, p)
	require.NoError(t, err)
	require.Equal(t, "hello", string(p[:n]))

	n, err = s.WriteVectored([][]byte{[]byte("foo"), []byte("bar")})
	require.NoError(t, err)
	require.Equal(t, 6, n)

	got := make([]byte, 6)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, "foobar", string(got))

	require.NoError(t, client.Close())
	_, err = readEventually(t, s, p)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamClosed(t *testing.T) {
	_, server := tcpPair(t)

	s, err := NewStream(server)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ReadAvailable(make([]byte, 8))
	require.ErrorIs(t, err, net.ErrClosed)

	_, err = s.WriteVectored([][]byte{[]byte("x")})
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestDatagramRoundTrip(t *testing.T) {
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	da, err := NewDatagram(a)
	require.NoError(t, err)
	defer da.Close()
	db, err := NewDatagram(b)
	require.NoError(t, err)
	defer db.Close()

	p := make([]byte, 64)
	_, _, err = db.TryRecv(p)
	require.ErrorIs(t, err, sockets.ErrWouldBlock)

	ready, err := da.Writable(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ready)

	bAddr := b.LocalAddr().(*net.UDPAddr)
	require.NoError(t, da.TrySend([]byte("ping"), bAddr))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := db.Recv(p)
	require.NoError(t, err)
	require.Equal(t, "ping", string(p[:n]))
	require.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, from.Port)
	require.True(t, from.IP.Equal(net.IPv4(127, 0, 0, 1)))

	require.NoError(t, db.Send([]byte("pong"), from))
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = da.Recv(p)
	require.NoError(t, err)
	require.Equal(t, "pong", string(p[:n]))
}

func TestDatagramRecvDeadline(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	d, err := NewDatagram(conn)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err = d.Recv(make([]byte, 8))

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestToUDPAddr(t *testing.T) {
	addr, err := ToUDPAddr(&net.UDPAddr{Port: 1})
	require.NoError(t, err)
	require.Equal(t, 1, addr.Port)

	_, err = ToUDPAddr(&net.TCPAddr{Port: 1})
	require.ErrorIs(t, err, ErrNotUDP)
}
