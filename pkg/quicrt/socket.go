// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"

	"github.com/dtn7/easysockets/pkg/internal/rawio"
)

// Transmit is a single outgoing datagram.
type Transmit struct {
	Destination *net.UDPAddr
	Contents    []byte
}

// DatagramSocket is a UDP socket operated in non-blocking mode.
//
// Besides the single-attempt operations TrySend and TryRecv, it implements
// net.PacketConn. Its ReadFrom and WriteTo wait on the OS' readiness
// notifications and honour the deadlines.
type DatagramSocket struct {
	conn  *net.UDPConn
	raw   *rawio.Datagram
	clock clock.Clock
}

// TrySend issues one non-blocking send; sockets.ErrWouldBlock is returned if
// the socket's send buffer is full.
func (s *DatagramSocket) TrySend(t Transmit) error {
	return s.raw.TrySend(t.Contents, t.Destination)
}

// TryRecv issues one non-blocking receive; sockets.ErrWouldBlock is returned
// if no datagram is pending.
func (s *DatagramSocket) TryRecv(p []byte) (int, *net.UDPAddr, error) {
	return s.raw.TryRecv(p)
}

// ReadFrom waits for the next datagram.
func (s *DatagramSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := s.raw.Recv(p)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

// WriteTo waits until the socket accepts the datagram.
func (s *DatagramSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, err := rawio.ToUDPAddr(addr)
	if err != nil {
		return 0, err
	}
	if err := s.raw.Send(p, udpAddr); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close the socket.
func (s *DatagramSocket) Close() error {
	return s.raw.Close()
}

// LocalAddr returns the bound address.
func (s *DatagramSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// SetDeadline sets both the read and the write deadline.
func (s *DatagramSocket) SetDeadline(t time.Time) error {
	return s.conn.SetDeadline(t)
}

// SetReadDeadline bounds ReadFrom; it does not affect TryRecv.
func (s *DatagramSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline bounds WriteTo; it does not affect TrySend.
func (s *DatagramSocket) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

// SetReadBuffer sets the OS receive buffer size.
func (s *DatagramSocket) SetReadBuffer(bytes int) error {
	return s.conn.SetReadBuffer(bytes)
}

// SetWriteBuffer sets the OS send buffer size.
func (s *DatagramSocket) SetWriteBuffer(bytes int) error {
	return s.conn.SetWriteBuffer(bytes)
}

// CreateIOPoller returns a new writability Poller for this socket.
func (s *DatagramSocket) CreateIOPoller() *Poller {
	return &Poller{
		sock:  s,
		clock: s.clock,
		backoff: &backoff.Backoff{
			Min:    100 * time.Microsecond,
			Max:    10 * time.Millisecond,
			Factor: 2,
			Jitter: true,
		},
	}
}

var _ net.PacketConn = (*DatagramSocket)(nil)
