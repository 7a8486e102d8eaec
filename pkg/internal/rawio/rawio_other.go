// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package rawio

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// This file implements the non-blocking operations for operating systems next
// to Linux. Instead of raw syscalls, a very short deadline bounds each call.

// attemptWindow bounds a single "non-blocking" attempt.
const attemptWindow = time.Millisecond

func timedOut(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Stream is a connected, stream oriented socket.
type Stream struct {
	conn net.Conn
}

// NewStream wraps a net.Conn.
func NewStream(conn net.Conn) (*Stream, error) {
	return &Stream{conn: conn}, nil
}

// ReadAvailable performs one short read.
func (s *Stream) ReadAvailable(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(attemptWindow)); err != nil {
		return 0, err
	}

	n, err := s.conn.Read(p)
	if timedOut(err) {
		if n > 0 {
			return n, nil
		}
		return 0, sockets.ErrWouldBlock
	}
	return n, err
}

// WriteVectored performs one short vectored write.
func (s *Stream) WriteVectored(bufs [][]byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(attemptWindow)); err != nil {
		return 0, err
	}

	buffers := net.Buffers(append([][]byte(nil), bufs...))
	n, err := buffers.WriteTo(s.conn)
	if timedOut(err) {
		if n > 0 {
			return int(n), nil
		}
		return 0, sockets.ErrWouldBlock
	}
	return int(n), err
}

// SetKeepAlive enables TCP keepalive probing for *net.TCPConn.
func (s *Stream) SetKeepAlive(ka KeepAlive) error {
	tcpConn, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     ka.Idle,
		Interval: ka.Interval,
		Count:    ka.Count,
	})
}

// Close the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// Datagram is an unconnected UDP socket.
type Datagram struct {
	conn *net.UDPConn
}

// NewDatagram wraps a bound *net.UDPConn.
func NewDatagram(conn *net.UDPConn) (*Datagram, error) {
	return &Datagram{conn: conn}, nil
}

// Conn returns the wrapped connection.
func (d *Datagram) Conn() *net.UDPConn {
	return d.conn
}

// TrySend performs one short send of p to addr.
func (d *Datagram) TrySend(p []byte, addr *net.UDPAddr) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(attemptWindow)); err != nil {
		return err
	}
	defer d.conn.SetWriteDeadline(time.Time{})

	_, err := d.conn.WriteToUDP(p, addr)
	if timedOut(err) {
		return sockets.ErrWouldBlock
	}
	return err
}

// Send waits until the socket accepts p or the write deadline passes.
func (d *Datagram) Send(p []byte, addr *net.UDPAddr) error {
	_, err := d.conn.WriteToUDP(p, addr)
	return err
}

// TryRecv performs one short receive.
func (d *Datagram) TryRecv(p []byte) (int, *net.UDPAddr, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(attemptWindow)); err != nil {
		return 0, nil, err
	}
	defer d.conn.SetReadDeadline(time.Time{})

	n, addr, err := d.conn.ReadFromUDP(p)
	if timedOut(err) {
		return 0, nil, sockets.ErrWouldBlock
	}
	return n, addr, err
}

// Recv waits for the next datagram or until the read deadline passes.
func (d *Datagram) Recv(p []byte) (int, *net.UDPAddr, error) {
	return d.conn.ReadFromUDP(p)
}

// Writable always reports true; UDP sends rarely block on these platforms.
func (d *Datagram) Writable(_ time.Duration) (bool, error) {
	return true, nil
}

// Close the underlying connection.
func (d *Datagram) Close() error {
	return d.conn.Close()
}
