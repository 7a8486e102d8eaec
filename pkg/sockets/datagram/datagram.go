// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package datagram implements the Buffer for unconnected UDP sockets.
//
// Every received datagram is queued with its sender's address; outgoing
// datagrams are sent in the order they were queued. ICMP feedback, e.g., a
// refused port, is reported by the OS on later operations and does not render
// the socket unusable. Thus, such errors only result in a retry.
package datagram

import (
	"context"
	"errors"
	"net"
	"slices"
	"syscall"

	"github.com/valyala/bytebufferpool"

	"github.com/dtn7/easysockets/pkg/internal/rawio"
	"github.com/dtn7/easysockets/pkg/sockets"
)

const (
	// maxDatagramSize is the largest UDP payload.
	maxDatagramSize = 64 * 1024

	// maxDatagramsPerCycle bounds the datagrams received per cycle.
	maxDatagramsPerCycle = 1024
)

// ErrNilSocket is returned by Build for a nil Socket.
var ErrNilSocket = errors.New("datagram socket is nil")

var recvPool bytebufferpool.Pool

// Socket is an unconnected datagram socket supporting non-blocking
// operations, returning sockets.ErrWouldBlock if they cannot make progress.
type Socket interface {
	TryRecv(p []byte) (int, *net.UDPAddr, error)
	TrySend(p []byte, addr *net.UDPAddr) error
}

// Conn is the Socket for a *net.UDPConn.
type Conn struct {
	*rawio.Datagram
}

// NewConn wraps a bound *net.UDPConn.
func NewConn(conn *net.UDPConn) (*Conn, error) {
	raw, err := rawio.NewDatagram(conn)
	if err != nil {
		return nil, err
	}
	return &Conn{Datagram: raw}, nil
}

// LocalAddr of the bound socket.
func (c *Conn) LocalAddr() net.Addr {
	return c.Conn().LocalAddr()
}

// Datagram is a single packet and its peer.
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// Diagnostics of a datagram socket. All fields but the totals refer to the
// last update cycle.
type Diagnostics struct {
	Received     int   `json:"received"`
	Sent         int   `json:"sent"`
	Read         int   `json:"read"`
	Written      int   `json:"written"`
	Refused      int   `json:"refused"`
	TotalRead    int64 `json:"total_read"`
	TotalWritten int64 `json:"total_written"`
}

// BytesRead in the last cycle.
func (d *Diagnostics) BytesRead() int { return d.Read }

// BytesWritten in the last cycle.
func (d *Diagnostics) BytesWritten() int { return d.Written }

// Buffer queues datagrams of a UDP socket.
type Buffer struct {
	incoming []Datagram
	outgoing []Datagram

	terminal error
}

// Build a Buffer for a Socket. The Socket is not touched.
func Build(socket Socket) (*Buffer, error) {
	if socket == nil {
		return nil, ErrNilSocket
	}
	return &Buffer{}, nil
}

// transient reports ICMP feedback which leaves the socket usable.
func transient(err error) bool {
	for _, target := range []error{
		syscall.ECONNREFUSED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.EMSGSIZE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify an error as Retry or Drop. The first terminal error is recorded.
func (b *Buffer) classify(err error, diag *Diagnostics) error {
	if transient(err) {
		diag.Refused++
		return sockets.NewRetryError(err)
	}

	if b.terminal == nil {
		b.terminal = err
	}
	return sockets.NewDropError(err)
}

// FillReadBufs receives all pending datagrams.
func (b *Buffer) FillReadBufs(_ context.Context, socket Socket, diag *Diagnostics) error {
	scratch := recvPool.Get()
	defer recvPool.Put(scratch)

	if cap(scratch.B) < maxDatagramSize {
		scratch.B = make([]byte, maxDatagramSize)
	}
	p := scratch.B[:maxDatagramSize]

	diag.Received, diag.Read = 0, 0
	for diag.Received < maxDatagramsPerCycle {
		n, addr, err := socket.TryRecv(p)
		if errors.Is(err, sockets.ErrWouldBlock) {
			break
		} else if err != nil {
			return b.classify(err, diag)
		}

		b.incoming = append(b.incoming, Datagram{Addr: addr, Data: slices.Clone(p[:n])})
		diag.Received++
		diag.Read += n
		diag.TotalRead += int64(n)
	}
	return nil
}

// FlushWriteBufs sends queued datagrams until the socket would block. A
// datagram refused by the OS is discarded.
func (b *Buffer) FlushWriteBufs(_ context.Context, socket Socket, diag *Diagnostics) error {
	diag.Sent, diag.Written, diag.Refused = 0, 0, 0

	for len(b.outgoing) > 0 {
		dgram := b.outgoing[0]

		err := socket.TrySend(dgram.Data, dgram.Addr)
		if errors.Is(err, sockets.ErrWouldBlock) {
			return nil
		}

		b.outgoing[0] = Datagram{}
		b.outgoing = b.outgoing[1:]

		if err != nil {
			return b.classify(err, diag)
		}

		diag.Sent++
		diag.Written += len(dgram.Data)
		diag.TotalWritten += int64(len(dgram.Data))
	}
	b.outgoing = nil
	return nil
}

// AdditionalUpdates is a no-op for datagram sockets.
func (b *Buffer) AdditionalUpdates(context.Context, Socket, *Diagnostics) error {
	return nil
}

// Queue a copy of p to be sent to addr.
func (b *Buffer) Queue(p []byte, addr *net.UDPAddr) {
	b.outgoing = append(b.outgoing, Datagram{Addr: addr, Data: slices.Clone(p)})
}

// Next takes the oldest received Datagram.
func (b *Buffer) Next() (dgram Datagram, ok bool) {
	if len(b.incoming) == 0 {
		return
	}

	dgram = b.incoming[0]
	b.incoming[0] = Datagram{}
	b.incoming = b.incoming[1:]
	return dgram, true
}

// Buffered returns the amount of received, unread datagrams.
func (b *Buffer) Buffered() int {
	return len(b.incoming)
}

// Pending returns the amount of queued, unsent datagrams.
func (b *Buffer) Pending() int {
	return len(b.outgoing)
}

// Terminal returns the error which killed the socket or nil.
func (b *Buffer) Terminal() error {
	return b.terminal
}
