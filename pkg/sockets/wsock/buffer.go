// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wsock implements the Buffer for WebSocket connections, queueing
// whole messages instead of bytes.
package wsock

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// maxMessagesPerCycle bounds the messages received per cycle.
const maxMessagesPerCycle = 256

// ErrNilSocket is returned when building a Buffer for a nil Socket.
var ErrNilSocket = errors.New("websocket is nil")

// Socket is a message oriented connection. TryRecv returns
// sockets.ErrWouldBlock if no message is available.
type Socket interface {
	TryRecv() (Message, error)
	Send(msg Message) error
	Ping() error
}

// Diagnostics of a WebSocket. All fields but the totals refer to the last
// update cycle.
type Diagnostics struct {
	Received     int   `json:"received"`
	Sent         int   `json:"sent"`
	Read         int   `json:"read"`
	Written      int   `json:"written"`
	Pings        int   `json:"pings"`
	TotalRead    int64 `json:"total_read"`
	TotalWritten int64 `json:"total_written"`
}

// BytesRead in the last cycle.
func (d *Diagnostics) BytesRead() int { return d.Read }

// BytesWritten in the last cycle.
func (d *Diagnostics) BytesWritten() int { return d.Written }

// Buffer queues the messages of a WebSocket and keeps it alive with pings.
type Buffer struct {
	incoming []Message
	outgoing []Message

	keepalive time.Duration
	clock     clock.Clock
	lastPing  time.Time

	terminal error
}

// Builder returns a BuildFunc for Buffers pinging every keepalive interval. A
// non-positive interval disables pings.
func Builder(keepalive time.Duration, clk clock.Clock) sockets.BuildFunc[*Buffer, Socket] {
	if clk == nil {
		clk = clock.New()
	}

	return func(socket Socket) (*Buffer, error) {
		if socket == nil {
			return nil, ErrNilSocket
		}

		return &Buffer{
			keepalive: keepalive,
			clock:     clk,
			lastPing:  clk.Now(),
		}, nil
	}
}

func (b *Buffer) fail(err error) error {
	if b.terminal == nil {
		b.terminal = err
	}
	return sockets.NewDropError(err)
}

// FillReadBufs takes all messages received since the last cycle.
func (b *Buffer) FillReadBufs(_ context.Context, socket Socket, diag *Diagnostics) error {
	diag.Received, diag.Read = 0, 0

	for diag.Received < maxMessagesPerCycle {
		msg, err := socket.TryRecv()
		if errors.Is(err, sockets.ErrWouldBlock) {
			break
		} else if err != nil {
			return b.fail(err)
		}

		b.incoming = append(b.incoming, msg)
		diag.Received++
		diag.Read += len(msg.Data)
		diag.TotalRead += int64(len(msg.Data))
	}
	return nil
}

// FlushWriteBufs sends all queued messages. A failed write breaks a WebSocket
// for good.
func (b *Buffer) FlushWriteBufs(_ context.Context, socket Socket, diag *Diagnostics) error {
	diag.Sent, diag.Written = 0, 0

	for len(b.outgoing) > 0 {
		msg := b.outgoing[0]
		if err := socket.Send(msg); err != nil {
			return b.fail(err)
		}

		b.outgoing[0] = Message{}
		b.outgoing = b.outgoing[1:]

		diag.Sent++
		diag.Written += len(msg.Data)
		diag.TotalWritten += int64(len(msg.Data))
	}
	b.outgoing = nil
	return nil
}

// AdditionalUpdates pings the peer once the keepalive interval elapsed.
func (b *Buffer) AdditionalUpdates(_ context.Context, socket Socket, diag *Diagnostics) error {
	diag.Pings = 0

	if b.keepalive <= 0 || b.clock.Since(b.lastPing) < b.keepalive {
		return nil
	}

	if err := socket.Ping(); err != nil {
		return b.fail(err)
	}

	b.lastPing = b.clock.Now()
	diag.Pings++
	return nil
}

// Queue a copy of a message.
func (b *Buffer) Queue(msgType int, data []byte) {
	b.outgoing = append(b.outgoing, Message{Type: msgType, Data: slices.Clone(data)})
}

// Next takes the oldest received message.
func (b *Buffer) Next() (msg Message, ok bool) {
	if len(b.incoming) == 0 {
		return
	}

	msg = b.incoming[0]
	b.incoming[0] = Message{}
	b.incoming = b.incoming[1:]
	return msg, true
}

// Buffered returns the amount of received, unread messages.
func (b *Buffer) Buffered() int {
	return len(b.incoming)
}

// Terminal returns the error which killed the WebSocket or nil.
func (b *Buffer) Terminal() error {
	return b.terminal
}
