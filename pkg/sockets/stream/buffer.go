// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"

	"github.com/valyala/bytebufferpool"

	"github.com/dtn7/easysockets/pkg/sockets"
)

const (
	// minReadHint is the smallest scratch capacity for a read.
	minReadHint = 512

	// maxReadPerCycle bounds the bytes taken from one socket per cycle, so a
	// fast sender cannot keep an update task busy forever.
	maxReadPerCycle = 4 << 20

	// maxWriteVectors bounds the chunks passed to a single vectored write.
	maxWriteVectors = 64
)

// ErrNilSocket is returned by Build for a nil Socket.
var ErrNilSocket = errors.New("stream socket is nil")

// readPool provides scratch space for reads.
var readPool bytebufferpool.Pool

// Diagnostics of a stream socket. Read and Written refer to the last update
// cycle.
type Diagnostics struct {
	Read         int   `json:"read"`
	Written      int   `json:"written"`
	TotalRead    int64 `json:"total_read"`
	TotalWritten int64 `json:"total_written"`
}

// BytesRead in the last cycle.
func (d *Diagnostics) BytesRead() int { return d.Read }

// BytesWritten in the last cycle.
func (d *Diagnostics) BytesWritten() int { return d.Written }

// Buffer queues the incoming and outgoing bytes of a stream socket.
//
// Incoming bytes are appended as one chunk per cycle in arrival order.
// Outgoing chunks are written strictly front to back.
type Buffer struct {
	incoming chunkQueue
	outgoing chunkQueue

	// lastRead is the byte count of the previous cycle's read.
	lastRead int

	terminal *TerminalError
}

// Build a Buffer for a Socket. The Socket is not touched.
func Build(socket Socket) (*Buffer, error) {
	if socket == nil {
		return nil, ErrNilSocket
	}
	return &Buffer{}, nil
}

// fail records the first TerminalError and signals to drop the socket.
func (b *Buffer) fail(te *TerminalError) error {
	if b.terminal == nil {
		b.terminal = te
	}
	return sockets.NewDropError(te)
}

// FillReadBufs reads everything currently available into a new chunk.
func (b *Buffer) FillReadBufs(_ context.Context, socket Socket, diag *Diagnostics) error {
	scratch := readPool.Get()
	defer readPool.Put(scratch)

	hint := max(2*b.lastRead, minReadHint)
	if cap(scratch.B) < hint {
		scratch.B = make([]byte, hint)
	}
	p := scratch.B[:cap(scratch.B)]

	var readErr error
	total := 0
	for total < maxReadPerCycle {
		if total == len(p) {
			p = append(p, make([]byte, len(p))...)
		}

		n, err := socket.ReadAvailable(p[total:])
		total += n

		// A half-closed peer may still read; a lost one fails the next write.
		if errors.Is(err, sockets.ErrWouldBlock) || errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			readErr = err
			break
		} else if n == 0 {
			break
		}
	}
	scratch.B = p[:0]

	if total > 0 {
		b.incoming.push(bytes.Clone(p[:total]))
	}
	b.lastRead = total

	diag.Read = total
	diag.TotalRead += int64(total)

	if readErr != nil {
		return b.fail(classifyReadError(readErr))
	}
	return nil
}

// FlushWriteBufs writes queued chunks until the queue is empty or the socket
// does not accept more bytes.
func (b *Buffer) FlushWriteBufs(_ context.Context, socket Socket, diag *Diagnostics) (err error) {
	written := 0
	defer func() {
		diag.Written = written
		diag.TotalWritten += int64(written)
	}()

	for !b.outgoing.empty() {
		n, writeErr := socket.WriteVectored(b.outgoing.vectors(maxWriteVectors))
		if n > 0 {
			b.outgoing.drain(n)
			written += n
		}

		switch {
		case errors.Is(writeErr, sockets.ErrWouldBlock), errors.Is(writeErr, io.ErrShortWrite):
			return nil
		case writeErr != nil:
			return b.fail(classifyWriteError(writeErr))
		case n == 0:
			return nil
		}
	}
	return nil
}

// AdditionalUpdates is a no-op for stream sockets.
func (b *Buffer) AdditionalUpdates(context.Context, Socket, *Diagnostics) error {
	return nil
}

// Queue a copy of p for writing.
func (b *Buffer) Queue(p []byte) {
	b.outgoing.push(bytes.Clone(p))
}

// Read moves received bytes into p.
func (b *Buffer) Read(p []byte) int {
	return b.incoming.read(p)
}

// Incoming yields the received bytes without consuming them.
func (b *Buffer) Incoming() iter.Seq[byte] {
	return b.incoming.all()
}

// Buffered returns the amount of received, unread bytes.
func (b *Buffer) Buffered() int {
	return b.incoming.size
}

// Pending returns the amount of queued, unwritten bytes.
func (b *Buffer) Pending() int {
	return b.outgoing.size
}

// Terminal returns the reason the socket died or nil.
func (b *Buffer) Terminal() *TerminalError {
	return b.terminal
}
