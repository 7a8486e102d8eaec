// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"context"
	"fmt"
	"io"
	"weak"

	"github.com/google/uuid"
)

// socketEntry is the Manager's record of one registered socket. It is only
// mutated by the update cycle.
type socketEntry[B Buffer[S, D], S, D any] struct {
	id uuid.UUID

	// owner resolves to the application's handle as long as it is alive.
	owner weak.Pointer[Owned[B]]

	// socket is only valid while attached. A terminal error detaches it.
	socket   S
	attached bool

	diag D

	// dropFlag marks an entry to be removed after this cycle.
	dropFlag bool

	// detachedCycles counts the cycles an entry was kept without a socket.
	detachedCycles int
}

// entryOutcome summarizes a single entry's update.
type entryOutcome struct {
	// ran is true if the Buffer hooks were executed.
	ran bool

	// dropped is true if the socket was detached during this update.
	dropped bool

	// retries counts transient failures reported by the hooks.
	retries int

	// err is the first terminal error.
	err error

	// closeErr is the error of closing a detached socket.
	closeErr error
}

// resolve the owner's handle. A nil result means that the owner has given up
// the Buffer.
func (e *socketEntry[B, S, D]) resolve() *Owned[B] {
	owned := e.owner.Value()
	if owned == nil || owned.Released() {
		return nil
	}
	return owned
}

// detach clears the socket, closing it if possible.
func (e *socketEntry[B, S, D]) detach() (err error) {
	if !e.attached {
		return nil
	}

	if closer, ok := any(e.socket).(io.Closer); ok {
		err = closer.Close()
	}

	var zero S
	e.socket = zero
	e.attached = false
	return
}

// update performs one update cycle for this entry.
func (e *socketEntry[B, S, D]) update(ctx context.Context) (out entryOutcome) {
	owned := e.resolve()
	if owned == nil {
		e.dropFlag = true
		out.closeErr = e.detach()
		return
	}

	if !e.attached {
		e.detachedCycles++
		return
	}

	buffer, err := owned.LockContext(ctx)
	if err != nil {
		// Cancelled while waiting for the owner; nothing happened.
		return
	}
	defer owned.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out.dropped = true
			out.err = fmt.Errorf("buffer update panicked: %v", r)
			out.closeErr = e.detach()
		}
	}()

	out.ran = true

	// Draining outgoing data takes precedence over growing incoming buffers.
	results := []error{
		buffer.FlushWriteBufs(ctx, e.socket, &e.diag),
		buffer.FillReadBufs(ctx, e.socket, &e.diag),
		buffer.AdditionalUpdates(ctx, e.socket, &e.diag),
	}

	for _, result := range results {
		action, failed := ActionOf(result)
		if !failed {
			continue
		}

		if action == Drop {
			out.dropped = true
			if out.err == nil {
				out.err = result
			}
		} else {
			out.retries++
		}
	}

	if out.dropped {
		out.closeErr = e.detach()
	}
	return
}
