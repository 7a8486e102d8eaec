// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"context"
	"errors"
	"fmt"
)

// ErrWouldBlock signals that a non-blocking socket operation could not make
// progress right now. It is never a failure.
var ErrWouldBlock = errors.New("operation would block")

// ErrorAction classifies a failed Buffer update.
type ErrorAction uint8

const (
	// Retry marks a transient failure; the socket is updated again next cycle.
	Retry ErrorAction = iota

	// Drop marks a terminal failure; the socket is detached from its entry.
	Drop
)

func (a ErrorAction) String() string {
	switch a {
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return "unknown action"
	}
}

// UpdateError is the error returned by a Buffer's update hooks.
type UpdateError struct {
	Action ErrorAction
	Err    error
}

// NewDropError wraps err as a terminal UpdateError.
func NewDropError(err error) *UpdateError {
	return &UpdateError{Action: Drop, Err: err}
}

// NewRetryError wraps err as a transient UpdateError.
func NewRetryError(err error) *UpdateError {
	return &UpdateError{Action: Retry, Err: err}
}

func (e *UpdateError) Error() string {
	if e.Err == nil {
		return e.Action.String()
	}
	return fmt.Sprintf("%v: %v", e.Action, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// ActionOf classifies an error returned by an update hook. The boolean is false
// for a nil error. Errors without an UpdateError in their chain are terminal.
func ActionOf(err error) (action ErrorAction, failed bool) {
	if err == nil {
		return Retry, false
	}

	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Action, true
	}
	return Drop, true
}

// Buffer holds the protocol state for one socket of type S and records per
// cycle diagnostics in D.
//
// All hooks are called by the Manager while holding the Buffer's lock, in the
// order FlushWriteBufs, FillReadBufs, AdditionalUpdates. They must not block
// indefinitely; waiting is only allowed on I/O readiness. A nil return value
// signals success, possibly without any progress. Failures should be reported
// as UpdateError.
type Buffer[S, D any] interface {
	// FillReadBufs reads as much as is currently available from the socket.
	FillReadBufs(ctx context.Context, socket S, diag *D) error

	// FlushWriteBufs writes queued data until the queue is empty or the socket
	// cannot accept more.
	FlushWriteBufs(ctx context.Context, socket S, diag *D) error

	// AdditionalUpdates performs protocol-specific housekeeping, e.g.,
	// keep-alives. It may be a no-op.
	AdditionalUpdates(ctx context.Context, socket S, diag *D) error
}

// BuildFunc constructs a Buffer from a socket's metadata. It must neither take
// ownership of the socket nor change its connection state.
type BuildFunc[B, S any] func(socket S) (B, error)

// ByteCounter might be implemented by a diagnostics type's pointer to feed the
// Manager's byte metrics with the last cycle's amounts.
type ByteCounter interface {
	BytesRead() int
	BytesWritten() int
}

// RegisterError is returned if a socket could not be registered. The socket is
// handed back untouched, no entry was created.
type RegisterError[S any] struct {
	Socket S
	Err    error
}

func (e *RegisterError[S]) Error() string {
	return fmt.Sprintf("socket registration failed: %v", e.Err)
}

func (e *RegisterError[S]) Unwrap() error {
	return e.Err
}
