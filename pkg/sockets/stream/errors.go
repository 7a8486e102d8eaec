// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// TerminalKind describes why a stream socket died.
type TerminalKind uint8

const (
	// NotConnected means the peer is gone, e.g., the connection was refused,
	// reset, aborted or closed.
	NotConnected TerminalKind = iota

	// Reset is reserved for sockets reporting a reset on their own terms. The
	// built-in classification maps connection resets to NotConnected.
	Reset

	// Unexpected covers every other failure; TerminalError.Err holds the cause.
	Unexpected
)

func (k TerminalKind) String() string {
	switch k {
	case NotConnected:
		return "not connected"
	case Reset:
		return "reset"
	case Unexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// TerminalError is recorded on a Buffer when its socket fails for good.
type TerminalError struct {
	Kind TerminalKind
	Err  error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream socket %v", e.Kind)
	}
	return fmt.Sprintf("stream socket %v: %v", e.Kind, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// disconnectErrors are the OS errors signalling a lost peer.
var disconnectErrors = []error{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ENOTCONN,
	syscall.EPIPE,
	net.ErrClosed,
}

func isDisconnect(err error) bool {
	for _, target := range disconnectErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classifyWriteError maps a failed write to its TerminalError.
func classifyWriteError(err error) *TerminalError {
	if isDisconnect(err) {
		return &TerminalError{Kind: NotConnected, Err: err}
	}
	return &TerminalError{Kind: Unexpected, Err: err}
}

// classifyReadError maps a failed read to its TerminalError.
func classifyReadError(err error) *TerminalError {
	if isDisconnect(err) {
		return &TerminalError{Kind: NotConnected, Err: err}
	}
	return &TerminalError{Kind: Unexpected, Err: err}
}
