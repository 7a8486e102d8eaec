// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rawio performs single-attempt, non-blocking reads and writes on the
// file descriptors behind Go's net types.
//
// On Linux, the operations are issued directly with x/sys/unix on a
// syscall.RawConn and "would block" is reported as sockets.ErrWouldBlock. Other
// platforms fall back to very short deadlines on the net.Conn.
package rawio

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotUDP is returned for an address which is not a *net.UDPAddr.
var ErrNotUDP = errors.New("address is not a UDP address")

// KeepAlive configures TCP keepalive probing. Idle and Interval are rounded to
// whole seconds on Linux.
type KeepAlive struct {
	// Idle time before the first probe.
	Idle time.Duration

	// Interval between two probes.
	Interval time.Duration

	// Count of unanswered probes before the connection is dropped.
	Count int

	// UserTimeout bounds how long written data may remain unacknowledged.
	// Only supported on Linux; zero keeps the system's default.
	UserTimeout time.Duration
}

// DefaultKeepAlive detects abrupt connection losses within a few seconds.
func DefaultKeepAlive() KeepAlive {
	return KeepAlive{
		Idle:        5 * time.Second,
		Interval:    3 * time.Second,
		Count:       1,
		UserTimeout: 2 * time.Second,
	}
}

// ToUDPAddr asserts a net.Addr to a *net.UDPAddr, e.g., for net.PacketConn's
// WriteTo.
func ToUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok || udpAddr == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotUDP, addr)
	}
	return udpAddr, nil
}
