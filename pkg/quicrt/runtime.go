// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicrt runs QUIC endpoints of github.com/quic-go/quic-go on the
// shared scheduler and on datagram sockets driven the same way as the
// socket managers' sockets.
//
// A Runtime provides countdown Timers, detached task spawning and
// DatagramSocket wrappers for UDP sockets. A DatagramSocket implements
// net.PacketConn and is handed to a quic.Transport by an Endpoint.
package quicrt

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/easysockets/pkg/internal/rawio"
	"github.com/dtn7/easysockets/pkg/sched"
)

// Runtime bundles the scheduler and the clock used by QUIC endpoints.
type Runtime struct {
	scheduler    *sched.Scheduler
	ownScheduler bool
	clock        clock.Clock
}

// New creates a Runtime. A nil scheduler results in a Runtime-owned one, a nil
// clock selects the wall clock.
func New(scheduler *sched.Scheduler, clk clock.Clock) *Runtime {
	rt := &Runtime{
		scheduler: scheduler,
		clock:     clk,
	}

	if rt.scheduler == nil {
		rt.scheduler = sched.New(0)
		rt.ownScheduler = true
	}
	if rt.clock == nil {
		rt.clock = clock.New()
	}

	return rt
}

// NewTimer creates a Timer expiring at deadline.
func (rt *Runtime) NewTimer(deadline time.Time) *Timer {
	return newTimer(rt.clock, deadline)
}

// Spawn runs a detached task on the scheduler. There is no way to await or to
// cancel a single task; all tasks' contexts are cancelled by Close.
func (rt *Runtime) Spawn(task func(ctx context.Context)) {
	rt.scheduler.Spawn(task)
}

// WrapUDPSocket takes over a bound *net.UDPConn. The DatagramSocket owns the
// connection afterwards.
func (rt *Runtime) WrapUDPSocket(conn *net.UDPConn) (*DatagramSocket, error) {
	raw, err := rawio.NewDatagram(conn)
	if err != nil {
		return nil, &EndpointError{Op: "wrap", Err: err}
	}

	log.WithField("local", conn.LocalAddr()).Debug("Wrapped UDP socket for QUIC runtime")

	return &DatagramSocket{
		conn:  conn,
		raw:   raw,
		clock: rt.clock,
	}, nil
}

// Close cancels all spawned tasks and waits for them. A shared scheduler is
// left untouched.
func (rt *Runtime) Close() {
	if rt.ownScheduler {
		rt.scheduler.Close()
	}
}
