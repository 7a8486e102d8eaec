// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a resettable, single-shot countdown.
type Timer struct {
	clock clock.Clock

	mutex    sync.Mutex
	deadline time.Time

	// reset wakes a waiting goroutine to pick up a new deadline.
	reset chan struct{}
}

func newTimer(clk clock.Clock, deadline time.Time) *Timer {
	return &Timer{
		clock:    clk,
		deadline: deadline,
		reset:    make(chan struct{}, 1),
	}
}

// Reset the expiry instant. A waiting goroutine adopts the new deadline.
func (t *Timer) Reset(deadline time.Time) {
	t.mutex.Lock()
	t.deadline = deadline
	t.mutex.Unlock()

	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// Deadline returns the current expiry instant.
func (t *Timer) Deadline() time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.deadline
}

// Expired reports whether the deadline has passed.
func (t *Timer) Expired() bool {
	return !t.clock.Now().Before(t.Deadline())
}

// Wait sleeps until the deadline passes or ctx is done.
func (t *Timer) Wait(ctx context.Context) error {
	for {
		remaining := t.Deadline().Sub(t.clock.Now())
		if remaining <= 0 {
			return nil
		}

		timer := t.clock.Timer(remaining)
		select {
		case <-timer.C:
		case <-t.reset:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
