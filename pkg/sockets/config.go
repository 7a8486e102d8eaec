// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/easysockets/pkg/sched"
)

// RetentionPolicy decides what happens to an entry whose socket was detached
// after a terminal error while its owner still holds the handle.
type RetentionPolicy uint8

const (
	// RetainUntilReleased keeps a socketless entry until its owner releases the
	// handle. Socket death and buffer abandonment are tracked independently and
	// the entry's diagnostics stay visible in the Manager's snapshots.
	RetainUntilReleased RetentionPolicy = iota

	// RetireDetached removes an entry in the same cycle its socket is detached.
	// The owner can still inspect the Buffer through its handle.
	RetireDetached
)

func (p RetentionPolicy) String() string {
	switch p {
	case RetainUntilReleased:
		return "retain"
	case RetireDetached:
		return "retire"
	default:
		return "unknown"
	}
}

// ParseRetentionPolicy parses "retain" or "retire". An empty string selects
// RetainUntilReleased.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch s {
	case "", "retain":
		return RetainUntilReleased, nil
	case "retire":
		return RetireDetached, nil
	default:
		return 0, fmt.Errorf("unknown retention policy %q", s)
	}
}

// Config of a Manager.
type Config struct {
	// Name identifies the Manager in logs, metrics and a Registry.
	Name string

	// UpdateInterval between two update cycles, used by Manager.Start.
	UpdateInterval time.Duration

	// Workers for a Manager-owned Scheduler; see sched.New.
	Workers int

	Retention RetentionPolicy
}

// DefaultConfig returns a Config for the given name.
func DefaultConfig(name string) Config {
	return Config{
		Name:           name,
		UpdateInterval: 10 * time.Millisecond,
		Retention:      RetainUntilReleased,
	}
}

type options struct {
	scheduler  *sched.Scheduler
	clock      clock.Clock
	registerer prometheus.Registerer
}

// Option configures optional Manager collaborators.
type Option func(*options)

// WithScheduler shares a Scheduler instead of creating one per Manager. A
// shared Scheduler is not closed by the Manager.
func WithScheduler(scheduler *sched.Scheduler) Option {
	return func(o *options) {
		o.scheduler = scheduler
	}
}

// WithClock replaces the wall clock, e.g., by a mock for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithRegisterer registers the Manager's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
