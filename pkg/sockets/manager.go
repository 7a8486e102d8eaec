// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/easysockets/pkg/sched"
)

// ErrManagerClosed is the cause of a RegisterError after Close.
var ErrManagerClosed = errors.New("manager is closed")

// EntryStatus is a snapshot of a Manager's entry.
type EntryStatus[D any] struct {
	ID             uuid.UUID `json:"id"`
	Attached       bool      `json:"attached"`
	DetachedCycles int       `json:"detached_cycles"`
	Diagnostics    D         `json:"diagnostics"`
}

// Manager owns the entries of all sockets of one kind and drives their
// Buffers forward. Buffers of type B are built for sockets of type S and
// record diagnostics of type D.
type Manager[B Buffer[S, D], S, D any] struct {
	cfg   Config
	build BuildFunc[B, S]

	scheduler    *sched.Scheduler
	ownScheduler bool
	clock        clock.Clock
	metrics      *metrics

	// cycleMu is held for a whole update cycle; entries is only touched while
	// holding it.
	cycleMu sync.Mutex
	entries []*socketEntry[B, S, D]

	// pending collects registrations, merged at the start of the next cycle.
	pendingMu sync.Mutex
	pending   []*socketEntry[B, S, D]

	// ctx is passed to the Buffer hooks and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// stop{Syn,Ack} are used to supervise closing the handler, see Close()
	stopSyn chan struct{}
	stopAck chan struct{}

	started   atomic.Bool
	stopped   atomic.Bool
	closeOnce sync.Once
}

// NewManager creates a Manager which builds Buffers with build. The update
// cycle must be driven either by calling Update or by Start.
func NewManager[B Buffer[S, D], S, D any](cfg Config, build BuildFunc[B, S], opts ...Option) *Manager[B, S, D] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Name == "" {
		cfg.Name = "sockets"
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig(cfg.Name).UpdateInterval
	}

	manager := &Manager[B, S, D]{
		cfg:       cfg,
		build:     build,
		scheduler: o.scheduler,
		clock:     o.clock,
		metrics:   newMetrics(cfg.Name, o.registerer),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	if manager.scheduler == nil {
		manager.scheduler = sched.New(cfg.Workers)
		manager.ownScheduler = true
	}
	if manager.clock == nil {
		manager.clock = clock.New()
	}

	manager.ctx, manager.cancel = context.WithCancel(context.Background())

	return manager
}

// Name of this Manager.
func (manager *Manager[B, S, D]) Name() string {
	return manager.cfg.Name
}

// Register builds a Buffer for the socket and returns the only strong handle
// to it. The socket is updated from the next cycle on.
//
// If the Buffer cannot be built, a *RegisterError holding the untouched socket
// is returned and no entry is created.
func (manager *Manager[B, S, D]) Register(socket S) (*Owned[B], error) {
	if manager.stopped.Load() {
		return nil, &RegisterError[S]{Socket: socket, Err: ErrManagerClosed}
	}

	buffer, err := manager.build(socket)
	if err != nil {
		log.WithFields(log.Fields{
			"manager": manager.cfg.Name,
			"error":   err,
		}).Debug("Failed to build buffer, socket is returned")

		return nil, &RegisterError[S]{Socket: socket, Err: err}
	}

	ref, owned := newOwned(buffer)
	entry := &socketEntry[B, S, D]{
		id:       uuid.New(),
		owner:    ref,
		socket:   socket,
		attached: true,
	}

	// stopped is set under pendingMu, so Close either merges this entry or
	// rejects it here.
	manager.pendingMu.Lock()
	if manager.stopped.Load() {
		manager.pendingMu.Unlock()
		return nil, &RegisterError[S]{Socket: socket, Err: ErrManagerClosed}
	}
	manager.pending = append(manager.pending, entry)
	manager.pendingMu.Unlock()

	log.WithFields(log.Fields{
		"manager": manager.cfg.Name,
		"entry":   entry.id,
	}).Debug("Registered socket")

	return owned, nil
}

// mergePending moves new registrations into the entry set; cycleMu must be held.
func (manager *Manager[B, S, D]) mergePending() {
	manager.pendingMu.Lock()
	defer manager.pendingMu.Unlock()

	manager.entries = append(manager.entries, manager.pending...)
	manager.pending = nil
}

// Update performs one update cycle. Every entry is updated concurrently on the
// Scheduler and all of them have finished when Update returns. Failures are
// handled per entry and never abort the cycle.
func (manager *Manager[B, S, D]) Update(ctx context.Context) {
	manager.cycleMu.Lock()
	defer manager.cycleMu.Unlock()

	start := manager.clock.Now()
	manager.mergePending()

	entries := manager.entries
	outcomes := make([]entryOutcome, len(entries))

	err := manager.scheduler.Gather(ctx, len(entries), func(ctx context.Context, i int) {
		outcomes[i] = entries[i].update(ctx)
	})
	if err != nil {
		log.WithFields(log.Fields{
			"manager": manager.cfg.Name,
			"error":   err,
		}).Debug("Update cycle was interrupted")
	}

	kept := entries[:0]
	for i, entry := range entries {
		outcome := outcomes[i]
		manager.account(entry, outcome)

		switch {
		case entry.dropFlag:
			log.WithFields(log.Fields{
				"manager": manager.cfg.Name,
				"entry":   entry.id,
			}).Debug("Owner released buffer, retiring entry")

		case !entry.attached && manager.cfg.Retention == RetireDetached:
			log.WithFields(log.Fields{
				"manager": manager.cfg.Name,
				"entry":   entry.id,
			}).Debug("Retiring detached entry")

		default:
			kept = append(kept, entry)
			continue
		}

		manager.metrics.retired.Inc()
	}

	clear(entries[len(kept):])
	manager.entries = kept

	manager.metrics.entries.Set(float64(len(kept)))
	manager.metrics.cycles.Inc()
	manager.metrics.cycleDuration.Observe(manager.clock.Since(start).Seconds())
}

// account logs and counts an entry's outcome.
func (manager *Manager[B, S, D]) account(entry *socketEntry[B, S, D], outcome entryOutcome) {
	if outcome.ran {
		if bc, ok := any(&entry.diag).(ByteCounter); ok {
			manager.metrics.bytesRead.Add(float64(bc.BytesRead()))
			manager.metrics.bytesWritten.Add(float64(bc.BytesWritten()))
		}
	}

	if outcome.retries > 0 {
		manager.metrics.retries.Add(float64(outcome.retries))
	}

	if outcome.dropped {
		manager.metrics.drops.Inc()

		log.WithFields(log.Fields{
			"manager": manager.cfg.Name,
			"entry":   entry.id,
			"error":   outcome.err,
		}).Warn("Socket failed terminally, detaching it")
	}

	if outcome.closeErr != nil {
		log.WithFields(log.Fields{
			"manager": manager.cfg.Name,
			"entry":   entry.id,
			"error":   outcome.closeErr,
		}).Info("Closing detached socket errored")
	}
}

// Start runs update cycles every UpdateInterval until Close is called.
// Subsequent calls are no-ops.
func (manager *Manager[B, S, D]) Start() {
	if manager.stopped.Load() || !manager.started.CompareAndSwap(false, true) {
		return
	}

	ticker := manager.clock.Ticker(manager.cfg.UpdateInterval)
	go manager.handler(ticker)

	log.WithFields(log.Fields{
		"manager":  manager.cfg.Name,
		"interval": manager.cfg.UpdateInterval,
	}).Info("Started socket manager")
}

// handler is the internal goroutine for periodic updates.
func (manager *Manager[B, S, D]) handler(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-manager.stopSyn:
			log.WithField("manager", manager.cfg.Name).Debug("Socket manager received closing signal")

			close(manager.stopAck)
			return

		case <-ticker.C:
			manager.Update(manager.ctx)
		}
	}
}

// Close stops the update loop and closes all sockets. The handles stay usable
// for their owners, but nothing is read or written anymore.
func (manager *Manager[B, S, D]) Close() (err error) {
	manager.closeOnce.Do(func() {
		manager.pendingMu.Lock()
		manager.stopped.Store(true)
		manager.pendingMu.Unlock()

		manager.cancel()

		close(manager.stopSyn)
		if manager.started.Load() {
			<-manager.stopAck
		}

		manager.cycleMu.Lock()
		manager.mergePending()
		for _, entry := range manager.entries {
			if closeErr := entry.detach(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
		manager.entries = nil
		manager.metrics.entries.Set(0)
		manager.cycleMu.Unlock()

		if manager.ownScheduler {
			manager.scheduler.Close()
		}

		log.WithField("manager", manager.cfg.Name).Info("Closed socket manager")
	})

	return
}

// Len returns the number of entries, including those registered since the
// last cycle.
func (manager *Manager[B, S, D]) Len() int {
	manager.cycleMu.Lock()
	defer manager.cycleMu.Unlock()

	manager.pendingMu.Lock()
	defer manager.pendingMu.Unlock()

	return len(manager.entries) + len(manager.pending)
}

// Snapshot returns the state of all entries. It waits for a running update
// cycle to finish.
func (manager *Manager[B, S, D]) Snapshot() []EntryStatus[D] {
	manager.cycleMu.Lock()
	defer manager.cycleMu.Unlock()

	manager.pendingMu.Lock()
	defer manager.pendingMu.Unlock()

	statuses := make([]EntryStatus[D], 0, len(manager.entries)+len(manager.pending))
	for _, entries := range [][]*socketEntry[B, S, D]{manager.entries, manager.pending} {
		for _, entry := range entries {
			statuses = append(statuses, EntryStatus[D]{
				ID:             entry.id,
				Attached:       entry.attached,
				DetachedCycles: entry.detachedCycles,
				Diagnostics:    entry.diag,
			})
		}
	}
	return statuses
}

// Status returns an untyped snapshot, e.g., for JSON encoding.
func (manager *Manager[B, S, D]) Status() any {
	return manager.Snapshot()
}
