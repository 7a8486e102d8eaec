// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sched provides the shared, multi-worker task scheduler the socket
// managers and the QUIC runtime adapter run on.
//
// A Scheduler owns a fixed number of worker slots. Both detached tasks, see
// Spawn, and joined task groups, see Gather, take a slot while running. Thus,
// the amount of concurrently executed work is bounded regardless of how many
// sockets are registered.
package sched

import (
	"context"
	"errors"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Gather after the Scheduler was closed.
var ErrClosed = errors.New("scheduler is closed")

// Task is a unit of work. Its context is cancelled when the Scheduler closes.
type Task func(ctx context.Context)

// Scheduler runs Tasks on a bounded set of worker slots.
type Scheduler struct {
	workers int
	slots   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	// detached tracks spawned Tasks, awaited by Close.
	detached sync.WaitGroup
}

// New creates a Scheduler with the given amount of workers. A non-positive
// value selects one worker per available CPU.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		workers: workers,
		slots:   semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Workers returns the number of worker slots.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Spawn runs a detached Task. The caller gives up all control over its
// completion; there is no handle to await or cancel it. Spawning on a closed
// Scheduler discards the Task.
func (s *Scheduler) Spawn(task Task) {
	if s.ctx.Err() != nil {
		log.Debug("Scheduler is closed, discarding spawned task")
		return
	}

	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.slots.Release(1)

		task(s.ctx)
	}()
}

// Gather runs n Tasks, passing each its index, and blocks until all of them
// have returned. Tasks not yet started when ctx or the Scheduler is done are
// skipped and the corresponding error is returned.
func (s *Scheduler) Gather(ctx context.Context, n int, task func(ctx context.Context, i int)) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var group errgroup.Group
	for i := 0; i < n; i++ {
		group.Go(func() error {
			if err := s.slots.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.slots.Release(1)

			task(ctx, i)
			return nil
		})
	}

	err := group.Wait()
	if err != nil && s.ctx.Err() != nil {
		return ErrClosed
	}
	return err
}

// Close cancels the context of all Tasks and waits for spawned Tasks to end.
func (s *Scheduler) Close() {
	s.cancel()
	s.detached.Wait()
}
