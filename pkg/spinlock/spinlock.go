// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package spinlock provides a mutual exclusion lock which can be acquired both
// by blocking and by suspending on a context.
//
// A contended SpinLock is first retried for a few rounds while yielding the
// processor. Afterwards the caller is parked until the lock is released, so a
// long contention never burns a scheduler thread.
package spinlock

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// spinRounds is the number of TryLock attempts before parking.
const spinRounds = 16

// SpinLock is a mutual exclusion lock. It must be created by New.
//
// SpinLock implements sync.Locker.
type SpinLock struct {
	sem *semaphore.Weighted
}

// New creates an unlocked SpinLock.
func New() *SpinLock {
	return &SpinLock{sem: semaphore.NewWeighted(1)}
}

// TryLock acquires the lock if it is free and reports whether it succeeded.
func (l *SpinLock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

// spin tries to grab the lock for a few rounds, yielding in between.
func (l *SpinLock) spin() bool {
	for i := 0; i < spinRounds; i++ {
		if l.TryLock() {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// Lock blocks until the lock is acquired.
func (l *SpinLock) Lock() {
	if l.spin() {
		return
	}
	_ = l.sem.Acquire(context.Background(), 1)
}

// LockContext acquires the lock or returns the context's error if it is done
// first. On error the lock is not held.
func (l *SpinLock) LockContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.spin() {
		return nil
	}
	return l.sem.Acquire(ctx, 1)
}

// Unlock releases the lock. Unlocking an unlocked SpinLock panics.
func (l *SpinLock) Unlock() {
	l.sem.Release(1)
}
