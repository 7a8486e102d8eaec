// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sockets

import (
	"context"
	"sync/atomic"
	"weak"

	"github.com/dtn7/easysockets/pkg/spinlock"
)

// noCopy makes go vet's copylocks check complain about copies of its container.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Owned is the single strong handle to a registered socket's Buffer.
//
// Exactly one Owned exists per registered socket and it must not be copied.
// The Manager only holds a weak reference. Closing the Owned, or dropping the
// last reference to it, is the only way for the application to end the
// socket's lifetime; the following update cycle retires the entry.
//
// Access to the Buffer is serialized between the owner and the Manager's
// update cycle by the Owned's lock.
type Owned[B any] struct {
	noCopy noCopy

	lock     *spinlock.SpinLock
	buffer   B
	released atomic.Bool
}

// newOwned wraps a Buffer. The returned weak pointer is the only one to be
// stored by a Manager.
func newOwned[B any](buffer B) (weak.Pointer[Owned[B]], *Owned[B]) {
	owned := &Owned[B]{
		lock:   spinlock.New(),
		buffer: buffer,
	}
	return weak.Make(owned), owned
}

// Lock blocks until the Buffer's lock is acquired and returns the Buffer. The
// Buffer must not be used after Unlock.
func (o *Owned[B]) Lock() B {
	o.lock.Lock()
	return o.buffer
}

// LockContext is like Lock, but gives up when ctx is done.
func (o *Owned[B]) LockContext(ctx context.Context) (buffer B, err error) {
	if err = o.lock.LockContext(ctx); err != nil {
		return
	}
	return o.buffer, nil
}

// TryLock acquires the lock only if it is free.
func (o *Owned[B]) TryLock() (buffer B, ok bool) {
	if !o.lock.TryLock() {
		return
	}
	return o.buffer, true
}

// Unlock releases the Buffer's lock.
func (o *Owned[B]) Unlock() {
	o.lock.Unlock()
}

// With calls f with the locked Buffer.
func (o *Owned[B]) With(f func(buffer B)) {
	buffer := o.Lock()
	defer o.Unlock()

	f(buffer)
}

// Close releases this handle. The Buffer stays accessible through the Owned,
// but the Manager retires its entry and closes the socket during the next
// update cycle. Close is idempotent.
func (o *Owned[B]) Close() {
	o.released.Store(true)
}

// Released reports whether Close was called.
func (o *Owned[B]) Released() bool {
	return o.released.Load()
}
