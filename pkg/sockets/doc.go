// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockets implements a buffer-multiplexing engine for network sockets.
//
// Sockets of one kind are registered at a Manager. For each socket the Manager
// builds a protocol-specific Buffer and hands out the only strong handle to it,
// an Owned. The application reads and writes through this handle, while the
// Manager's update cycle concurrently flushes outgoing and fills incoming data
// against the socket.
//
// The Manager itself only keeps a weak reference to each Owned. When the
// application closes or drops its handle, the next update cycle notices this
// and retires the entry, closing its socket. Terminal I/O errors detach the
// socket from its entry, but the Buffer stays available to its owner, who may
// inspect why the socket died.
//
// Multiple Managers, e.g., one per socket kind, are organized within a
// Registry, which offers an explicit start and shutdown for all of them.
package sockets
