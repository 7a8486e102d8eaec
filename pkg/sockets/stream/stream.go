// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stream implements the Buffer for connected stream sockets, e.g., TCP.
//
// Received bytes are queued as chunks, one per update cycle, and handed to the
// application through a Stream. Bytes written to a Stream are queued and
// flushed by the Manager's update cycle with vectored writes.
package stream

import (
	"iter"
	"net"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// Stream is the application's handle to a registered stream socket. It owns
// the socket: closing it, or dropping the last reference, retires the socket.
type Stream struct {
	owned *sockets.Owned[*Buffer]
}

// Write queues a copy of p. Once the socket died, its TerminalError is
// returned instead.
func (s *Stream) Write(p []byte) (int, error) {
	buf := s.owned.Lock()
	defer s.owned.Unlock()

	if buf.terminal != nil {
		return 0, buf.terminal
	}

	buf.Queue(p)
	return len(p), nil
}

// Read takes received bytes in order. If nothing is buffered,
// sockets.ErrWouldBlock is returned, or the TerminalError once the socket died.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	buf := s.owned.Lock()
	defer s.owned.Unlock()

	if buf.Buffered() == 0 {
		if buf.terminal != nil {
			return 0, buf.terminal
		}
		return 0, sockets.ErrWouldBlock
	}
	return buf.Read(p), nil
}

// Peek yields all buffered bytes without consuming them. The Buffer's lock is
// held for the whole range loop, which stalls the socket's updates; keep the
// loop short.
func (s *Stream) Peek() iter.Seq[byte] {
	return func(yield func(byte) bool) {
		buf := s.owned.Lock()
		defer s.owned.Unlock()

		for b := range buf.Incoming() {
			if !yield(b) {
				return
			}
		}
	}
}

// Buffered returns the amount of received, unread bytes.
func (s *Stream) Buffered() int {
	buf := s.owned.Lock()
	defer s.owned.Unlock()

	return buf.Buffered()
}

// Pending returns the amount of queued, unwritten bytes.
func (s *Stream) Pending() int {
	buf := s.owned.Lock()
	defer s.owned.Unlock()

	return buf.Pending()
}

// TerminalError returns why the socket died, or nil while it is alive.
func (s *Stream) TerminalError() error {
	buf := s.owned.Lock()
	defer s.owned.Unlock()

	if buf.terminal == nil {
		return nil
	}
	return buf.terminal
}

// Close releases the Stream. The socket is closed by the next update cycle.
func (s *Stream) Close() error {
	s.owned.Close()
	return nil
}

// Manager drives stream sockets.
type Manager struct {
	*sockets.Manager[*Buffer, Socket, Diagnostics]
}

// NewManager creates a Manager for stream sockets.
func NewManager(cfg sockets.Config, opts ...sockets.Option) *Manager {
	return &Manager{
		Manager: sockets.NewManager[*Buffer, Socket, Diagnostics](cfg, Build, opts...),
	}
}

// RegisterSocket registers a Socket and returns its Stream.
func (m *Manager) RegisterSocket(socket Socket) (*Stream, error) {
	owned, err := m.Manager.Register(socket)
	if err != nil {
		return nil, err
	}
	return &Stream{owned: owned}, nil
}

// RegisterConn wraps a net.Conn, see NewConn, and registers it. On failure, a
// *sockets.RegisterError[net.Conn] hands back the connection.
func (m *Manager) RegisterConn(conn net.Conn) (*Stream, error) {
	socket, err := NewConn(conn)
	if err != nil {
		return nil, &sockets.RegisterError[net.Conn]{Socket: conn, Err: err}
	}

	stream, err := m.RegisterSocket(socket)
	if err != nil {
		return nil, &sockets.RegisterError[net.Conn]{Socket: conn, Err: err}
	}
	return stream, nil
}
