// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package datagram

import (
	"net"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// Handle is the application's owning handle to a registered datagram socket.
type Handle struct {
	owned *sockets.Owned[*Buffer]
}

// Send queues a copy of p for addr. Once the socket died, its terminal error
// is returned instead.
func (h *Handle) Send(p []byte, addr *net.UDPAddr) error {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	if buf.terminal != nil {
		return buf.terminal
	}

	buf.Queue(p, addr)
	return nil
}

// Receive takes the oldest Datagram. If none is buffered,
// sockets.ErrWouldBlock is returned, or the terminal error once the socket died.
func (h *Handle) Receive() (Datagram, error) {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	if dgram, ok := buf.Next(); ok {
		return dgram, nil
	}
	if buf.terminal != nil {
		return Datagram{}, buf.terminal
	}
	return Datagram{}, sockets.ErrWouldBlock
}

// Buffered returns the amount of received, unread datagrams.
func (h *Handle) Buffered() int {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	return buf.Buffered()
}

// Pending returns the amount of queued, unsent datagrams.
func (h *Handle) Pending() int {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	return buf.Pending()
}

// TerminalError returns why the socket died, or nil while it is alive.
func (h *Handle) TerminalError() error {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	return buf.terminal
}

// Close releases the Handle. The socket is closed by the next update cycle.
func (h *Handle) Close() error {
	h.owned.Close()
	return nil
}

// Manager drives datagram sockets.
type Manager struct {
	*sockets.Manager[*Buffer, Socket, Diagnostics]
}

// NewManager creates a Manager for datagram sockets.
func NewManager(cfg sockets.Config, opts ...sockets.Option) *Manager {
	return &Manager{
		Manager: sockets.NewManager[*Buffer, Socket, Diagnostics](cfg, Build, opts...),
	}
}

// RegisterSocket registers a Socket and returns its Handle.
func (m *Manager) RegisterSocket(socket Socket) (*Handle, error) {
	owned, err := m.Manager.Register(socket)
	if err != nil {
		return nil, err
	}
	return &Handle{owned: owned}, nil
}

// RegisterConn wraps a *net.UDPConn, see NewConn, and registers it. On
// failure, a *sockets.RegisterError[*net.UDPConn] hands back the connection.
func (m *Manager) RegisterConn(conn *net.UDPConn) (*Handle, error) {
	socket, err := NewConn(conn)
	if err != nil {
		return nil, &sockets.RegisterError[*net.UDPConn]{Socket: conn, Err: err}
	}

	handle, err := m.RegisterSocket(socket)
	if err != nil {
		return nil, &sockets.RegisterError[*net.UDPConn]{Socket: conn, Err: err}
	}
	return handle, nil
}
