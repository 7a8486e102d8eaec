// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsock

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// Handle is the application's owning handle to a registered WebSocket.
type Handle struct {
	owned *sockets.Owned[*Buffer]
}

// Send queues a message of the given type, e.g., websocket.BinaryMessage.
func (h *Handle) Send(msgType int, data []byte) error {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	if buf.terminal != nil {
		return buf.terminal
	}

	buf.Queue(msgType, data)
	return nil
}

// Receive takes the oldest message. If none is buffered, sockets.ErrWouldBlock
// is returned, or the terminal error once the WebSocket died.
func (h *Handle) Receive() (Message, error) {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	if msg, ok := buf.Next(); ok {
		return msg, nil
	}
	if buf.terminal != nil {
		return Message{}, buf.terminal
	}
	return Message{}, sockets.ErrWouldBlock
}

// TerminalError returns why the WebSocket died, or nil while it is alive.
func (h *Handle) TerminalError() error {
	buf := h.owned.Lock()
	defer h.owned.Unlock()

	return buf.terminal
}

// Close releases the Handle. The connection is closed by the next update cycle.
func (h *Handle) Close() error {
	h.owned.Close()
	return nil
}

// Manager drives WebSockets.
type Manager struct {
	*sockets.Manager[*Buffer, Socket, Diagnostics]
}

// NewManager creates a Manager for WebSockets pinging every keepalive
// interval. A nil clock selects the wall clock.
func NewManager(cfg sockets.Config, keepalive time.Duration, clk clock.Clock, opts ...sockets.Option) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	opts = append(opts, sockets.WithClock(clk))

	return &Manager{
		Manager: sockets.NewManager[*Buffer, Socket, Diagnostics](cfg, Builder(keepalive, clk), opts...),
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

// RegisterConn registers a *websocket.Conn and starts pumping its messages. On
// failure, a *sockets.RegisterError[*websocket.Conn] hands back the connection
// with no message read from it.
func (m *Manager) RegisterConn(conn *websocket.Conn) (*Handle, error) {
	c := newConn(conn)

	handle, err := m.RegisterSocket(c)
	if err != nil {
		return nil, &sockets.RegisterError[*websocket.Conn]{Socket: conn, Err: err}
	}

	c.start()
	return handle, nil
}
