// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wsock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// DefaultWriteTimeout bounds a single message write.
const DefaultWriteTimeout = time.Second

// ErrClosed is returned by a Conn after Close.
var ErrClosed = errors.New("websocket conn is closed")

// Message is a single WebSocket data message.
type Message struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type int
	Data []byte
}

// Conn exchanges Messages of a *websocket.Conn. Incoming messages are pumped
// into a channel by a background goroutine; gorilla's connections support one
// concurrent reader, which is this goroutine.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	inChan  chan Message
	errChan chan error
	done    chan struct{}

	// err is the pump's error, once received.
	err error

	finished  atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// NewConn starts pumping messages of a *websocket.Conn.
func NewConn(conn *websocket.Conn) *Conn {
	c := newConn(conn)
	c.start()
	return c
}

// newConn creates a Conn whose pump is not running yet; until start is
// called, nothing reads from conn.
func newConn(conn *websocket.Conn) *Conn {
	return &Conn{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,

		inChan:  make(chan Message, 32),
		errChan: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *Conn) start() {
	c.startOnce.Do(func() {
		go c.handleIn()
	})
}

func (c *Conn) sendErr(err error) {
	if c.finished.CompareAndSwap(false, true) {
		c.errChan <- err
	}
}

func (c *Conn) handleIn() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.sendErr(err)
			return
		}

		select {
		case c.inChan <- Message{Type: mt, Data: data}:
		case <-c.done:
			return
		}
	}
}

// TryRecv takes the next Message without blocking. The pump's error is only
// returned after all messages received before it were taken.
func (c *Conn) TryRecv() (Message, error) {
	select {
	case msg := <-c.inChan:
		return msg, nil
	default:
	}

	if c.err == nil {
		select {
		case c.err = <-c.errChan:
		default:
			return Message{}, sockets.ErrWouldBlock
		}
	}
	return Message{}, c.err
}

// Send writes a Message, bounded by the write timeout.
func (c *Conn) Send(msg Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msg.Type, msg.Data)
}

// Ping sends a ping control message.
func (c *Conn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close the connection and stop the pump.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.finished.Store(true)
		close(c.done)
	})
	return c.conn.Close()
}
