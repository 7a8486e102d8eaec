// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/easysockets/pkg/internal/rawio"
)

// Socket is a connected stream socket supporting non-blocking operations. Both
// methods return sockets.ErrWouldBlock if they cannot make progress.
type Socket interface {
	// ReadAvailable reads at most len(p) bytes. io.EOF signals that the peer
	// stopped sending; the socket may still be written to.
	ReadAvailable(p []byte) (int, error)

	// WriteVectored writes the slices in order and returns the amount of
	// accepted bytes.
	WriteVectored(bufs [][]byte) (int, error)
}

// Conn is the Socket for a net.Conn.
type Conn struct {
	net.Conn

	raw *rawio.Stream
}

// NewConn wraps a net.Conn. TCP connections get keepalive probing enabled to
// detect lost peers.
func NewConn(conn net.Conn) (*Conn, error) {
	raw, err := rawio.NewStream(conn)
	if err != nil {
		return nil, err
	}

	if _, ok := conn.(*net.TCPConn); ok {
		if err := raw.SetKeepAlive(rawio.DefaultKeepAlive()); err != nil {
			log.WithFields(log.Fields{
				"remote": conn.RemoteAddr(),
				"error":  err,
			}).Debug("Failed to configure TCP keepalive")
		}
	}

	return &Conn{Conn: conn, raw: raw}, nil
}

// ReadAvailable performs a single non-blocking read.
func (c *Conn) ReadAvailable(p []byte) (int, error) {
	return c.raw.ReadAvailable(p)
}

// WriteVectored performs a single non-blocking vectored write.
func (c *Conn) WriteVectored(bufs [][]byte) (int, error) {
	return c.raw.WriteVectored(bufs)
}
