// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicrt

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// ErrNoListener is returned by Accept on a client Endpoint.
var ErrNoListener = errors.New("endpoint does not listen")

// Endpoint is a QUIC endpoint on a DatagramSocket. A server Endpoint accepts
// connections and may dial as well; a client Endpoint only dials.
type Endpoint struct {
	transport *quic.Transport
	socket    *DatagramSocket

	mutex    sync.Mutex
	listener *quic.Listener
	closed   bool
}

// NewEndpoint creates an Endpoint on a bound UDP socket, which is owned by the
// Endpoint afterwards.
func NewEndpoint(rt *Runtime, conn *net.UDPConn) (*Endpoint, error) {
	socket, err := rt.WrapUDPSocket(conn)
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		transport: &quic.Transport{Conn: socket},
		socket:    socket,
	}, nil
}

// Server creates a listening Endpoint. A nil quicConf selects
// DefaultQUICConfig.
func Server(rt *Runtime, conn *net.UDPConn, tlsConf *tls.Config, quicConf *quic.Config) (*Endpoint, error) {
	ep, err := NewEndpoint(rt, conn)
	if err != nil {
		return nil, err
	}

	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	listener, err := ep.transport.Listen(tlsConf, quicConf)
	if err != nil {
		_ = ep.Close()
		return nil, &EndpointError{Op: "listen", Err: err}
	}
	ep.listener = listener

	log.WithField("local", ep.LocalAddr()).Info("QUIC endpoint listening")

	return ep, nil
}

// Client creates a dialing Endpoint.
func Client(rt *Runtime, conn *net.UDPConn) (*Endpoint, error) {
	return NewEndpoint(rt, conn)
}

// Accept the next incoming connection.
func (ep *Endpoint) Accept(ctx context.Context) (quic.Connection, error) {
	ep.mutex.Lock()
	listener := ep.listener
	ep.mutex.Unlock()

	if listener == nil {
		return nil, &EndpointError{Op: "accept", Err: ErrNoListener}
	}

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, &EndpointError{Op: "accept", Err: err}
	}
	return conn, nil
}

// Dial a remote endpoint. A nil quicConf selects DefaultQUICConfig.
func (ep *Endpoint) Dial(ctx context.Context, addr net.Addr, tlsConf *tls.Config, quicConf *quic.Config) (quic.Connection, error) {
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}

	conn, err := ep.transport.Dial(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, &EndpointError{Op: "dial", Err: err}
	}
	return conn, nil
}

// LocalAddr of the underlying socket.
func (ep *Endpoint) LocalAddr() net.Addr {
	return ep.socket.LocalAddr()
}

// Close the listener, all connections and the socket.
func (ep *Endpoint) Close() (err error) {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if ep.closed {
		return nil
	}
	ep.closed = true

	if ep.listener != nil {
		if lErr := ep.listener.Close(); lErr != nil {
			err = multierror.Append(err, lErr)
		}
	}
	if tErr := ep.transport.Close(); tErr != nil {
		err = multierror.Append(err, tErr)
	}
	if sErr := ep.socket.Close(); sErr != nil {
		err = multierror.Append(err, sErr)
	}

	log.WithField("local", ep.LocalAddr()).Debug("QUIC endpoint closed")
	return
}
