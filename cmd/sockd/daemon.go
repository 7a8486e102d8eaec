// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/easysockets/pkg/quicrt"
	"github.com/dtn7/easysockets/pkg/sched"
	"github.com/dtn7/easysockets/pkg/sockets"
	"github.com/dtn7/easysockets/pkg/sockets/datagram"
	"github.com/dtn7/easysockets/pkg/sockets/stream"
	"github.com/dtn7/easysockets/pkg/sockets/wsock"
)

// shutdownGrace bounds the time granted to QUIC connections on shutdown.
const shutdownGrace = 2 * time.Second

// daemon registers accepted sockets at its managers and echoes everything it
// receives back to the sender.
type daemon struct {
	conf  daemonConf
	clock clock.Clock

	scheduler *sched.Scheduler
	runtime   *quicrt.Runtime
	metrics   *prometheus.Registry
	registry  *sockets.Registry

	streams    *stream.Manager
	datagrams  *datagram.Manager
	websockets *wsock.Manager

	mutex      sync.Mutex
	streamHs   []*stream.Stream
	datagramHs []*datagram.Handle
	wsockHs    []*wsock.Handle
	quicConns  []quic.Connection
	closers    []io.Closer

	stopSyn chan struct{}
	wg      sync.WaitGroup
}

// newDaemon creates the managers, registers them at the process-wide registry
// and opens all configured listeners.
func newDaemon(conf daemonConf, clk clock.Clock) (d *daemon, err error) {
	if clk == nil {
		clk = clock.New()
	}

	d = &daemon{
		conf:      conf,
		clock:     clk,
		scheduler: sched.New(conf.manager.Workers),
		metrics:   prometheus.NewRegistry(),
		stopSyn:   make(chan struct{}),
	}

	// QUIC tasks are long-lived; they get their own scheduler to not starve
	// the update cycles.
	d.runtime = quicrt.New(nil, clk)

	d.metrics.MustRegister(collectors.NewGoCollector())

	opts := []sockets.Option{
		sockets.WithScheduler(d.scheduler),
		sockets.WithClock(clk),
		sockets.WithRegisterer(d.metrics),
	}

	d.streams = stream.NewManager(d.managerConfig("stream"), opts...)
	d.datagrams = datagram.NewManager(d.managerConfig("datagram"), opts...)
	d.websockets = wsock.NewManager(d.managerConfig("websocket"), conf.wsKeepalive, clk, opts...)

	if d.registry, err = sockets.Init(d.streams, d.datagrams, d.websockets); err != nil {
		_ = d.streams.Close()
		_ = d.datagrams.Close()
		_ = d.websockets.Close()
		d.runtime.Close()
		d.scheduler.Close()
		return nil, err
	}

	for _, l := range conf.listen {
		if err = d.listen(l); err != nil {
			err = fmt.Errorf("listening on %s %s: %w", l.Protocol, l.Endpoint, err)
			_ = d.Close()
			return nil, err
		}
	}

	d.wg.Add(1)
	go d.echo()

	if conf.httpListen != "" {
		d.serveHTTP(conf.httpListen)
	}

	return d, nil
}

func (d *daemon) managerConfig(kind string) sockets.Config {
	cfg := d.conf.manager
	cfg.Name = fmt.Sprintf("%s-%s", cfg.Name, kind)
	return cfg
}

func (d *daemon) addCloser(c io.Closer) {
	d.mutex.Lock()
	d.closers = append(d.closers, c)
	d.mutex.Unlock()
}

func (d *daemon) listen(l listenConf) error {
	switch l.Protocol {
	case "tcp":
		listener, err := net.Listen("tcp", l.Endpoint)
		if err != nil {
			return err
		}
		d.addCloser(listener)

		d.wg.Add(1)
		go d.acceptTCP(listener)

	case "udp":
		addr, err := net.ResolveUDPAddr("udp", l.Endpoint)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return err
		}

		handle, err := d.datagrams.RegisterConn(conn)
		if err != nil {
			_ = conn.Close()
			return err
		}

		d.mutex.Lock()
		d.datagramHs = append(d.datagramHs, handle)
		d.mutex.Unlock()

		log.WithField("endpoint", conn.LocalAddr()).Info("Registered UDP socket")

	case "quic":
		addr, err := net.ResolveUDPAddr("udp", l.Endpoint)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return err
		}

		tlsConf, err := quicrt.SelfSignedTLSConfig(quicrt.DefaultALPN)
		if err != nil {
			_ = conn.Close()
			return err
		}

		endpoint, err := quicrt.Server(d.runtime, conn, tlsConf, nil)
		if err != nil {
			return err
		}
		d.addCloser(endpoint)

		d.runtime.Spawn(func(ctx context.Context) { d.acceptQUIC(ctx, endpoint) })

	case "ws":
		mux := http.NewServeMux()
		mux.HandleFunc("/", d.upgradeWebSocket)

		listener, err := net.Listen("tcp", l.Endpoint)
		if err != nil {
			return err
		}

		server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		d.addCloser(server)

		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("WebSocket server errored")
			}
		}()

		log.WithField("endpoint", listener.Addr()).Info("Listening for WebSockets")

	default:
		return fmt.Errorf("unknown protocol %q", l.Protocol)
	}

	return nil
}

func (d *daemon) acceptTCP(listener net.Listener) {
	defer d.wg.Done()

	log.WithField("endpoint", listener.Addr()).Info("Listening for TCP connections")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("Accepting TCP connection failed")
			}
			return
		}

		s, err := d.streams.RegisterConn(conn)
		if err != nil {
			var regErr *sockets.RegisterError[net.Conn]
			if errors.As(err, &regErr) {
				_ = regErr.Socket.Close()
			}
			log.WithError(err).Warn("Registering TCP connection failed")
			continue
		}

		d.mutex.Lock()
		d.streamHs = append(d.streamHs, s)
		d.mutex.Unlock()

		log.WithField("peer", conn.RemoteAddr()).Debug("Accepted TCP connection")
	}
}

func (d *daemon) acceptQUIC(ctx context.Context, endpoint *quicrt.Endpoint) {
	for {
		conn, err := endpoint.Accept(ctx)
		if err != nil {
			log.WithError(err).Debug("QUIC endpoint stopped accepting")
			return
		}

		d.mutex.Lock()
		d.quicConns = append(d.quicConns, conn)
		d.mutex.Unlock()

		log.WithField("peer", conn.RemoteAddr()).Debug("Accepted QUIC connection")

		d.wg.Add(1)
		go d.echoQUIC(conn)
	}
}

// echoQUIC copies every stream of a QUIC connection back to its peer.
func (d *daemon) echoQUIC(conn quic.Connection) {
	defer d.wg.Done()

	for {
		qs, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()

			if _, err := io.Copy(qs, qs); err != nil {
				qs.CancelWrite(quicrt.StreamTransmissionError)
				return
			}
			_ = qs.Close()
		}()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (d *daemon) upgradeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket failed")
		return
	}

	handle, err := d.websockets.RegisterConn(conn)
	if err != nil {
		_ = conn.Close()
		log.WithError(err).Warn("Registering WebSocket failed")
		return
	}

	d.mutex.Lock()
	d.wsockHs = append(d.wsockHs, handle)
	d.mutex.Unlock()

	log.WithField("peer", r.RemoteAddr).Debug("Accepted WebSocket")
}

// echo moves received data back into the outgoing buffers of all handles and
// releases handles of dead sockets.
func (d *daemon) echo() {
	defer d.wg.Done()

	ticker := d.clock.Ticker(d.conf.manager.UpdateInterval)
	defer ticker.Stop()

	buf := make([]byte, 64*1024)

	for {
		select {
		case <-d.stopSyn:
			return

		case <-ticker.C:
			d.mutex.Lock()
			d.streamHs = echoStreams(d.streamHs, buf)
			d.datagramHs = echoDatagrams(d.datagramHs)
			d.wsockHs = echoWebSockets(d.wsockHs)
			d.mutex.Unlock()
		}
	}
}

func echoStreams(streams []*stream.Stream, buf []byte) []*stream.Stream {
	alive := streams[:0]
	for _, s := range streams {
		for {
			n, err := s.Read(buf)
			if n > 0 {
				_, _ = s.Write(buf[:n])
			}
			if err == nil {
				continue
			}

			if errors.Is(err, sockets.ErrWouldBlock) {
				alive = append(alive, s)
			} else {
				log.WithError(err).Debug("Releasing dead stream")
				_ = s.Close()
			}
			break
		}
	}
	clear(streams[len(alive):])
	return alive
}

func echoDatagrams(handles []*datagram.Handle) []*datagram.Handle {
	alive := handles[:0]
	for _, h := range handles {
		for {
			dgram, err := h.Receive()
			if err == nil {
				_ = h.Send(dgram.Data, dgram.Addr)
				continue
			}

			if errors.Is(err, sockets.ErrWouldBlock) {
				alive = append(alive, h)
			} else {
				log.WithError(err).Warn("Releasing dead UDP socket")
				_ = h.Close()
			}
			break
		}
	}
	clear(handles[len(alive):])
	return alive
}

func echoWebSockets(handles []*wsock.Handle) []*wsock.Handle {
	alive := handles[:0]
	for _, h := range handles {
		for {
			msg, err := h.Receive()
			if err == nil {
				_ = h.Send(msg.Type, msg.Data)
				continue
			}

			if errors.Is(err, sockets.ErrWouldBlock) {
				alive = append(alive, h)
			} else {
				log.WithError(err).Debug("Releasing dead WebSocket")
				_ = h.Close()
			}
			break
		}
	}
	clear(handles[len(alive):])
	return alive
}

// Close stops all listeners, grants QUIC connections a grace period and shuts
// down the registry's managers.
func (d *daemon) Close() (err error) {
	d.mutex.Lock()
	closers := d.closers
	quicConns := d.quicConns
	d.closers, d.quicConns = nil, nil
	d.mutex.Unlock()

	for _, conn := range quicConns {
		_ = conn.CloseWithError(quicrt.ApplicationShutdown, "daemon is shutting down")
	}

	if len(quicConns) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		expired := waitTimer(ctx, d.runtime.NewTimer(d.clock.Now().Add(shutdownGrace)))

		for _, conn := range quicConns {
			select {
			case <-conn.Context().Done():
			case <-expired:
			}
		}
		cancel()
		<-expired
	}

	for i := len(closers) - 1; i >= 0; i-- {
		if cErr := closers[i].Close(); cErr != nil {
			err = multierror.Append(err, cErr)
		}
	}

	select {
	case <-d.stopSyn:
	default:
		close(d.stopSyn)
	}

	if sErr := sockets.Shutdown(); sErr != nil {
		err = multierror.Append(err, sErr)
	}

	d.runtime.Close()
	d.wg.Wait()
	d.scheduler.Close()

	log.Info("Daemon stopped")
	return
}

// waitTimer returns a channel closed when the timer expires or ctx is done.
func waitTimer(ctx context.Context, timer *quicrt.Timer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = timer.Wait(ctx)
		close(done)
	}()
	return done
}
