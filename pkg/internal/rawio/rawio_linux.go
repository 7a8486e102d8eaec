// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package rawio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dtn7/easysockets/pkg/sockets"
)

// Within this file, the sockets are driven with raw syscalls on their file
// descriptor. A RawConn's Read and Write call the passed function until it
// returns true. Returning true unconditionally results in exactly one attempt,
// while returning false on EAGAIN parks the goroutine on Go's network poller
// until the descriptor becomes ready or a deadline passes.

// wouldBlock reports errors signalling that no progress was possible.
func wouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

// rawConnOf extracts the syscall.RawConn of a net.Conn or net.PacketConn.
func rawConnOf(conn any) (syscall.RawConn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%T does not expose its file descriptor", conn)
	}
	return sc.SyscallConn()
}

// Stream is a connected, stream oriented socket.
type Stream struct {
	conn net.Conn
	raw  syscall.RawConn
}

// NewStream wraps a net.Conn, which must implement syscall.Conn, e.g., a
// *net.TCPConn or *net.UnixConn.
func NewStream(conn net.Conn) (*Stream, error) {
	raw, err := rawConnOf(conn)
	if err != nil {
		return nil, err
	}
	return &Stream{conn: conn, raw: raw}, nil
}

// ReadAvailable performs one non-blocking read. An orderly shutdown by the peer
// results in io.EOF.
func (s *Stream) ReadAvailable(p []byte) (n int, err error) {
	var opErr error
	ctrlErr := s.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})

	switch {
	case ctrlErr != nil:
		return 0, ctrlErr
	case opErr != nil && wouldBlock(opErr):
		return 0, sockets.ErrWouldBlock
	case opErr != nil:
		return 0, os.NewSyscallError("read", opErr)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// WriteVectored performs one non-blocking writev(2) of the slices in order.
func (s *Stream) WriteVectored(bufs [][]byte) (n int, err error) {
	var opErr error
	ctrlErr := s.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Writev(int(fd), bufs)
		return true
	})

	switch {
	case ctrlErr != nil:
		return 0, ctrlErr
	case opErr != nil && wouldBlock(opErr):
		return 0, sockets.ErrWouldBlock
	case opErr != nil:
		return 0, os.NewSyscallError("writev", opErr)
	}
	return n, nil
}

// SetKeepAlive enables TCP keepalive probing as configured. The socket options
// are based on the Linux tcp(7) manual page.
func (s *Stream) SetKeepAlive(ka KeepAlive) (err error) {
	opts := map[int]int{
		unix.TCP_KEEPCNT:   ka.Count,
		unix.TCP_KEEPIDLE:  int(ka.Idle / time.Second),
		unix.TCP_KEEPINTVL: int(ka.Interval / time.Second),
	}
	if ka.UserTimeout > 0 {
		opts[unix.TCP_USER_TIMEOUT] = int(ka.UserTimeout / time.Millisecond)
	}

	ctrlErr := s.raw.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		for opt, value := range opts {
			if value <= 0 {
				continue
			}
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value)
			if err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// Close the underlying connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// Datagram is an unconnected UDP socket.
type Datagram struct {
	conn  *net.UDPConn
	raw   syscall.RawConn
	inet6 bool
}

// NewDatagram wraps a bound *net.UDPConn.
func NewDatagram(conn *net.UDPConn) (*Datagram, error) {
	raw, err := rawConnOf(conn)
	if err != nil {
		return nil, err
	}

	d := &Datagram{conn: conn, raw: raw}

	var sa unix.Sockaddr
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		sa, opErr = unix.Getsockname(int(fd))
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, os.NewSyscallError("getsockname", opErr)
	}
	_, d.inet6 = sa.(*unix.SockaddrInet6)

	return d, nil
}

// Conn returns the wrapped connection.
func (d *Datagram) Conn() *net.UDPConn {
	return d.conn
}

// sockaddr converts addr for this socket's address family.
func (d *Datagram) sockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if d.inet6 {
		ip := addr.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %v", addr.IP)
		}

		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}

	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("cannot send to %v from an IPv4 socket", addr.IP)
	}

	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip)
	return sa, nil
}

// udpAddr converts a received socket address.
func udpAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{
			IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
			Port: sa.Port,
		}

	case *unix.SockaddrInet6:
		addr := &net.UDPAddr{IP: make(net.IP, net.IPv6len), Port: sa.Port}
		copy(addr.IP, sa.Addr[:])
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr

	default:
		return nil
	}
}

// TrySend performs one non-blocking send of p to addr.
func (d *Datagram) TrySend(p []byte, addr *net.UDPAddr) error {
	sa, err := d.sockaddr(addr)
	if err != nil {
		return err
	}

	var opErr error
	ctrlErr := d.raw.Write(func(fd uintptr) bool {
		opErr = unix.Sendto(int(fd), p, unix.MSG_DONTWAIT, sa)
		return true
	})

	switch {
	case ctrlErr != nil:
		return ctrlErr
	case opErr != nil && wouldBlock(opErr):
		return sockets.ErrWouldBlock
	case opErr != nil:
		return os.NewSyscallError("sendto", opErr)
	}
	return nil
}

// Send waits until the socket accepts p or the write deadline passes.
func (d *Datagram) Send(p []byte, addr *net.UDPAddr) error {
	sa, err := d.sockaddr(addr)
	if err != nil {
		return err
	}

	var opErr error
	ctrlErr := d.raw.Write(func(fd uintptr) bool {
		opErr = unix.Sendto(int(fd), p, unix.MSG_DONTWAIT, sa)
		return !wouldBlock(opErr)
	})

	switch {
	case ctrlErr != nil:
		return ctrlErr
	case opErr != nil:
		return os.NewSyscallError("sendto", opErr)
	}
	return nil
}

// TryRecv performs one non-blocking receive. Datagrams larger than p are
// truncated.
func (d *Datagram) TryRecv(p []byte) (n int, addr *net.UDPAddr, err error) {
	var sa unix.Sockaddr
	var opErr error
	ctrlErr := d.raw.Read(func(fd uintptr) bool {
		n, sa, opErr = unix.Recvfrom(int(fd), p, unix.MSG_DONTWAIT)
		return true
	})

	switch {
	case ctrlErr != nil:
		return 0, nil, ctrlErr
	case opErr != nil && wouldBlock(opErr):
		return 0, nil, sockets.ErrWouldBlock
	case opErr != nil:
		return 0, nil, os.NewSyscallError("recvfrom", opErr)
	}
	return n, udpAddr(sa), nil
}

// Recv waits for the next datagram or until the read deadline passes.
func (d *Datagram) Recv(p []byte) (n int, addr *net.UDPAddr, err error) {
	var sa unix.Sockaddr
	var opErr error
	ctrlErr := d.raw.Read(func(fd uintptr) bool {
		n, sa, opErr = unix.Recvfrom(int(fd), p, unix.MSG_DONTWAIT)
		return !wouldBlock(opErr)
	})

	switch {
	case ctrlErr != nil:
		return 0, nil, ctrlErr
	case opErr != nil:
		return 0, nil, os.NewSyscallError("recvfrom", opErr)
	}
	return n, udpAddr(sa), nil
}

// Writable polls the socket for writability for at most timeout.
func (d *Datagram) Writable(timeout time.Duration) (ready bool, err error) {
	ctrlErr := d.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

		var n int
		n, err = unix.Poll(fds, int(timeout/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			err = nil
			return
		}
		ready = n > 0 && fds[0].Revents&unix.POLLOUT != 0
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}
	if err != nil {
		return false, os.NewSyscallError("poll", err)
	}
	return
}

// Close the underlying connection.
func (d *Datagram) Close() error {
	return d.conn.Close()
}
