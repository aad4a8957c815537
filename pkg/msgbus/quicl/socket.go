// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// maxDatagramSize is the largest UDP payload read.
const maxDatagramSize = 64 * 1024

// packetHandler owns a udpSocket and consumes its datagrams on the I/O loop.
type packetHandler interface {
	// handlePacket processes a datagram and returns the servicer which wants
	// to transmit afterwards, if any.
	handlePacket(sock *udpSocket, pkt []byte, from netip.AddrPort) servicer

	// socketFailed is called once the socket cannot be read anymore.
	socketFailed(sock *udpSocket, err error)
}

// datagram is passed from a socket's reader goroutine to the I/O loop.
type datagram struct {
	handler packetHandler
	sock    *udpSocket
	data    []byte
	from    netip.AddrPort
	err     error
}

// udpSocket is a UDP socket read by its own goroutine.
type udpSocket struct {
	conn  *net.UDPConn
	local netip.AddrPort

	done chan struct{}
	once sync.Once
}

// openSocket binds a UDP socket to port on all addresses. Its datagrams are
// delivered to out.
func openSocket(port int, reuse bool, handler packetHandler, out chan<- datagram, wg *sync.WaitGroup) (*udpSocket, error) {
	lc := net.ListenConfig{}
	if reuse {
		lc.Control = reuseAddrControl
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}

	s := &udpSocket{
		conn:  conn,
		local: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		done:  make(chan struct{}),
	}

	wg.Add(1)
	go s.read(handler, out, wg)
	return s, nil
}

func (s *udpSocket) read(handler packetHandler, out chan<- datagram, wg *sync.WaitGroup) {
	defer wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case out <- datagram{handler: handler, sock: s, err: err}:
			case <-s.done:
			}
			return
		}

		d := datagram{
			handler: handler,
			sock:    s,
			data:    append([]byte(nil), buf[:n]...),
			from:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		}
		select {
		case out <- d:
		case <-s.done:
			return
		}
	}
}

// Port of the bound socket.
func (s *udpSocket) Port() int {
	return int(s.local.Port())
}

// LocalAddr is the socket's address as used for a virtual connection.
func (s *udpSocket) LocalAddr() netip.AddrPort {
	return s.local
}

func (s *udpSocket) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	return s.conn.WriteToUDPAddrPort(b, addr)
}

func (s *udpSocket) Close() (err error) {
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return
}
