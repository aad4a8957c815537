// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

const (
	inboxSize  = 256
	outboxSize = 128
)

// packetConn is the virtual net.PacketConn a quic-go Transport runs on. It
// exchanges datagrams with exactly one peer; inbound datagrams are fed by the
// owner of the real socket, outbound ones are collected until popped.
type packetConn struct {
	local  *net.UDPAddr
	remote *net.UDPAddr

	in     chan []byte
	closed chan struct{}
	once   sync.Once

	outMutex sync.Mutex
	outCond  *sync.Cond
	outbox   [][]byte
	last     []byte
	written  uint64
	isClosed bool
	notify   func()

	deadlineMutex sync.Mutex
	readDeadline  time.Time
	deadlineSet   chan struct{}
}

func newPacketConn(local, remote netip.AddrPort, notify func()) *packetConn {
	pc := &packetConn{
		local:       net.UDPAddrFromAddrPort(local),
		remote:      net.UDPAddrFromAddrPort(remote),
		in:          make(chan []byte, inboxSize),
		closed:      make(chan struct{}),
		notify:      notify,
		deadlineSet: make(chan struct{}, 1),
	}
	pc.outCond = sync.NewCond(&pc.outMutex)
	return pc
}

// Feed queues an inbound datagram. It reports false if the datagram was
// dropped because the inbox is full or the conn is closed.
func (pc *packetConn) Feed(pkt []byte) bool {
	select {
	case <-pc.closed:
		return false
	default:
	}

	select {
	case pc.in <- append([]byte(nil), pkt...):
		return true
	default:
		return false
	}
}

// Pop returns the next outbound datagram or nil.
func (pc *packetConn) Pop() []byte {
	pc.outMutex.Lock()
	defer pc.outMutex.Unlock()

	if len(pc.outbox) == 0 {
		return nil
	}
	pkt := pc.outbox[0]
	pc.outbox[0] = nil
	pc.outbox = pc.outbox[1:]
	pc.outCond.Signal()
	return pkt
}

// LastWritten returns the latest outbound datagram and the number of
// datagrams written so far.
func (pc *packetConn) LastWritten() ([]byte, uint64) {
	pc.outMutex.Lock()
	defer pc.outMutex.Unlock()

	return pc.last, pc.written
}

// DropOutbox discards all outbound datagrams not yet popped.
func (pc *packetConn) DropOutbox() {
	pc.outMutex.Lock()
	defer pc.outMutex.Unlock()

	pc.outbox = nil
	pc.outCond.Broadcast()
}

func (pc *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		pc.deadlineMutex.Lock()
		deadline := pc.readDeadline
		pc.deadlineMutex.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		var (
			n   int
			err error
			got bool
		)
		select {
		case pkt := <-pc.in:
			n, got = copy(p, pkt), true
		case <-pc.closed:
			err = net.ErrClosed
		case <-timeout:
			err = os.ErrDeadlineExceeded
		case <-pc.deadlineSet:
		}

		if timer != nil {
			timer.Stop()
		}
		if got {
			return n, pc.remote, nil
		} else if err != nil {
			return 0, nil, err
		}
	}
}

// WriteTo queues an outbound datagram, blocking while the outbox is full.
func (pc *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	pkt := append([]byte(nil), p...)

	pc.outMutex.Lock()
	for len(pc.outbox) >= outboxSize && !pc.isClosed {
		pc.outCond.Wait()
	}
	if pc.isClosed {
		pc.outMutex.Unlock()
		return 0, net.ErrClosed
	}
	pc.outbox = append(pc.outbox, pkt)
	pc.last = pkt
	pc.written++
	pc.outMutex.Unlock()

	if pc.notify != nil {
		pc.notify()
	}
	return len(p), nil
}

func (pc *packetConn) Close() error {
	pc.once.Do(func() {
		close(pc.closed)

		pc.outMutex.Lock()
		pc.isClosed = true
		pc.outbox = nil
		pc.outCond.Broadcast()
		pc.outMutex.Unlock()
	})
	return nil
}

func (pc *packetConn) LocalAddr() net.Addr {
	return pc.local
}

func (pc *packetConn) SetDeadline(t time.Time) error {
	return pc.SetReadDeadline(t)
}

func (pc *packetConn) SetReadDeadline(t time.Time) error {
	pc.deadlineMutex.Lock()
	pc.readDeadline = t
	pc.deadlineMutex.Unlock()

	select {
	case pc.deadlineSet <- struct{}{}:
	default:
	}
	return nil
}

func (pc *packetConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

// SetReadBuffer and SetWriteBuffer satisfy quic-go's buffer size probing.
func (pc *packetConn) SetReadBuffer(_ int) error {
	return nil
}

func (pc *packetConn) SetWriteBuffer(_ int) error {
	return nil
}
