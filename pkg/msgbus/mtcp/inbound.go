// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus"
)

// readChunk is the size of a single read from a connection.
const readChunk = 32 * 1024

// failure reports a listener which cannot accept anymore.
type failure struct {
	l   *listener
	ln  net.Listener
	err error
}

// listener serves one inbound interface.
type listener struct {
	m     *Management
	iface *msgbus.InboundInterface

	// ln and retryAt belong to the I/O loop.
	ln      net.Listener
	retryAt time.Time

	mutex  sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newListener(m *Management, iface *msgbus.InboundInterface) *listener {
	return &listener{
		m:     m,
		iface: iface,
		conns: make(map[net.Conn]struct{}),
	}
}

func (l *listener) logger() *log.Entry {
	return log.WithField("interface", l.iface)
}

// retry binds the listener if it is missing and the retry timer expired.
func (l *listener) retry(now time.Time) {
	if l.ln != nil || now.Before(l.retryAt) {
		return
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.iface.Port))
	if err != nil {
		l.retryAt = now.Add(msgbus.InboundRetry)
		l.logger().WithError(err).Warn("Binding inbound interface failed, retrying later")
		return
	}

	l.ln = ln
	if l.iface.Port == 0 {
		l.iface.Port = ln.Addr().(*net.TCPAddr).Port
	}
	l.m.InterfaceUp(l.iface)

	l.m.workers.Add(1)
	go l.accept(ln)
}

func (l *listener) accept(ln net.Listener) {
	defer l.m.workers.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				select {
				case l.m.failedCh <- failure{l: l, ln: ln, err: err}:
					l.m.Wake()
				case <-l.m.Context().Done():
				}
			}
			return
		}

		if !l.track(conn) {
			_ = conn.Close()
			return
		}

		l.m.workers.Add(1)
		go l.serve(conn)
	}
}

func (l *listener) track(conn net.Conn) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

// untrack reports if the connection was still tracked, i.e., not closed by
// the listener's shutdown.
func (l *listener) untrack(conn net.Conn) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.conns[conn]
	delete(l.conns, conn)
	return ok && !l.closed
}

// serve reads a single message from conn. The message ends when the peer
// disconnects; an aborted connection delivers what was read so far.
func (l *listener) serve(conn net.Conn) {
	defer l.m.workers.Done()

	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	logger := l.logger().WithField("peer", remote)

	limit := l.m.Config().MaxMessageSize
	timeout := l.m.config.ReadTimeout

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	tooLarge := false

	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			logger.WithError(err).Debug("Setting read deadline failed")
			break
		}

		n, err := conn.Read(chunk)
		if buf.Len()+n > limit {
			tooLarge = true
			break
		}
		buf.Write(chunk[:n])

		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			logger.WithError(err).Debug("Connection aborted, keeping partial message")
			break
		}
	}

	_ = conn.Close()
	if !l.untrack(conn) {
		return
	}

	switch {
	case tooLarge:
		logger.WithField("limit", limit).Warn("Dropping oversized message")
	case buf.Len() == 0:
		logger.Debug("Connection closed without data")
	default:
		logger.WithField("size", buf.Len()).Debug("Received message")
		l.m.QueueRx(msgbus.RxItem{
			Payload:    buf.Bytes(),
			Sender:     remote,
			EndpointID: l.iface.ID,
		})
	}
}

// failed closes a listener which errored and schedules its rebinding.
// Established connections are kept.
func (l *listener) failed(f failure) {
	if l.ln != f.ln {
		return
	}

	l.logger().WithError(f.err).Warn("Inbound listener failed, rebinding later")
	if err := l.shutdown(); err != nil {
		l.logger().WithError(err).Debug("Closing failed listener errored")
	}
	l.retryAt = time.Now().Add(msgbus.InboundRetry)
}

func (l *listener) shutdown() error {
	if l.ln == nil {
		return nil
	}

	err := l.ln.Close()
	l.ln = nil
	l.m.InterfaceDown(l.iface)
	return err
}

// close stops the listener and drops all of its connections.
func (l *listener) close() error {
	l.mutex.Lock()
	l.closed = true
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.mutex.Unlock()

	if err := l.shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing %v: %w", l.iface, err)
	}
	return nil
}
