// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus"
)

// Management is the TCP backend of a message bus.
//
// The Go runtime multiplexes the blocking socket operations, so every
// connection is served by its own goroutine. The I/O loop only starts
// transmissions and rebinds failed listeners.
type Management struct {
	*msgbus.Base

	config Config

	wakeCh   chan struct{}
	failedCh chan failure

	// workers counts the goroutines of listeners and connections.
	workers sync.WaitGroup

	// inbound is owned by the I/O loop, or by whoever holds the IOLock for
	// writing.
	inbound map[*msgbus.InboundInterface]*listener

	sendersMutex sync.Mutex
	senders      map[*sender]struct{}
}

// NewManagement creates and starts a TCP backed message bus.
func NewManagement(config Config) *Management {
	config = config.withDefaults()

	m := &Management{
		Base:   msgbus.NewBase("tcp", config.Bus),
		config: config,

		wakeCh:   make(chan struct{}, 1),
		failedCh: make(chan failure, 16),

		inbound: make(map[*msgbus.InboundInterface]*listener),
		senders: make(map[*sender]struct{}),
	}
	m.Base.Start(m)

	log.WithField("read timeout", config.ReadTimeout).Info("Started TCP message bus")
	return m
}

// Wake interrupts a blocking Poll.
func (m *Management) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Poll performs one iteration of the I/O loop.
func (m *Management) Poll(timeout time.Duration) error {
	for _, tx := range m.TakeReady() {
		m.startSender(tx)
	}

	now := time.Now()
	wait := timeout
	for _, l := range m.inbound {
		l.retry(now)
		if l.ln == nil {
			wait = min(wait, max(l.retryAt.Sub(now), 0))
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case f := <-m.failedCh:
		if l, ok := m.inbound[f.l.iface]; ok && l == f.l {
			l.failed(f)
		}
	case <-m.wakeCh:
	case <-timer.C:
	case <-m.Context().Done():
	}
	return nil
}

// AddInbound starts serving iface.
func (m *Management) AddInbound(iface *msgbus.InboundInterface) error {
	l := newListener(m, iface)
	m.inbound[iface] = l
	l.retry(time.Now())
	return nil
}

// RemoveInbound closes iface's listener and all of its connections.
func (m *Management) RemoveInbound(iface *msgbus.InboundInterface) {
	l, ok := m.inbound[iface]
	if !ok {
		return
	}
	delete(m.inbound, iface)

	if err := l.close(); err != nil {
		log.WithFields(log.Fields{
			"interface": iface,
			"error":     err,
		}).Warn("Closing inbound interface errored")
	}
}

// Shutdown closes all listeners and connections and waits for their
// goroutines. Transmissions still in progress are reported as failed.
func (m *Management) Shutdown() error {
	var result *multierror.Error

	for iface, l := range m.inbound {
		delete(m.inbound, iface)
		if err := l.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	m.sendersMutex.Lock()
	for s := range m.senders {
		s.abort()
	}
	m.sendersMutex.Unlock()

	m.workers.Wait()
	return result.ErrorOrNil()
}
