// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/tls"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
)

const (
	// packetQueueSize bounds the datagrams read but not yet processed.
	packetQueueSize = 1024

	// maxBatch is the number of datagrams processed before transmitting.
	maxBatch = 64
)

// servicer is something the I/O loop must give a chance to make progress.
type servicer interface {
	service()
}

// expiryCache holds the earliest expiry of a group of connections. It is only
// rescanned after it was invalidated.
type expiryCache struct {
	next  time.Time
	valid bool
}

func (ec *expiryCache) invalidate() {
	ec.valid = false
}

func (ec *expiryCache) get(scan func() time.Time) time.Time {
	if !ec.valid {
		ec.next = scan()
		ec.valid = true
	}
	return ec.next
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

// Management is the QUIC backend of a message bus.
type Management struct {
	*msgbus.Base

	config      Config
	listenerTLS *tls.Config

	packets chan datagram
	wakeCh  chan struct{}
	readers sync.WaitGroup

	dirtyMutex sync.Mutex
	dirty      map[servicer]struct{}

	// The following fields are owned by the I/O loop, or by whoever holds the
	// IOLock for writing.
	inbound   map[*msgbus.InboundInterface]*inboundContext
	outbound  map[*txContext]struct{}
	outExpiry expiryCache
	zombies   map[*txContext]struct{}
}

// NewManagement creates and starts a QUIC backed message bus.
func NewManagement(config Config) (*Management, error) {
	config = config.withDefaults()

	if config.Certificate == nil {
		cert, err := internal.GenerateCertificate()
		if err != nil {
			return nil, err
		}
		config.Certificate = &cert
	}

	m := &Management{
		Base:        msgbus.NewBase("quic", config.Bus),
		config:      config,
		listenerTLS: internal.ListenerTLSConfig(*config.Certificate, config.ALPNs),

		packets: make(chan datagram, packetQueueSize),
		wakeCh:  make(chan struct{}, 1),
		dirty:   make(map[servicer]struct{}),

		inbound:  make(map[*msgbus.InboundInterface]*inboundContext),
		outbound: make(map[*txContext]struct{}),
		zombies:  make(map[*txContext]struct{}),
	}
	m.Base.Start(m)

	log.WithFields(log.Fields{
		"idle timeout": config.IdleTimeout,
		"alpns":        config.ALPNs,
	}).Info("Started QUIC message bus")
	return m, nil
}

// Wake interrupts a blocking Poll.
func (m *Management) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// markDirty schedules s to be serviced by the I/O loop. It might be called
// from any goroutine.
func (m *Management) markDirty(s servicer) {
	m.dirtyMutex.Lock()
	m.dirty[s] = struct{}{}
	m.dirtyMutex.Unlock()

	m.Wake()
}

func (m *Management) takeDirty() map[servicer]struct{} {
	m.dirtyMutex.Lock()
	defer m.dirtyMutex.Unlock()

	dirty := m.dirty
	m.dirty = make(map[servicer]struct{})
	return dirty
}

// Poll performs one iteration of the I/O loop.
func (m *Management) Poll(timeout time.Duration) error {
	now := time.Now()
	for _, tx := range m.TakeReady() {
		m.startTx(tx)
	}
	for _, ic := range m.inbound {
		ic.retry(now)
	}

	wait := timeout
	if next := m.nextExpiry(); !next.IsZero() {
		if d := next.Sub(now); d < wait {
			wait = max(d, 0)
		}
	}

	timer := time.NewTimer(wait)
	select {
	case d := <-m.packets:
		m.handleBatch(d)
	case <-m.wakeCh:
	case <-timer.C:
	case <-m.Context().Done():
	}
	timer.Stop()

	for s := range m.takeDirty() {
		s.service()
	}
	m.handleExpiries(time.Now())
	m.reapZombies()
	return nil
}

// handleBatch processes d and all further datagrams already read. Each
// connection which received a datagram transmits once afterwards.
func (m *Management) handleBatch(d datagram) {
	batch := []datagram{d}
drain:
	for len(batch) < maxBatch {
		select {
		case d := <-m.packets:
			batch = append(batch, d)
		default:
			break drain
		}
	}

	touched := make(map[servicer]struct{})
	for _, d := range batch {
		if d.err != nil {
			d.handler.socketFailed(d.sock, d.err)
		} else if s := d.handler.handlePacket(d.sock, d.data, d.from); s != nil {
			touched[s] = struct{}{}
		}
	}

	for s := range touched {
		s.service()
	}
}

func (m *Management) nextExpiry() time.Time {
	next := m.outboundExpiry()
	for _, ic := range m.inbound {
		next = earliest(next, ic.nextExpiry())
	}
	return next
}

func (m *Management) outboundExpiry() time.Time {
	return m.outExpiry.get(func() (next time.Time) {
		for tc := range m.outbound {
			next = earliest(next, tc.conn.Expiry())
		}
		return
	})
}

func (m *Management) handleExpiries(now time.Time) {
	for _, ic := range m.inbound {
		ic.handleExpiries(now)
	}

	if next := m.outboundExpiry(); next.IsZero() || now.Before(next) {
		return
	}
	m.outExpiry.invalidate()
	for tc := range m.outbound {
		if e := tc.conn.Expiry(); !e.IsZero() && !now.Before(e) {
			tc.check(tc.conn.HandleExpiry(now))
		}
	}
}

// reapZombies drops finished file transfers whose reader is done.
func (m *Management) reapZombies() {
	for tc := range m.zombies {
		if tc.tx.FileBuffer.IsReadDone() {
			delete(m.zombies, tc)
			log.WithField("transmission", tc.tx).Debug("Reclaimed finished file transfer")
		}
	}
}

// AddInbound starts serving iface.
func (m *Management) AddInbound(iface *msgbus.InboundInterface) error {
	ic := newInboundContext(m, iface)
	m.inbound[iface] = ic
	ic.retry(time.Now())
	return nil
}

// RemoveInbound closes iface's socket and all of its connections.
func (m *Management) RemoveInbound(iface *msgbus.InboundInterface) {
	ic, ok := m.inbound[iface]
	if !ok {
		return
	}
	delete(m.inbound, iface)

	if err := ic.close(); err != nil {
		log.WithFields(log.Fields{
			"interface": iface,
			"error":     err,
		}).Warn("Closing inbound interface errored")
	}
}

// Shutdown closes all remaining connections.
func (m *Management) Shutdown() error {
	var result *multierror.Error

	for iface, ic := range m.inbound {
		delete(m.inbound, iface)
		if err := ic.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for tc := range m.outbound {
		_ = tc.conn.EnterClosing(internal.ApplicationShutdown, "shutting down")
		tc.finish(msgbus.ErrClosed)
	}
	for tc := range m.zombies {
		delete(m.zombies, tc)
	}

	m.readers.Wait()
	return result.ErrorOrNil()
}

// InitFileTransfer requests the file offered by host:port under fileID. The
// file's content becomes readable from the returned Buffer as it arrives;
// failures are reported by the Buffer as well as to the SendFailureListeners.
// The caller must call SetReadDone on the Buffer once it stopped reading.
func (m *Management) InitFileTransfer(host string, port int, fileID uint32) (*filetransfer.Buffer, error) {
	if port < 0 || port > 65535 {
		return nil, msgbus.ErrInvalidPort
	}
	if host == "" {
		return nil, msgbus.ErrInvalidHost
	}
	if m.IsClosed() {
		return nil, msgbus.ErrClosed
	}

	buf := filetransfer.NewBuffer(m.config.FileBufferSize)
	m.Submit(&msgbus.TxContext{
		Host:       host,
		Port:       port,
		Payload:    []byte(filetransfer.FormatFileID(fileID)),
		FileBuffer: buf,
	})

	log.WithFields(log.Fields{
		"host": host,
		"port": port,
		"file": fileID,
	}).Debug("Requested file transfer")
	return buf, nil
}
