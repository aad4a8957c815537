// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/crypt"
	"github.com/dtn7/cotmesh/pkg/resolve"
)

// Backend is the transport specific part of a message bus.
type Backend interface {
	// Poll performs a single iteration of the I/O loop. It waits at most timeout
	// for socket events, processes them, hands out ready TxContexts and services
	// expiry timers. An error causes the loop to back off for a second.
	//
	// Poll is called with the read side of the IOLock held.
	Poll(timeout time.Duration) error

	// Wake interrupts a blocking Poll.
	Wake()

	// AddInbound starts serving an interface. If binding fails, the backend
	// retries after InboundRetry. Called with the IOLock held for writing.
	AddInbound(iface *InboundInterface) error

	// RemoveInbound stops serving an interface. Called with the IOLock held for
	// writing.
	RemoveInbound(iface *InboundInterface)

	// Shutdown releases all remaining resources after the I/O loop ended.
	Shutdown() error
}

// hostResolver is satisfied by resolve.Resolver.
type hostResolver interface {
	QueueForResolution(host string, listener resolve.Listener) resolve.Token
	Close()
}

// notice is an item of the notification queue: either a failed transmission or
// an interface status change.
type notice struct {
	txErr *TxErrItem
	iface *InboundInterface
	up    bool
}

// Base is the backend-agnostic dispatcher, embedded by each Backend.
type Base struct {
	name    string
	config  Config
	backend Backend

	ioLock IOLock

	resolver hostResolver

	// txMutex guards the transmission state below.
	txMutex sync.Mutex
	txCodec *crypt.Codec
	pending map[resolve.Token]*TxContext
	ready   []*TxContext

	// rxQueue's mutex also guards rxCodec.
	rxQueue *queue[RxItem]
	rxCodec *crypt.Codec

	noticeQueue *queue[notice]

	listenerMutex  sync.Mutex
	msgListeners   map[MessageListener]struct{}
	failListeners  map[SendFailureListener]struct{}
	ifaceListeners map[InterfaceStatusListener]struct{}

	ifaceMutex sync.Mutex
	ifaces     map[*InboundInterface]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// NewBase creates a Base for a backend named name, e.g., "quic". The backend
// must call Start afterwards.
func NewBase(name string, config Config) *Base {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Base{
		name:   name,
		config: config,

		resolver: resolve.NewResolver(config.ConnTimeout),

		pending: make(map[resolve.Token]*TxContext),

		rxQueue:     newQueue[RxItem](),
		noticeQueue: newQueue[notice](),

		msgListeners:   make(map[MessageListener]struct{}),
		failListeners:  make(map[SendFailureListener]struct{}),
		ifaceListeners: make(map[InterfaceStatusListener]struct{}),

		ifaces: make(map[*InboundInterface]struct{}),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the I/O, receive dispatch and error dispatch goroutines.
func (b *Base) Start(backend Backend) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}

	b.backend = backend
	b.ioLock.wake = backend.Wake

	b.wg.Add(3)
	go b.ioLoop()
	go b.rxLoop()
	go b.noticeLoop()
}

// Name of the backend.
func (b *Base) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Base) Config() Config {
	return b.config
}

// Context is canceled when the Base is closed.
func (b *Base) Context() context.Context {
	return b.ctx
}

// IOLock returns the lock guarding the backend's I/O state.
func (b *Base) IOLock() *IOLock {
	return &b.ioLock
}

func (b *Base) ioLoop() {
	defer b.wg.Done()

	b.ioLock.RLock()
	defer b.ioLock.RUnlock()

	for {
		select {
		case <-b.ctx.Done():
			log.WithField("backend", b.name).Debug("I/O loop received closing signal")
			return
		default:
		}

		if err := b.backend.Poll(PollTimeout); err != nil {
			log.WithFields(log.Fields{
				"backend": b.name,
				"error":   err,
			}).Warn("I/O loop failed to poll, backing off")

			b.ioLock.RUnlock()
			select {
			case <-b.ctx.Done():
			case <-time.After(pollBackoff):
			}
			b.ioLock.RLock()
			continue
		}

		b.ioLock.Yield()
	}
}

// SetTxCryptoKeys installs or, if both are nil, clears the keys used to encrypt
// outgoing payloads.
func (b *Base) SetTxCryptoKeys(authKey, cryptoKey []byte) error {
	codec, err := newCodec(authKey, cryptoKey)
	if err != nil {
		return err
	}

	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	b.txCodec = codec
	return nil
}

// SetRxCryptoKeys installs or, if both are nil, clears the keys used to decrypt
// inbound payloads. The swap never happens while a payload is being dequeued.
func (b *Base) SetRxCryptoKeys(authKey, cryptoKey []byte) error {
	codec, err := newCodec(authKey, cryptoKey)
	if err != nil {
		return err
	}

	b.rxQueue.mutex.Lock()
	defer b.rxQueue.mutex.Unlock()

	b.rxCodec = codec
	return nil
}

func newCodec(authKey, cryptoKey []byte) (*crypt.Codec, error) {
	if authKey == nil && cryptoKey == nil {
		return nil, nil
	}
	return crypt.NewCodec(authKey, cryptoKey)
}

// SendMessage queues msg for transmission to host:port.
//
// Only invalid arguments are reported by the returned error. Every other
// failure is reported asynchronously to the SendFailureListeners.
func (b *Base) SendMessage(host string, port int, msg *cot.Message, features FeatureSet, protocolVersion int) error {
	if port < 0 || port > 65535 {
		return ErrInvalidPort
	}
	if host == "" {
		return ErrInvalidHost
	}
	if msg == nil {
		return ErrIllegalArgument
	}
	if b.closed.Load() {
		return ErrClosed
	}

	tx := &TxContext{Host: host, Port: port}

	msg = msg.Clone()
	msg.StripEndpoints()

	payload, err := msg.Encode(protocolVersion)
	if err != nil {
		b.QueueTxErr(host, port, fmt.Sprintf("unable to serialize message: %v", err))
		return nil
	}

	if features.Has(FeatureEncryption) {
		b.txMutex.Lock()
		codec := b.txCodec
		b.txMutex.Unlock()

		if codec != nil {
			if payload, err = codec.Encrypt(payload); err != nil {
				b.QueueTxErr(host, port, fmt.Sprintf("unable to encrypt message: %v", err))
				return nil
			}
		}
	}

	if len(payload) > b.config.MaxMessageSize {
		b.QueueTxErr(host, port, fmt.Sprintf("message of %d bytes exceeds limit", len(payload)))
		return nil
	}

	tx.Payload = payload
	b.Submit(tx)
	return nil
}

// Submit resolves tx's destination and afterwards hands it to the backend.
// Literal addresses are resolved immediately.
func (b *Base) Submit(tx *TxContext) {
	if addr, err := netip.ParseAddr(tx.Host); err == nil {
		tx.Addr = netip.AddrPortFrom(addr.Unmap(), uint16(tx.Port))
		b.markReady(tx)
		return
	}

	// Holding txMutex delays an early completion until the token is stored.
	b.txMutex.Lock()
	token := b.resolver.QueueForResolution(tx.Host, b)
	b.pending[token] = tx
	b.txMutex.Unlock()

	log.WithFields(log.Fields{
		"backend": b.name,
		"host":    tx.Host,
		"token":   token,
	}).Debug("Queued host for resolution")
}

// ResolutionComplete implements resolve.Listener.
func (b *Base) ResolutionComplete(token resolve.Token, host string, addr netip.Addr, ok bool) {
	b.txMutex.Lock()
	tx, exists := b.pending[token]
	delete(b.pending, token)
	b.txMutex.Unlock()

	if !exists {
		log.WithFields(log.Fields{
			"backend": b.name,
			"token":   token,
		}).Debug("Dropping resolution result for unknown token")
		return
	}

	if !ok {
		b.FailTx(tx, fmt.Sprintf("unable to resolve %s", host))
		return
	}

	tx.Addr = netip.AddrPortFrom(addr, uint16(tx.Port))
	b.markReady(tx)
}

func (b *Base) markReady(tx *TxContext) {
	b.txMutex.Lock()
	b.ready = append(b.ready, tx)
	b.txMutex.Unlock()

	if b.backend != nil {
		b.backend.Wake()
	}
}

// TakeReady returns all resolved TxContexts, transferring their ownership to
// the calling backend.
func (b *Base) TakeReady() []*TxContext {
	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	ready := b.ready
	b.ready = nil
	return ready
}

// PendingResolutions returns the number of TxContexts awaiting resolution.
func (b *Base) PendingResolutions() int {
	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	return len(b.pending)
}

// FailTx reports an undeliverable TxContext. A file transfer's buffer is
// marked as failed.
func (b *Base) FailTx(tx *TxContext, reason string) {
	if tx.FileBuffer != nil {
		tx.FileBuffer.SetError()
	}
	b.QueueTxErr(tx.Host, tx.Port, reason)
}

// QueueTxErr queues a failure notification for the SendFailureListeners.
func (b *Base) QueueTxErr(host string, port int, reason string) {
	log.WithFields(log.Fields{
		"backend": b.name,
		"host":    host,
		"port":    port,
		"reason":  reason,
	}).Info("Failed to send message")

	b.noticeQueue.push(notice{txErr: &TxErrItem{Host: host, Port: port, Reason: reason}})
}

// QueueRx hands an inbound payload to the receive dispatcher.
func (b *Base) QueueRx(item RxItem) {
	b.rxQueue.push(item)
}

// nextRx dequeues the next payload together with the codec to decrypt it.
func (b *Base) nextRx() (item RxItem, codec *crypt.Codec, ok bool) {
	b.rxQueue.mutex.Lock()
	defer b.rxQueue.mutex.Unlock()

	item, ok = b.rxQueue.waitLocked()
	codec = b.rxCodec
	return
}

func (b *Base) rxLoop() {
	defer b.wg.Done()

	for {
		item, codec, ok := b.nextRx()
		if !ok {
			return
		}
		b.dispatchRx(item, codec)
	}
}

func (b *Base) dispatchRx(item RxItem, codec *crypt.Codec) {
	payload := item.Payload
	if codec != nil {
		plain, err := codec.Decrypt(payload)
		if err != nil {
			log.WithFields(log.Fields{
				"backend":  b.name,
				"sender":   item.Sender,
				"endpoint": item.EndpointID,
				"error":    err,
			}).Debug("Parse error: dropping undecryptable payload")
			return
		}
		payload = plain
	}

	msg, err := cot.Decode(payload)
	if err != nil {
		log.WithFields(log.Fields{
			"backend":  b.name,
			"sender":   item.Sender,
			"endpoint": item.EndpointID,
			"error":    err,
		}).Debug("Parse error: dropping undecodable payload")
		return
	}

	b.listenerMutex.Lock()
	listeners := make([]MessageListener, 0, len(b.msgListeners))
	for l := range b.msgListeners {
		listeners = append(listeners, l)
	}
	b.listenerMutex.Unlock()

	for _, l := range listeners {
		l.OnMessageReceived(item.Sender, item.EndpointID, msg)
	}
}

func (b *Base) noticeLoop() {
	defer b.wg.Done()

	for {
		n, ok := b.noticeQueue.pop()
		if !ok {
			return
		}

		if n.txErr != nil {
			b.listenerMutex.Lock()
			listeners := make([]SendFailureListener, 0, len(b.failListeners))
			for l := range b.failListeners {
				listeners = append(listeners, l)
			}
			b.listenerMutex.Unlock()

			for _, l := range listeners {
				l.OnSendFailure(n.txErr.Host, n.txErr.Port, n.txErr.Reason)
			}
			continue
		}

		b.listenerMutex.Lock()
		listeners := make([]InterfaceStatusListener, 0, len(b.ifaceListeners))
		for l := range b.ifaceListeners {
			listeners = append(listeners, l)
		}
		b.listenerMutex.Unlock()

		for _, l := range listeners {
			if n.up {
				l.OnInterfaceUp(n.iface)
			} else {
				l.OnInterfaceDown(n.iface)
			}
		}
	}
}

// AddMessageListener registers l; adding it twice has no effect.
func (b *Base) AddMessageListener(l MessageListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	b.msgListeners[l] = struct{}{}
}

// RemoveMessageListener unregisters l.
func (b *Base) RemoveMessageListener(l MessageListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	delete(b.msgListeners, l)
}

// AddSendFailureListener registers l; adding it twice has no effect.
func (b *Base) AddSendFailureListener(l SendFailureListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	b.failListeners[l] = struct{}{}
}

// RemoveSendFailureListener unregisters l.
func (b *Base) RemoveSendFailureListener(l SendFailureListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	delete(b.failListeners, l)
}

// AddInterfaceStatusListener registers l; adding it twice has no effect.
func (b *Base) AddInterfaceStatusListener(l InterfaceStatusListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	b.ifaceListeners[l] = struct{}{}
}

// RemoveInterfaceStatusListener unregisters l.
func (b *Base) RemoveInterfaceStatusListener(l InterfaceStatusListener) {
	b.listenerMutex.Lock()
	defer b.listenerMutex.Unlock()

	delete(b.ifaceListeners, l)
}

// InterfaceUp is called by the backend once an interface's socket is bound.
func (b *Base) InterfaceUp(iface *InboundInterface) {
	log.WithFields(log.Fields{
		"backend":   b.name,
		"interface": iface,
		"id":        iface.ID,
	}).Info("Inbound interface is up")

	b.noticeQueue.push(notice{iface: iface, up: true})
}

// InterfaceDown is called by the backend once a bound interface is gone.
func (b *Base) InterfaceDown(iface *InboundInterface) {
	log.WithFields(log.Fields{
		"backend":   b.name,
		"interface": iface,
		"id":        iface.ID,
	}).Info("Inbound interface is down")

	b.noticeQueue.push(notice{iface: iface, up: false})
}

// AddInboundInterface starts serving port. Port 0 requests an ephemeral port.
func (b *Base) AddInboundInterface(port int) (*InboundInterface, error) {
	if port < 0 || port > 65535 {
		return nil, ErrInvalidPort
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	b.ifaceMutex.Lock()
	defer b.ifaceMutex.Unlock()

	if port != 0 {
		for iface := range b.ifaces {
			if iface.Port == port {
				return nil, ErrInterfaceExists
			}
		}
	}

	iface := &InboundInterface{
		ID:      uuid.NewString(),
		Network: b.name,
		Port:    port,
	}

	b.ioLock.Lock()
	err := b.backend.AddInbound(iface)
	b.ioLock.Unlock()
	if err != nil {
		return nil, err
	}

	b.ifaces[iface] = struct{}{}
	return iface, nil
}

// RemoveInboundInterface stops serving iface. Removing an unknown or already
// removed interface returns ErrIllegalArgument and changes nothing.
func (b *Base) RemoveInboundInterface(iface *InboundInterface) error {
	b.ifaceMutex.Lock()
	defer b.ifaceMutex.Unlock()

	if _, ok := b.ifaces[iface]; !ok {
		return ErrIllegalArgument
	}
	delete(b.ifaces, iface)

	b.ioLock.Lock()
	b.backend.RemoveInbound(iface)
	b.ioLock.Unlock()
	return nil
}

// Interfaces lists all inbound interfaces.
func (b *Base) Interfaces() []*InboundInterface {
	b.ifaceMutex.Lock()
	defer b.ifaceMutex.Unlock()

	ifaces := make([]*InboundInterface, 0, len(b.ifaces))
	for iface := range b.ifaces {
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

// IsClosed reports if Close was called.
func (b *Base) IsClosed() bool {
	return b.closed.Load()
}

// Close stops all goroutines and shuts the backend down. Queued but not yet
// dispatched items are discarded.
func (b *Base) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	b.cancel()
	if b.backend != nil {
		b.backend.Wake()
	}
	b.resolver.Close()

	b.rxQueue.stop()
	b.noticeQueue.stop()
	b.wg.Wait()

	var result *multierror.Error
	if b.backend != nil {
		b.ifaceMutex.Lock()
		b.ioLock.Lock()
		for iface := range b.ifaces {
			b.backend.RemoveInbound(iface)
			delete(b.ifaces, iface)
		}

		if err := b.backend.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
		b.ioLock.Unlock()
		b.ifaceMutex.Unlock()
	}

	b.txMutex.Lock()
	for token, tx := range b.pending {
		if tx.FileBuffer != nil {
			tx.FileBuffer.SetError()
		}
		delete(b.pending, token)
	}
	for _, tx := range b.ready {
		if tx.FileBuffer != nil {
			tx.FileBuffer.SetError()
		}
	}
	b.ready = nil
	b.txMutex.Unlock()

	log.WithField("backend", b.name).Debug("Message bus closed")
	return result.ErrorOrNil()
}
