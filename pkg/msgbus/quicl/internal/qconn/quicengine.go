// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
)

const (
	// rxChunkSize is the size of a single stream read.
	rxChunkSize = 16 * 1024

	// sendQuantum bounds the bytes sent by one pump pass.
	sendQuantum = 64 * 1024

	// defaultPTO is assumed until the handshake measured a round trip.
	defaultPTO = time.Second
)

// sendStream is implemented by *quic.Stream and *quic.SendStream.
type sendStream interface {
	io.Writer
	Close() error
	CancelWrite(quic.StreamErrorCode)
}

// receiveStream is implemented by *quic.Stream and *quic.ReceiveStream.
type receiveStream interface {
	io.Reader
	CancelRead(quic.StreamErrorCode)
}

type writeReq struct {
	p   []byte
	fin bool
}

// QuicEngineConfig configures an Engine backed by quic-go.
type QuicEngineConfig struct {
	Role   Role
	Local  netip.AddrPort
	Remote netip.AddrPort

	TLS  *tls.Config
	QUIC *quic.Config

	// Notify is called from background goroutines whenever the engine has
	// events or datagrams for its Connection.
	Notify func()
}

// quicEngine drives a quic-go connection. quic-go's blocking calls run on
// background goroutines which report back by events; the Connection's calls
// never block.
type quicEngine struct {
	role     Role
	pc       *packetConn
	tr       *quic.Transport
	tlsConf  *tls.Config
	quicConf *quic.Config
	remote   *net.UDPAddr
	notify   func()

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	events  []Event
	conn    *quic.Conn
	started time.Time
	pto      time.Duration
	closing  bool
	closePkt []byte
	cids     [][]byte

	opening    bool
	sendStream sendStream
	writeCh    chan writeReq
	writeBusy  bool
	acked      uint64
	txErr      error

	recvStream receiveStream
	rxChunk    []byte
	rxFin      bool
	rxHave     bool
	rxConsumed chan struct{}
}

// NewQuicEngine creates an Engine backed by quic-go.
func NewQuicEngine(conf QuicEngineConfig) Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &quicEngine{
		role:       conf.Role,
		tlsConf:    conf.TLS,
		quicConf:   conf.QUIC,
		remote:     net.UDPAddrFromAddrPort(conf.Remote),
		notify:     conf.Notify,
		ctx:        ctx,
		cancel:     cancel,
		writeCh:    make(chan writeReq, 1),
		rxConsumed: make(chan struct{}, 1),
	}
	e.pc = newPacketConn(conf.Local, conf.Remote, e.wake)
	e.tr = &quic.Transport{
		Conn:                  e.pc,
		ConnectionIDGenerator: connIDGenerator{e},
	}
	return e
}

// connIDGenerator mints random connection ids and records them, so datagrams
// using any of them are routed to this engine's Connection.
type connIDGenerator struct {
	e *quicEngine
}

func (g connIDGenerator) GenerateConnectionID() (quic.ConnectionID, error) {
	b := make([]byte, internal.ConnectionIDLength)
	if _, err := rand.Read(b); err != nil {
		return quic.ConnectionID{}, err
	}

	g.e.mutex.Lock()
	g.e.cids = append(g.e.cids, b)
	g.e.mutex.Unlock()

	return quic.ConnectionIDFromBytes(b), nil
}

func (connIDGenerator) ConnectionIDLen() int {
	return internal.ConnectionIDLength
}

func (e *quicEngine) ConnectionIDs() [][]byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	cids := e.cids
	e.cids = nil
	return cids
}

func (e *quicEngine) wake() {
	if e.notify != nil {
		e.notify()
	}
}

func (e *quicEngine) post(ev Event) {
	e.mutex.Lock()
	e.events = append(e.events, ev)
	e.mutex.Unlock()

	e.wake()
}

func (e *quicEngine) Start() {
	e.mutex.Lock()
	e.started = time.Now()
	e.mutex.Unlock()

	go e.handshake()
}

func (e *quicEngine) handshake() {
	var conn *quic.Conn
	var err error

	if e.role == RoleClient {
		conn, err = e.tr.Dial(e.ctx, e.remote, e.tlsConf, e.quicConf)
	} else {
		var ln *quic.Listener
		if ln, err = e.tr.Listen(e.tlsConf, e.quicConf); err == nil {
			// Each engine serves exactly one connection.
			conn, err = ln.Accept(e.ctx)
			_ = ln.Close()
		}
	}

	if err != nil {
		e.post(closedEvent(err))
		return
	}

	state := conn.ConnectionState()

	e.mutex.Lock()
	e.conn = conn
	e.pto = 3*time.Since(e.started) + 25*time.Millisecond
	e.mutex.Unlock()

	e.post(Event{
		Type:             EventHandshakeComplete,
		ALPN:             state.TLS.NegotiatedProtocol,
		PeerCertificates: state.TLS.PeerCertificates,
	})

	<-conn.Context().Done()
	e.post(closedEvent(context.Cause(conn.Context())))
}

// closedEvent classifies the end of a quic-go connection.
func closedEvent(err error) Event {
	ev := Event{Type: EventClosed, Err: err}

	var (
		appErr   *quic.ApplicationError
		trErr    *quic.TransportError
		idleErr  *quic.IdleTimeoutError
		hsErr    *quic.HandshakeTimeoutError
		vnErr    *quic.VersionNegotiationError
		resetErr *quic.StatelessResetError
	)

	switch {
	case errors.As(err, &appErr):
		ev.Remote = appErr.Remote
		ev.Code = appErr.ErrorCode
		ev.Err = nil
		if appErr.ErrorMessage != "" && appErr.ErrorCode != internal.Success {
			ev.Err = errors.New(appErr.ErrorMessage)
		}
		if appErr.Remote {
			ev.Outcome = OutcomeDraining
		} else {
			ev.Outcome = OutcomeDrop
		}

	case errors.As(err, &trErr):
		ev.Remote = trErr.Remote
		ev.Code = internal.ConnectionError
		if trErr.Remote {
			ev.Outcome = OutcomeDraining
		} else {
			ev.Outcome = OutcomeFatal
		}

	case errors.As(err, &vnErr):
		ev.Outcome = OutcomeRetry

	case errors.As(err, &idleErr), errors.As(err, &hsErr), errors.As(err, &resetErr):
		ev.Outcome = OutcomeDrop

	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		ev.Outcome = OutcomeDrop

	default:
		ev.Outcome = OutcomeFatal
	}
	return ev
}

func (e *quicEngine) Receive(pkt []byte) Outcome {
	if !e.pc.Feed(pkt) {
		log.WithField("remote", e.remote).Debug("Dropping inbound datagram, engine is busy")
	}
	return OutcomeOK
}

func (e *quicEngine) NextDatagram() []byte {
	return e.pc.Pop()
}

func (e *quicEngine) SendQuantum() int {
	return sendQuantum
}

func (e *quicEngine) Events() []Event {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	events := e.events
	e.events = nil
	return events
}

func (e *quicEngine) OpenStream(bidi bool) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.conn == nil {
		return false
	}
	if e.opening {
		return true
	}
	e.opening = true

	conn := e.conn
	go func() {
		var (
			s   sendStream
			r   receiveStream
			err error
		)
		if bidi {
			var stream *quic.Stream
			if stream, err = conn.OpenStreamSync(e.ctx); err == nil {
				s, r = stream, stream
			}
		} else {
			var stream *quic.SendStream
			if stream, err = conn.OpenUniStreamSync(e.ctx); err == nil {
				s = stream
			}
		}
		if err != nil {
			log.WithError(err).Debug("Opening stream failed")
			return
		}

		e.attachStreams(s, r)
		e.post(Event{Type: EventStreamOpened, Bidi: bidi})
	}()
	return true
}

func (e *quicEngine) AcceptStream() {
	e.mutex.Lock()
	conn := e.conn
	e.mutex.Unlock()

	if conn == nil {
		return
	}

	go func() {
		if stream, err := conn.AcceptStream(e.ctx); err == nil {
			e.streamArrived(stream, stream, true)
		}
	}()
	go func() {
		if stream, err := conn.AcceptUniStream(e.ctx); err == nil {
			e.streamArrived(nil, stream, false)
		}
	}()
}

func (e *quicEngine) streamArrived(s sendStream, r receiveStream, bidi bool) {
	e.mutex.Lock()
	second := e.recvStream != nil
	e.mutex.Unlock()

	if second {
		r.CancelRead(internal.StreamAborted)
		if s != nil {
			s.CancelWrite(internal.StreamAborted)
		}
	} else {
		e.attachStreams(s, r)
	}
	e.post(Event{Type: EventStreamAccepted, Bidi: bidi})
}

// attachStreams starts the reader and writer goroutines.
func (e *quicEngine) attachStreams(s sendStream, r receiveStream) {
	e.mutex.Lock()
	e.sendStream = s
	e.recvStream = r
	e.mutex.Unlock()

	if s != nil {
		go e.writer(s)
	}
	if r != nil {
		go e.reader(r)
	}
}

func (e *quicEngine) writer(s sendStream) {
	for {
		select {
		case <-e.ctx.Done():
			return

		case req := <-e.writeCh:
			n, err := s.Write(req.p)
			if err == nil && req.fin {
				err = s.Close()
			}

			e.mutex.Lock()
			e.acked += uint64(n)
			e.writeBusy = false
			if err != nil {
				e.txErr = err
			}
			e.mutex.Unlock()

			e.post(Event{Type: EventStreamWritable})
			if err != nil || req.fin {
				return
			}
		}
	}
}

func (e *quicEngine) reader(r receiveStream) {
	buf := make([]byte, rxChunkSize)
	for {
		n, err := r.Read(buf)
		fin := errors.Is(err, io.EOF)
		if err != nil && !fin {
			var streamErr *quic.StreamError
			if errors.As(err, &streamErr) {
				e.post(Event{Type: EventClosed, Outcome: OutcomeFatal, Err: err})
			}
			return
		}

		e.mutex.Lock()
		e.rxChunk, e.rxFin, e.rxHave = buf[:n], fin, true
		e.mutex.Unlock()
		e.post(Event{Type: EventStreamReadable})

		if fin {
			return
		}

		select {
		case <-e.rxConsumed:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *quicEngine) WriteStream(p []byte, fin bool) (int, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	switch {
	case e.txErr != nil:
		return 0, e.txErr
	case e.sendStream == nil, e.writeBusy:
		return 0, ErrStreamBlocked
	case len(p) == 0 && !fin:
		// quic-go announces streams along with their first data
		return 0, nil
	}

	e.writeBusy = true
	e.writeCh <- writeReq{p: p, fin: fin}
	return len(p), nil
}

func (e *quicEngine) Acked() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.acked
}

func (e *quicEngine) ReadStream() ([]byte, bool, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.rxChunk, e.rxFin, e.rxHave
}

func (e *quicEngine) ConsumeRx() {
	e.mutex.Lock()
	e.rxChunk, e.rxHave = nil, false
	e.mutex.Unlock()

	select {
	case e.rxConsumed <- struct{}{}:
	default:
	}
}

func (e *quicEngine) CancelWrite(code quic.StreamErrorCode) {
	e.mutex.Lock()
	s := e.sendStream
	e.sendStream = nil
	e.mutex.Unlock()

	if s != nil {
		s.CancelWrite(code)
	}
}

func (e *quicEngine) Close(code quic.ApplicationErrorCode, reason string) {
	e.mutex.Lock()
	if e.closing {
		e.mutex.Unlock()
		return
	}
	e.closing = true
	conn := e.conn
	e.mutex.Unlock()

	// Datagrams queued before the close are obsolete.
	e.pc.DropOutbox()

	if conn == nil {
		e.cancel()
		return
	}
	go func() {
		// CloseWithError returns after quic-go wrote its close, which is the
		// connection's final datagram.
		_, before := e.pc.LastWritten()
		_ = conn.CloseWithError(code, reason)
		pkt, after := e.pc.LastWritten()
		if after == before {
			return
		}

		e.mutex.Lock()
		e.closePkt = pkt
		e.mutex.Unlock()
		e.wake()
	}()
}

func (e *quicEngine) ClosePacket() []byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.closePkt
}

func (e *quicEngine) PTO() time.Duration {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.pto == 0 {
		return defaultPTO
	}
	return e.pto
}

// Expiry is always zero as quic-go runs its own timers.
func (e *quicEngine) Expiry() time.Time {
	return time.Time{}
}

func (e *quicEngine) HandleExpiry() Outcome {
	return OutcomeOK
}

func (e *quicEngine) Release() {
	e.cancel()
	_ = e.pc.Close()

	go func() {
		if err := e.tr.Close(); err != nil {
			log.WithError(err).Debug("Closing QUIC transport errored")
		}
	}()
}
