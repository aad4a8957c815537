// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
)

const (
	// DefaultSendBufferSize is the default size of a connection's send ring.
	DefaultSendBufferSize = 256 * 1024

	// pendingOutWarn is the number of datagrams buffered for a blocked socket
	// which is logged once.
	pendingOutWarn = 64

	// blockedRetry is the delay before retrying a blocked socket.
	blockedRetry = 10 * time.Millisecond
)

// Role of a connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State of a connection.
type State int

const (
	StatePrehandshake State = iota
	StateNormal
	StateDraining
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePrehandshake:
		return "prehandshake"
	case StateNormal:
		return "normal"
	case StateDraining:
		return "draining"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Source provides the bytes of the connection's stream.
type Source interface {
	// Fill copies the next bytes into p.
	Fill(p []byte) (int, error)

	// Done reports that all bytes were provided.
	Done() bool
}

// Sink consumes the bytes received on the connection's stream.
type Sink interface {
	// ReceivedData consumes up to len(p) bytes and returns the amount. A fin
	// marks p as the stream's last bytes; it only applies if all of p was
	// consumed. A returned error closes the connection, with the given code
	// for an *AppError.
	ReceivedData(p []byte, fin bool) (int, error)
}

// StreamPolicy decides which streams are opened or accepted.
type StreamPolicy interface {
	// WantsTxUni lets a client open a unidirectional stream.
	WantsTxUni() bool

	// WantsBiDir lets a client open a bidirectional stream.
	WantsBiDir() bool

	// RemoteBiDirAllowed lets a server write on a bidirectional stream opened by
	// the client. Otherwise, its write side is shut down right away.
	RemoteBiDirAllowed() bool
}

// Hooks are optional callbacks into the owner of a connection.
type Hooks struct {
	// HandshakeComplete might refuse the negotiated ALPN by returning false.
	HandshakeComplete func(c *Connection, alpn string) bool

	// HandshakeError is called for handshakes refused by this node.
	HandshakeError func(c *Connection, err *internal.HandshakeError)

	// PostProcess is called after received data was handed to the Sink.
	PostProcess func(c *Connection)

	// TxFinish is called after each pump pass with the number of stream bytes
	// handed to the engine so far.
	TxFinish func(c *Connection, sent uint64)
}

// AppError closes a connection with an application error code.
type AppError struct {
	Code   quic.ApplicationErrorCode
	Reason string
}

func (err *AppError) Error() string {
	return fmt.Sprintf("%s: %s", internal.CodeName(err.Code), err.Reason)
}

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	// Remote is set if the peer closed the connection.
	Remote bool
	Code   quic.ApplicationErrorCode
	Reason string
	Err    error
}

// PeerSucceeded reports a connection closed by the peer with Success.
func (ci CloseInfo) PeerSucceeded() bool {
	return ci.Remote && ci.Code == internal.Success && ci.Err == nil
}

func (ci CloseInfo) String() string {
	who := "locally"
	if ci.Remote {
		who = "by peer"
	}
	s := fmt.Sprintf("closed %s with %s", who, internal.CodeName(ci.Code))
	if ci.Reason != "" {
		s += ": " + ci.Reason
	}
	if ci.Err != nil {
		s += fmt.Sprintf(" (%v)", ci.Err)
	}
	return s
}

// Options to create a Connection.
type Options struct {
	Role   Role
	Engine Engine
	Socket PacketSender
	Remote netip.AddrPort

	Source Source
	Sink   Sink
	Policy StreamPolicy
	Hooks  Hooks

	// CertChecker, if set, verifies the certificates of a client's peer. A peer
	// without a certificate is refused.
	CertChecker func([]*x509.Certificate) error

	SendBufferSize int

	// ConnTimeout bounds the handshake.
	ConnTimeout time.Duration

	// InitialDCID is the destination connection id of a client's first packet,
	// used by a server connection for demultiplexing.
	InitialDCID []byte

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Connection is the state machine of a single QUIC connection.
type Connection struct {
	role   Role
	state  State
	engine Engine
	socket PacketSender
	remote netip.AddrPort

	source      Source
	sink        Sink
	policy      StreamPolicy
	hooks       Hooks
	certChecker func([]*x509.Certificate) error
	now         func() time.Time

	alpn string

	buf        *sendBuffer
	srcDone    bool
	streamReq  bool
	haveStream bool
	streamOpen bool
	zeroOpen   bool
	finSent    bool

	rxChunk []byte
	rxHave  bool
	rxOff   int
	rxFin   bool
	rxDone  bool

	scids map[string]struct{}

	pendingOut [][]byte
	retryAt    time.Time
	closePkt   []byte

	deadline  time.Time
	closeInfo *CloseInfo
}

// New creates a Connection. Start must be called afterwards.
func New(opts Options) *Connection {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = DefaultSendBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Connection{
		role:        opts.Role,
		state:       StatePrehandshake,
		engine:      opts.Engine,
		socket:      opts.Socket,
		remote:      opts.Remote,
		source:      opts.Source,
		sink:        opts.Sink,
		policy:      opts.Policy,
		hooks:       opts.Hooks,
		certChecker: opts.CertChecker,
		now:         opts.Now,
		buf:         newSendBuffer(opts.SendBufferSize),
		scids:       make(map[string]struct{}),
	}

	if opts.ConnTimeout > 0 {
		c.deadline = c.now().Add(opts.ConnTimeout)
	}
	if len(opts.InitialDCID) > 0 {
		c.AddSCID(opts.InitialDCID)
	}
	return c
}

func (c *Connection) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"role":   c.role,
		"remote": c.remote,
		"state":  c.state,
	})
}

func (c *Connection) Role() Role { return c.role }
func (c *Connection) State() State { return c.state }
func (c *Connection) Remote() netip.AddrPort { return c.remote }
func (c *Connection) ALPN() string { return c.alpn }
func (c *Connection) BytesSent() uint64 { return c.buf.sent }
func (c *Connection) BytesAcked() uint64 { return c.buf.acked }
func (c *Connection) BytesInFlight() uint64 { return c.buf.inFlight() }
func (c *Connection) SendBufferCapacity() int { return len(c.buf.data) }
func (c *Connection) PendingDatagrams() int { return len(c.pendingOut) }
func (c *Connection) IsTxSourceDone() bool { return c.srcDone }
func (c *Connection) IsRxDone() bool { return c.rxDone }
func (c *Connection) IsFinSent() bool { return c.finSent }
func (c *Connection) IsStreamOpen() bool { return c.streamOpen }
func (c *Connection) SetDeadline(t time.Time) { c.deadline = t }
func (c *Connection) Deadline() time.Time { return c.deadline }

// CloseInfo describes the end of the connection; ok is false while the
// connection is still alive.
func (c *Connection) CloseInfo() (info CloseInfo, ok bool) {
	if c.closeInfo == nil {
		return CloseInfo{}, false
	}
	return *c.closeInfo, true
}

func (c *Connection) setCloseInfo(remote bool, code quic.ApplicationErrorCode, reason string, err error) {
	if c.closeInfo != nil {
		return
	}
	c.closeInfo = &CloseInfo{Remote: remote, Code: code, Reason: reason, Err: err}
}

// AddSCID registers a connection id this connection receives packets under.
func (c *Connection) AddSCID(cid []byte) {
	c.scids[string(cid)] = struct{}{}
}

// HasSCID checks if packets for cid belong to this connection.
func (c *Connection) HasSCID(cid []byte) bool {
	_, ok := c.scids[string(cid)]
	return ok
}

// SCIDs lists all known connection ids.
func (c *Connection) SCIDs() [][]byte {
	cids := make([][]byte, 0, len(c.scids))
	for cid := range c.scids {
		cids = append(cids, []byte(cid))
	}
	return cids
}

// learnSCID records the source connection id of an outbound long header packet.
func (c *Connection) learnSCID(pkt []byte) {
	if len(pkt) == 0 || pkt[0]&0x80 == 0 {
		return
	}
	if hdr, err := ParseHeader(pkt, 0); err == nil && len(hdr.SCID) > 0 && !c.HasSCID(hdr.SCID) {
		c.AddSCID(hdr.SCID)
		c.logger().WithField("scid", fmt.Sprintf("%x", hdr.SCID)).Debug("Learned connection id")
	}
}

// learnIssuedIDs records the connection ids the engine issued to the peer.
func (c *Connection) learnIssuedIDs() {
	for _, cid := range c.engine.ConnectionIDs() {
		if !c.HasSCID(cid) {
			c.AddSCID(cid)
			c.logger().WithField("scid", fmt.Sprintf("%x", cid)).Debug("Issued connection id")
		}
	}
}

// SetSource replaces the byte source. This is only possible before the
// current source is done.
func (c *Connection) SetSource(src Source) bool {
	if c.srcDone || c.state != StateNormal {
		return false
	}
	c.source = src
	return true
}

// Start initiates the handshake and performs a first transmission.
func (c *Connection) Start() (bool, error) {
	c.engine.Start()
	return c.WriteStreams()
}

// ProcessPkt handles an inbound datagram.
func (c *Connection) ProcessPkt(pkt []byte) (bool, error) {
	switch c.state {
	case StateDraining:
		return c.handleClosed(true), nil

	case StateClosing:
		return c.resendClose()

	case StateClosed:
		return c.handleClosed(true), nil
	}

	outcome := c.engine.Receive(pkt)
	if err := c.applyOutcome(Event{Type: EventClosed, Outcome: outcome, Remote: outcome == OutcomeDraining, Code: internal.UnknownError}); err != nil {
		return c.handleClosed(false), err
	}
	if err := c.process(); err != nil {
		return c.handleClosed(false), err
	}
	return c.handleClosed(true), nil
}

// Service handles asynchronous engine events and transmits pending data.
func (c *Connection) Service() (bool, error) {
	if c.state < StateClosing {
		if err := c.process(); err != nil {
			return c.handleClosed(false), err
		}
	}
	return c.WriteStreams()
}

// process consumes engine events and received data.
func (c *Connection) process() error {
	c.learnIssuedIDs()
	if err := c.processEvents(); err != nil {
		return err
	}
	if err := c.pumpRx(); err != nil {
		return err
	}
	if c.state == StateNormal && c.hooks.PostProcess != nil {
		c.hooks.PostProcess(c)
	}
	return nil
}

func (c *Connection) processEvents() error {
	for _, ev := range c.engine.Events() {
		var err error
		switch ev.Type {
		case EventHandshakeComplete:
			err = c.handshakeComplete(ev)

		case EventStreamOpened:
			if c.state == StateNormal {
				c.haveStream = true
				c.streamOpen = true
				c.zeroOpen = true
			}

		case EventStreamAccepted:
			err = c.streamAccepted(ev.Bidi)

		case EventClosed:
			err = c.applyOutcome(ev)
		}

		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) handshakeComplete(ev Event) error {
	if c.state != StatePrehandshake {
		return nil
	}
	c.alpn = ev.ALPN

	var herr *internal.HandshakeError
	if c.role == RoleClient && c.certChecker != nil {
		if len(ev.PeerCertificates) == 0 {
			herr = internal.NewHandshakeError("peer presented no certificate", internal.CertificateRejected, nil)
		} else if err := c.certChecker(ev.PeerCertificates); err != nil {
			herr = internal.NewHandshakeError("peer certificate rejected", internal.CertificateRejected, err)
		}
	}
	if herr == nil && c.hooks.HandshakeComplete != nil && !c.hooks.HandshakeComplete(c, ev.ALPN) {
		herr = internal.NewHandshakeError(fmt.Sprintf("refused ALPN %q", ev.ALPN), internal.ProtocolViolation, nil)
	}

	if herr != nil {
		c.logger().WithError(herr).Warn("Handshake refused")
		if c.hooks.HandshakeError != nil {
			c.hooks.HandshakeError(c, herr)
		}
		c.setCloseInfo(false, herr.Code, herr.Msg, herr)
		return c.EnterClosing(herr.Code, herr.Msg)
	}

	c.state = StateNormal
	c.deadline = time.Time{}
	c.logger().WithField("alpn", c.alpn).Debug("Handshake completed")

	if c.role == RoleServer {
		c.engine.AcceptStream()
	} else {
		c.maybeOpenStream()
	}
	return nil
}

// maybeOpenStream requests a client's single stream, as long as the engine
// has not granted stream credit yet.
func (c *Connection) maybeOpenStream() {
	if c.role != RoleClient || c.state != StateNormal || c.streamReq {
		return
	}

	var bidi bool
	switch {
	case c.policy.WantsBiDir():
		bidi = true
	case c.policy.WantsTxUni():
		bidi = false
	default:
		return
	}

	if c.engine.OpenStream(bidi) {
		c.streamReq = true
	}
}

func (c *Connection) streamAccepted(bidi bool) error {
	if c.state != StateNormal {
		return nil
	}
	if c.haveStream {
		c.setCloseInfo(false, internal.ProtocolViolation, "peer opened a second stream", nil)
		return c.EnterClosing(internal.ProtocolViolation, "only one stream allowed")
	}
	c.haveStream = true

	if bidi {
		if c.policy.RemoteBiDirAllowed() {
			c.streamOpen = true
		} else {
			c.logger().Debug("Shutting down write side of bidirectional stream")
			c.engine.CancelWrite(internal.StreamRejected)
		}
	}
	return nil
}

// applyOutcome acts on an engine outcome; the Event might carry details.
func (c *Connection) applyOutcome(ev Event) error {
	if ev.Outcome == OutcomeOK || c.state >= StateDraining {
		return nil
	}

	c.logger().WithFields(log.Fields{
		"outcome": ev.Outcome,
		"remote":  ev.Remote,
		"code":    ev.Code,
		"error":   ev.Err,
	}).Debug("Engine reported connection end")

	switch ev.Outcome {
	case OutcomeRetry:
		c.setCloseInfo(false, internal.ConnectionError, "retry or version negotiation requested", ev.Err)
		c.toClosed()

	case OutcomeDraining:
		c.setCloseInfo(ev.Remote, ev.Code, "", ev.Err)
		c.enterDraining()

	case OutcomeDrop:
		c.setCloseInfo(ev.Remote, internal.ConnectionError, "connection dropped", ev.Err)
		c.toClosed()

	case OutcomeFatal:
		c.setCloseInfo(false, internal.ConnectionError, "engine failure", ev.Err)
		return c.EnterClosing(internal.ConnectionError, "engine failure")
	}
	return nil
}

func (c *Connection) leaveNormal() {
	c.srcDone = true
}

func (c *Connection) enterDraining() {
	c.leaveNormal()
	c.state = StateDraining
	c.deadline = c.now().Add(3 * c.engine.PTO())
}

func (c *Connection) toClosed() {
	if c.state == StateClosed {
		return
	}
	c.leaveNormal()
	c.state = StateClosed
	c.logger().Debug("Connection closed")
}

// EnterClosing closes the connection with an application error code. The
// close packet is sent right away and resent on every further inbound packet.
func (c *Connection) EnterClosing(code quic.ApplicationErrorCode, reason string) error {
	if c.state == StateClosing || c.state == StateClosed {
		return nil
	}

	c.setCloseInfo(false, code, reason, nil)
	c.leaveNormal()
	c.engine.Close(code, reason)
	c.state = StateClosing
	c.closePkt = nil
	c.deadline = c.now().Add(3 * c.engine.PTO())

	c.logger().WithFields(log.Fields{
		"code":   internal.CodeName(code),
		"reason": reason,
	}).Debug("Closing connection")

	budget := c.engine.SendQuantum()
	_, err := c.drainEngine(&budget)
	return err
}

// handleClosed converts a non viable result into the Closed state. A closed
// connection stays alive until its buffered datagrams are sent.
func (c *Connection) handleClosed(ok bool) bool {
	if !ok {
		c.toClosed()
	}
	if c.state == StateClosed {
		return len(c.pendingOut) > 0
	}
	return true
}

// ClosePacket is the datagram resent while closing, or nil as long as the
// engine has not built it.
func (c *Connection) ClosePacket() []byte {
	if c.closePkt == nil && c.state == StateClosing {
		c.closePkt = c.engine.ClosePacket()
	}
	return c.closePkt
}

func (c *Connection) resendClose() (bool, error) {
	if pkt := c.ClosePacket(); pkt != nil {
		if err := c.send(pkt); err != nil {
			return c.handleClosed(false), err
		}
	}
	return c.handleClosed(true), nil
}

func (c *Connection) pumpRx() error {
	if c.state != StateNormal || c.rxDone {
		return nil
	}

	for {
		if !c.rxHave {
			data, fin, ok := c.engine.ReadStream()
			if !ok {
				return nil
			}
			c.rxChunk, c.rxFin, c.rxOff, c.rxHave = data, fin, 0, true
		}

		n, err := c.sink.ReceivedData(c.rxChunk[c.rxOff:], c.rxFin)
		c.rxOff += n
		if err != nil {
			code := internal.LocalError
			var appErr *AppError
			if errors.As(err, &appErr) {
				code = appErr.Code
			}
			c.setCloseInfo(false, code, err.Error(), err)
			return c.EnterClosing(code, err.Error())
		}
		if c.rxOff < len(c.rxChunk) {
			return nil
		}

		fin := c.rxFin
		c.rxChunk, c.rxHave = nil, false
		c.engine.ConsumeRx()
		if fin {
			c.rxDone = true
			return nil
		}
	}
}

// pumpStream moves bytes from the source through the ring into the engine.
func (c *Connection) pumpStream() error {
	if c.state != StateNormal {
		return nil
	}

	c.maybeOpenStream()
	if !c.streamOpen {
		return nil
	}
	c.buf.ack(c.engine.Acked())

	for {
		if !c.srcDone {
			if _, err := c.buf.fill(c.source); err != nil {
				c.setCloseInfo(false, internal.LocalError, "reading stream source failed", err)
				return c.EnterClosing(internal.LocalError, "reading stream source failed")
			}
			if c.source.Done() {
				c.srcDone = true
			}
		}

		data := c.buf.unsent()
		fin := c.srcDone && !c.finSent && c.buf.sent+uint64(len(data)) == c.buf.written

		if len(data) == 0 && !fin {
			if c.zeroOpen {
				if _, err := c.engine.WriteStream(nil, false); errors.Is(err, ErrStreamBlocked) {
					return nil
				} else if err != nil {
					return c.streamFailed(err)
				}
				c.zeroOpen = false
			}
			return nil
		}

		n, err := c.engine.WriteStream(data, fin)
		if errors.Is(err, ErrStreamBlocked) {
			return nil
		} else if err != nil {
			return c.streamFailed(err)
		}

		c.buf.markSent(n)
		c.zeroOpen = false
		if fin && n == len(data) {
			c.finSent = true
			return nil
		}
		if n < len(data) {
			return nil
		}
	}
}

func (c *Connection) streamFailed(err error) error {
	c.setCloseInfo(false, internal.ConnectionError, "writing stream failed", err)
	return c.EnterClosing(internal.ConnectionError, "writing stream failed")
}

// WriteStreams is the transmission pump. It moves stream data into the engine
// and sends the resulting datagrams until the engine's send quantum is used up
// or nothing is left to send.
func (c *Connection) WriteStreams() (bool, error) {
	if err := c.flushPending(); err != nil {
		return c.handleClosed(false), err
	}
	if c.state == StateDraining || c.state == StateClosed {
		return c.handleClosed(true), nil
	}

	budget := c.engine.SendQuantum()
	for budget > 0 {
		if err := c.pumpStream(); err != nil {
			return c.handleClosed(false), err
		}

		n, err := c.drainEngine(&budget)
		if err != nil {
			return c.handleClosed(false), err
		}
		if n == 0 {
			break
		}
	}

	if c.state == StateNormal && c.hooks.TxFinish != nil {
		c.buf.ack(c.engine.Acked())
		c.hooks.TxFinish(c, c.buf.sent)
	}
	return c.handleClosed(true), nil
}

// drainEngine sends the engine's datagrams within budget and returns their
// number.
func (c *Connection) drainEngine(budget *int) (int, error) {
	n := 0
	for *budget > 0 {
		pkt := c.engine.NextDatagram()
		if pkt == nil {
			break
		}
		n++
		*budget -= len(pkt)

		c.learnSCID(pkt)
		c.learnIssuedIDs()
		if err := c.send(pkt); err != nil {
			return n, err
		}
	}
	return n, nil
}

// send writes a datagram, buffering it if the socket would block.
func (c *Connection) send(pkt []byte) error {
	if len(c.pendingOut) > 0 {
		c.queue(pkt)
		return c.flushPending()
	}

	switch res, err := Send(c.socket, pkt, c.remote); res {
	case Blocked:
		c.queue(pkt)
	case Failed:
		c.logger().WithError(err).Warn("Sending datagram failed")
		return err
	}
	return nil
}

func (c *Connection) queue(pkt []byte) {
	if len(c.pendingOut) == pendingOutWarn {
		c.logger().WithField("pending", len(c.pendingOut)).Warn("Socket stays blocked, datagrams pile up")
	}
	c.pendingOut = append(c.pendingOut, pkt)
	c.retryAt = c.now().Add(blockedRetry)
}

// flushPending retries buffered datagrams in order.
func (c *Connection) flushPending() error {
	for len(c.pendingOut) > 0 {
		switch res, err := Send(c.socket, c.pendingOut[0], c.remote); res {
		case Blocked:
			c.retryAt = c.now().Add(blockedRetry)
			return nil
		case Failed:
			c.pendingOut = nil
			return err
		}
		c.pendingOut[0] = nil
		c.pendingOut = c.pendingOut[1:]
	}
	return nil
}

// Expiry is the next point in time HandleExpiry must be called, or the zero
// time.
func (c *Connection) Expiry() time.Time {
	expiry := c.deadline
	if c.state < StateDraining {
		if e := c.engine.Expiry(); !e.IsZero() && (expiry.IsZero() || e.Before(expiry)) {
			expiry = e
		}
	}
	if len(c.pendingOut) > 0 && (expiry.IsZero() || c.retryAt.Before(expiry)) {
		expiry = c.retryAt
	}
	return expiry
}

// HandleExpiry fires all timers due at now.
func (c *Connection) HandleExpiry(now time.Time) (bool, error) {
	if len(c.pendingOut) > 0 && !now.Before(c.retryAt) {
		if err := c.flushPending(); err != nil {
			return c.handleClosed(false), err
		}
	}

	if !c.deadline.IsZero() && !now.Before(c.deadline) {
		switch c.state {
		case StateDraining, StateClosing:
			c.deadline = time.Time{}
			return c.handleClosed(false), nil

		case StatePrehandshake:
			herr := internal.NewHandshakeError("handshake timed out", internal.ConnectionError, nil)
			if c.hooks.HandshakeError != nil {
				c.hooks.HandshakeError(c, herr)
			}
			c.setCloseInfo(false, internal.ConnectionError, herr.Msg, herr)
			if err := c.EnterClosing(internal.ConnectionError, herr.Msg); err != nil {
				return c.handleClosed(false), err
			}
			return c.handleClosed(true), nil

		case StateNormal:
			c.setCloseInfo(false, internal.ConnectionError, "timed out", nil)
			if err := c.EnterClosing(internal.ConnectionError, "timed out"); err != nil {
				return c.handleClosed(false), err
			}
			return c.handleClosed(true), nil
		}
	}

	if c.state < StateDraining {
		if e := c.engine.Expiry(); !e.IsZero() && !now.Before(e) {
			if err := c.applyOutcome(Event{Type: EventClosed, Outcome: c.engine.HandleExpiry()}); err != nil {
				return c.handleClosed(false), err
			}
			return c.WriteStreams()
		}
	}
	return c.handleClosed(true), nil
}

// Release frees the engine's resources.
func (c *Connection) Release() {
	c.engine.Release()
}
