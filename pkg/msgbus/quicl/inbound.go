// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"bytes"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal/qconn"
)

// inboundContext serves one inbound interface: a UDP socket shared by all
// connections of peers dialing this port.
type inboundContext struct {
	m     *Management
	iface *msgbus.InboundInterface

	sock    *udpSocket
	retryAt time.Time

	byCID  map[string]*serverConn
	active map[*serverConn]struct{}
	expiry expiryCache
}

func newInboundContext(m *Management, iface *msgbus.InboundInterface) *inboundContext {
	return &inboundContext{
		m:      m,
		iface:  iface,
		byCID:  make(map[string]*serverConn),
		active: make(map[*serverConn]struct{}),
	}
}

func (ic *inboundContext) logger() *log.Entry {
	return log.WithField("interface", ic.iface)
}

// retry binds the socket if it is missing and the retry timer expired.
func (ic *inboundContext) retry(now time.Time) {
	if ic.sock != nil || now.Before(ic.retryAt) {
		return
	}

	sock, err := openSocket(ic.iface.Port, true, ic, ic.m.packets, &ic.m.readers)
	if err != nil {
		ic.retryAt = now.Add(msgbus.InboundRetry)
		ic.logger().WithError(err).Warn("Binding inbound interface failed, retrying later")
		return
	}

	ic.sock = sock
	if ic.iface.Port == 0 {
		ic.iface.Port = sock.Port()
	}
	ic.m.InterfaceUp(ic.iface)
}

func (ic *inboundContext) nextExpiry() time.Time {
	next := ic.expiry.get(func() (next time.Time) {
		for sc := range ic.active {
			next = earliest(next, sc.conn.Expiry())
		}
		return
	})

	if ic.sock == nil {
		next = earliest(next, ic.retryAt)
	}
	return next
}

func (ic *inboundContext) handleExpiries(now time.Time) {
	if next := ic.nextExpiry(); next.IsZero() || now.Before(next) {
		return
	}

	ic.expiry.invalidate()
	for sc := range ic.active {
		if e := sc.conn.Expiry(); !e.IsZero() && !now.Before(e) {
			alive, err := sc.conn.HandleExpiry(now)
			ic.check(sc, alive, err)
		}
	}
}

func (ic *inboundContext) handlePacket(sock *udpSocket, pkt []byte, from netip.AddrPort) servicer {
	if sock != ic.sock {
		return nil
	}

	sc := ic.lookup(pkt, from)
	if sc == nil {
		return nil
	}

	alive, err := sc.conn.ProcessPkt(pkt)
	if !ic.check(sc, alive, err) {
		return nil
	}
	return sc
}

// lookup finds the connection of a datagram or creates a new one for a
// client's Initial.
func (ic *inboundContext) lookup(pkt []byte, from netip.AddrPort) *serverConn {
	hdr, err := qconn.ParseHeader(pkt, internal.ConnectionIDLength)
	if err != nil {
		ic.logger().WithFields(log.Fields{
			"peer":  from,
			"error": err,
		}).Debug("Parse error: dropping malformed datagram")
		return nil
	}

	if sc, ok := ic.byCID[string(hdr.DCID)]; ok {
		return sc
	}
	if hdr.Long {
		if initial, err := qconn.ParseInitial(pkt); err == nil {
			return ic.accept(initial, from)
		}
	}

	ic.logger().WithFields(log.Fields{
		"peer": from,
		"dcid": fmt.Sprintf("%x", hdr.DCID),
	}).Debug("Dropping datagram of unknown connection")
	return nil
}

// accept creates a server connection for a client's Initial.
func (ic *inboundContext) accept(initial qconn.Header, from netip.AddrPort) *serverConn {
	m := ic.m
	sc := &serverConn{ic: ic, remote: from}

	engine := qconn.NewQuicEngine(qconn.QuicEngineConfig{
		Role:   qconn.RoleServer,
		Local:  ic.sock.LocalAddr(),
		Remote: from,
		TLS:    m.listenerTLS,
		QUIC:   internal.QUICConfig(true, m.Config().ConnTimeout, m.config.IdleTimeout, m.config.StreamWindow),
		Notify: func() { m.markDirty(sc) },
	})

	sc.conn = qconn.New(qconn.Options{
		Role:   qconn.RoleServer,
		Engine: engine,
		Socket: ic.sock,
		Remote: from,
		Source: pendingSource{},
		Sink:   sc,
		Policy: sc,
		Hooks: qconn.Hooks{
			HandshakeComplete: sc.handshakeComplete,
			HandshakeError:    sc.handshakeError,
			PostProcess:       sc.postProcess,
		},
		SendBufferSize: m.config.SendBufferSize,
		ConnTimeout:    m.Config().ConnTimeout,
		InitialDCID:    initial.DCID,
	})

	ic.active[sc] = struct{}{}
	ic.index(sc)
	ic.expiry.invalidate()

	ic.logger().WithFields(log.Fields{
		"peer": from,
		"dcid": fmt.Sprintf("%x", initial.DCID),
	}).Debug("Accepting new connection")

	if alive, err := sc.conn.Start(); !ic.check(sc, alive, err) {
		return nil
	}
	return sc
}

// index registers all connection ids of sc.
func (ic *inboundContext) index(sc *serverConn) {
	for _, cid := range sc.conn.SCIDs() {
		ic.byCID[string(cid)] = sc
	}
}

// check handles the result of a connection operation and reports if the
// connection is still alive.
func (ic *inboundContext) check(sc *serverConn, alive bool, err error) bool {
	ic.expiry.invalidate()

	if err != nil {
		ic.logger().WithFields(log.Fields{
			"peer":  sc.remote,
			"error": err,
		}).Warn("Connection failed")
		alive = false
	}
	if !alive {
		ic.remove(sc)
		return false
	}

	ic.index(sc)
	return true
}

func (ic *inboundContext) remove(sc *serverConn) {
	if _, ok := ic.active[sc]; !ok {
		return
	}
	delete(ic.active, sc)

	for _, cid := range sc.conn.SCIDs() {
		if ic.byCID[string(cid)] == sc {
			delete(ic.byCID, string(cid))
		}
	}

	sc.release()
}

func (ic *inboundContext) socketFailed(sock *udpSocket, err error) {
	if sock != ic.sock {
		return
	}

	ic.logger().WithError(err).Warn("Inbound socket failed, rebinding later")
	if err := ic.shutdown(); err != nil {
		ic.logger().WithError(err).Debug("Closing failed socket errored")
	}
	ic.retryAt = time.Now().Add(msgbus.InboundRetry)
}

// shutdown closes all connections and the socket.
func (ic *inboundContext) shutdown() error {
	for sc := range ic.active {
		_ = sc.conn.EnterClosing(internal.ApplicationShutdown, "shutting down")
		ic.remove(sc)
	}
	ic.expiry.invalidate()

	if ic.sock == nil {
		return nil
	}

	err := ic.sock.Close()
	ic.sock = nil
	ic.m.InterfaceDown(ic.iface)
	return err
}

// close shuts the interface down for good.
func (ic *inboundContext) close() error {
	if err := ic.shutdown(); err != nil {
		return fmt.Errorf("closing %v: %w", ic.iface, err)
	}
	return nil
}

// serverConn is a connection accepted by an inbound interface. It implements
// both application protocols on the listener's side.
type serverConn struct {
	ic     *inboundContext
	conn   *qconn.Connection
	remote netip.AddrPort

	alpn    string
	rx      bytes.Buffer
	handled bool
	file    *fileSource
	removed bool
}

func (sc *serverConn) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"interface": sc.ic.iface,
		"peer":      sc.remote,
		"alpn":      sc.alpn,
	})
}

func (sc *serverConn) WantsTxUni() bool { return false }
func (sc *serverConn) WantsBiDir() bool { return false }

// RemoteBiDirAllowed permits answers to file requests only.
func (sc *serverConn) RemoteBiDirAllowed() bool {
	return sc.alpn == internal.ALPNFile
}

// ReceivedData collects the request or message, bounded by its maximum size.
func (sc *serverConn) ReceivedData(p []byte, _ bool) (int, error) {
	limit, code := sc.ic.m.Config().MaxMessageSize, internal.MessageTooLarge
	if sc.alpn == internal.ALPNFile {
		limit, code = filetransfer.MaxFileIDLength, internal.ProtocolViolation
	}

	if sc.rx.Len()+len(p) > limit {
		return 0, &qconn.AppError{Code: code, Reason: fmt.Sprintf("request exceeds %d bytes", limit)}
	}
	sc.rx.Write(p)
	return len(p), nil
}

func (sc *serverConn) handshakeComplete(_ *qconn.Connection, alpn string) bool {
	if !slices.Contains(sc.ic.m.config.ALPNs, alpn) {
		return false
	}
	sc.alpn = alpn
	return true
}

func (sc *serverConn) handshakeError(_ *qconn.Connection, err *internal.HandshakeError) {
	sc.logger().WithFields(log.Fields{
		"code":  internal.CodeName(err.Code),
		"error": err,
	}).Info("Refused inbound connection")
}

// postProcess acts on a completely received stream.
func (sc *serverConn) postProcess(c *qconn.Connection) {
	if sc.handled || !c.IsRxDone() {
		return
	}
	sc.handled = true

	switch sc.alpn {
	case internal.ALPNMessage:
		sc.ic.m.QueueRx(msgbus.RxItem{
			Payload:    bytes.Clone(sc.rx.Bytes()),
			Sender:     sc.remote,
			EndpointID: sc.ic.iface.ID,
		})
		sc.logger().WithField("size", sc.rx.Len()).Debug("Received message")
		sc.closeWith(internal.Success, "message received")

	case internal.ALPNFile:
		sc.serveFile()
	}
}

// serveFile switches the connection to sending the requested file.
func (sc *serverConn) serveFile() {
	m := sc.ic.m

	id, err := filetransfer.ParseFileID(sc.rx.Bytes())
	if err != nil {
		sc.logger().WithError(err).Debug("Parse error: malformed file request")
		sc.closeWith(internal.ProtocolViolation, "malformed file id")
		return
	}

	var path string
	var ok bool
	if m.config.Offers != nil {
		path, ok = m.config.Offers.Lookup(id)
	}
	if !ok {
		sc.logger().WithField("file", id).Info("Requested file is not offered")
		sc.closeWith(internal.FileNotFound, "file not offered")
		return
	}

	f, err := m.config.Files.Open(path)
	if err != nil {
		sc.logger().WithFields(log.Fields{
			"file":  id,
			"path":  path,
			"error": err,
		}).Warn("Opening offered file failed")
		sc.closeWith(internal.FileNotFound, "file not readable")
		return
	}

	sc.file = &fileSource{r: f}
	if !sc.conn.SetSource(sc.file) {
		_ = sc.file.Close()
		return
	}

	sc.logger().WithFields(log.Fields{
		"file": id,
		"path": path,
	}).Info("Serving file")
}

func (sc *serverConn) closeWith(code quic.ApplicationErrorCode, reason string) {
	if err := sc.conn.EnterClosing(code, reason); err != nil {
		sc.logger().WithError(err).Warn("Sending close failed")
	}
}

func (sc *serverConn) service() {
	if sc.removed {
		return
	}

	alive, err := sc.conn.Service()
	sc.ic.check(sc, alive, err)
}

func (sc *serverConn) release() {
	sc.removed = true
	sc.conn.Release()
	if sc.file != nil {
		_ = sc.file.Close()
	}

	info, _ := sc.conn.CloseInfo()
	sc.logger().WithField("close", info).Debug("Connection removed")
}
