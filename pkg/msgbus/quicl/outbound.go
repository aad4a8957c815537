// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal/qconn"
)

// txContext is a single outbound exchange over its own UDP socket: either a
// message or a file request.
type txContext struct {
	m    *Management
	tx   *msgbus.TxContext
	alpn string

	sock *udpSocket
	conn *qconn.Connection

	// peer is the destination without IPv4 mapping, as datagrams arrive.
	peer netip.AddrPort

	lingering bool
	received  bool
	reported  bool
	done      bool
}

func (tc *txContext) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"transmission": tc.tx,
		"alpn":         tc.alpn,
	})
}

// startTx creates the connection of a resolved TxContext and starts its
// handshake.
func (m *Management) startTx(tx *msgbus.TxContext) {
	tc := &txContext{
		m:    m,
		tx:   tx,
		alpn: internal.ALPNMessage,
		peer: netip.AddrPortFrom(tx.Addr.Addr().Unmap(), tx.Addr.Port()),
	}
	if tx.FileBuffer != nil {
		tc.alpn = internal.ALPNFile
	}

	sock, err := openSocket(0, false, tc, m.packets, &m.readers)
	if err != nil {
		tc.logger().WithError(err).Warn("Creating socket failed")
		m.FailTx(tx, fmt.Sprintf("unable to create socket: %v", err))
		return
	}
	tc.sock = sock

	engine := qconn.NewQuicEngine(qconn.QuicEngineConfig{
		Role:   qconn.RoleClient,
		Local:  sock.LocalAddr(),
		Remote: tx.Addr,
		TLS:    internal.DialerTLSConfig(tc.alpn, m.config.ClientCertificate),
		QUIC:   internal.QUICConfig(false, m.Config().ConnTimeout, m.config.IdleTimeout, m.config.StreamWindow),
		Notify: func() { m.markDirty(tc) },
	})

	var sink qconn.Sink = discardSink{}
	if tx.FileBuffer != nil {
		sink = bufferSink{buf: tx.FileBuffer}
		tx.FileBuffer.SetSpaceCallback(func() { m.markDirty(tc) })
	}

	tc.conn = qconn.New(qconn.Options{
		Role:   qconn.RoleClient,
		Engine: engine,
		Socket: sock,
		Remote: tx.Addr,
		Source: &payloadSource{data: tx.Payload},
		Sink:   sink,
		Policy: tc,
		Hooks: qconn.Hooks{
			HandshakeComplete: tc.handshakeComplete,
			HandshakeError:    tc.handshakeError,
			PostProcess:       tc.postProcess,
			TxFinish:          tc.txFinish,
		},
		CertChecker:    m.config.CertChecker,
		SendBufferSize: m.config.SendBufferSize,
		ConnTimeout:    m.Config().ConnTimeout,
	})

	m.outbound[tc] = struct{}{}
	m.outExpiry.invalidate()

	tc.logger().WithFields(log.Fields{
		"addr":  tx.Addr,
		"local": sock.LocalAddr(),
		"size":  len(tx.Payload),
	}).Debug("Starting outbound connection")

	tc.check(tc.conn.Start())
}

func (tc *txContext) WantsTxUni() bool         { return tc.alpn == internal.ALPNMessage }
func (tc *txContext) WantsBiDir() bool         { return tc.alpn == internal.ALPNFile }
func (tc *txContext) RemoteBiDirAllowed() bool { return false }

func (tc *txContext) handshakeComplete(_ *qconn.Connection, alpn string) bool {
	return alpn == tc.alpn
}

func (tc *txContext) handshakeError(_ *qconn.Connection, err *internal.HandshakeError) {
	tc.logger().WithFields(log.Fields{
		"code":  internal.CodeName(err.Code),
		"error": err,
	}).Info("Outbound handshake failed")
}

// postProcess acknowledges a completely received file by closing.
func (tc *txContext) postProcess(c *qconn.Connection) {
	if tc.alpn != internal.ALPNFile || tc.received || !c.IsRxDone() {
		return
	}
	tc.received = true

	tc.logger().Debug("File received")
	if err := c.EnterClosing(internal.Success, "file received"); err != nil {
		tc.logger().WithError(err).Warn("Sending close failed")
	}
}

// txFinish bounds the wait for the listener's close once the whole message
// was handed over.
func (tc *txContext) txFinish(c *qconn.Connection, sent uint64) {
	if tc.lingering || tc.alpn != internal.ALPNMessage || !c.IsFinSent() || c.BytesAcked() < sent {
		return
	}
	tc.lingering = true
	c.SetDeadline(time.Now().Add(tc.m.Config().ConnTimeout))
}

func (tc *txContext) handlePacket(sock *udpSocket, pkt []byte, from netip.AddrPort) servicer {
	if tc.done || sock != tc.sock {
		return nil
	}
	if from != tc.peer {
		tc.logger().WithField("peer", from).Debug("Dropping datagram of unexpected peer")
		return nil
	}

	if !tc.check(tc.conn.ProcessPkt(pkt)) {
		return nil
	}
	return tc
}

func (tc *txContext) socketFailed(sock *udpSocket, err error) {
	if tc.done || sock != tc.sock {
		return
	}
	tc.finish(&qconn.SocketError{Addr: tc.tx.Addr, Err: err})
}

func (tc *txContext) service() {
	if tc.done {
		return
	}
	tc.check(tc.conn.Service())
}

// check reports the outcome as soon as the connection starts closing and
// finishes the transmission once the connection is gone.
func (tc *txContext) check(alive bool, err error) bool {
	tc.m.outExpiry.invalidate()

	if err != nil || !alive {
		tc.finish(err)
		return false
	}
	if info, ok := tc.conn.CloseInfo(); ok {
		tc.report(info, nil)
	}
	return true
}

// succeeded reports if the exchange was completed.
func (tc *txContext) succeeded(info qconn.CloseInfo) bool {
	if tc.alpn == internal.ALPNFile {
		return tc.received
	}
	return info.PeerSucceeded()
}

// report announces a failed transmission exactly once.
func (tc *txContext) report(info qconn.CloseInfo, err error) {
	if tc.reported {
		return
	}
	tc.reported = true

	switch {
	case tc.succeeded(info):
		tc.logger().Debug("Transmission completed")
	case err != nil:
		tc.m.FailTx(tc.tx, fmt.Sprintf("transport failure: %v", err))
	default:
		tc.m.FailTx(tc.tx, fmt.Sprintf("connection %v", info))
	}
}

// finish releases the connection. A file transfer whose reader is still active
// becomes a zombie.
func (tc *txContext) finish(err error) {
	if tc.done {
		return
	}
	tc.done = true

	m := tc.m
	delete(m.outbound, tc)
	m.outExpiry.invalidate()

	tc.conn.Release()
	if cerr := tc.sock.Close(); cerr != nil {
		tc.logger().WithError(cerr).Debug("Closing socket errored")
	}

	info, _ := tc.conn.CloseInfo()
	tc.report(info, err)

	if fb := tc.tx.FileBuffer; fb != nil && !fb.IsReadDone() {
		m.zombies[tc] = struct{}{}
	}
}
