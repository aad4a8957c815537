// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrStreamBlocked is returned by Engine.WriteStream if no more stream data
// can be taken right now.
var ErrStreamBlocked = errors.New("qconn: stream blocked")

// Outcome classifies the result of an engine operation.
type Outcome int

const (
	// OutcomeOK continues normal processing.
	OutcomeOK Outcome = iota
	// OutcomeRetry signals a retry or version negotiation request; unsupported,
	// the connection is abandoned.
	OutcomeRetry
	// OutcomeDraining signals that the peer is closing.
	OutcomeDraining
	// OutcomeDrop is an unrecoverable failure without anything left to send.
	OutcomeDrop
	// OutcomeFatal is an unrecoverable failure to be answered by a close.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetry:
		return "retry"
	case OutcomeDraining:
		return "draining"
	case OutcomeDrop:
		return "drop"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EventType names an asynchronous engine event.
type EventType int

const (
	// EventHandshakeComplete carries the negotiated ALPN and the peer's certificates.
	EventHandshakeComplete EventType = iota
	// EventStreamOpened reports a locally opened stream.
	EventStreamOpened
	// EventStreamAccepted reports a stream opened by the peer.
	EventStreamAccepted
	// EventStreamWritable reports progress of the stream's acknowledged offset.
	EventStreamWritable
	// EventStreamReadable reports received stream data.
	EventStreamReadable
	// EventClosed reports the end of the connection.
	EventClosed
)

// Event is produced by an Engine and consumed by its Connection.
type Event struct {
	Type EventType

	// Bidi is set for EventStreamOpened and EventStreamAccepted.
	Bidi bool

	ALPN             string
	PeerCertificates []*x509.Certificate

	// Outcome, Remote, Code and Err describe an EventClosed.
	Outcome Outcome
	Remote  bool
	Code    quic.ApplicationErrorCode
	Err     error
}

// Engine is the QUIC protocol engine driven by a Connection. None of its
// methods may block.
type Engine interface {
	// Start initiates the handshake.
	Start()

	// Receive hands an inbound datagram to the engine.
	Receive(pkt []byte) Outcome

	// NextDatagram returns the next outbound datagram or nil.
	NextDatagram() []byte

	// SendQuantum is the number of bytes one pump pass may emit.
	SendQuantum() int

	// Events returns and clears all events since the last call.
	Events() []Event

	// OpenStream requests the connection's single stream. It reports false if
	// the peer did not grant stream credit yet.
	OpenStream(bidi bool) bool

	// AcceptStream waits for a stream opened by the peer.
	AcceptStream()

	// WriteStream hands stream data to the engine and returns the number of
	// bytes taken. p stays referenced until Acked covers it. fin marks the end
	// of the stream and only applies if all of p was taken. A zero-length p
	// announces the stream to the peer.
	WriteStream(p []byte, fin bool) (int, error)

	// Acked is the total of stream bytes acknowledged by the engine.
	Acked() uint64

	// ReadStream returns the current chunk of received data. The same chunk is
	// returned until ConsumeRx is called.
	ReadStream() (data []byte, fin bool, ok bool)

	// ConsumeRx releases the current chunk.
	ConsumeRx()

	// CancelWrite shuts down the write side of a bidirectional stream.
	CancelWrite(code quic.StreamErrorCode)

	// Close builds and queues a connection close.
	Close(code quic.ApplicationErrorCode, reason string)

	// ClosePacket is the datagram carrying the close, once Close has built it.
	ClosePacket() []byte

	// ConnectionIDs returns and clears the connection ids issued to the peer
	// since the last call.
	ConnectionIDs() [][]byte

	// PTO is the current probe timeout estimate.
	PTO() time.Duration

	// Expiry is the engine's next timer or the zero time.
	Expiry() time.Time

	// HandleExpiry fires the engine's timer.
	HandleExpiry() Outcome

	// Release frees all resources.
	Release()
}
