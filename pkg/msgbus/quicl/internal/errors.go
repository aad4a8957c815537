// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"fmt"

	"github.com/quic-go/quic-go"
)

const (
	// Success closes a connection after its single exchange completed.
	Success quic.ApplicationErrorCode = 0
	// UnknownError is the catchall for everything not covered below.
	UnknownError quic.ApplicationErrorCode = 1
	// LocalError designates errors on this machine, e.g., an unreadable file.
	LocalError quic.ApplicationErrorCode = 2
	// ConnectionError designates errors in data transmission.
	ConnectionError quic.ApplicationErrorCode = 3
	// PeerError is sent when the peer misbehaved.
	PeerError quic.ApplicationErrorCode = 4
	// ApplicationShutdown is sent when the daemon terminates its connections.
	ApplicationShutdown quic.ApplicationErrorCode = 5
	// FileNotFound is sent for requests of files not offered.
	FileNotFound quic.ApplicationErrorCode = 6
	// ProtocolViolation is sent for disallowed stream patterns or ALPNs.
	ProtocolViolation quic.ApplicationErrorCode = 7
	// MessageTooLarge is sent when a message exceeds the configured limit.
	MessageTooLarge quic.ApplicationErrorCode = 8
	// CertificateRejected is sent when the peer's certificate was refused.
	CertificateRejected quic.ApplicationErrorCode = 9

	// StreamRejected cancels the write side of a bidirectional stream opened by a
	// peer only allowed to send.
	StreamRejected quic.StreamErrorCode = 1
	// StreamAborted cancels a stream of a failed connection.
	StreamAborted quic.StreamErrorCode = 2
)

// CodeName returns a readable name for an application error code.
func CodeName(code quic.ApplicationErrorCode) string {
	switch code {
	case Success:
		return "success"
	case UnknownError:
		return "unknown error"
	case LocalError:
		return "local error"
	case ConnectionError:
		return "connection error"
	case PeerError:
		return "peer error"
	case ApplicationShutdown:
		return "application shutdown"
	case FileNotFound:
		return "file not found"
	case ProtocolViolation:
		return "protocol violation"
	case MessageTooLarge:
		return "message too large"
	case CertificateRejected:
		return "certificate rejected"
	default:
		return fmt.Sprintf("code %d", uint64(code))
	}
}

// HandshakeError reports a handshake refused by this node.
type HandshakeError struct {
	Msg   string
	Code  quic.ApplicationErrorCode
	Cause error
}

func NewHandshakeError(message string, code quic.ApplicationErrorCode, cause error) *HandshakeError {
	return &HandshakeError{
		Msg:   message,
		Code:  code,
		Cause: cause,
	}
}

func (err *HandshakeError) Error() string {
	if err.Cause != nil {
		return fmt.Sprintf("%s: %v", err.Msg, err.Cause)
	}
	return err.Msg
}

func (err *HandshakeError) Unwrap() error {
	return err.Cause
}
