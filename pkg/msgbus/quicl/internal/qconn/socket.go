// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// SendResult is the outcome of a single datagram write.
type SendResult int

const (
	// Sent datagrams were handed to the operating system.
	Sent SendResult = iota
	// Blocked datagrams must be retried later.
	Blocked
	// Failed datagrams hit a socket error.
	Failed
)

func (r SendResult) String() string {
	switch r {
	case Sent:
		return "sent"
	case Blocked:
		return "blocked"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PacketSender writes datagrams, as *net.UDPConn does.
type PacketSender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// SocketError is a genuine socket failure, as opposed to a protocol failure.
type SocketError struct {
	Addr netip.AddrPort
	Err  error
}

func (err *SocketError) Error() string {
	return fmt.Sprintf("socket error sending to %v: %v", err.Addr, err.Err)
}

func (err *SocketError) Unwrap() error {
	return err.Err
}

// Send writes a datagram and classifies the result.
func Send(conn PacketSender, pkt []byte, addr netip.AddrPort) (SendResult, error) {
	_, err := conn.WriteToUDPAddrPort(pkt, addr)
	if err == nil {
		return Sent, nil
	}

	var netErr net.Error
	if isWouldBlock(err) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Blocked, nil
	}
	return Failed, &SocketError{Addr: addr, Err: err}
}
