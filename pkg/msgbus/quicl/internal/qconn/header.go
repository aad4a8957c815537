// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"encoding/binary"
	"errors"
)

const (
	// Version1 is QUIC version 1, RFC 9000.
	Version1 uint32 = 0x00000001

	// MinInitialSize is the smallest datagram allowed to carry a client Initial.
	MinInitialSize = 1200

	maxConnIDLen = 20

	longHeaderTypeInitial = 0x0
)

var (
	errShortPacket = errors.New("qconn: packet too short")
	errConnIDLen   = errors.New("qconn: invalid connection id length")
	errNotInitial  = errors.New("qconn: not a client initial")
)

// Header holds the version-invariant header fields of a QUIC packet.
type Header struct {
	Long    bool
	Version uint32
	Type    byte
	DCID    []byte
	SCID    []byte
}

// ParseHeader parses the invariant header fields, RFC 8999. Short header
// connection ids are expected to be shortLen bytes long.
func ParseHeader(pkt []byte, shortLen int) (Header, error) {
	if len(pkt) < 1 {
		return Header{}, errShortPacket
	}

	if pkt[0]&0x80 == 0 {
		if len(pkt) < 1+shortLen {
			return Header{}, errShortPacket
		}
		return Header{DCID: pkt[1 : 1+shortLen]}, nil
	}

	if len(pkt) < 6 {
		return Header{}, errShortPacket
	}
	hdr := Header{
		Long:    true,
		Version: binary.BigEndian.Uint32(pkt[1:5]),
		Type:    (pkt[0] & 0x30) >> 4,
	}

	pos := 5
	dcidLen := int(pkt[pos])
	pos++
	if dcidLen > maxConnIDLen {
		return Header{}, errConnIDLen
	}
	if len(pkt) < pos+dcidLen+1 {
		return Header{}, errShortPacket
	}
	hdr.DCID = pkt[pos : pos+dcidLen]
	pos += dcidLen

	scidLen := int(pkt[pos])
	pos++
	if scidLen > maxConnIDLen {
		return Header{}, errConnIDLen
	}
	if len(pkt) < pos+scidLen {
		return Header{}, errShortPacket
	}
	hdr.SCID = pkt[pos : pos+scidLen]

	return hdr, nil
}

// IsInitial reports a version 1 Initial packet.
func (hdr Header) IsInitial() bool {
	return hdr.Long && hdr.Version == Version1 && hdr.Type == longHeaderTypeInitial
}

// ParseInitial parses a datagram which might open a new connection.
func ParseInitial(pkt []byte) (Header, error) {
	hdr, err := ParseHeader(pkt, 0)
	if err != nil {
		return Header{}, err
	}
	if !hdr.IsInitial() || len(pkt) < MinInitialSize || len(hdr.DCID) < 8 {
		return Header{}, errNotInitial
	}
	return hdr, nil
}
