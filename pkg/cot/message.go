// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cot

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// SupportedProtocolVersion is the highest TAK protocol version this package
// is able to produce and parse. Version 0 denotes the legacy XML form.
const SupportedProtocolVersion = 1

// ErrUnsupportedVersion is returned for TAK protocol headers naming an unknown version.
var ErrUnsupportedVersion = errors.New("cot: unsupported TAK protocol version")

// Point is the location of an event.
type Point struct {
	Lat float64
	Lon float64
	Hae float64
	Ce  float64
	Le  float64
}

// Contact is the contact detail of an event. The Endpoint names the network
// endpoint the sender is reachable at, e.g., "192.168.1.10:4242:tcp".
type Contact struct {
	Callsign string
	Endpoint string
}

// Detail holds an event's detail section. Only the contact element is
// interpreted, everything else is kept as raw inner XML.
type Detail struct {
	Contact *Contact
	Extra   []byte
}

// Message is a single CoT event.
type Message struct {
	UID   string
	Type  string
	How   string
	Time  time.Time
	Start time.Time
	Stale time.Time

	Point  Point
	Detail Detail
}

// StripEndpoints removes the locally scoped network endpoint fields.
func (m *Message) StripEndpoints() {
	if m.Detail.Contact != nil {
		m.Detail.Contact.Endpoint = ""
	}
}

// Clone returns a deep copy of this Message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Detail.Contact != nil {
		contact := *m.Detail.Contact
		c.Detail.Contact = &contact
	}
	if m.Detail.Extra != nil {
		c.Detail.Extra = append([]byte(nil), m.Detail.Extra...)
	}
	return &c
}

// Equal compares two Messages, treating times at millisecond precision as
// both wire forms carry.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}

	sameTime := func(a, b time.Time) bool {
		return a.UnixMilli() == b.UnixMilli()
	}
	sameContact := func(a, b *Contact) bool {
		if a == nil || b == nil {
			return a == b
		}
		return *a == *b
	}

	return m.UID == o.UID && m.Type == o.Type && m.How == o.How &&
		sameTime(m.Time, o.Time) && sameTime(m.Start, o.Start) && sameTime(m.Stale, o.Stale) &&
		m.Point == o.Point &&
		sameContact(m.Detail.Contact, o.Detail.Contact) &&
		bytes.Equal(m.Detail.Extra, o.Detail.Extra)
}

func (m *Message) String() string {
	return fmt.Sprintf("cot.Message{UID: %s, Type: %s}", m.UID, m.Type)
}

// Encode serializes this Message for the given TAK protocol version. Versions
// this package does not support fall back to the legacy XML form.
func (m *Message) Encode(protocolVersion int) ([]byte, error) {
	if protocolVersion > 0 && protocolVersion <= SupportedProtocolVersion {
		return m.EncodeProto(protocolVersion)
	}
	return m.EncodeXML()
}

// Decode parses either representation of a Message.
func Decode(data []byte) (*Message, error) {
	if len(data) > 0 && data[0] == takMagic {
		return DecodeProto(data)
	}
	return DecodeXML(data)
}
