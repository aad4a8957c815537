// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cot

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const takMagic byte = 0xbf

// Field numbers of the TAK protocol's TakMessage, CotEvent, Detail and Contact messages.
const (
	takMessageCotEvent protowire.Number = 2

	cotEventType      protowire.Number = 1
	cotEventUID       protowire.Number = 5
	cotEventSendTime  protowire.Number = 6
	cotEventStartTime protowire.Number = 7
	cotEventStaleTime protowire.Number = 8
	cotEventHow       protowire.Number = 9
	cotEventLat       protowire.Number = 10
	cotEventLon       protowire.Number = 11
	cotEventHae       protowire.Number = 12
	cotEventCe        protowire.Number = 13
	cotEventLe        protowire.Number = 14
	cotEventDetail    protowire.Number = 15

	detailXML     protowire.Number = 1
	detailContact protowire.Number = 2

	contactEndpoint protowire.Number = 1
	contactCallsign protowire.Number = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, f float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

func appendMillis(b []byte, num protowire.Number, t time.Time) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixMilli()))
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// EncodeProto serializes this Message in the compact TAK protocol form.
func (m *Message) EncodeProto(version int) ([]byte, error) {
	if version <= 0 || version > SupportedProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	var detail []byte
	if c := m.Detail.Contact; c != nil {
		var contact []byte
		contact = appendString(contact, contactEndpoint, c.Endpoint)
		contact = appendString(contact, contactCallsign, c.Callsign)
		detail = appendMessage(detail, detailContact, contact)
	}
	if len(m.Detail.Extra) > 0 {
		detail = protowire.AppendTag(detail, detailXML, protowire.BytesType)
		detail = protowire.AppendBytes(detail, m.Detail.Extra)
	}

	var ev []byte
	ev = appendString(ev, cotEventType, m.Type)
	ev = appendString(ev, cotEventUID, m.UID)
	ev = appendMillis(ev, cotEventSendTime, m.Time)
	ev = appendMillis(ev, cotEventStartTime, m.Start)
	ev = appendMillis(ev, cotEventStaleTime, m.Stale)
	ev = appendString(ev, cotEventHow, m.How)
	ev = appendDouble(ev, cotEventLat, m.Point.Lat)
	ev = appendDouble(ev, cotEventLon, m.Point.Lon)
	ev = appendDouble(ev, cotEventHae, m.Point.Hae)
	ev = appendDouble(ev, cotEventCe, m.Point.Ce)
	ev = appendDouble(ev, cotEventLe, m.Point.Le)
	if detail != nil {
		ev = appendMessage(ev, cotEventDetail, detail)
	}

	out := []byte{takMagic}
	out = protowire.AppendVarint(out, uint64(version))
	out = append(out, takMagic)
	return appendMessage(out, takMessageCotEvent, ev), nil
}

// fieldFunc is called for each field of a protobuf message. Unknown fields
// must be skipped by returning consumed == 0.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (consumed int, err error)

func walkFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		consumed, err := f(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return protowire.ParseError(consumed)
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("cot: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("cot: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeMillis(typ protowire.Type, b []byte) (time.Time, int, error) {
	if typ != protowire.VarintType {
		return time.Time{}, 0, fmt.Errorf("cot: unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return time.Time{}, 0, protowire.ParseError(n)
	}
	return time.UnixMilli(int64(v)).UTC(), n, nil
}

func decodeContact(b []byte) (*Contact, error) {
	c := new(Contact)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case contactEndpoint:
			v, n, err := consumeBytes(typ, b)
			c.Endpoint = string(v)
			return n, err
		case contactCallsign:
			v, n, err := consumeBytes(typ, b)
			c.Callsign = string(v)
			return n, err
		}
		return 0, nil
	})
	return c, err
}

func decodeDetail(b []byte, d *Detail) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case detailXML:
			v, n, err := consumeBytes(typ, b)
			if len(v) > 0 {
				d.Extra = append([]byte(nil), v...)
			}
			return n, err
		case detailContact:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			d.Contact, err = decodeContact(v)
			return n, err
		}
		return 0, nil
	})
}

func decodeEvent(b []byte) (*Message, error) {
	m := new(Message)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v []byte
		switch num {
		case cotEventType:
			v, n, err = consumeBytes(typ, b)
			m.Type = string(v)
		case cotEventUID:
			v, n, err = consumeBytes(typ, b)
			m.UID = string(v)
		case cotEventHow:
			v, n, err = consumeBytes(typ, b)
			m.How = string(v)
		case cotEventSendTime:
			m.Time, n, err = consumeMillis(typ, b)
		case cotEventStartTime:
			m.Start, n, err = consumeMillis(typ, b)
		case cotEventStaleTime:
			m.Stale, n, err = consumeMillis(typ, b)
		case cotEventLat:
			m.Point.Lat, n, err = consumeDouble(typ, b)
		case cotEventLon:
			m.Point.Lon, n, err = consumeDouble(typ, b)
		case cotEventHae:
			m.Point.Hae, n, err = consumeDouble(typ, b)
		case cotEventCe:
			m.Point.Ce, n, err = consumeDouble(typ, b)
		case cotEventLe:
			m.Point.Le, n, err = consumeDouble(typ, b)
		case cotEventDetail:
			v, n, err = consumeBytes(typ, b)
			if err == nil {
				err = decodeDetail(v, &m.Detail)
			}
		}
		return
	})
	return m, err
}

// DecodeProto parses the compact TAK protocol form, including its header.
func DecodeProto(data []byte) (*Message, error) {
	if len(data) < 3 || data[0] != takMagic {
		return nil, fmt.Errorf("cot: missing TAK protocol header")
	}

	version, n := protowire.ConsumeVarint(data[1:])
	if n < 0 {
		return nil, fmt.Errorf("cot: TAK protocol version: %w", protowire.ParseError(n))
	}
	if version == 0 || version > SupportedProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if 1+n >= len(data) || data[1+n] != takMagic {
		return nil, fmt.Errorf("cot: malformed TAK protocol header")
	}

	var msg *Message
	err := walkFields(data[2+n:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != takMessageCotEvent {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		msg, err = decodeEvent(v)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("cot: parsing TakMessage: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("cot: TakMessage without event")
	}
	return msg, nil
}
