// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cot

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	now := time.UnixMilli(1700000000123).UTC()
	return &Message{
		UID:   "ANDROID-deadbeef",
		Type:  "a-f-G-U-C",
		How:   "m-g",
		Time:  now,
		Start: now,
		Stale: now.Add(5 * time.Minute),
		Point: Point{Lat: 52.52, Lon: 13.405, Hae: 34.5, Ce: 9999999, Le: 9999999},
		Detail: Detail{
			Contact: &Contact{Callsign: "ALPHA", Endpoint: "192.168.1.10:4242:tcp"},
			Extra:   []byte(`<remarks>hello</remarks><track course="90" speed="1.5"></track>`),
		},
	}
}

func TestMessageXMLRoundTrip(t *testing.T) {
	msg := sampleMessage()

	data, err := msg.EncodeXML()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`endpoint="192.168.1.10:4242:tcp"`)))

	dec, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, msg.Equal(dec), "expected %v, got %v", msg, dec)
}

func TestMessageProtoRoundTrip(t *testing.T) {
	msg := sampleMessage()

	data, err := msg.EncodeProto(SupportedProtocolVersion)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xbf, 0x01, 0xbf}, data[:3])

	dec, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, msg.Equal(dec), "expected %v, got %v", msg, dec)
}

func TestMessageEncodeFallback(t *testing.T) {
	msg := sampleMessage()

	data, err := msg.Encode(SupportedProtocolVersion + 1)
	require.NoError(t, err)
	assert.Equal(t, byte('<'), data[0])

	data, err = msg.Encode(0)
	require.NoError(t, err)
	assert.Equal(t, byte('<'), data[0])
}

func TestMessageStripEndpoints(t *testing.T) {
	msg := sampleMessage()
	orig := msg.Clone()

	msg.StripEndpoints()
	assert.Empty(t, msg.Detail.Contact.Endpoint)
	assert.Equal(t, "ALPHA", msg.Detail.Contact.Callsign)
	assert.Equal(t, "192.168.1.10:4242:tcp", orig.Detail.Contact.Endpoint)

	data, err := msg.EncodeXML()
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("endpoint=")))
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte{0xbf, 0x07, 0xbf, 0x12, 0x00})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeGarbage(t *testing.T) {
	for _, data := range [][]byte{
		{0xbf},
		{0xbf, 0x01, 0x00},
		{0xbf, 0x01, 0xbf, 0x12, 0xff},
		[]byte("<event"),
		[]byte("plain text"),
	} {
		_, err := Decode(data)
		assert.Error(t, err, "input %x", data)
	}
}
