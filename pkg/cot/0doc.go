// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cot contains the Cursor-on-Target event model as far as the transport
// needs it, together with its two wire representations.
//
// The legacy representation is a standalone XML document with an <event> root.
// The compact representation is the TAK protocol: a three byte header
// (0xbf, the protocol version as a varint, 0xbf) followed by a protobuf encoded
// TakMessage. Decode detects the representation by its first byte.
//
// Before a Message leaves this node, its locally scoped network endpoint must be
// removed by StripEndpoints, as the peer cannot use it.
package cot
