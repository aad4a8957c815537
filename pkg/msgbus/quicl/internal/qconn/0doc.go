// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qconn implements the state machine of a single QUIC connection
// carrying exactly one application stream.
//
// A Connection never touches the network on its own behalf. The owner feeds it
// inbound datagrams through ProcessPkt, lets it emit datagrams through
// WriteStreams and services its expiry timer. The wire protocol itself is
// delegated to an Engine. NewQuicEngine creates an Engine backed by quic-go,
// which runs over a virtual net.PacketConn fed and drained by the Connection.
//
// Role specific behaviour is injected as a Source of bytes to send, a Sink for
// received bytes, a StreamPolicy and optional Hooks.
package qconn
