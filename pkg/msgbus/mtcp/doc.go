// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mtcp is a minimal TCP backend of the message bus.
//
// Each message is sent over its own TCP connection. The sender connects,
// writes the payload and closes the connection; closing is the only framing.
// The receiving side accumulates everything read from a connection and
// delivers it as one payload once the peer disconnected, even if the
// connection was aborted.
package mtcp
