// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes message buses to local client programs.
//
// The WebSocketAgent accepts WebSocket connections and speaks CBOR encoded
// messages with its clients. A client might send CoT messages through one of
// the served buses and fetch files offered by peers. Every received message
// and every send failure of a bus is forwarded to all connected clients.
package agent
