// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package msgbus contains the backend-agnostic part of the CoT message bus.
//
// A Base serializes outgoing messages, resolves destination host names,
// optionally encrypts payloads and hands ready TxContexts to a Backend. Inbound
// payloads produced by a Backend are decrypted, decoded and fanned out to the
// registered MessageListeners on a dedicated goroutine; delivery failures are
// fanned out to the SendFailureListeners on another one.
//
// Each concrete backend, e.g., quicl or mtcp, embeds a *Base and implements the
// Backend interface. Its I/O loop is driven by the Base through Backend.Poll
// while holding the read side of an IOLock; administrative calls like
// AddInboundInterface take the write side.
package msgbus
