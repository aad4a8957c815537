// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package quicl implements the QUIC backend of the CoT message bus.

Each QUIC connection carries exactly one exchange and is closed afterwards.
Two application protocols are told apart by their ALPN.


Messages

For ALPN "cotmesh-msg", the dialer opens a unidirectional stream, writes the
serialized, possibly encrypted message and finishes the stream. Once the
listener received the whole stream, it queues the payload for delivery and
closes the connection with application error code 0 (Success). The dialer
considers a message as delivered only after this close; every other end of
the connection is reported as a send failure.


File transfer

For ALPN "cotmesh-file", the dialer opens a bidirectional stream and writes
the decimal id of a file offered by the listener, at most ten digits, and
finishes its side. The listener answers with the raw file content on the same
stream, without any framing. The end of the stream marks the end of the file;
the dialer acknowledges it by closing with Success. An unknown id or an
unreadable file is answered by a close with code 6 (FileNotFound).

The dialer's FileTransferBuffer might be read by an application long after the
connection is gone. Such transmissions are kept as zombies until the reader
called SetReadDone.


Connection ids

All connections of an inbound interface share its UDP socket. Datagrams are
demultiplexed by their destination connection id, falling back to the sender's
address for connection ids negotiated after the handshake. A datagram for an
unknown connection starts a new one if it is a valid client Initial.
*/
package quicl
