// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import (
	"fmt"
	"net/netip"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
)

// FeatureSet is a bit set of per-destination transmission features.
type FeatureSet uint32

const (
	// FeatureEncryption encrypts the payload if transmission keys are installed.
	FeatureEncryption FeatureSet = 1 << iota
)

// Has checks if all features of f are set.
func (fs FeatureSet) Has(f FeatureSet) bool {
	return fs&f == f
}

// TxContext is a single outbound transmission. It is owned by the Base until
// it was resolved and handed to the Backend by TakeReady.
type TxContext struct {
	Host string
	Port int

	// Addr is valid after the destination was resolved.
	Addr netip.AddrPort

	// Payload is serialized and, if requested, encrypted.
	Payload []byte

	// FileBuffer receives the reply of a file transfer; nil for messages.
	FileBuffer *filetransfer.Buffer
}

func (tx *TxContext) String() string {
	return fmt.Sprintf("%s:%d", tx.Host, tx.Port)
}

// RxItem is a single inbound payload.
type RxItem struct {
	Payload    []byte
	Sender     netip.AddrPort
	EndpointID string
}

// TxErrItem reports an undeliverable TxContext.
type TxErrItem struct {
	Host   string
	Port   int
	Reason string
}

// InboundInterface is a local port served by a backend.
type InboundInterface struct {
	// ID identifies this interface as the endpoint id of received messages.
	ID string

	// Network is the backend's name, e.g., "quic" or "tcp".
	Network string

	// Port is the bound port. For an interface created for port 0, it becomes
	// the ephemeral port once bound.
	Port int
}

func (iface *InboundInterface) String() string {
	return fmt.Sprintf("%s/%d", iface.Network, iface.Port)
}

// MessageListener receives every decoded inbound message.
type MessageListener interface {
	OnMessageReceived(sender netip.AddrPort, endpointID string, msg *cot.Message)
}

// SendFailureListener is informed about undeliverable messages.
type SendFailureListener interface {
	OnSendFailure(host string, port int, reason string)
}

// InterfaceStatusListener is informed about inbound interfaces becoming usable
// or going away.
type InterfaceStatusListener interface {
	OnInterfaceUp(iface *InboundInterface)
	OnInterfaceDown(iface *InboundInterface)
}
