// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"io"
	"reflect"

	"github.com/dtn7/cboring"
)

// webAgentMessage describes a message which might be sent over a WebSocketAgent.
type webAgentMessage interface {
	// typeCode is an unique identifier for each message type.
	typeCode() uint64

	// CborMarshaler must only be implemented for the type's logic. The type code
	// is handled by marshalCbor and unmarshalCbor.
	cboring.CborMarshaler
}

const (
	wamStatusCode      uint64 = 0
	wamSendCode        uint64 = 1
	wamReceivedCode    uint64 = 2
	wamSendFailureCode uint64 = 3
	wamFetchFileCode   uint64 = 4
)

var wamMapping = map[uint64]reflect.Type{
	wamStatusCode:      reflect.TypeOf(wamStatus{}),
	wamSendCode:        reflect.TypeOf(wamSend{}),
	wamReceivedCode:    reflect.TypeOf(wamReceived{}),
	wamSendFailureCode: reflect.TypeOf(wamSendFailure{}),
	wamFetchFileCode:   reflect.TypeOf(wamFetchFile{}),
}

// marshalCbor writes a webAgentMessage wrapped with its type code as CBOR.
func marshalCbor(wam webAgentMessage, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wam.typeCode(), w); err != nil {
		return err
	}
	return cboring.Marshal(wam, w)
}

// unmarshalCbor reads a new webAgentMessage based on its type code from CBOR.
func unmarshalCbor(r io.Reader) (wam webAgentMessage, err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return nil, arrErr
	} else if n != 2 {
		return nil, fmt.Errorf("expected array of two elements, got %d", n)
	}

	n, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, err
	}
	t, ok := wamMapping[n]
	if !ok {
		return nil, fmt.Errorf("no known message type code %d", n)
	}

	wam = reflect.New(t).Interface().(webAgentMessage)
	if err := cboring.Unmarshal(wam, r); err != nil {
		return nil, err
	}
	return wam, nil
}

// wamStatus answers the request identified by id. An empty errorMsg
// signals success.
type wamStatus struct {
	id       uint64
	errorMsg string
}

func newStatusMessage(id uint64, err error) *wamStatus {
	if err == nil {
		return &wamStatus{id: id}
	}
	return &wamStatus{id: id, errorMsg: err.Error()}
}

func (*wamStatus) typeCode() uint64 { return wamStatusCode }

func (ws *wamStatus) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ws.id, w); err != nil {
		return err
	}
	return cboring.WriteTextString(ws.errorMsg, w)
}

func (ws *wamStatus) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArray(r, 2); err != nil {
		return
	}
	if ws.id, err = cboring.ReadUInt(r); err != nil {
		return
	}
	ws.errorMsg, err = cboring.ReadTextString(r)
	return
}

// wamSend requests the transmission of an XML encoded CoT message.
type wamSend struct {
	id       uint64
	network  string
	host     string
	port     uint64
	version  uint64
	encrypt  bool
	document []byte
}

func (*wamSend) typeCode() uint64 { return wamSendCode }

func (ws *wamSend) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ws.id, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(ws.network, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(ws.host, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ws.port, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ws.version, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(ws.encrypt, w); err != nil {
		return err
	}
	return cboring.WriteByteString(ws.document, w)
}

func (ws *wamSend) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArray(r, 7); err != nil {
		return
	}
	if ws.id, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if ws.network, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if ws.host, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if ws.port, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if ws.version, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if ws.encrypt, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	ws.document, err = cboring.ReadByteString(r)
	return
}

// wamReceived forwards an inbound message to the clients.
type wamReceived struct {
	network  string
	sender   string
	endpoint string
	document []byte
}

func (*wamReceived) typeCode() uint64 { return wamReceivedCode }

func (wr *wamReceived) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	for _, s := range []string{wr.network, wr.sender, wr.endpoint} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	return cboring.WriteByteString(wr.document, w)
}

func (wr *wamReceived) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArray(r, 4); err != nil {
		return
	}
	for _, s := range []*string{&wr.network, &wr.sender, &wr.endpoint} {
		if *s, err = cboring.ReadTextString(r); err != nil {
			return
		}
	}
	wr.document, err = cboring.ReadByteString(r)
	return
}

// wamSendFailure forwards an undeliverable message's destination.
type wamSendFailure struct {
	network string
	host    string
	port    uint64
	reason  string
}

func (*wamSendFailure) typeCode() uint64 { return wamSendFailureCode }

func (wf *wamSendFailure) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(wf.network, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(wf.host, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wf.port, w); err != nil {
		return err
	}
	return cboring.WriteTextString(wf.reason, w)
}

func (wf *wamSendFailure) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArray(r, 4); err != nil {
		return
	}
	if wf.network, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if wf.host, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if wf.port, err = cboring.ReadUInt(r); err != nil {
		return
	}
	wf.reason, err = cboring.ReadTextString(r)
	return
}

// wamFetchFile requests a file offered by a peer to be stored at path. It is
// answered by a wamStatus once the transfer ended.
type wamFetchFile struct {
	id     uint64
	host   string
	port   uint64
	fileID uint64
	path   string
}

func (*wamFetchFile) typeCode() uint64 { return wamFetchFileCode }

func (wf *wamFetchFile) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wf.id, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(wf.host, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wf.port, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wf.fileID, w); err != nil {
		return err
	}
	return cboring.WriteTextString(wf.path, w)
}

func (wf *wamFetchFile) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArray(r, 5); err != nil {
		return
	}
	if wf.id, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if wf.host, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if wf.port, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if wf.fileID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	wf.path, err = cboring.ReadTextString(r)
	return
}

func readArray(r io.Reader, expected uint64) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != expected {
		return fmt.Errorf("expected array with %d elements, got %d", expected, n)
	}
	return nil
}
