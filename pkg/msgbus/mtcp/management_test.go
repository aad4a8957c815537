// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
)

type received struct {
	sender     netip.AddrPort
	endpointID string
	msg        *cot.Message
}

type recorder struct {
	messages chan received
	failures chan msgbus.TxErrItem
	ups      chan *msgbus.InboundInterface
	downs    chan *msgbus.InboundInterface
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan received, 64),
		failures: make(chan msgbus.TxErrItem, 64),
		ups:      make(chan *msgbus.InboundInterface, 16),
		downs:    make(chan *msgbus.InboundInterface, 16),
	}
}

func (r *recorder) OnMessageReceived(sender netip.AddrPort, endpointID string, msg *cot.Message) {
	r.messages <- received{sender: sender, endpointID: endpointID, msg: msg}
}

func (r *recorder) OnSendFailure(host string, port int, reason string) {
	r.failures <- msgbus.TxErrItem{Host: host, Port: port, Reason: reason}
}

func (r *recorder) OnInterfaceUp(iface *msgbus.InboundInterface)   { r.ups <- iface }
func (r *recorder) OnInterfaceDown(iface *msgbus.InboundInterface) { r.downs <- iface }

func testMessage(uid string) *cot.Message {
	now := time.UnixMilli(1700000000000).UTC()
	return &cot.Message{
		UID:   uid,
		Type:  "a-f-G-U-C",
		How:   "h-g-i-g-o",
		Time:  now,
		Start: now,
		Stale: now.Add(10 * time.Minute),
		Point: cot.Point{Lat: 48.85, Lon: 2.35},
		Detail: cot.Detail{
			Contact: &cot.Contact{Callsign: "CHARLIE", Endpoint: "10.0.0.7:4242:tcp"},
		},
	}
}

func newTestManagement(t *testing.T, mod func(*Config)) (*Management, *recorder) {
	t.Helper()

	conf := DefaultConfig()
	conf.Bus.ConnTimeout = time.Second
	conf.ReadTimeout = 2 * time.Second
	if mod != nil {
		mod(&conf)
	}

	m := NewManagement(conf)
	r := newRecorder()
	m.AddMessageListener(r)
	m.AddSendFailureListener(r)
	m.AddInterfaceStatusListener(r)

	t.Cleanup(func() { _ = m.Close() })
	return m, r
}

func getRandomPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

func serve(t *testing.T, m *Management, r *recorder) *msgbus.InboundInterface {
	t.Helper()

	iface, err := m.AddInboundInterface(0)
	require.NoError(t, err)

	select {
	case up := <-r.ups:
		require.Same(t, iface, up)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "interface did not come up")
	}
	require.NotZero(t, iface.Port)
	return iface
}

func TestUnreachablePeer(t *testing.T) {
	m, r := newTestManagement(t, nil)
	port := getRandomPort(t)

	require.NoError(t, m.SendMessage("127.0.0.1", port, testMessage("uid-a"), 0, cot.SupportedProtocolVersion))

	select {
	case f := <-r.failures:
		assert.Equal(t, "127.0.0.1", f.Host)
		assert.Equal(t, port, f.Port)
		assert.NotEmpty(t, f.Reason)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no send failure reported")
	}

	select {
	case f := <-r.failures:
		assert.Failf(t, "second failure", "%v", f)
	case rx := <-r.messages:
		assert.Failf(t, "unexpected message", "%v", rx)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMessageDelivery(t *testing.T) {
	server, sr := newTestManagement(t, nil)
	client, cr := newTestManagement(t, nil)
	iface := serve(t, server, sr)

	msg := testMessage("uid-b")
	require.NoError(t, client.SendMessage("127.0.0.1", iface.Port, msg, 0, cot.SupportedProtocolVersion))

	want := msg.Clone()
	want.StripEndpoints()

	select {
	case rx := <-sr.messages:
		assert.True(t, rx.sender.Addr().IsLoopback(), "sender %v", rx.sender)
		assert.NotZero(t, rx.sender.Port())
		assert.NotEqual(t, iface.Port, int(rx.sender.Port()))
		assert.Equal(t, iface.ID, rx.endpointID)
		assert.True(t, want.Equal(rx.msg), "got %v, want %v", rx.msg, want)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "message was not received")
	}

	select {
	case f := <-cr.failures:
		assert.Failf(t, "unexpected send failure", "%v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManyClients(t *testing.T) {
	const (
		clients  = 5
		messages = 20
	)

	server, sr := newTestManagement(t, nil)
	iface := serve(t, server, sr)

	for i := 0; i < clients; i++ {
		client, _ := newTestManagement(t, nil)
		for j := 0; j < messages; j++ {
			uid := fmt.Sprintf("uid-%d-%d", i, j)
			require.NoError(t, client.SendMessage("127.0.0.1", iface.Port, testMessage(uid), 0, cot.SupportedProtocolVersion))
		}
	}

	seen := make(map[string]bool)
	for len(seen) < clients*messages {
		select {
		case rx := <-sr.messages:
			assert.False(t, seen[rx.msg.UID], "duplicate %s", rx.msg.UID)
			seen[rx.msg.UID] = true
		case <-time.After(10 * time.Second):
			require.FailNowf(t, "messages missing", "received %d of %d", len(seen), clients*messages)
		}
	}
}

func TestSlowSender(t *testing.T) {
	server, sr := newTestManagement(t, nil)
	iface := serve(t, server, sr)

	payload, err := testMessage("uid-slow").Encode(cot.SupportedProtocolVersion)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", iface.Port))
	require.NoError(t, err)

	half := len(payload) / 2
	_, err = conn.Write(payload[:half])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = conn.Write(payload[half:])
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case rx := <-sr.messages:
		assert.Equal(t, "uid-slow", rx.msg.UID)
		assert.Equal(t, conn.LocalAddr().(*net.TCPAddr).Port, int(rx.sender.Port()))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "message was not received")
	}
}

func TestOversizedMessage(t *testing.T) {
	server, sr := newTestManagement(t, func(c *Config) {
		c.Bus.MaxMessageSize = 64
	})
	iface := serve(t, server, sr)

	payload, err := testMessage("uid-large").Encode(cot.SupportedProtocolVersion)
	require.NoError(t, err)
	require.Greater(t, len(payload), 64)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", iface.Port))
	require.NoError(t, err)
	_, _ = conn.Write(payload)
	_ = conn.Close()

	select {
	case rx := <-sr.messages:
		assert.Failf(t, "oversized message delivered", "%v", rx)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestFileTransferUnsupported(t *testing.T) {
	m, r := newTestManagement(t, nil)

	buf := filetransfer.NewBuffer(1024)
	m.Submit(&msgbus.TxContext{Host: "127.0.0.1", Port: 4242, Payload: []byte("1"), FileBuffer: buf})

	select {
	case f := <-r.failures:
		assert.Equal(t, 4242, f.Port)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "no send failure reported")
	}
	assert.True(t, buf.IsFailed())
}

func TestInterfaceStatus(t *testing.T) {
	m, r := newTestManagement(t, nil)
	iface := serve(t, m, r)
	assert.Equal(t, "tcp", iface.Network)

	_, err := m.AddInboundInterface(iface.Port)
	assert.ErrorIs(t, err, msgbus.ErrInterfaceExists)

	require.NoError(t, m.RemoveInboundInterface(iface))
	select {
	case down := <-r.downs:
		assert.Same(t, iface, down)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "interface did not go down")
	}

	assert.ErrorIs(t, m.RemoveInboundInterface(iface), msgbus.ErrIllegalArgument)

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", iface.Port), time.Second)
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	m, r := newTestManagement(t, nil)
	iface := serve(t, m, r)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Close(), msgbus.ErrClosed)
	assert.ErrorIs(t, m.SendMessage("127.0.0.1", iface.Port, testMessage("late"), 0, 0), msgbus.ErrClosed)

	_, err := m.AddInboundInterface(0)
	assert.ErrorIs(t, err, msgbus.ErrClosed)
}
