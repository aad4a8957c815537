// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/crypt"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal/qconn"
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
		messages: make(chan received, 16),
		failures: make(chan msgbus.TxErrItem, 16),
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
		How:   "m-g",
		Time:  now,
		Start: now,
		Stale: now.Add(5 * time.Minute),
		Point: cot.Point{Lat: 52.52, Lon: 13.40, Hae: 34},
		Detail: cot.Detail{
			Contact: &cot.Contact{Callsign: "ALPHA", Endpoint: "192.168.1.20:4242:tcp"},
		},
	}
}

func newTestManagement(t *testing.T, connTimeout time.Duration, mod func(*Config)) (*Management, *recorder) {
	t.Helper()

	conf := DefaultConfig()
	conf.Bus.ConnTimeout = connTimeout
	conf.IdleTimeout = 5 * time.Second
	if mod != nil {
		mod(&conf)
	}

	m, err := NewManagement(conf)
	require.NoError(t, err)

	r := newRecorder()
	m.AddMessageListener(r)
	m.AddSendFailureListener(r)
	m.AddInterfaceStatusListener(r)

	t.Cleanup(func() { _ = m.Close() })
	return m, r
}

// unusedPort returns a UDP port nobody listens on, most likely.
func unusedPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func waitUp(t *testing.T, r *recorder) *msgbus.InboundInterface {
	t.Helper()

	select {
	case iface := <-r.ups:
		return iface
	case <-time.After(5 * time.Second):
		require.FailNow(t, "interface did not come up")
		return nil
	}
}

func zombies(m *Management) int {
	m.IOLock().Lock()
	defer m.IOLock().Unlock()

	return len(m.zombies)
}

func outbound(m *Management) int {
	m.IOLock().Lock()
	defer m.IOLock().Unlock()

	return len(m.outbound)
}

func TestUnreachablePeer(t *testing.T) {
	const timeout = 800 * time.Millisecond

	m, r := newTestManagement(t, timeout, nil)
	port := unusedPort(t)

	start := time.Now()
	require.NoError(t, m.SendMessage("127.0.0.1", port, testMessage("uid-a"), 0, cot.SupportedProtocolVersion))

	select {
	case f := <-r.failures:
		assert.Equal(t, "127.0.0.1", f.Host)
		assert.Equal(t, port, f.Port)
		assert.NotEmpty(t, f.Reason)
		assert.GreaterOrEqual(t, time.Since(start), timeout)
		assert.Less(t, time.Since(start), timeout+2*time.Second)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no send failure reported")
	}

	select {
	case f := <-r.failures:
		assert.Failf(t, "second failure", "%v", f)
	case msg := <-r.messages:
		assert.Failf(t, "unexpected message", "%v", msg)
	case <-time.After(4 * time.Second):
	}

	assert.Eventually(t, func() bool { return outbound(m) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestMessageDelivery(t *testing.T) {
	server, sr := newTestManagement(t, 5*time.Second, nil)
	client, cr := newTestManagement(t, 5*time.Second, nil)

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	up := waitUp(t, sr)
	require.Same(t, iface, up)
	require.NotZero(t, iface.Port)

	msg := testMessage("uid-b")

	// The server is held until the client's ephemeral port is known.
	server.IOLock().Lock()
	require.NoError(t, client.SendMessage("127.0.0.1", iface.Port, msg, 0, cot.SupportedProtocolVersion))

	var clientPort int
	require.Eventually(t, func() bool {
		client.IOLock().Lock()
		defer client.IOLock().Unlock()

		for tc := range client.outbound {
			clientPort = tc.sock.Port()
		}
		return clientPort != 0
	}, 5*time.Second, time.Millisecond)
	server.IOLock().Unlock()

	want := msg.Clone()
	want.StripEndpoints()

	select {
	case rx := <-sr.messages:
		assert.True(t, rx.sender.Addr().IsLoopback(), "sender %v", rx.sender)
		assert.Equal(t, clientPort, int(rx.sender.Port()))
		assert.NotEqual(t, iface.Port, int(rx.sender.Port()))
		assert.Equal(t, iface.ID, rx.endpointID)
		assert.True(t, want.Equal(rx.msg), "got %v, want %v", rx.msg, want)
		assert.Empty(t, rx.msg.Detail.Contact.Endpoint)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "message was not received")
	}

	assert.Eventually(t, func() bool { return outbound(client) == 0 }, 5*time.Second, 10*time.Millisecond)

	select {
	case f := <-cr.failures:
		assert.Failf(t, "unexpected send failure", "%v", f)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Len(t, sr.messages, 0)
}

func TestMessageEcho(t *testing.T) {
	a, ar := newTestManagement(t, 5*time.Second, nil)
	b, br := newTestManagement(t, 5*time.Second, nil)

	aIface, err := a.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, ar)
	bIface, err := b.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, br)

	require.NoError(t, a.SendMessage("127.0.0.1", bIface.Port, testMessage("ping"), 0, cot.SupportedProtocolVersion))

	var rx received
	select {
	case rx = <-br.messages:
		assert.Equal(t, "ping", rx.msg.UID)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "ping was not received")
	}

	require.NoError(t, b.SendMessage(rx.sender.Addr().String(), aIface.Port, testMessage("pong"), 0, cot.SupportedProtocolVersion))

	select {
	case rx := <-ar.messages:
		assert.Equal(t, "pong", rx.msg.UID)
		assert.Equal(t, aIface.ID, rx.endpointID)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "pong was not received")
	}

	assert.Len(t, ar.failures, 0)
	assert.Len(t, br.failures, 0)
}

func TestManyMessages(t *testing.T) {
	server, sr := newTestManagement(t, 5*time.Second, nil)
	client, cr := newTestManagement(t, 5*time.Second, nil)

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, client.SendMessage("127.0.0.1", iface.Port, testMessage("uid-many"), 0, cot.SupportedProtocolVersion))
	}

	for i := 0; i < n; i++ {
		select {
		case rx := <-sr.messages:
			assert.Equal(t, "uid-many", rx.msg.UID)
		case <-time.After(10 * time.Second):
			require.FailNowf(t, "messages missing", "received %d of %d", i, n)
		}
	}
	assert.Len(t, cr.failures, 0)
}

func TestEncryptedDelivery(t *testing.T) {
	server, sr := newTestManagement(t, 5*time.Second, nil)
	client, _ := newTestManagement(t, 5*time.Second, nil)

	auth := bytes.Repeat([]byte{0x11}, crypt.KeySize)
	crypto := bytes.Repeat([]byte{0x22}, crypt.KeySize)
	require.NoError(t, client.SetTxCryptoKeys(auth, crypto))
	require.NoError(t, server.SetRxCryptoKeys(auth, crypto))

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	require.NoError(t, client.SendMessage("127.0.0.1", iface.Port, testMessage("secret"), msgbus.FeatureEncryption, cot.SupportedProtocolVersion))

	select {
	case rx := <-sr.messages:
		assert.Equal(t, "secret", rx.msg.UID)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "encrypted message was not received")
	}
}

func TestFileTransfer(t *testing.T) {
	const size = 10 * 1024 * 1024

	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	offers := filetransfer.NewOffers()
	offers.Offer(42, path)

	server, sr := newTestManagement(t, 5*time.Second, func(c *Config) {
		c.Offers = offers
		c.StreamWindow = 128 * 1024
	})
	client, cr := newTestManagement(t, 5*time.Second, func(c *Config) {
		c.StreamWindow = 128 * 1024
	})

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	buf, err := client.InitFileTransfer("127.0.0.1", iface.Port, 42)
	require.NoError(t, err)

	var got bytes.Buffer
	chunk := make([]byte, 32*1024)
	deadline := time.Now().Add(30 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "file transfer stalled at %d bytes", got.Len())
		require.LessOrEqual(t, buf.Available(), buf.Cap())

		n, err := buf.Read(chunk)
		got.Write(chunk[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, size, got.Len())
	assert.True(t, bytes.Equal(content, got.Bytes()), "file content differs")

	n, err := buf.Read(chunk)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	buf.SetReadDone()
	assert.Eventually(t, func() bool {
		return zombies(client) == 0 && outbound(client) == 0
	}, 10*time.Second, 10*time.Millisecond)

	assert.Len(t, cr.failures, 0)
}

// shortHeader builds a 1-RTT datagram for dcid.
func shortHeader(dcid []byte) []byte {
	pkt := append([]byte{0x40}, dcid...)
	return append(pkt, bytes.Repeat([]byte{0x17}, 32)...)
}

func TestConnectionIDRouting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("cot"), 2*1024*1024), 0o600))

	offers := filetransfer.NewOffers()
	offers.Offer(1, path)

	server, sr := newTestManagement(t, 5*time.Second, func(c *Config) {
		c.Offers = offers
	})
	client, _ := newTestManagement(t, 5*time.Second, func(c *Config) {
		c.FileBufferSize = 64 * 1024
	})

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	// Nobody reads the buffer, so the transfer stalls with the connection open.
	buf, err := client.InitFileTransfer("127.0.0.1", iface.Port, 1)
	require.NoError(t, err)
	defer buf.SetReadDone()

	var (
		sc   *serverConn
		cids [][]byte
	)
	require.Eventually(t, func() bool {
		server.IOLock().Lock()
		defer server.IOLock().Unlock()

		sc, cids = nil, nil
		for c := range server.inbound[iface].active {
			sc = c
			for _, cid := range c.conn.SCIDs() {
				if len(cid) == internal.ConnectionIDLength {
					cids = append(cids, cid)
				}
			}
		}
		// The handshake's id and at least two issued afterwards.
		return len(cids) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	server.IOLock().Lock()
	defer server.IOLock().Unlock()
	ic := server.inbound[iface]

	elsewhere := netip.MustParseAddrPort("127.0.0.2:40000")
	for _, cid := range cids {
		assert.Same(t, sc, ic.lookup(shortHeader(cid), elsewhere), "%x", cid)
	}

	unknown := bytes.Repeat([]byte{0xee}, internal.ConnectionIDLength)
	assert.Nil(t, ic.lookup(shortHeader(unknown), sc.remote))
}

func activeConns(m *Management, iface *msgbus.InboundInterface) int {
	m.IOLock().Lock()
	defer m.IOLock().Unlock()

	return len(m.inbound[iface].active)
}

func TestStalledHandshakeExpires(t *testing.T) {
	server, sr := newTestManagement(t, 300*time.Millisecond, nil)

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: iface.Port})
	require.NoError(t, err)
	defer conn.Close()

	// An Initial nobody is able to decrypt.
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	initial := append([]byte{0xc0, 0, 0, 0, 1, byte(len(dcid))}, dcid...)
	initial = append(initial, 0)
	initial = append(initial, make([]byte, qconn.MinInitialSize-len(initial))...)
	_, err = conn.Write(initial)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return activeConns(server, iface) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return activeConns(server, iface) == 0 }, 10*time.Second, 10*time.Millisecond)
}

func TestFileNotFound(t *testing.T) {
	server, sr := newTestManagement(t, 5*time.Second, func(c *Config) {
		c.Offers = filetransfer.NewOffers()
	})
	client, cr := newTestManagement(t, 5*time.Second, nil)

	iface, err := server.AddInboundInterface(0)
	require.NoError(t, err)
	waitUp(t, sr)

	buf, err := client.InitFileTransfer("127.0.0.1", iface.Port, 7)
	require.NoError(t, err)

	n, err := io.ReadAll(buf)
	assert.Empty(t, n)
	assert.ErrorIs(t, err, filetransfer.ErrTransferFailed)

	select {
	case f := <-cr.failures:
		assert.Equal(t, iface.Port, f.Port)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no send failure reported")
	}

	buf.SetReadDone()
	assert.Eventually(t, func() bool {
		return zombies(client) == 0 && outbound(client) == 0
	}, 10*time.Second, 10*time.Millisecond)

	select {
	case f := <-cr.failures:
		assert.Failf(t, "second failure", "%v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileTransferArguments(t *testing.T) {
	m, _ := newTestManagement(t, time.Second, nil)

	_, err := m.InitFileTransfer("127.0.0.1", -1, 1)
	assert.ErrorIs(t, err, msgbus.ErrInvalidPort)
	_, err = m.InitFileTransfer("127.0.0.1", 65536, 1)
	assert.ErrorIs(t, err, msgbus.ErrInvalidPort)
	_, err = m.InitFileTransfer("", 1, 1)
	assert.ErrorIs(t, err, msgbus.ErrInvalidHost)

	require.NoError(t, m.Close())
	_, err = m.InitFileTransfer("127.0.0.1", 1, 1)
	assert.ErrorIs(t, err, msgbus.ErrClosed)
}

func TestInterfaceStatus(t *testing.T) {
	m, r := newTestManagement(t, time.Second, nil)

	iface, err := m.AddInboundInterface(0)
	require.NoError(t, err)
	assert.Equal(t, "quic", iface.Network)
	assert.NotEmpty(t, iface.ID)

	up := waitUp(t, r)
	assert.Same(t, iface, up)
	assert.NotZero(t, up.Port)

	_, err = m.AddInboundInterface(iface.Port)
	assert.ErrorIs(t, err, msgbus.ErrInterfaceExists)

	require.NoError(t, m.RemoveInboundInterface(iface))
	select {
	case down := <-r.downs:
		assert.Same(t, iface, down)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "interface did not go down")
	}

	assert.ErrorIs(t, m.RemoveInboundInterface(iface), msgbus.ErrIllegalArgument)
	select {
	case down := <-r.downs:
		assert.Failf(t, "second down notification", "%v", down)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseFailsPending(t *testing.T) {
	m, _ := newTestManagement(t, 30*time.Second, nil)

	buf, err := m.InitFileTransfer("127.0.0.1", unusedPort(t), 1)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
	assert.ErrorIs(t, m.Close(), msgbus.ErrClosed)

	_, err = io.ReadAll(buf)
	assert.ErrorIs(t, err, filetransfer.ErrTransferFailed)
	buf.SetReadDone()
}

func TestConfigDefaults(t *testing.T) {
	conf := Config{}.withDefaults()
	def := DefaultConfig()

	assert.Equal(t, def.IdleTimeout, conf.IdleTimeout)
	assert.Equal(t, def.StreamWindow, conf.StreamWindow)
	assert.Equal(t, def.SendBufferSize, conf.SendBufferSize)
	assert.Equal(t, def.FileBufferSize, conf.FileBufferSize)
	assert.NotEmpty(t, conf.ALPNs)
	assert.NotNil(t, conf.Files)
}
