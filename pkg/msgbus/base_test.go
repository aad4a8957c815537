// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/crypt"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/resolve"
)

type fakeBackend struct {
	*Base

	wake  chan struct{}
	polls atomic.Int64
	busy  bool

	mutex   sync.Mutex
	txs     []*TxContext
	inbound map[*InboundInterface]bool
}

func newFakeBackend(t *testing.T, busy bool) *fakeBackend {
	f := &fakeBackend{
		Base:    NewBase("fake", DefaultConfig()),
		wake:    make(chan struct{}, 1),
		busy:    busy,
		inbound: make(map[*InboundInterface]bool),
	}
	f.resolver = newFakeResolver()
	f.Start(f)

	t.Cleanup(func() { _ = f.Close() })
	return f
}

func (f *fakeBackend) Poll(timeout time.Duration) error {
	f.polls.Add(1)

	if f.busy {
		time.Sleep(100 * time.Microsecond)
	} else {
		select {
		case <-f.wake:
		case <-time.After(timeout):
		}
	}

	ready := f.TakeReady()
	f.mutex.Lock()
	f.txs = append(f.txs, ready...)
	f.mutex.Unlock()
	return nil
}

func (f *fakeBackend) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeBackend) AddInbound(iface *InboundInterface) error {
	if iface.Port == 0 {
		iface.Port = 40000
	}
	f.inbound[iface] = true
	f.InterfaceUp(iface)
	return nil
}

func (f *fakeBackend) RemoveInbound(iface *InboundInterface) {
	delete(f.inbound, iface)
	f.InterfaceDown(iface)
}

func (f *fakeBackend) Shutdown() error {
	return nil
}

func (f *fakeBackend) transmissions() []*TxContext {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]*TxContext(nil), f.txs...)
}

type fakeResolver struct {
	next  atomic.Uint64
	hosts map[string]netip.Addr
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{hosts: map[string]netip.Addr{
		"alpha.example": netip.MustParseAddr("10.0.0.1"),
	}}
}

func (r *fakeResolver) QueueForResolution(host string, l resolve.Listener) resolve.Token {
	token := resolve.Token(r.next.Add(1))
	go func() {
		addr, ok := r.hosts[host]
		l.ResolutionComplete(token, host, addr, ok)
	}()
	return token
}

func (r *fakeResolver) Close() {}

type recorder struct {
	messages chan *cot.Message
	senders  chan netip.AddrPort
	failures chan TxErrItem
	ups      chan *InboundInterface
	downs    chan *InboundInterface
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan *cot.Message, 16),
		senders:  make(chan netip.AddrPort, 16),
		failures: make(chan TxErrItem, 16),
		ups:      make(chan *InboundInterface, 16),
		downs:    make(chan *InboundInterface, 16),
	}
}

func (r *recorder) OnMessageReceived(sender netip.AddrPort, _ string, msg *cot.Message) {
	r.senders <- sender
	r.messages <- msg
}

func (r *recorder) OnSendFailure(host string, port int, reason string) {
	r.failures <- TxErrItem{Host: host, Port: port, Reason: reason}
}

func (r *recorder) OnInterfaceUp(iface *InboundInterface)   { r.ups <- iface }
func (r *recorder) OnInterfaceDown(iface *InboundInterface) { r.downs <- iface }

func testMessage() *cot.Message {
	now := time.UnixMilli(1700000000000).UTC()
	return &cot.Message{
		UID:   "uid-1",
		Type:  "a-f-G",
		How:   "h-e",
		Time:  now,
		Start: now,
		Stale: now.Add(time.Minute),
		Point: cot.Point{Lat: 1, Lon: 2},
		Detail: cot.Detail{
			Contact: &cot.Contact{Callsign: "BRAVO", Endpoint: "10.1.1.1:4242:tcp"},
		},
	}
}

func waitTransmissions(t *testing.T, f *fakeBackend, n int) []*TxContext {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(f.transmissions()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return f.transmissions()
}

func TestSendMessagePorts(t *testing.T) {
	f := newFakeBackend(t, false)

	assert.ErrorIs(t, f.SendMessage("127.0.0.1", -1, testMessage(), 0, 0), ErrInvalidPort)
	assert.ErrorIs(t, f.SendMessage("127.0.0.1", 65536, testMessage(), 0, 0), ErrInvalidPort)
	assert.ErrorIs(t, f.SendMessage("", 1, testMessage(), 0, 0), ErrInvalidHost)

	assert.NoError(t, f.SendMessage("127.0.0.1", 0, testMessage(), 0, 0))
	assert.NoError(t, f.SendMessage("127.0.0.1", 65535, testMessage(), 0, 0))

	waitTransmissions(t, f, 2)
}

func TestSendMessageLiteralAddress(t *testing.T) {
	f := newFakeBackend(t, false)

	msg := testMessage()
	require.NoError(t, f.SendMessage("::ffff:127.0.0.1", 7000, msg, 0, cot.SupportedProtocolVersion))
	assert.Equal(t, 0, f.PendingResolutions())

	tx := waitTransmissions(t, f, 1)[0]
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:7000"), tx.Addr)

	dec, err := cot.Decode(tx.Payload)
	require.NoError(t, err)
	assert.Equal(t, "", dec.Detail.Contact.Endpoint)
	assert.Equal(t, "BRAVO", dec.Detail.Contact.Callsign)

	// the caller's message stays untouched
	assert.Equal(t, "10.1.1.1:4242:tcp", msg.Detail.Contact.Endpoint)
}

func TestSendMessageResolution(t *testing.T) {
	f := newFakeBackend(t, false)
	r := newRecorder()
	f.AddSendFailureListener(r)
	f.AddMessageListener(r)

	require.NoError(t, f.SendMessage("alpha.example", 4242, testMessage(), 0, 0))
	tx := waitTransmissions(t, f, 1)[0]
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:4242"), tx.Addr)

	require.NoError(t, f.SendMessage("unknown.example", 4243, testMessage(), 0, 0))
	select {
	case failure := <-r.failures:
		assert.Equal(t, "unknown.example", failure.Host)
		assert.Equal(t, 4243, failure.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("no send failure reported")
	}

	select {
	case failure := <-r.failures:
		t.Fatalf("unexpected second failure %v", failure)
	case <-r.messages:
		t.Fatal("unexpected message")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, f.transmissions(), 1)
}

func TestResolutionCompletesOnce(t *testing.T) {
	f := newFakeBackend(t, false)
	r := newRecorder()
	f.AddSendFailureListener(r)

	tx := &TxContext{Host: "manual.example", Port: 1, FileBuffer: filetransfer.NewBuffer(1)}
	f.txMutex.Lock()
	f.pending[42] = tx
	f.txMutex.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ok bool) {
			defer wg.Done()
			f.ResolutionComplete(42, "manual.example", netip.MustParseAddr("10.0.0.2"), ok)
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 0, f.PendingResolutions())

	time.Sleep(300 * time.Millisecond)
	delivered := len(f.transmissions()) + len(r.failures)
	assert.Equal(t, 1, delivered)
}

func TestRxFanOut(t *testing.T) {
	f := newFakeBackend(t, false)
	r1, r2 := newRecorder(), newRecorder()
	f.AddMessageListener(r1)
	f.AddMessageListener(r2)
	f.AddMessageListener(r2)

	payload, err := testMessage().EncodeXML()
	require.NoError(t, err)

	sender := netip.MustParseAddrPort("10.0.0.9:5555")
	f.QueueRx(RxItem{Payload: payload, Sender: sender, EndpointID: "ep"})

	for _, r := range []*recorder{r1, r2} {
		select {
		case msg := <-r.messages:
			assert.Equal(t, "uid-1", msg.UID)
			assert.Equal(t, sender, <-r.senders)
		case <-time.After(2 * time.Second):
			t.Fatal("message was not delivered")
		}
	}

	select {
	case <-r2.messages:
		t.Fatal("listener was registered twice")
	case <-time.After(50 * time.Millisecond):
	}

	f.RemoveMessageListener(r1)
	f.QueueRx(RxItem{Payload: payload, Sender: sender})
	<-r2.messages
	select {
	case <-r1.messages:
		t.Fatal("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRxDropsUndecryptable(t *testing.T) {
	f := newFakeBackend(t, false)
	r := newRecorder()
	f.AddMessageListener(r)

	authKey, cryptoKey, err := crypt.DeriveKeys([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, f.SetRxCryptoKeys(authKey, cryptoKey))

	plain, err := testMessage().EncodeXML()
	require.NoError(t, err)
	codec, err := crypt.NewCodec(authKey, cryptoKey)
	require.NoError(t, err)
	sealed, err := codec.Encrypt(plain)
	require.NoError(t, err)

	f.QueueRx(RxItem{Payload: plain})
	f.QueueRx(RxItem{Payload: []byte("garbage")})
	f.QueueRx(RxItem{Payload: sealed})

	select {
	case msg := <-r.messages:
		assert.Equal(t, "uid-1", msg.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("encrypted message was not delivered")
	}

	select {
	case <-r.messages:
		t.Fatal("undecryptable payload was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	// clearing the keys accepts plain payloads again
	require.NoError(t, f.SetRxCryptoKeys(nil, nil))
	f.QueueRx(RxItem{Payload: []byte("<not cot")})
	f.QueueRx(RxItem{Payload: plain})
	select {
	case <-r.messages:
	case <-time.After(2 * time.Second):
		t.Fatal("plain message was not delivered")
	}
}

func TestTxEncryption(t *testing.T) {
	f := newFakeBackend(t, false)

	authKey, cryptoKey, err := crypt.DeriveKeys([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, f.SetTxCryptoKeys(authKey, cryptoKey))
	assert.Error(t, f.SetTxCryptoKeys([]byte("short"), cryptoKey))

	require.NoError(t, f.SendMessage("10.0.0.1", 1, testMessage(), 0, 0))
	require.NoError(t, f.SendMessage("10.0.0.1", 2, testMessage(), FeatureEncryption, 0))
	txs := waitTransmissions(t, f, 2)

	codec, err := crypt.NewCodec(authKey, cryptoKey)
	require.NoError(t, err)

	for _, tx := range txs {
		if tx.Port == 1 {
			_, err := cot.Decode(tx.Payload)
			assert.NoError(t, err)
		} else {
			plain, err := codec.Decrypt(tx.Payload)
			require.NoError(t, err)
			_, err = cot.Decode(plain)
			assert.NoError(t, err)
		}
	}
}

func TestInboundInterfaces(t *testing.T) {
	f := newFakeBackend(t, false)
	r := newRecorder()
	f.AddInterfaceStatusListener(r)

	_, err := f.AddInboundInterface(70000)
	assert.ErrorIs(t, err, ErrInvalidPort)

	iface, err := f.AddInboundInterface(7001)
	require.NoError(t, err)
	assert.NotEmpty(t, iface.ID)
	assert.Equal(t, "fake", iface.Network)

	_, err = f.AddInboundInterface(7001)
	assert.ErrorIs(t, err, ErrInterfaceExists)

	select {
	case up := <-r.ups:
		assert.Same(t, iface, up)
	case <-time.After(2 * time.Second):
		t.Fatal("interface up was not reported")
	}
	assert.Len(t, f.Interfaces(), 1)

	require.NoError(t, f.RemoveInboundInterface(iface))
	assert.ErrorIs(t, f.RemoveInboundInterface(iface), ErrIllegalArgument)
	assert.Empty(t, f.Interfaces())

	select {
	case down := <-r.downs:
		assert.Same(t, iface, down)
	case <-time.After(2 * time.Second):
		t.Fatal("interface down was not reported")
	}
	select {
	case <-r.downs:
		t.Fatal("second removal changed state")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseRejectsMessages(t *testing.T) {
	f := newFakeBackend(t, false)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, f.SendMessage("127.0.0.1", 1, testMessage(), 0, 0), ErrClosed)
	assert.ErrorIs(t, f.Close(), ErrClosed)
	assert.True(t, f.IsClosed())
}

func TestIOLockWriterIsNotStarved(t *testing.T) {
	f := newFakeBackend(t, true)

	// let the loop spin
	require.Eventually(t, func() bool { return f.polls.Load() > 100 }, 2*time.Second, time.Millisecond)

	for i := 0; i < 50; i++ {
		before := f.polls.Load()
		f.IOLock().Lock()
		during := f.polls.Load()
		f.IOLock().Unlock()

		if iterations := during - before; iterations > 10 {
			t.Fatalf("writer waited %d I/O loop iterations", iterations)
		}
	}

	// the loop still makes progress afterwards
	before := f.polls.Load()
	require.Eventually(t, func() bool { return f.polls.Load() > before+10 }, 2*time.Second, time.Millisecond)
}
