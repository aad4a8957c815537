// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

import (
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPacketConn(notify func()) *packetConn {
	return newPacketConn(
		netip.MustParseAddrPort("127.0.0.1:4000"),
		netip.MustParseAddrPort("127.0.0.1:5000"),
		notify)
}

func TestPacketConnFeedRead(t *testing.T) {
	pc := testPacketConn(nil)
	defer pc.Close()

	pkt := []byte("datagram")
	require.True(t, pc.Feed(pkt))
	pkt[0] = 'X'

	buf := make([]byte, 64)
	n, addr, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "datagram", string(buf[:n]))
	assert.Equal(t, "127.0.0.1:5000", addr.String())
	assert.Equal(t, "127.0.0.1:4000", pc.LocalAddr().String())
}

func TestPacketConnReadDeadline(t *testing.T) {
	pc := testPacketConn(nil)
	defer pc.Close()

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := pc.ReadFrom(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// A deadline set while blocked wakes up the reader.
	require.NoError(t, pc.SetReadDeadline(time.Time{}))
	errs := make(chan error, 1)
	go func() {
		_, _, err := pc.ReadFrom(make([]byte, 8))
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pc.SetReadDeadline(time.Now()))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken up")
	}
}

func TestPacketConnClose(t *testing.T) {
	pc := testPacketConn(nil)

	errs := make(chan error, 1)
	go func() {
		_, _, err := pc.ReadFrom(make([]byte, 8))
		errs <- err
	}()

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken up")
	}

	assert.False(t, pc.Feed([]byte("late")))
	_, err := pc.WriteTo([]byte("late"), nil)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestPacketConnOutbox(t *testing.T) {
	var notified atomic.Int32
	pc := testPacketConn(func() { notified.Add(1) })
	defer pc.Close()

	assert.Nil(t, pc.Pop())

	for _, s := range []string{"one", "two", "three"} {
		n, err := pc.WriteTo([]byte(s), nil)
		require.NoError(t, err)
		assert.Equal(t, len(s), n)
	}
	assert.Equal(t, int32(3), notified.Load())

	assert.Equal(t, "one", string(pc.Pop()))
	pc.DropOutbox()
	assert.Nil(t, pc.Pop())
}

func TestPacketConnOutboxBackpressure(t *testing.T) {
	pc := testPacketConn(nil)
	defer pc.Close()

	for i := 0; i < outboxSize; i++ {
		_, err := pc.WriteTo([]byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = pc.WriteTo([]byte("last"), nil)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write did not block on a full outbox")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, []byte{0}, pc.Pop())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write was not released")
	}
}

func TestPacketConnLastWritten(t *testing.T) {
	pc := testPacketConn(nil)
	defer pc.Close()

	pkt, n := pc.LastWritten()
	assert.Nil(t, pkt)
	assert.Zero(t, n)

	for _, s := range []string{"ack", "close"} {
		_, err := pc.WriteTo([]byte(s), nil)
		require.NoError(t, err)
	}
	pc.DropOutbox()

	pkt, n = pc.LastWritten()
	assert.Equal(t, "close", string(pkt))
	assert.Equal(t, uint64(2), n)
}
