// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/msgbus"
)

// writeChunk is the amount written before the write deadline is renewed.
const writeChunk = 64 * 1024

// sender transmits a single message over its own connection.
type sender struct {
	m      *Management
	tx     *msgbus.TxContext
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *sender) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"transmission": s.tx,
		"addr":         s.tx.Addr,
	})
}

func (m *Management) startSender(tx *msgbus.TxContext) {
	if tx.FileBuffer != nil {
		m.FailTx(tx, "file transfers are not supported over TCP")
		return
	}

	ctx, cancel := context.WithCancel(m.Context())
	s := &sender{m: m, tx: tx, ctx: ctx, cancel: cancel}

	m.sendersMutex.Lock()
	m.senders[s] = struct{}{}
	m.sendersMutex.Unlock()

	m.workers.Add(1)
	go s.run()
}

// abort cancels a connection attempt or write in progress.
func (s *sender) abort() {
	s.cancel()
}

func (s *sender) run() {
	m := s.m
	defer m.workers.Done()
	defer func() {
		s.cancel()

		m.sendersMutex.Lock()
		delete(m.senders, s)
		m.sendersMutex.Unlock()
	}()

	if err := s.send(); err != nil {
		if s.ctx.Err() != nil {
			err = msgbus.ErrClosed
		}
		s.logger().WithError(err).Debug("Sending message failed")
		m.FailTx(s.tx, err.Error())
		return
	}

	s.logger().WithField("size", len(s.tx.Payload)).Debug("Sent message")
}

func (s *sender) send() error {
	timeout := s.m.Config().ConnTimeout

	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
		Control:   dialControl,
	}
	conn, err := dialer.DialContext(s.ctx, "tcp", s.tx.Addr.String())
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}

	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	for off := 0; off < len(s.tx.Payload); {
		end := min(off+writeChunk, len(s.tx.Payload))

		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return err
		}
		n, err := conn.Write(s.tx.Payload[off:end])
		off += n
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("writing failed after %d bytes: %w", off, err)
		}
	}

	// Closing the connection terminates the message.
	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing failed: %w", err)
	}
	return nil
}
