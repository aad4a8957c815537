// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"errors"
	"io"

	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal/qconn"
)

// payloadSource provides an in-memory payload.
type payloadSource struct {
	data []byte
	off  int
}

func (s *payloadSource) Fill(p []byte) (int, error) {
	n := copy(p, s.data[s.off:])
	s.off += n
	return n, nil
}

func (s *payloadSource) Done() bool {
	return s.off == len(s.data)
}

// pendingSource provides nothing until it is replaced.
type pendingSource struct{}

func (pendingSource) Fill(_ []byte) (int, error) { return 0, nil }
func (pendingSource) Done() bool                 { return false }

// fileSource streams an opened file.
type fileSource struct {
	r    io.ReadCloser
	done bool
}

func (s *fileSource) Fill(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		s.done = true
		return n, s.Close()
	}
	return n, err
}

func (s *fileSource) Done() bool {
	return s.done
}

// Close releases the file; it might be called more than once.
func (s *fileSource) Close() error {
	if s.r == nil {
		return nil
	}
	err := s.r.Close()
	s.r = nil
	return err
}

// bufferSink writes a file transfer's stream into its FileTransferBuffer.
type bufferSink struct {
	buf *filetransfer.Buffer
}

func (s bufferSink) ReceivedData(p []byte, fin bool) (int, error) {
	if s.buf.IsReadDone() {
		return 0, &qconn.AppError{Code: internal.LocalError, Reason: "file reader is gone"}
	}

	n := s.buf.Write(p)
	if fin && n == len(p) {
		s.buf.SetEOF()
	}
	return n, nil
}

// discardSink drops everything.
type discardSink struct{}

func (discardSink) ReceivedData(p []byte, _ bool) (int, error) {
	return len(p), nil
}
