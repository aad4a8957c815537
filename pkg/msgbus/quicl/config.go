// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl/internal/qconn"
)

const (
	// DefaultIdleTimeout closes silent connections; keepalives are sent since
	// it is not below 30s.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultStreamWindow is the stream flow control window.
	DefaultStreamWindow = 128 * 1024

	// DefaultFileBufferSize is the capacity of a FileTransferBuffer.
	DefaultFileBufferSize = 1024 * 1024
)

// Config of a QUIC Management.
type Config struct {
	Bus msgbus.Config

	IdleTimeout time.Duration

	// ALPNs accepted by inbound interfaces.
	ALPNs []string

	// Certificate of inbound interfaces. A self-signed one is generated if nil.
	Certificate *tls.Certificate

	// ClientCertificate is presented on outbound connections, if set.
	ClientCertificate *tls.Certificate

	// CertChecker verifies the certificates of peers of outbound connections.
	CertChecker func([]*x509.Certificate) error

	StreamWindow   uint64
	SendBufferSize int
	FileBufferSize int

	// Offers lists the files served to peers. Without, all requests fail.
	Offers *filetransfer.Offers
	Files  filetransfer.FileProvider
}

// DefaultConfig returns a Config serving no files.
func DefaultConfig() Config {
	return Config{
		Bus:            msgbus.DefaultConfig(),
		IdleTimeout:    DefaultIdleTimeout,
		ALPNs:          internal.DefaultALPNs,
		StreamWindow:   DefaultStreamWindow,
		SendBufferSize: qconn.DefaultSendBufferSize,
		FileBufferSize: DefaultFileBufferSize,
		Files:          filetransfer.OSFiles{},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if len(c.ALPNs) == 0 {
		c.ALPNs = def.ALPNs
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = def.StreamWindow
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.FileBufferSize <= 0 {
		c.FileBufferSize = def.FileBufferSize
	}
	if c.Files == nil {
		c.Files = def.Files
	}
	return c
}
