// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/tls"
	"errors"
	"io"
	"testing"
	"time"
)

func TestGenerateCertificate(t *testing.T) {
	cert, err := GenerateCertificate()
	if err != nil {
		t.Fatal(err)
	}

	if cert.Leaf == nil || len(cert.Certificate) != 1 {
		t.Fatalf("incomplete certificate: %v", cert)
	}
	if now := time.Now(); now.Before(cert.Leaf.NotBefore) || now.After(cert.Leaf.NotAfter) {
		t.Fatalf("certificate is not valid now: %v - %v", cert.Leaf.NotBefore, cert.Leaf.NotAfter)
	}

	other, err := GenerateCertificate()
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf.SerialNumber.Cmp(other.Leaf.SerialNumber) == 0 {
		t.Fatal("two certificates share a serial number")
	}
}

func TestTLSConfigs(t *testing.T) {
	cert, err := GenerateCertificate()
	if err != nil {
		t.Fatal(err)
	}

	ln := ListenerTLSConfig(cert, DefaultALPNs)
	if ln.ClientAuth != tls.RequestClientCert {
		t.Fatalf("expected optional client certificates, got %v", ln.ClientAuth)
	}
	if len(ln.NextProtos) != 2 || ln.MinVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected listener config: %v %v", ln.NextProtos, ln.MinVersion)
	}

	dial := DialerTLSConfig(ALPNFile, nil)
	if len(dial.NextProtos) != 1 || dial.NextProtos[0] != ALPNFile {
		t.Fatalf("unexpected ALPNs %v", dial.NextProtos)
	}
	if len(dial.Certificates) != 0 {
		t.Fatal("dialer without client certificate offers one")
	}

	dial = DialerTLSConfig(ALPNMessage, &cert)
	if len(dial.Certificates) != 1 {
		t.Fatal("dialer does not offer its client certificate")
	}
}

func TestQUICConfig(t *testing.T) {
	ln := QUICConfig(true, 5*time.Second, 30*time.Second, 1024)
	if ln.MaxIncomingStreams != 1 || ln.MaxIncomingUniStreams != 1 {
		t.Fatalf("listener accepts %d/%d streams", ln.MaxIncomingStreams, ln.MaxIncomingUniStreams)
	}
	if ln.KeepAlivePeriod != 15*time.Second {
		t.Fatalf("expected keepalive of 15s, got %v", ln.KeepAlivePeriod)
	}
	if ln.HandshakeIdleTimeout != 5*time.Second || ln.MaxStreamReceiveWindow != 1024 {
		t.Fatalf("unexpected config %+v", ln)
	}

	dial := QUICConfig(false, 5*time.Second, 10*time.Second, 1024)
	if dial.MaxIncomingStreams >= 0 || dial.MaxIncomingUniStreams >= 0 {
		t.Fatalf("dialer accepts %d/%d streams", dial.MaxIncomingStreams, dial.MaxIncomingUniStreams)
	}
	if dial.KeepAlivePeriod != 0 {
		t.Fatalf("expected no keepalive below the threshold, got %v", dial.KeepAlivePeriod)
	}
}

func TestHandshakeError(t *testing.T) {
	err := NewHandshakeError("refused", CertificateRejected, io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("cause is not unwrapped")
	}
	if err.Error() != "refused: unexpected EOF" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if CodeName(FileNotFound) != "file not found" {
		t.Fatalf("unexpected name %q", CodeName(FileNotFound))
	}
	if CodeName(0x42) != "code 66" {
		t.Fatalf("unexpected name %q", CodeName(0x42))
	}
}
