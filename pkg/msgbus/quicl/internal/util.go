// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNMessage is negotiated for connections carrying a single CoT message.
	ALPNMessage = "cotmesh-msg"
	// ALPNFile is negotiated for connections fetching an offered file.
	ALPNFile = "cotmesh-file"

	// ConnectionIDLength of all connection ids chosen by this node.
	ConnectionIDLength = 8

	// KeepAliveThreshold is the smallest idle timeout for which keepalives are
	// sent; shorter idle windows are expected to see organic traffic.
	KeepAliveThreshold = 30 * time.Second
)

// DefaultALPNs are accepted by inbound interfaces.
var DefaultALPNs = []string{ALPNMessage, ALPNFile}

// GenerateCertificate creates a self-signed certificate. Peers do not verify
// it unless a certificate checker is configured.
func GenerateCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "cotmesh"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// ListenerTLSConfig creates the TLS config of an inbound connection. Client
// certificates are requested but optional.
func ListenerTLSConfig(cert tls.Certificate, alpns []string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpns,
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// DialerTLSConfig creates the TLS config of an outbound connection. The
// listener's certificate is checked by the connection itself, if at all.
func DialerTLSConfig(alpn string, clientCert *tls.Certificate) *tls.Config {
	conf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	if clientCert != nil {
		conf.Certificates = []tls.Certificate{*clientCert}
	}
	return conf
}

// QUICConfig creates the quic.Config of a single connection. Listeners accept
// at most one stream of each kind; dialers accept none.
func QUICConfig(listener bool, connTimeout, idleTimeout time.Duration, streamWindow uint64) *quic.Config {
	conf := &quic.Config{
		HandshakeIdleTimeout:       connTimeout,
		MaxIdleTimeout:             idleTimeout,
		InitialStreamReceiveWindow: streamWindow,
		MaxStreamReceiveWindow:     streamWindow,
		EnableDatagrams:            false,
	}

	if idleTimeout >= KeepAliveThreshold {
		conf.KeepAlivePeriod = idleTimeout / 2
	}

	if listener {
		conf.MaxIncomingStreams = 1
		conf.MaxIncomingUniStreams = 1
	} else {
		conf.MaxIncomingStreams = -1
		conf.MaxIncomingUniStreams = -1
	}
	return conf
}
