// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/crypt"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/mtcp"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging logConf
	Bus     busConf
	Quic    quicConf
	Tcp     tcpConf
	Listen  []listenConf
	Crypto  cryptoConf
	Files   filesConf
	Agent   agentConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// busConf holds the settings shared by both backends.
type busConf struct {
	ConnectTimeout float64 `toml:"connect-timeout"`
	MaxMessageSize int     `toml:"max-message-size"`
}

// quicConf describes the QUIC backend.
type quicConf struct {
	IdleTimeout       float64  `toml:"idle-timeout"`
	ALPN              []string `toml:"alpn"`
	Certificate       string
	Key               string
	ClientCertificate string `toml:"client-certificate"`
	ClientKey         string `toml:"client-key"`
}

// tcpConf describes the TCP backend.
type tcpConf struct {
	ReadTimeout float64 `toml:"read-timeout"`
}

// listenConf is an inbound interface.
type listenConf struct {
	Protocol string
	Port     int
}

// cryptoConf configures payload encryption, either by a hex encoded key pair
// or by a secret both keys are derived from.
type cryptoConf struct {
	AuthKey   string `toml:"auth-key"`
	CryptoKey string `toml:"crypto-key"`
	Secret    string
}

// filesConf describes the files offered to peers.
type filesConf struct {
	OfferDir string `toml:"offer-dir"`
}

// agentConf describes the WebSocket agent's HTTP server.
type agentConf struct {
	Listen string
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// loadConfig reads and validates the TOML file.
func loadConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}
	err = conf.validate()
	return
}

func (conf tomlConfig) validate() error {
	var result *multierror.Error

	if conf.Bus.ConnectTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("bus.connect-timeout must not be negative"))
	}
	if conf.Bus.MaxMessageSize < 0 {
		result = multierror.Append(result, fmt.Errorf("bus.max-message-size must not be negative"))
	}
	if conf.Quic.IdleTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("quic.idle-timeout must not be negative"))
	}
	if (conf.Quic.Certificate == "") != (conf.Quic.Key == "") {
		result = multierror.Append(result, fmt.Errorf("quic.certificate and quic.key must be set together"))
	}
	if (conf.Quic.ClientCertificate == "") != (conf.Quic.ClientKey == "") {
		result = multierror.Append(result, fmt.Errorf("quic.client-certificate and quic.client-key must be set together"))
	}

	for i, l := range conf.Listen {
		switch l.Protocol {
		case "quic", "tcp":
		default:
			result = multierror.Append(result, fmt.Errorf("listen[%d]: unknown protocol %q", i, l.Protocol))
		}
		if l.Port < 0 || l.Port > 65535 {
			result = multierror.Append(result, fmt.Errorf("listen[%d]: invalid port %d", i, l.Port))
		}
	}

	if conf.Crypto.Secret != "" && (conf.Crypto.AuthKey != "" || conf.Crypto.CryptoKey != "") {
		result = multierror.Append(result, fmt.Errorf("crypto.secret excludes crypto.auth-key and crypto.crypto-key"))
	}
	if (conf.Crypto.AuthKey == "") != (conf.Crypto.CryptoKey == "") {
		result = multierror.Append(result, fmt.Errorf("crypto.auth-key and crypto.crypto-key must be set together"))
	}

	return result.ErrorOrNil()
}

// setupLogging configures logrus.
func (conf logConf) setupLogging() {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func (conf tomlConfig) busConfig() msgbus.Config {
	c := msgbus.DefaultConfig()
	if conf.Bus.ConnectTimeout > 0 {
		c.ConnTimeout = seconds(conf.Bus.ConnectTimeout)
	}
	if conf.Bus.MaxMessageSize > 0 {
		c.MaxMessageSize = conf.Bus.MaxMessageSize
	}
	return c
}

// quicConfig creates the QUIC backend's configuration. Offers and files are
// set up by the daemon.
func (conf tomlConfig) quicConfig() (quicl.Config, error) {
	c := quicl.DefaultConfig()
	c.Bus = conf.busConfig()

	if conf.Quic.IdleTimeout > 0 {
		c.IdleTimeout = seconds(conf.Quic.IdleTimeout)
	}
	if len(conf.Quic.ALPN) > 0 {
		c.ALPNs = conf.Quic.ALPN
	}

	if conf.Quic.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(conf.Quic.Certificate, conf.Quic.Key)
		if err != nil {
			return c, fmt.Errorf("loading quic.certificate: %w", err)
		}
		c.Certificate = &cert
	}
	if conf.Quic.ClientCertificate != "" {
		cert, err := tls.LoadX509KeyPair(conf.Quic.ClientCertificate, conf.Quic.ClientKey)
		if err != nil {
			return c, fmt.Errorf("loading quic.client-certificate: %w", err)
		}
		c.ClientCertificate = &cert
	}
	return c, nil
}

func (conf tomlConfig) tcpConfig() mtcp.Config {
	c := mtcp.DefaultConfig()
	c.Bus = conf.busConfig()
	if conf.Tcp.ReadTimeout > 0 {
		c.ReadTimeout = seconds(conf.Tcp.ReadTimeout)
	}
	return c
}

// keys returns the configured payload keys; both are nil without
// encryption.
func (conf cryptoConf) keys() (authKey, cryptoKey []byte, err error) {
	switch {
	case conf.Secret != "":
		return crypt.DeriveKeys([]byte(conf.Secret))

	case conf.AuthKey != "":
		if authKey, err = hex.DecodeString(conf.AuthKey); err != nil {
			return nil, nil, fmt.Errorf("crypto.auth-key: %w", err)
		}
		if cryptoKey, err = hex.DecodeString(conf.CryptoKey); err != nil {
			return nil, nil, fmt.Errorf("crypto.crypto-key: %w", err)
		}
		return

	default:
		return nil, nil, nil
	}
}
