// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/agent"
	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
	"github.com/dtn7/cotmesh/pkg/msgbus/mtcp"
	"github.com/dtn7/cotmesh/pkg/msgbus/quicl"
)

// bus is what the daemon needs of a backend.
type bus interface {
	agent.Bus

	SetTxCryptoKeys(authKey, cryptoKey []byte) error
	SetRxCryptoKeys(authKey, cryptoKey []byte) error
	AddInterfaceStatusListener(l msgbus.InterfaceStatusListener)
	AddInboundInterface(port int) (*msgbus.InboundInterface, error)
	Interfaces() []*msgbus.InboundInterface
	Close() error
}

// daemon wires the backends, the offered files and the agent.
type daemon struct {
	quic *quicl.Management
	tcp  *mtcp.Management

	watcher *filetransfer.DirWatcher
	agent   *agent.WebSocketAgent
	server  *http.Server
}

func newDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{}
	defer func() {
		if err != nil {
			_ = d.Close()
			d = nil
		}
	}()

	offers := filetransfer.NewOffers()
	if conf.Files.OfferDir != "" {
		if d.watcher, err = filetransfer.NewDirWatcher(conf.Files.OfferDir, offers); err != nil {
			return
		}
	}

	quicConf, err := conf.quicConfig()
	if err != nil {
		return
	}
	quicConf.Offers = offers
	if d.quic, err = quicl.NewManagement(quicConf); err != nil {
		return
	}
	d.tcp = mtcp.NewManagement(conf.tcpConfig())

	authKey, cryptoKey, err := conf.Crypto.keys()
	if err != nil {
		return
	}

	logger := logListener{}
	for _, b := range d.buses() {
		if authKey != nil {
			if err = b.SetTxCryptoKeys(authKey, cryptoKey); err != nil {
				return
			}
			if err = b.SetRxCryptoKeys(authKey, cryptoKey); err != nil {
				return
			}
		}

		b.AddMessageListener(logger)
		b.AddInterfaceStatusListener(logger)
	}

	for _, l := range conf.Listen {
		b := d.bus(l.Protocol)
		if _, err = b.AddInboundInterface(l.Port); err != nil {
			return
		}
	}

	if conf.Agent.Listen != "" {
		err = d.startAgent(conf.Agent.Listen)
	}
	return
}

func (d *daemon) buses() []bus {
	return []bus{d.quic, d.tcp}
}

func (d *daemon) bus(protocol string) bus {
	if protocol == "tcp" {
		return d.tcp
	}
	return d.quic
}

func (d *daemon) startAgent(addr string) error {
	d.agent = agent.NewWebSocketAgent(d.quic, d.quic, d.tcp)

	router := mux.NewRouter()
	router.Handle("/ws", d.agent)
	router.HandleFunc("/interfaces", d.serveInterfaces).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	d.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Agent's HTTP server errored")
		}
	}()

	log.WithField("addr", ln.Addr()).Info("Started agent")
	return nil
}

// interfaceInfo is the JSON representation of an InboundInterface.
type interfaceInfo struct {
	ID      string `json:"id"`
	Network string `json:"network"`
	Port    int    `json:"port"`
}

func (d *daemon) serveInterfaces(rw http.ResponseWriter, _ *http.Request) {
	infos := []interfaceInfo{}
	for _, b := range d.buses() {
		for _, iface := range b.Interfaces() {
			infos = append(infos, interfaceInfo{ID: iface.ID, Network: iface.Network, Port: iface.Port})
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(infos); err != nil {
		log.WithError(err).Debug("Writing interfaces response errored")
	}
}

// Close shuts everything down which was started.
func (d *daemon) Close() error {
	var result *multierror.Error

	if d.server != nil {
		if err := d.server.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.agent != nil {
		d.agent.Close()
	}
	if d.quic != nil {
		if err := d.quic.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.tcp != nil {
		if err := d.tcp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// logListener logs the buses' events.
type logListener struct{}

func (logListener) OnMessageReceived(sender netip.AddrPort, endpointID string, msg *cot.Message) {
	log.WithFields(log.Fields{
		"sender":   sender,
		"endpoint": endpointID,
		"message":  msg,
	}).Info("Received message")
}

func (logListener) OnInterfaceUp(iface *msgbus.InboundInterface) {
	log.WithField("interface", iface).Info("Listening")
}

func (logListener) OnInterfaceDown(iface *msgbus.InboundInterface) {
	log.WithField("interface", iface).Info("Stopped listening")
}
