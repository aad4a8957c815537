// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"
	"net/netip"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/filetransfer"
	"github.com/dtn7/cotmesh/pkg/msgbus"
)

// Bus is the part of a message bus used by the WebSocketAgent.
type Bus interface {
	Name() string
	SendMessage(host string, port int, msg *cot.Message, features msgbus.FeatureSet, protocolVersion int) error

	AddMessageListener(l msgbus.MessageListener)
	RemoveMessageListener(l msgbus.MessageListener)
	AddSendFailureListener(l msgbus.SendFailureListener)
	RemoveSendFailureListener(l msgbus.SendFailureListener)
}

// FileFetcher requests files offered by peers.
type FileFetcher interface {
	InitFileTransfer(host string, port int, fileID uint32) (*filetransfer.Buffer, error)
}

// WebSocketAgent serves WebSocket clients for a set of buses.
type WebSocketAgent struct {
	buses   map[string]Bus
	fetcher FileFetcher

	upgrader  websocket.Upgrader
	listeners []*busListener

	mutex   sync.Mutex
	clients map[*webAgentClient]struct{}
	closed  bool
}

// busListener tags a bus' notifications with its name.
type busListener struct {
	agent *WebSocketAgent
	name  string
}

func (bl *busListener) OnMessageReceived(sender netip.AddrPort, endpointID string, msg *cot.Message) {
	doc, err := msg.EncodeXML()
	if err != nil {
		log.WithFields(log.Fields{
			"bus":     bl.name,
			"message": msg,
			"error":   err,
		}).Warn("Encoding received message errored")
		return
	}

	bl.agent.broadcast(&wamReceived{
		network:  bl.name,
		sender:   sender.String(),
		endpoint: endpointID,
		document: doc,
	})
}

func (bl *busListener) OnSendFailure(host string, port int, reason string) {
	bl.agent.broadcast(&wamSendFailure{
		network: bl.name,
		host:    host,
		port:    uint64(port),
		reason:  reason,
	})
}

// NewWebSocketAgent registers itself at all buses. The fetcher might be nil.
// The ServeHTTP function must be bound to the HTTP server.
func NewWebSocketAgent(fetcher FileFetcher, buses ...Bus) *WebSocketAgent {
	w := &WebSocketAgent{
		buses:   make(map[string]Bus),
		fetcher: fetcher,
		clients: make(map[*webAgentClient]struct{}),
	}

	for _, bus := range buses {
		bl := &busListener{agent: w, name: bus.Name()}
		bus.AddMessageListener(bl)
		bus.AddSendFailureListener(bl)

		w.buses[bus.Name()] = bus
		w.listeners = append(w.listeners, bl)
	}
	return w
}

// ServeHTTP must be bound to a HTTP endpoint, e.g., to /ws by a router.
func (w *WebSocketAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := newWebAgentClient(w, conn)

	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		_ = conn.Close()
		return
	}
	w.clients[client] = struct{}{}
	w.mutex.Unlock()

	client.handleConn()

	w.mutex.Lock()
	delete(w.clients, client)
	w.mutex.Unlock()
}

// Clients is the number of connected clients.
func (w *WebSocketAgent) Clients() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return len(w.clients)
}

func (w *WebSocketAgent) broadcast(msg webAgentMessage) {
	w.mutex.Lock()
	clients := make([]*webAgentClient, 0, len(w.clients))
	for client := range w.clients {
		clients = append(clients, client)
	}
	w.mutex.Unlock()

	for _, client := range clients {
		if err := client.writeMessage(msg); err != nil {
			client.logger().WithError(err).Debug("Forwarding to client errored")
			client.shutdown()
		}
	}
}

// Close unregisters the agent from its buses and disconnects all clients.
func (w *WebSocketAgent) Close() {
	for _, bl := range w.listeners {
		bus := w.buses[bl.name]
		bus.RemoveMessageListener(bl)
		bus.RemoveSendFailureListener(bl)
	}

	w.mutex.Lock()
	w.closed = true
	clients := make([]*webAgentClient, 0, len(w.clients))
	for client := range w.clients {
		clients = append(clients, client)
	}
	w.mutex.Unlock()

	for _, client := range clients {
		client.shutdown()
	}
}
