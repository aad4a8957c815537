// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cotmesh/pkg/cot"
	"github.com/dtn7/cotmesh/pkg/msgbus"
)

var errNoFetcher = errors.New("file transfers are not available")

type webAgentClient struct {
	agent *WebSocketAgent
	conn  *websocket.Conn
	id    string

	writeMutex   sync.Mutex
	shutdownOnce sync.Once
}

func newWebAgentClient(agent *WebSocketAgent, conn *websocket.Conn) *webAgentClient {
	return &webAgentClient{
		agent: agent,
		conn:  conn,
		id:    uuid.NewString(),
	}
}

func (client *webAgentClient) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"web agent client": client.conn.RemoteAddr().String(),
		"id":               client.id,
	})
}

func (client *webAgentClient) shutdown() {
	client.shutdownOnce.Do(func() {
		client.logger().Debug("Reached shutdown")
		_ = client.conn.Close()
	})
}

// handleConn reads the client's requests until the connection breaks.
func (client *webAgentClient) handleConn() {
	defer client.shutdown()

	logger := client.logger()
	logger.Info("Client connected")

	for {
		messageType, reader, err := client.conn.NextReader()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Client disconnected")
			} else {
				logger.WithError(err).Warn("Opening next Websocket Reader errored")
			}
			return
		} else if messageType != websocket.BinaryMessage {
			logger.WithField("message type", messageType).Warn("Websocket Reader's type is not binary")
			return
		}

		msg, err := unmarshalCbor(reader)
		if err != nil {
			logger.WithError(err).Warn("Unmarshal CBOR errored")
			return
		}

		switch msg := msg.(type) {
		case *wamSend:
			err = client.writeMessage(newStatusMessage(msg.id, client.handleSend(msg)))

		case *wamFetchFile:
			go client.handleFetch(msg)

		default:
			logger.WithField("message", msg).Info("Received unknown / unsupported message")
		}

		if err != nil {
			logger.WithError(err).Warn("Answering client errored")
			return
		}
	}
}

func (client *webAgentClient) handleSend(m *wamSend) error {
	bus, ok := client.agent.buses[m.network]
	if !ok {
		return fmt.Errorf("unknown network %q", m.network)
	}
	if m.port > 65535 {
		return msgbus.ErrInvalidPort
	}

	msg, err := cot.Decode(m.document)
	if err != nil {
		return err
	}

	var features msgbus.FeatureSet
	if m.encrypt {
		features |= msgbus.FeatureEncryption
	}

	client.logger().WithFields(log.Fields{
		"network": m.network,
		"host":    m.host,
		"port":    m.port,
		"message": msg,
	}).Debug("Sending message on behalf of client")
	return bus.SendMessage(m.host, int(m.port), msg, features, int(m.version))
}

// handleFetch transfers a file into the requested path and reports the outcome.
func (client *webAgentClient) handleFetch(m *wamFetchFile) {
	logger := client.logger().WithFields(log.Fields{
		"host": m.host,
		"port": m.port,
		"file": m.fileID,
		"path": m.path,
	})

	err := client.fetch(m)
	if err != nil {
		logger.WithError(err).Info("File transfer failed")
	} else {
		logger.Info("File transfer completed")
	}

	if err := client.writeMessage(newStatusMessage(m.id, err)); err != nil {
		logger.WithError(err).Debug("Reporting file transfer errored")
		client.shutdown()
	}
}

func (client *webAgentClient) fetch(m *wamFetchFile) error {
	if client.agent.fetcher == nil {
		return errNoFetcher
	}
	if m.port > 65535 {
		return msgbus.ErrInvalidPort
	}
	if m.fileID > 0xffffffff {
		return fmt.Errorf("file id %d out of range", m.fileID)
	}

	f, err := os.Create(m.path)
	if err != nil {
		return err
	}

	buf, err := client.agent.fetcher.InitFileTransfer(m.host, int(m.port), uint32(m.fileID))
	if err != nil {
		_ = f.Close()
		return err
	}
	defer buf.SetReadDone()

	_, copyErr := io.Copy(f, buf)
	if err := f.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		_ = os.Remove(m.path)
	}
	return copyErr
}

func (client *webAgentClient) writeMessage(msg webAgentMessage) error {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()

	wc, err := client.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := marshalCbor(msg, wc); err != nil {
		return err
	}
	return wc.Close()
}
