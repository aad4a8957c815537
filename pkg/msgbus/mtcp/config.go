// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mtcp

import (
	"time"

	"github.com/dtn7/cotmesh/pkg/msgbus"
)

// DefaultReadTimeout bounds the silence on an inbound connection.
const DefaultReadTimeout = 30 * time.Second

// Config of a TCP message bus.
type Config struct {
	Bus msgbus.Config

	// ReadTimeout drops inbound connections which stay silent for longer.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Bus:         msgbus.DefaultConfig(),
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}
