// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import "time"

const (
	// DefaultConnTimeout bounds connection establishment of outbound transmissions.
	DefaultConnTimeout = 20 * time.Second

	// DefaultMaxMessageSize limits a single inbound or outbound CoT message.
	DefaultMaxMessageSize = 2 * 1024 * 1024

	// InboundRetry is the backoff between two attempts to bind an inbound interface.
	InboundRetry = 5 * time.Second

	// PollTimeout bounds a single readiness wait of the I/O loop.
	PollTimeout = 250 * time.Millisecond

	// pollBackoff is slept after a failed poll.
	pollBackoff = time.Second
)

// Config is shared by all backends.
type Config struct {
	// ConnTimeout bounds the establishment of an outbound connection.
	ConnTimeout time.Duration

	// MaxMessageSize limits the size of a serialized message.
	MaxMessageSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ConnTimeout:    DefaultConnTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// withDefaults replaces zero values by their defaults.
func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = DefaultConnTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	return c
}
