// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import "errors"

var (
	// ErrInvalidPort is returned for ports outside of [0, 65535].
	ErrInvalidPort = errors.New("msgbus: port out of range")

	// ErrInvalidHost is returned for an empty destination host.
	ErrInvalidHost = errors.New("msgbus: invalid host")

	// ErrIllegalArgument is returned for unknown or already removed interfaces.
	ErrIllegalArgument = errors.New("msgbus: illegal argument")

	// ErrClosed is returned after the bus was closed.
	ErrClosed = errors.New("msgbus: closed")

	// ErrInterfaceExists is returned when a port is already bound by this bus.
	ErrInterfaceExists = errors.New("msgbus: interface already exists")
)
