// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package qconn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isWouldBlock checks for errors of a full socket send buffer.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.ENOBUFS)
}
