// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package mtcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux allows a quicker detection of vanished peers, which is welcome on
// tactical links. See tcp(7) for the options.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		// keepCnt probes are sent before dropping the connection.
		keepCnt = 2

		// keepIdle seconds of silence trigger keepalive probes.
		keepIdle = 5

		// keepIntvl seconds between two probes.
		keepIntvl = 3

		// userTimeout milliseconds that written data might stay unacknowledged.
		userTimeout = 10000
	)

	opts := []struct{ opt, value int }{
		{unix.TCP_KEEPCNT, keepCnt},
		{unix.TCP_KEEPIDLE, keepIdle},
		{unix.TCP_KEEPINTVL, keepIntvl},
		{unix.TCP_USER_TIMEOUT, userTimeout},
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		for _, o := range opts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, o.opt, o.value); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// keepAlive is handled by dialControl.
const keepAlive = -1
