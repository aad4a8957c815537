// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package mtcp

import (
	"syscall"
	"time"
)

func dialControl(_, _ string, _ syscall.RawConn) error {
	return nil
}

const keepAlive = 5 * time.Second
