// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package qconn

func isWouldBlock(_ error) bool {
	return false
}
