// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package filetransfer contains the pieces shared by both ends of a file
// transfer: the bounded Buffer between the network and a reading application,
// the set of locally offered files and a watcher keeping that set up to date.
//
// Files are addressed by a numeric id, sent as ASCII decimal by the fetching
// peer.
package filetransfer
