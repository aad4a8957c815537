// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package filetransfer

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// MaxFileIDLength bounds the ASCII decimal file id a client may send.
const MaxFileIDLength = 10

// FormatFileID renders a file id as sent on the wire.
func FormatFileID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseFileID parses the ASCII decimal file id received from a client.
func ParseFileID(b []byte) (uint32, error) {
	if len(b) == 0 || len(b) > MaxFileIDLength {
		return 0, fmt.Errorf("filetransfer: invalid file id length %d", len(b))
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("filetransfer: invalid file id %q", b)
		}
	}

	id, err := strconv.ParseUint(string(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("filetransfer: invalid file id %q: %w", b, err)
	}
	return uint32(id), nil
}

// Offers is the set of local files currently offered to peers, keyed by file id.
type Offers struct {
	mutex sync.Mutex
	files map[uint32]string
}

// NewOffers creates an empty set of Offers.
func NewOffers() *Offers {
	return &Offers{files: make(map[uint32]string)}
}

// Offer makes the file at path available under id, replacing a previous offer.
func (o *Offers) Offer(id uint32, path string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.files[id] = path
}

// Withdraw removes the offer for id.
func (o *Offers) Withdraw(id uint32) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	delete(o.files, id)
}

// Lookup returns the path offered under id.
func (o *Offers) Lookup(id uint32) (path string, ok bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	path, ok = o.files[id]
	return
}

// Len returns the number of offered files.
func (o *Offers) Len() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return len(o.files)
}

// FileProvider opens offered files for reading.
type FileProvider interface {
	Open(path string) (io.ReadCloser, error)
}

// OSFiles is a FileProvider for the local file system.
type OSFiles struct{}

// Open opens a regular file.
func (OSFiles) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if fi, err := f.Stat(); err != nil {
		_ = f.Close()
		return nil, err
	} else if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("filetransfer: %s is not a regular file", path)
	}
	return f, nil
}
