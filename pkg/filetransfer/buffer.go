// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package filetransfer

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrTransferFailed is returned by Buffer.Read after the network side signaled an error.
	ErrTransferFailed = errors.New("filetransfer: transfer failed")

	// ErrReadDone is returned by Buffer.Read after SetReadDone was called.
	ErrReadDone = errors.New("filetransfer: reader is done")
)

// Buffer is a bounded circular byte buffer between exactly one network side
// writer and one application side reader.
//
// Both read and write offsets are absolute and never reset, so the number of
// readable bytes is always writeOff - readOff. The writer never blocks; the
// reader blocks in Read until data, end of stream or an error is available.
//
// A Buffer has two independent owners. The network side is done after SetEOF
// or SetError; the application side is done after SetReadDone. Resources
// associated with a transfer must not be reclaimed before both happened.
type Buffer struct {
	mutex sync.Mutex
	cond  *sync.Cond

	data     []byte
	readOff  uint64
	writeOff uint64

	eof      bool
	failed   bool
	readDone bool

	onSpace func()
}

// NewBuffer creates a Buffer holding up to size bytes.
func NewBuffer(size int) *Buffer {
	b := &Buffer{data: make([]byte, size)}
	b.cond = sync.NewCond(&b.mutex)
	return b
}

// SetSpaceCallback registers a function called, outside of any lock, whenever
// the reader freed space.
func (b *Buffer) SetSpaceCallback(f func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.onSpace = f
}

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Available returns the number of readable bytes.
func (b *Buffer) Available() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return int(b.writeOff - b.readOff)
}

// Space returns the number of bytes the writer might write without loss.
func (b *Buffer) Space() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.space()
}

func (b *Buffer) space() int {
	return len(b.data) - int(b.writeOff-b.readOff)
}

// Write copies as much of p as fits into the buffer and returns that amount.
// It never blocks. Writes after SetEOF, SetError or SetReadDone are discarded.
func (b *Buffer) Write(p []byte) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.eof || b.failed || b.readDone {
		return 0
	}

	n := 0
	for n < len(p) && b.space() > 0 {
		pos := int(b.writeOff % uint64(len(b.data)))
		chunk := len(b.data) - pos
		if free := b.space(); chunk > free {
			chunk = free
		}
		c := copy(b.data[pos:pos+chunk], p[n:])
		n += c
		b.writeOff += uint64(c)
	}

	if n > 0 {
		b.cond.Broadcast()
	}
	return n
}

// SetEOF marks the end of the stream; the reader gets io.EOF after all data.
func (b *Buffer) SetEOF() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.eof = true
	b.cond.Broadcast()
}

// SetError marks the transfer as failed.
func (b *Buffer) SetError() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failed = true
	b.cond.Broadcast()
}

// IsFinished reports if the network side is done, either by EOF or error.
func (b *Buffer) IsFinished() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.eof || b.failed
}

// IsFailed reports if an error was signaled.
func (b *Buffer) IsFailed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.failed
}

// Read blocks until data is available and copies it into p. After all data was
// read, io.EOF or ErrTransferFailed is returned.
func (b *Buffer) Read(p []byte) (n int, err error) {
	b.mutex.Lock()

	for b.writeOff == b.readOff && !b.eof && !b.failed && !b.readDone {
		b.cond.Wait()
	}

	switch {
	case b.readDone:
		err = ErrReadDone

	case b.writeOff > b.readOff:
		for n < len(p) && b.readOff < b.writeOff {
			pos := int(b.readOff % uint64(len(b.data)))
			chunk := len(b.data) - pos
			if avail := int(b.writeOff - b.readOff); chunk > avail {
				chunk = avail
			}
			c := copy(p[n:], b.data[pos:pos+chunk])
			n += c
			b.readOff += uint64(c)
		}

	case b.failed:
		err = ErrTransferFailed

	default:
		err = io.EOF
	}

	onSpace := b.onSpace
	b.mutex.Unlock()

	if n > 0 && onSpace != nil {
		onSpace()
	}
	return
}

// SetReadDone marks the reader as gone. It is called exactly once by the
// application, after it stopped reading, whether or not EOF was reached.
func (b *Buffer) SetReadDone() {
	b.mutex.Lock()
	b.readDone = true
	b.cond.Broadcast()
	onSpace := b.onSpace
	b.mutex.Unlock()

	if onSpace != nil {
		onSpace()
	}
}

// IsReadDone reports if the reader called SetReadDone.
func (b *Buffer) IsReadDone() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.readDone
}
