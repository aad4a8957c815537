// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import (
	"sync"
	"sync/atomic"
)

// IOLock guards a backend's sockets and connection tables.
//
// The I/O loop holds the read side for long stretches and calls Yield once per
// iteration. A writer announces itself, wakes the loop and is granted the lock
// at the loop's next Yield. As sync.RWMutex blocks new readers while a writer
// is pending, the loop cannot reacquire the lock before the writer is done.
type IOLock struct {
	rw      sync.RWMutex
	waiting atomic.Int32

	// wake interrupts the I/O loop's readiness wait, might be nil.
	wake func()
}

// RLock is taken by the I/O loop.
func (l *IOLock) RLock() {
	l.rw.RLock()
}

// RUnlock releases the I/O loop's read lock.
func (l *IOLock) RUnlock() {
	l.rw.RUnlock()
}

// Yield hands the lock to waiting writers. It must be called by the holder of
// the read side.
func (l *IOLock) Yield() bool {
	if l.waiting.Load() == 0 {
		return false
	}

	l.rw.RUnlock()
	l.rw.RLock()
	return true
}

// Lock acquires the write side.
func (l *IOLock) Lock() {
	l.waiting.Add(1)
	if l.wake != nil {
		l.wake()
	}

	l.rw.Lock()
	l.waiting.Add(-1)
}

// Unlock releases the write side.
func (l *IOLock) Unlock() {
	l.rw.Unlock()
}
