// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgbus

import "sync"

// queue is an unbounded FIFO with a blocking pop. Its mutex might guard
// additional state consumed together with an item.
type queue[T any] struct {
	mutex   sync.Mutex
	cond    *sync.Cond
	items   []T
	stopped bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

// push appends an item. It returns false if the queue was already stopped.
func (q *queue[T]) push(item T) bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// waitLocked blocks until an item is available or the queue is stopped. The
// caller must hold q.mutex.
func (q *queue[T]) waitLocked() (item T, ok bool) {
	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return
	}

	var zero T
	item = q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// pop blocks until an item is available; ok is false after stop.
func (q *queue[T]) pop() (item T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.waitLocked()
}

// stop wakes all waiters and discards queued items.
func (q *queue[T]) stop() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.stopped = true
	q.items = nil
	q.cond.Broadcast()
}

func (q *queue[T]) len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.items)
}
