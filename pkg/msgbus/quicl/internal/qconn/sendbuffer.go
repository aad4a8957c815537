// SPDX-FileCopyrightText: 2024 The cotmesh Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qconn

// sendBuffer is the ring of stream bytes to send. Three absolute offsets
// track its content: acked <= sent <= written. Bytes in [acked, written) are
// held; only bytes in [sent, written) are still to be handed to the engine.
type sendBuffer struct {
	data    []byte
	written uint64
	sent    uint64
	acked   uint64
}

func newSendBuffer(size int) *sendBuffer {
	return &sendBuffer{data: make([]byte, size)}
}

// capacity is the number of bytes which might be written without
// overwriting unacknowledged data.
func (b *sendBuffer) capacity() int {
	return len(b.data) - int(b.written-b.acked)
}

// fill tops up the ring from src. It returns the number of bytes read.
func (b *sendBuffer) fill(src Source) (int, error) {
	total := 0
	for b.capacity() > 0 && !src.Done() {
		pos := int(b.written % uint64(len(b.data)))
		end := pos + b.capacity()
		if end > len(b.data) {
			end = len(b.data)
		}

		n, err := src.Fill(b.data[pos:end])
		b.written += uint64(n)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// unsent returns the contiguous region starting at the sent offset.
func (b *sendBuffer) unsent() []byte {
	if b.sent == b.written {
		return nil
	}

	pos := int(b.sent % uint64(len(b.data)))
	end := pos + int(b.written-b.sent)
	if end > len(b.data) {
		end = len(b.data)
	}
	return b.data[pos:end]
}

func (b *sendBuffer) markSent(n int) {
	b.sent += uint64(n)
}

// ack advances the acknowledged offset to total, bounded by the sent offset.
func (b *sendBuffer) ack(total uint64) {
	if total > b.sent {
		total = b.sent
	}
	if total > b.acked {
		b.acked = total
	}
}

// inFlight is the number of bytes sent but not yet acknowledged.
func (b *sendBuffer) inFlight() uint64 {
	return b.sent - b.acked
}
