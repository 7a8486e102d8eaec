// SPDX-FileCopyrightText: 2024 The easysockets Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import "iter"

// chunkQueue is a FIFO of byte chunks. Chunks are appended at the back and
// consumed from the front only; the front chunk is never empty.
type chunkQueue struct {
	chunks [][]byte
	size   int
}

// push appends a chunk. Empty chunks are ignored.
func (q *chunkQueue) push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	q.chunks = append(q.chunks, chunk)
	q.size += len(chunk)
}

func (q *chunkQueue) empty() bool {
	return len(q.chunks) == 0
}

// vectors returns up to limit chunks from the front, e.g., for writev(2).
func (q *chunkQueue) vectors(limit int) [][]byte {
	return q.chunks[:min(len(q.chunks), limit)]
}

// drain removes n bytes from the front. Fully consumed chunks are popped.
func (q *chunkQueue) drain(n int) {
	n = min(n, q.size)
	q.size -= n

	for n > 0 {
		front := q.chunks[0]
		if n < len(front) {
			q.chunks[0] = front[n:]
			return
		}

		n -= len(front)
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
	}

	if len(q.chunks) == 0 {
		q.chunks = nil
	}
}

// read moves bytes from the front into p.
func (q *chunkQueue) read(p []byte) (n int) {
	for n < len(p) && !q.empty() {
		k := copy(p[n:], q.chunks[0])
		q.drain(k)
		n += k
	}
	return
}

// all yields every byte in order without consuming it.
func (q *chunkQueue) all() iter.Seq[byte] {
	return func(yield func(byte) bool) {
		for _, chunk := range q.chunks {
			for _, b := range chunk {
				if !yield(b) {
					return
				}
			}
		}
	}
}
