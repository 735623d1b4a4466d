// File: api/ring.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Generic lock-free ring contract, used for the fixed-size packet-handle
// free list (not for the guest<->engine descriptor rings, which have a
// richer protocol implemented in internal/ring/sring and internal/ring/packed).

package api

// Ring is a fast, lock-free bounded FIFO contract for cross-goroutine
// data transfer.
type Ring[T any] interface {
	// Enqueue adds item, returns false if the buffer is full.
	Enqueue(item T) bool

	// Dequeue removes and returns the oldest item, false if empty.
	Dequeue() (T, bool)

	// Len returns the number of items currently in the buffer.
	Len() int

	// Cap returns the fixed buffer capacity.
	Cap() int
}
