// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Lock-free ring buffer used as the free-index/free-handle allocator on
// the engine's hot path: session slab indices and PacketHandle arenas
// are drawn from and returned to a RingBuffer instead of taking a lock.
package pool
