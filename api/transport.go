// File: api/transport.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RingTransport is the contract both ring families (split "sring" and
// packed "packed") implement identically, so the engine loop never needs
// to know which one backs a given guest queue.

package api

// Translator resolves a guest-physical address range to a host-visible
// byte slice. Implemented by internal/gpa.Table.
type Translator interface {
	// Translate returns host[0:length] aliasing the mapped region
	// covering [gpa, gpa+length), or ok=false if no single installed
	// region covers the whole range.
	Translate(gpa uint64, length uint32) (host []byte, ok bool)
}

// EgressPort is the uniform send/recv contract backing the single
// egress link (TAP-like fd, netmap-like ring, discard sink, synthetic
// source, or event-only null pair).
type EgressPort interface {
	// Send writes iovs as a single frame (or one frame per iovec,
	// depending on backend); returns bytes written. canSend is cleared
	// on EAGAIN so the caller pauses until the next tick.
	Send(iovs [][]byte) (n int, canSend bool, err error)

	// Recv reads one frame into the first iovec with spare capacity;
	// returns bytes read. canRecv is cleared on EAGAIN.
	Recv(iovs [][]byte) (n int, canRecv bool, err error)

	// VNetHdrLen returns the virtio-net header length this backend
	// prepends to every frame (0 if none).
	VNetHdrLen() int

	Close() error
}

// RingTransport is implemented by internal/ring/sring.Context and
// internal/ring/packed.Context. A single instance backs one guest queue
// in one direction (RX or TX); the engine loop drives both RX and TX
// contexts of a guest through this same interface.
type RingTransport interface {
	// Init sizes and lays out the transport's data structures over mem,
	// a host-mapped region of at least Size(numSlots) bytes, for a ring
	// of numSlots entries (must be a power of two).
	Init(mem []byte, numSlots uint32) error

	// Size returns the number of bytes Init requires for numSlots
	// entries, used by the control plane to size the queue's mapped
	// region before mmap.
	Size(numSlots uint32) int

	// RxPush reads up to budget frames from port and writes them into
	// descriptors the guest has made available on this (receive) ring,
	// translating guest buffers via xlate. Returns the number of frames
	// pushed and whether the guest should be signalled.
	RxPush(port EgressPort, xlate Translator, budget int) (pushed int, irqNeeded bool, err error)

	// TxAcquire collects up to budget available transmit descriptors,
	// translated via xlate. Invalid descriptors (failing translation)
	// are skipped and counted, never fatal.
	TxAcquire(xlate Translator, budget int) (descs []RingDescriptor, invalid int, err error)

	// TxRelease marks the descriptor identified by opaqueID (the
	// transport's release key: the split ring's absolute acquire-order
	// position, or the packed ring's buffer id) used; may be called out
	// of order.
	TxRelease(opaqueID uint64) error

	// TxNotify evaluates the transport's event-suppression condition
	// over descriptors released since the last call and reports
	// whether the guest IRQ should be raised.
	TxNotify() bool

	// DisableKicks suppresses guest-to-engine kicks for this ring using
	// the double-check idiom, returning true if the double-check
	// observed new work the caller must still drain before sleeping.
	DisableKicks() (hasWork bool)

	// EnableKicks re-enables guest-to-engine kicks.
	EnableKicks()

	// Dump renders the transport's internal counters for diagnostics.
	Dump() string

	// SelfTest verifies cache-line alignment of the hot producer and
	// consumer fields; called once at startup.
	SelfTest() error
}
