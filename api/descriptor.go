// File: api/descriptor.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// RingDescriptor is the engine's view of a single guest-published
// descriptor, already translated to a host-visible buffer.
type RingDescriptor struct {
	// GPA/Len are the guest-physical address and length as published by
	// the guest, kept around for diagnostics (Dump) and release.
	GPA uint64
	Len uint32

	// Cookie is the guest-opaque identifier returned on release; the
	// engine never interprets it.
	Cookie uint16

	// Mark is the guest-supplied flow hint, valid only when MarkSource
	// is MarkGuest.
	Mark uint32

	// Flags carries transport-specific bits (e.g. packed-ring AVAIL/USED).
	Flags uint16

	// Host is the translated, bounds-checked view of [GPA, GPA+Len).
	Host []byte

	// ReleaseKey is the transport-internal handle TxRelease expects back:
	// the split ring's absolute acquire-order position (not masked to a
	// slot index), or the packed ring's buffer id. The
	// engine never interprets it beyond passing it through.
	ReleaseKey uint64
}

// PacketHandle (mbuf) is the unit of work passed from a ring transport's
// TX-acquire into the scheduler and back out to the engine's dequeue
// loop. It carries only indices, never pointers, into the owning guest
// and ring — see the design notes on arena-style ownership.
type PacketHandle struct {
	Iov      []byte // zero-copy view of the guest buffer
	GuestRef int    // slab index of the owning GuestSession
	RingRef  int    // index of the owning TX ring within the guest
	OpaqueID uint64 // transport-specific release key (acquire position or buffer id)
	FlowID   uint32 // scheduler flow, from the classifier or the guest
}

// Len returns the packet length in bytes, used by the scheduler's
// byte-deficit accounting and the engine's link-idle-time advance.
func (h *PacketHandle) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Iov)
}
