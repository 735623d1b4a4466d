// File: internal/ring/sring/context.go
// Package sring implements the split-ring guest<->engine queue contract:
// separate producer/consumer counters, a contiguous descriptor array,
// strictly in-order completion exposed to the guest (internal release
// order may be reshuffled by the scheduler; see TxRelease).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sring

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/ring"
)

// wireDesc is the per-slot descriptor layout. The companion guest driver
// is an external collaborator (out of scope); this layout only needs to
// be self-consistent within this implementation, so field order follows
// the spec's {paddr, length, opaque_cookie, mark, flags} enumeration
// rather than a byte-exact match to a foreign ABI.
type wireDesc struct {
	Paddr  uint64
	Len    uint32
	Cookie uint32
	Mark   uint32
	Flags  uint16
}

// Context implements api.RingTransport for the split-ring family. One
// Context backs exactly one guest queue in one direction.
//
// The producer/consumer counters live in engine-owned memory rather than
// inside the guest-mapped region: the guest driver that would otherwise
// race on them from a second process is explicitly out of scope (see
// spec.md §1), so there is no second writer to isolate from by placing
// these fields in shared memory. The ordering contract (release-store on
// publish, acquire-load on consume, full-barrier double-check on kick
// suppression) is still implemented with explicit atomics so the
// happens-before relationships the spec requires hold regardless of
// where the counters physically live, and so SelfTest can verify the
// producer and consumer lines never share a cache line.
type Context struct {
	dir ring.Direction

	// Producer line.
	prod        atomic.Uint32
	intrAt      atomic.Uint32 // TX: interrupt-moderation threshold
	intrEnabled atomic.Uint32 // RX: guest wants IRQ on new used entries
	_pad0       [ring.CacheLineSize]byte

	// Consumer line.
	cons        atomic.Uint32
	kickEnabled atomic.Uint32
	_pad1       [ring.CacheLineSize]byte

	// Shared, read-only after Init.
	qmask    uint32
	numSlots uint32

	descs []wireDesc

	// Engine-private bookkeeping (never observed by the guest).
	acquireCursor    uint32
	released         []bool
	lastNotifiedCons uint32
}

// New returns an uninitialized Context for the given direction.
func New(dir ring.Direction) *Context {
	return &Context{dir: dir}
}

// Size returns the number of bytes Init requires for numSlots entries.
func (c *Context) Size(numSlots uint32) int {
	return int(numSlots) * int(unsafe.Sizeof(wireDesc{}))
}

// Init lays the descriptor array over mem, which must be at least
// Size(numSlots) bytes. numSlots must be a power of two.
func (c *Context) Init(mem []byte, numSlots uint32) error {
	if !ring.IsPowerOfTwo(numSlots) {
		return fmt.Errorf("sring: numSlots %d is not a power of two", numSlots)
	}
	need := c.Size(numSlots)
	if len(mem) < need {
		return fmt.Errorf("%w: sring needs %d bytes, got %d", api.ErrResourceFailure, need, len(mem))
	}
	c.numSlots = numSlots
	c.qmask = numSlots - 1
	c.descs = unsafe.Slice((*wireDesc)(unsafe.Pointer(&mem[0])), numSlots)
	c.released = make([]bool, numSlots)
	c.prod.Store(0)
	c.cons.Store(0)
	c.acquireCursor = 0
	c.lastNotifiedCons = 0
	c.kickEnabled.Store(1)
	c.intrEnabled.Store(0)
	c.intrAt.Store(0)
	return nil
}

// PublishForTest is a test/driver-side helper standing in for the guest
// driver's Publish operation (spec.md §4.2): write a descriptor at
// prod&qmask, then release-store prod+1. Not part of api.RingTransport —
// the guest driver is an external collaborator; this exists purely so
// the engine-side tests in this package can synthesize guest activity.
func (c *Context) PublishForTest(paddr uint64, length uint32, cookie uint32, mark uint32) (kickNeeded bool) {
	prod := c.prod.Load()
	slot := prod & c.qmask
	c.descs[slot] = wireDesc{Paddr: paddr, Len: length, Cookie: cookie, Mark: mark}
	c.prod.Store(prod + 1) // release-store
	return c.kickEnabled.Load() != 0
}

// ConsForTest exposes the consumer counter for tests outside this
// package that need to observe release progress without reaching into
// an unexported field.
func (c *Context) ConsForTest() uint32 { return c.cons.Load() }

// TxAcquireCursorForTest exposes the engine-private acquire cursor for
// tests verifying that TxAcquire has advanced past previously published
// descriptors.
func (c *Context) TxAcquireCursorForTest() uint32 { return c.acquireCursor }

// RxPush reads up to budget frames from port into descriptors the guest
// has made available on this receive ring.
func (c *Context) RxPush(port api.EgressPort, xlate api.Translator, budget int) (pushed int, irqNeeded bool, err error) {
	prod := c.prod.Load() // acquire-load
	cons := c.cons.Load()
	for pushed < budget && cons != prod {
		slot := cons & c.qmask
		d := c.descs[slot]
		host, ok := xlate.Translate(d.Paddr, d.Len)
		if !ok {
			// Invalid descriptor: discard and continue, never abort the loop.
			cons++
			continue
		}
		n, canRecv, rerr := port.Recv([][]byte{host})
		if rerr != nil {
			c.cons.Store(cons)
			return pushed, c.notifyRX(), rerr
		}
		if n == 0 {
			if !canRecv {
				break // EAGAIN or short read: pause until next tick
			}
			cons++
			continue
		}
		c.descs[slot].Len = uint32(n)
		cons++
		pushed++
	}
	c.cons.Store(cons) // release-store
	return pushed, c.notifyRX(), nil
}

// notifyRX implements the RX interrupt-moderation check: full barrier,
// then load intrEnabled.
func (c *Context) notifyRX() bool {
	return c.intrEnabled.Load() != 0
}

// TxAcquire collects up to budget available descriptors from this
// transmit ring, translating each via xlate. Invalid descriptors are
// skipped (and internally auto-released, since the guest never observed
// them as in-flight) and counted, never fatal.
func (c *Context) TxAcquire(xlate api.Translator, budget int) (out []api.RingDescriptor, invalid int, err error) {
	prod := c.prod.Load() // acquire-load
	for len(out) < budget && c.acquireCursor != prod {
		slot := c.acquireCursor & c.qmask
		d := c.descs[slot]
		host, ok := xlate.Translate(d.Paddr, d.Len)
		if !ok {
			invalid++
			c.markReleased(c.acquireCursor)
			c.acquireCursor++
			continue
		}
		out = append(out, api.RingDescriptor{
			GPA:        d.Paddr,
			Len:        d.Len,
			Cookie:     uint16(d.Cookie),
			Mark:       d.Mark,
			Host:       host,
			ReleaseKey: uint64(c.acquireCursor),
		})
		c.acquireCursor++
	}
	return out, invalid, nil
}

func (c *Context) markReleased(absoluteIdx uint32) {
	slot := absoluteIdx & c.qmask
	c.released[slot] = true
}

// TxRelease marks the descriptor at the acquire-order position encoded
// in opaqueID as complete. Because the scheduler may complete
// descriptors out of acquire order, cons only advances over the
// contiguous prefix of slots already marked released — the guest always
// observes strictly in-order completion even though internal release
// order can be reshuffled, matching the Non-goal that only packed rings
// advertise true cross-flow out-of-order completion.
func (c *Context) TxRelease(opaqueID uint64) error {
	absoluteIdx := uint32(opaqueID)
	cons := c.cons.Load()
	if absoluteIdx < cons || absoluteIdx >= cons+c.numSlots {
		return api.ErrInvalidDescriptor
	}
	c.markReleased(absoluteIdx)
	for c.released[cons&c.qmask] {
		c.released[cons&c.qmask] = false
		cons++
	}
	c.cons.Store(cons) // release-store
	return nil
}

// TxNotify implements the wrap-safe interrupt-moderation check from
// spec.md §4.2: notify iff (cons - intr_at - 1) < (cons - old_cons).
func (c *Context) TxNotify() bool {
	consNow := c.cons.Load()
	intrAt := c.intrAt.Load()
	lhs := consNow - intrAt - 1
	rhs := consNow - c.lastNotifiedCons
	c.lastNotifiedCons = consNow
	return lhs < rhs
}

// DisableKicks suppresses guest kicks and performs the double-check
// idiom: set kickEnabled=0, full barrier, reload prod. If new work
// arrived in the race window the caller must drain it before the next
// EnableKicks call, so no wakeup is ever lost.
func (c *Context) DisableKicks() (hasWork bool) {
	c.kickEnabled.Store(0)
	prod := c.prod.Load() // full-barrier reload
	switch c.dir {
	case ring.DirTX:
		return c.acquireCursor != prod
	default:
		return c.cons.Load() != prod
	}
}

// EnableKicks re-enables guest-to-engine kicks.
func (c *Context) EnableKicks() {
	c.kickEnabled.Store(1)
}

// Dump renders the transport's internal counters for diagnostics.
func (c *Context) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sring(%s): prod=%d cons=%d qmask=%#x kick_enabled=%d intr_at=%d intr_enabled=%d acquire_cursor=%d",
		c.dir, c.prod.Load(), c.cons.Load(), c.qmask, c.kickEnabled.Load(), c.intrAt.Load(), c.intrEnabled.Load(), c.acquireCursor)
	return b.String()
}

// SelfTest verifies the producer and consumer hot fields do not share a
// cache line.
func (c *Context) SelfTest() error {
	prodOff := unsafe.Offsetof(c.prod)
	consOff := unsafe.Offsetof(c.cons)
	if consOff-prodOff < ring.CacheLineSize {
		return fmt.Errorf("sring: producer/consumer fields share a cache line (prod off=%d cons off=%d)", prodOff, consOff)
	}
	return nil
}

var _ api.RingTransport = (*Context)(nil)
