// File: internal/ring/packed/context.go
// Package packed implements the packed-ring guest<->engine queue contract:
// a single descriptor array walked by independent avail/used cursors, with
// per-descriptor AVAIL/USED flag bits replacing the split ring's separate
// producer/consumer counters. Unlike sring, packed supports true
// cross-flow out-of-order completion via a buffer-id-to-slot map (hv_map)
// and an in-place descriptor swap on release.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package packed

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/ring"
)

// Descriptor flag bits, per the virtio packed-ring layout: bit 7 marks a
// descriptor available to the consumer, bit 15 marks it consumed.
const (
	descFAvail = 1 << 7
	descFUsed  = 1 << 15
)

// Event-suppression flag values carried in {driver,device}_event.flags.
const (
	eventFlagEnable  = 0
	eventFlagDisable = 1
	eventFlagDesc    = 2
)

const eventWrapCtrShift = 15

// wireDesc is one packed-ring slot: address, length, a guest-chosen buffer
// id (stable across swaps; looked up via hvMap on release) and the
// avail/used flag pair.
type wireDesc struct {
	Addr  uint64
	Len   uint32
	ID    uint16
	Flags uint16
}

// event mirrors the driver_event/device_event union: a single uint32 so it
// can be read or written with one atomic load/store, avoiding a torn read
// across flags and off_wrap.
type event struct {
	word atomic.Uint32
}

func (e *event) load() (flags uint16, offWrap uint16) {
	w := e.word.Load()
	return uint16(w), uint16(w >> 16)
}

func (e *event) store(flags uint16, offWrap uint16) {
	e.word.Store(uint32(flags) | uint32(offWrap)<<16)
}

// Context implements api.RingTransport for the packed-ring family.
//
// Two independent cursor pairs walk the same descriptor array: the
// engine's own (next_avail_idx, avail_wrap_counter) used by TxAcquire/
// RxPush to find newly-available descriptors by inspecting each slot's
// flags directly (no producer counter to compare against, unlike sring),
// and (next_used_idx, used_wrap_counter) used by TxRelease/RxPush to mark
// slots consumed in guest-visible order. A third pair, guestNextAvailIdx/
// guestAvailWrapCounter, exists purely so PublishForTest can stand in for
// the out-of-scope guest driver when publishing new descriptors.
type Context struct {
	dir ring.Direction

	descs []wireDesc
	hvMap []uint16 // buffer id -> current slot index, for out-of-order release

	// Engine-owned consume cursor (mirrors the original's "h." side).
	nextAvailIdx     uint16
	availWrapCounter uint16 // 0 or 1

	// Engine-owned release cursor.
	nextUsedIdx     uint16
	usedWrapCounter uint16 // 0 or 1
	availUsedFlags  uint16

	pendingInUse int // acquired but not yet released

	driverEvent event // guest-writable: when the engine should notify
	_pad0       [ring.CacheLineSize]byte
	deviceEvent event // engine-writable: when the guest should notify
	_pad1       [ring.CacheLineSize]byte

	lastNotifiedUsedIdx uint16
	kickEnabled         atomic.Uint32

	// Guest-simulation cursor, used only by PublishForTest.
	guestNextAvailIdx     uint16
	guestAvailWrapCounter uint16
}

// New returns an uninitialized Context for the given direction.
func New(dir ring.Direction) *Context {
	return &Context{dir: dir}
}

// Size returns the number of bytes Init requires for numSlots entries.
func (c *Context) Size(numSlots uint32) int {
	return int(numSlots)*int(unsafe.Sizeof(wireDesc{})) + int(numSlots)*int(unsafe.Sizeof(uint16(0)))
}

// Init lays the descriptor array and the hv_map buffer-id index over mem.
// numSlots must be a power of two.
func (c *Context) Init(mem []byte, numSlots uint32) error {
	if !ring.IsPowerOfTwo(numSlots) {
		return fmt.Errorf("packed: numSlots %d is not a power of two", numSlots)
	}
	descBytes := int(numSlots) * int(unsafe.Sizeof(wireDesc{}))
	need := c.Size(numSlots)
	if len(mem) < need {
		return fmt.Errorf("%w: packed needs %d bytes, got %d", api.ErrResourceFailure, need, len(mem))
	}
	c.descs = unsafe.Slice((*wireDesc)(unsafe.Pointer(&mem[0])), numSlots)
	c.hvMap = unsafe.Slice((*uint16)(unsafe.Pointer(&mem[descBytes])), numSlots)

	c.nextAvailIdx = 0
	c.availWrapCounter = 1
	c.nextUsedIdx = 0
	c.usedWrapCounter = 1
	c.availUsedFlags = descFAvail | descFUsed

	c.guestNextAvailIdx = 0
	c.guestAvailWrapCounter = 1

	c.driverEvent.store(eventFlagDesc, 1<<eventWrapCtrShift)
	c.deviceEvent.store(eventFlagEnable, 0)
	c.kickEnabled.Store(1)

	for i := range c.hvMap {
		c.hvMap[i] = uint16(i)
	}
	return nil
}

// PublishForTest stands in for the out-of-scope guest driver: writes a
// descriptor at the guest's avail cursor with a caller-chosen buffer id
// (must be < numSlots and not already in flight) and advances the cursor,
// flipping the avail/used flag pair on wrap exactly as the real driver
// would.
func (c *Context) PublishForTest(addr uint64, length uint32, bufID uint16, _ uint32) (kickNeeded bool) {
	slot := c.guestNextAvailIdx
	flags := descFAvail
	if c.guestAvailWrapCounter == 0 {
		flags = descFUsed // opposite polarity on odd laps, mirrors avail_used_flags toggling
	}
	c.descs[slot] = wireDesc{Addr: addr, Len: length, ID: bufID, Flags: uint16(flags)}
	c.hvMap[bufID] = slot

	if c.guestNextAvailIdx++; c.guestNextAvailIdx >= uint16(len(c.descs)) {
		c.guestNextAvailIdx = 0
		c.guestAvailWrapCounter ^= 1
	}
	df, _ := c.deviceEvent.load()
	return df != eventFlagDisable
}

// moreAvail reports whether the slot at the engine's consume cursor is
// available, matching vring_packed_more_avail: avail != used and
// avail == the engine's own wrap polarity.
func (c *Context) moreAvail() bool {
	flags := c.descs[c.nextAvailIdx].Flags
	avail := (flags & descFAvail) != 0
	used := (flags & descFUsed) != 0
	avail16 := uint16(0)
	if avail {
		avail16 = 1
	}
	return avail != used && avail16 == c.availWrapCounter
}

func (c *Context) advanceAvail() {
	c.nextAvailIdx++
	if int(c.nextAvailIdx) >= len(c.descs) {
		c.nextAvailIdx = 0
		c.availWrapCounter ^= 1
	}
}

func (c *Context) advanceUsed() {
	c.nextUsedIdx++
	if int(c.nextUsedIdx) >= len(c.descs) {
		c.nextUsedIdx = 0
		c.usedWrapCounter ^= 1
		c.availUsedFlags ^= descFAvail | descFUsed
	}
}

// TxAcquire walks the consume cursor collecting up to budget available
// descriptors. Invalid ones are translated-rejected, marked used in place
// (so the slot still advances and the guest isn't stalled) and counted.
func (c *Context) TxAcquire(xlate api.Translator, budget int) (out []api.RingDescriptor, invalid int, err error) {
	for len(out) < budget && c.moreAvail() {
		slot := c.nextAvailIdx
		d := c.descs[slot]
		host, ok := xlate.Translate(d.Addr, d.Len)
		if !ok {
			invalid++
			c.descs[slot].Flags = c.availUsedFlags
			c.advanceAvail()
			c.advanceUsed()
			continue
		}
		out = append(out, api.RingDescriptor{
			GPA:        d.Addr,
			Len:        d.Len,
			Cookie:     d.ID,
			Host:       host,
			ReleaseKey: uint64(d.ID),
		})
		c.pendingInUse++
		c.advanceAvail()
	}
	return out, invalid, nil
}

// RxPush mirrors TxAcquire for the receive direction: it fills
// guest-provided descriptors from port and retires them via the same
// used-cursor/flag mechanism, since a packed ring descriptor is reused for
// both directions.
func (c *Context) RxPush(port api.EgressPort, xlate api.Translator, budget int) (pushed int, irqNeeded bool, err error) {
	for pushed < budget && c.moreAvail() {
		slot := c.nextAvailIdx
		d := c.descs[slot]
		host, ok := xlate.Translate(d.Addr, d.Len)
		if !ok {
			c.descs[slot].Flags = c.availUsedFlags
			c.advanceAvail()
			c.advanceUsed()
			continue
		}
		n, canRecv, rerr := port.Recv([][]byte{host})
		if rerr != nil {
			return pushed, c.txNotifyNeeded(1), rerr
		}
		if n == 0 {
			if !canRecv {
				break
			}
			c.descs[slot].Flags = c.availUsedFlags
			c.advanceAvail()
			c.advanceUsed()
			continue
		}
		c.descs[slot].Len = uint32(n)
		c.descs[slot].Flags = c.availUsedFlags
		c.advanceAvail()
		c.advanceUsed()
		pushed++
	}
	return pushed, c.txNotifyNeeded(uint16(pushed)), nil
}

// TxRelease completes the descriptor identified by its stable buffer id
// (opaqueID), swapping it into the used cursor's slot if the scheduler
// completed it out of acquire order, exactly as vring_packed_txq_release
// does via hv_map.
func (c *Context) TxRelease(opaqueID uint64) error {
	if c.pendingInUse == 0 {
		return api.ErrInvalidDescriptor
	}
	id := uint16(opaqueID)
	if int(id) >= len(c.hvMap) {
		return api.ErrInvalidDescriptor
	}
	usedIdx := c.nextUsedIdx
	slotIdx := c.hvMap[id]

	if slotIdx != usedIdx {
		// Swap descriptor contents between usedIdx and slotIdx, then fix
		// up hv_map for whichever buffer now occupies slotIdx.
		displaced := c.descs[usedIdx]
		c.descs[usedIdx], c.descs[slotIdx] = c.descs[slotIdx], c.descs[usedIdx]
		c.hvMap[displaced.ID] = slotIdx
		c.hvMap[id] = usedIdx
	}
	c.descs[usedIdx].Flags = c.availUsedFlags

	c.pendingInUse--
	c.advanceUsed()
	return nil
}

// txNotifyNeeded implements vring_need_event for numConsumed newly-used
// descriptors, consulting driverEvent exactly like TxNotify does.
func (c *Context) txNotifyNeeded(numConsumed uint16) bool {
	flags, offWrap := c.driverEvent.load()
	if flags != eventFlagDesc {
		return flags == eventFlagEnable
	}
	oldIdx := c.nextUsedIdx - numConsumed
	eventIdx := offWrap &^ (1 << eventWrapCtrShift)
	wrapCounter := offWrap >> eventWrapCtrShift
	if wrapCounter != c.usedWrapCounter {
		eventIdx -= uint16(len(c.descs))
	}
	lhs := c.nextUsedIdx - eventIdx - 1
	rhs := c.nextUsedIdx - oldIdx
	return lhs < rhs
}

// TxNotify reports whether the guest's requested notification point has
// been crossed since the last call.
func (c *Context) TxNotify() bool {
	numConsumed := c.nextUsedIdx - c.lastNotifiedUsedIdx
	c.lastNotifiedUsedIdx = c.nextUsedIdx
	return c.txNotifyNeeded(numConsumed)
}

// DisableKicks suppresses guest-to-engine kicks via deviceEvent and
// performs the double-check: after the store, reload the avail cursor's
// slot to see if new work raced in.
func (c *Context) DisableKicks() (hasWork bool) {
	c.deviceEvent.store(eventFlagDisable, 0)
	c.kickEnabled.Store(0)
	return c.moreAvail()
}

// EnableKicks re-enables guest notifications.
func (c *Context) EnableKicks() {
	c.deviceEvent.store(eventFlagEnable, 0)
	c.kickEnabled.Store(1)
}

// Dump renders the transport's internal cursors for diagnostics.
func (c *Context) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "packed(%s): next_avail=%d avail_wrap=%d next_used=%d used_wrap=%d pending_inuse=%d",
		c.dir, c.nextAvailIdx, c.availWrapCounter, c.nextUsedIdx, c.usedWrapCounter, c.pendingInUse)
	return b.String()
}

// SelfTest verifies driverEvent (guest-written) and deviceEvent
// (engine-written) do not share a cache line, mirroring
// vring_packed_rx_check_alignment's assertions on the real layout.
func (c *Context) SelfTest() error {
	driverOff := unsafe.Offsetof(c.driverEvent)
	deviceOff := unsafe.Offsetof(c.deviceEvent)
	diff := deviceOff - driverOff
	if driverOff > deviceOff {
		diff = driverOff - deviceOff
	}
	if diff < ring.CacheLineSize {
		return fmt.Errorf("packed: driver_event and device_event share a cache line (diff=%d)", diff)
	}
	return nil
}

var _ api.RingTransport = (*Context)(nil)
