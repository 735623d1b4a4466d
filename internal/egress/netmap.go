// File: internal/egress/netmap.go
// Author: momentics <momentics@gmail.com>
//
// NetmapPort simulates a netmap-style slot ring: a fixed array of
// fixed-size buffers, a head/cursor index, and a MOREFRAG flag per slot
// so a frame larger than one slot spans multiple contiguous slots
// exactly like real netmap rings do. This is a software stand-in since
// the real netmap character device is out of scope for this core; it
// lets the rest of the engine exercise the MOREFRAG path.

package egress

import "github.com/pvnet/hvbackend/api"

type netmapSlot struct {
	buf      []byte
	length   int
	moreFrag bool
}

// NetmapPort is a ring of fixed-size slots; Send copies iov bytes in,
// splitting across slots with MOREFRAG set on every non-final slot.
// Recv hands back whatever was written via Inject, following the same
// MOREFRAG chaining on the way out.
type NetmapPort struct {
	slots      []netmapSlot
	slotSize   int
	txCursor   int
	rxCursor   int
	rxPending  int // number of slots queued for Recv via Inject
	vnetHdrLen int
}

func NewNetmapPort(numSlots, slotSize int, vnetHeaderEnabled bool) *NetmapPort {
	slots := make([]netmapSlot, numSlots)
	for i := range slots {
		slots[i].buf = make([]byte, slotSize)
	}
	return &NetmapPort{slots: slots, slotSize: slotSize, vnetHdrLen: vnetHdrLenFor(vnetHeaderEnabled)}
}

// Inject stages a frame for the next Recv call(s), splitting it across
// ring slots with MOREFRAG exactly as a real netmap ring would present
// an incoming multi-slot frame.
func (p *NetmapPort) Inject(frame []byte) {
	for len(frame) > 0 {
		n := len(frame)
		more := false
		if n > p.slotSize {
			n = p.slotSize
			more = true
		}
		slot := &p.slots[(p.rxCursor+p.rxPending)%len(p.slots)]
		copy(slot.buf, frame[:n])
		slot.length = n
		slot.moreFrag = more
		p.rxPending++
		frame = frame[n:]
	}
}

func (p *NetmapPort) Send(iovs [][]byte) (n int, canSend bool, err error) {
	for _, iov := range iovs {
		rem := iov
		for len(rem) > 0 {
			chunk := rem
			more := false
			if len(chunk) > p.slotSize {
				chunk = chunk[:p.slotSize]
				more = true
			}
			slot := &p.slots[p.txCursor%len(p.slots)]
			copy(slot.buf, chunk)
			slot.length = len(chunk)
			slot.moreFrag = more
			p.txCursor++
			n += len(chunk)
			rem = rem[len(chunk):]
		}
	}
	return n, true, nil
}

// Recv pops one staged (Inject'd) frame per call into iovs[0],
// reassembling MOREFRAG-chained slots into that single frame; any further
// iovs are left untouched.
func (p *NetmapPort) Recv(iovs [][]byte) (n int, canRecv bool, err error) {
	if p.rxPending == 0 || len(iovs) == 0 {
		return 0, false, nil
	}
	dst := iovs[0]
	off := 0
	for p.rxPending > 0 {
		slot := &p.slots[p.rxCursor%len(p.slots)]
		off += copy(dst[off:], slot.buf[:slot.length])
		more := slot.moreFrag
		p.rxCursor++
		p.rxPending--
		if !more {
			break
		}
	}
	return off, true, nil
}

func (p *NetmapPort) VNetHdrLen() int { return p.vnetHdrLen }

func (p *NetmapPort) Close() error { return nil }

var _ api.EgressPort = (*NetmapPort)(nil)
