// File: internal/sched/drr.go
// Author: momentics <momentics@gmail.com>
//
// Deficit round-robin scheduler over a fixed bank of flows, state
// machine grounded on the sring_tx_schqueue_context field set
// (deficit/quantum/weight/add_deficit) from the original sring
// transport header. One Scheduler instance is private to one worker
// and is never shared across goroutines.

package sched

import (
	"fmt"

	"github.com/eapache/queue"

	"github.com/pvnet/hvbackend/api"
)

// FlowParams configures one flow bank entry's DRR weight.
type FlowParams struct {
	Quantum int
	Weight  int
}

type flow struct {
	fifo    *queue.Queue
	deficit int
	quantum int
	weight  int
}

// DRR implements api.Scheduler with N fixed flows addressed by
// PacketHandle.FlowID. It is not safe for concurrent use.
type DRR struct {
	flows        []flow
	currentFlow  int
	totalQueued  int
	addDeficitNext bool
}

// NewDRR builds a scheduler with len(params) flows, each seeded with its
// own quantum/weight. Flow 0 (api.ClassDefault, which api.ClassError
// aliases) serves as the catch-all / error-class destination per spec.md §4.4.
func NewDRR(params []FlowParams) *DRR {
	flows := make([]flow, len(params))
	for i, p := range params {
		flows[i] = flow{fifo: queue.New(), quantum: p.Quantum, weight: p.Weight}
	}
	return &DRR{flows: flows, addDeficitNext: true}
}

// Enqueue appends handle to its flow's FIFO. FAIL (ErrSchedulerDrop)
// if handle is nil or FlowID is out of the configured flow bank's range.
func (d *DRR) Enqueue(handle *api.PacketHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil packet handle", api.ErrSchedulerDrop)
	}
	if int(handle.FlowID) >= len(d.flows) {
		return fmt.Errorf("%w: flow id %d out of range [0,%d)", api.ErrSchedulerDrop, handle.FlowID, len(d.flows))
	}
	f := &d.flows[handle.FlowID]
	wasEmpty := f.fifo.Length() == 0
	f.fifo.Add(handle)
	d.totalQueued++
	if wasEmpty {
		f.deficit = 0
	}
	return nil
}

// Dequeue runs the DRR state machine for at most one full sweep of the
// flow bank, returning the next packet to transmit, or nil if every flow
// is empty or no backlogged flow's deficit covered its head packet within
// that sweep (the accumulated deficit carries over to the next call).
func (d *DRR) Dequeue() *api.PacketHandle {
	n := len(d.flows)
	if n == 0 {
		return nil
	}
	for step := 0; step < n; step++ {
		f := &d.flows[d.currentFlow]
		if f.fifo.Length() == 0 {
			d.addDeficitNext = true
			d.advanceCursor()
			continue
		}

		if d.addDeficitNext {
			f.deficit += f.quantum * f.weight
		}

		head := f.fifo.Peek().(*api.PacketHandle)
		if f.deficit >= head.Len() {
			f.deficit -= head.Len()
			f.fifo.Remove()
			d.totalQueued--

			switch {
			case f.fifo.Length() == 0:
				f.deficit = 0
				d.addDeficitNext = true
				d.advanceCursor()
			case f.fifo.Peek().(*api.PacketHandle).Len() <= f.deficit:
				d.addDeficitNext = false
			default:
				d.addDeficitNext = true
				d.advanceCursor()
			}
			return head
		}

		d.addDeficitNext = true
		d.advanceCursor()
	}
	return nil
}

func (d *DRR) advanceCursor() {
	d.currentFlow = (d.currentFlow + 1) % len(d.flows)
}

// TotalQueued returns the exact count of packets queued across all
// flows.
func (d *DRR) TotalQueued() int {
	return d.totalQueued
}

var _ api.Scheduler = (*DRR)(nil)
