// File: api/scheduler.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Scheduler is the DRR (deficit round-robin) contract mediating all
// egress traffic. One instance is private to a single worker goroutine
// and is not safe for concurrent use — see the concurrency model.

package api

// Scheduler abstracts the multi-flow DRR queue bank.
type Scheduler interface {
	// Enqueue appends h to its flow's FIFO (h.FlowID). Returns
	// ErrSchedulerDrop if FlowID is out of range; the caller must then
	// release the buffer back to the guest itself.
	Enqueue(h *PacketHandle) error

	// Dequeue returns the next packet to send according to the DRR
	// state machine, or nil if no flow currently has credit and data.
	Dequeue() *PacketHandle

	// TotalQueued returns the exact count of packets queued across all
	// flows.
	TotalQueued() int
}
