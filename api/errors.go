// File: api/errors.go
// Package api defines the shared contracts between the engine, the ring
// transports, the scheduler and the control plane.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "errors"

// Sentinel errors for the error taxonomy from the design notes: protocol
// violations, resource failures, invalid descriptors, transport
// backpressure and scheduler drops are all local to the handling path —
// none of them panics or unwinds.
var (
	// ErrProtocolViolation names a control-protocol violation. No code in
	// this module returns it: unknown request kinds and short payloads are
	// reported with errors that do not wrap it, and the header's version
	// bits are not checked.
	ErrProtocolViolation = errors.New("hvbackend: control protocol violation")

	// ErrResourceFailure marks a resource that could not be set up: ring
	// memory smaller than Init needs, or region mapping / program fds on
	// builds without the Linux implementation. Linux mmap errors are
	// returned unwrapped.
	ErrResourceFailure = errors.New("hvbackend: resource failure")

	// ErrInvalidDescriptor marks a descriptor whose paddr+len does not
	// resolve under the current memory table.
	ErrInvalidDescriptor = errors.New("hvbackend: invalid descriptor")

	// ErrTransportBlocked signals EAGAIN on the egress port; the caller
	// should pause the affected direction until the next tick.
	ErrTransportBlocked = errors.New("hvbackend: transport blocked")

	// ErrSchedulerDrop is returned by Scheduler.Enqueue when the target
	// flow is out of range; the caller must release the buffer.
	ErrSchedulerDrop = errors.New("hvbackend: scheduler drop")

	// ErrTransportClosed names a closed transport. No egress port or ring
	// transport in this module returns it; none of them tracks whether
	// Close has been called.
	ErrTransportClosed = errors.New("hvbackend: transport closed")

	// ErrRegionOverlap is returned when installing a memory table whose
	// regions are not pairwise disjoint.
	ErrRegionOverlap = errors.New("hvbackend: overlapping memory regions")

	// ErrDegenerateRegion is returned when installing a region with
	// gpa_start == gpa_end.
	ErrDegenerateRegion = errors.New("hvbackend: degenerate memory region")

	// ErrInvariant marks an unrecoverable internal invariant violation;
	// the worker stops and the owning session is marked broken.
	ErrInvariant = errors.New("hvbackend: invariant violation")
)
