// File: internal/engine/doc.go
// Package engine runs the single worker goroutine that drives every
// active guest's TX rings into the shared egress port under deficit
// round-robin scheduling, and pushes inbound frames into guest RX
// rings. One Loop is shared by a batch of guests; it owns no lock in
// its hot path beyond the read-side locks GuestSession already takes.
package engine
