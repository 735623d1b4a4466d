// File: internal/egress/port.go
// Author: momentics <momentics@gmail.com>
//
// Egress port backends implementing api.EgressPort: a uniform
// recv/send(iovs) interface over a TAP-like fd, a netmap-style ring, a
// discarding sink, a synthetic packet source, and an eventfd-only null
// pair. Every backend clears its can-send/can-recv out-parameter on
// EAGAIN instead of blocking, so the engine loop can move on to the
// next ring rather than stalling a whole tick.

package egress

// vnetHdrLenFor returns the length (0 or 12) a backend should report from
// its VNetHdrLen method, shared so every implementation stays
// consistent with api.VNetHeaderLen.
func vnetHdrLenFor(enabled bool) int {
	if enabled {
		return 12
	}
	return 0
}
