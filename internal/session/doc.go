// File: internal/session/doc.go
// Package session holds per-guest state: the negotiated feature bitmap,
// the installed memory table, one ring transport per queue direction,
// kick/irq event handles, and the running/rxEnabled/txEnabled flags the
// control goroutine mutates while the worker is halted. A Manager
// slab-allocates sessions so the engine can address one by a plain int
// (PacketHandle.GuestRef) instead of a string lookup on the hot path.
package session
