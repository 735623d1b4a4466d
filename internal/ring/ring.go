// File: internal/ring/ring.go
// Package ring holds constants and helpers shared by the two ring
// transport families (sring and packed), in particular the cache-line
// alignment self-test both must run at startup per the design notes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ring

import (
	"fmt"
	"unsafe"
)

// CacheLineSize is the assumed host cache-line size used to separate
// producer and consumer hot fields. 64 bytes covers every mainstream
// x86_64 and arm64 target this core runs on.
const CacheLineSize = 64

// Direction distinguishes a guest receive queue (engine is producer)
// from a guest transmit queue (engine is consumer). Both ring families
// use the same wire layout for either direction; only the role the
// engine plays over that layout differs.
type Direction int

const (
	// DirRX: the engine fills guest-provided buffers from the egress
	// port and publishes them back to the guest.
	DirRX Direction = iota
	// DirTX: the guest publishes buffers for the engine to drain to the
	// egress port.
	DirTX
)

func (d Direction) String() string {
	if d == DirRX {
		return "rx"
	}
	return "tx"
}

// CheckAlignment verifies ptr is aligned to CacheLineSize, returning an
// error naming field for diagnostics. Neither transport's SelfTest calls
// it (both compare field offsets instead); never on the hot path.
func CheckAlignment(ptr unsafe.Pointer, field string) error {
	if uintptr(ptr)%CacheLineSize != 0 {
		return fmt.Errorf("ring: field %q misaligned: addr=%#x not a multiple of %d", field, uintptr(ptr), CacheLineSize)
	}
	return nil
}

// IsPowerOfTwo reports whether n is a power of two (n > 0).
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
