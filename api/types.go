// File: api/types.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bit-exact wire constants shared between the control plane, the ring
// transports and the engine: feature flags, the virtio-net header, and
// the traffic-class identifiers produced by the packet classifier.

package api

import "encoding/binary"

// Feature bits, matching the negotiated feature bitmap exchanged over the
// control socket (GET_FEATURES/SET_FEATURES).
const (
	FeatureSG             = 1 << 0
	FeatureTXCsum         = 1 << 1
	FeatureRXCsum         = 1 << 2
	FeatureTSOv4          = 1 << 3
	FeatureTCPv4LRO       = 1 << 4
	FeatureTSOv6          = 1 << 5
	FeatureTCPv6LRO       = 1 << 6
	FeatureUFO            = 1 << 7
	FeatureUDPLRO         = 1 << 8
	FeatureRXOutOfOrder   = 1 << 9
	FeatureTXOutOfOrder   = 1 << 10
	// FeatureRingPacked is not part of the spec's bit-exact table; it is
	// supplemented from the ring-family negotiation implied by
	// SET_FEATURES/GET_PROGRAMS (see SPEC_FULL.md SUPPLEMENTED FEATURES). Placed
	// well above the documented bits so it can never collide with a
	// future addition to the bit-exact table.
	FeatureRingPacked = 1 << 31
)

// FeatureBitmap is the 64-bit feature set negotiated between guest and
// backend.
type FeatureBitmap uint64

// Supported is the full set of features this backend core can offer.
const Supported FeatureBitmap = FeatureSG | FeatureTXCsum | FeatureRXCsum |
	FeatureTSOv4 | FeatureTCPv4LRO | FeatureTSOv6 | FeatureTCPv6LRO |
	FeatureUFO | FeatureUDPLRO | FeatureRXOutOfOrder | FeatureTXOutOfOrder |
	FeatureRingPacked

// Negotiate ANDs the guest-requested bitmap with Supported, per SET_FEATURES.
func (f FeatureBitmap) Negotiate(requested FeatureBitmap) FeatureBitmap {
	return requested & Supported
}

// Has reports whether all bits in mask are set.
func (f FeatureBitmap) Has(mask FeatureBitmap) bool {
	return f&mask == mask
}

// VNetHeaderLen is the on-wire size of VNetHeader.
const VNetHeaderLen = 12

// VNetHeader is the 12-byte little-endian virtio-net header prepended to
// a frame when vnet_hdr_len is non-zero.
type VNetHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

// Encode serializes the header into dst[:12]; dst must have length >= 12.
func (h VNetHeader) Encode(dst []byte) {
	dst[0] = h.Flags
	dst[1] = h.GSOType
	binary.LittleEndian.PutUint16(dst[2:4], h.HdrLen)
	binary.LittleEndian.PutUint16(dst[4:6], h.GSOSize)
	binary.LittleEndian.PutUint16(dst[6:8], h.CsumStart)
	binary.LittleEndian.PutUint16(dst[8:10], h.CsumOffset)
	binary.LittleEndian.PutUint16(dst[10:12], h.NumBuffers)
}

// DecodeVNetHeader parses a 12-byte virtio-net header from src.
// Returns false if src is shorter than VNetHeaderLen (bounds-checked,
// never reads past src).
func DecodeVNetHeader(src []byte) (VNetHeader, bool) {
	if len(src) < VNetHeaderLen {
		return VNetHeader{}, false
	}
	return VNetHeader{
		Flags:      src[0],
		GSOType:    src[1],
		HdrLen:     binary.LittleEndian.Uint16(src[2:4]),
		GSOSize:    binary.LittleEndian.Uint16(src[4:6]),
		CsumStart:  binary.LittleEndian.Uint16(src[6:8]),
		CsumOffset: binary.LittleEndian.Uint16(src[8:10]),
		NumBuffers: binary.LittleEndian.Uint16(src[10:12]),
	}, true
}

// TrafficClass is the small integer flow id produced by the classifier
// and consumed by the DRR scheduler as a flow index.
type TrafficClass uint32

// The classifier's concrete rule set (spec.md §4.4's "illustrative"
// example, made concrete for this implementation).
const (
	ClassDefault TrafficClass = iota
	ClassStream1
	ClassStream2
	ClassStream3
	ClassStream4
	numClasses
)

// NumTrafficClasses is the flow-id range the DRR scheduler must size
// itself to hold.
const NumTrafficClasses = int(numClasses)

// ClassError is the classifier's "error class" sentinel for truncated or
// malformed input; it must itself be a valid flow id, so it aliases
// ClassDefault per spec.md §4.4.
const ClassError = ClassDefault

// MarkSource selects how a transmit descriptor's flow mark is obtained.
type MarkSource int

const (
	// MarkGuest uses the guest-supplied mark field verbatim.
	MarkGuest MarkSource = iota
	// MarkEngine runs the packet classifier over the frame.
	MarkEngine
	// MarkNone always assigns ClassDefault (no classification).
	MarkNone
)
