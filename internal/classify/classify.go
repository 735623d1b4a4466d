// File: internal/classify/classify.go
// Author: momentics <momentics@gmail.com>
//
// Packet classifier: mark(data) -> flow id, parsing Ethernet/ARP/IPv4/
// UDP/TCP in a single bounds-checked pass. Every peel returns ok=false
// the instant it would read past the end of the slice; a failed peel
// never causes an out-of-bounds access, only an early return to the
// default class. Pure function, no host state.

package classify

import (
	"encoding/binary"

	"github.com/pvnet/hvbackend/api"
)

const (
	ethHdrLen = 14
	macLen    = 6

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ipv4MinHdrLen = 20

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17

	udpHdrLen = 8
	tcpMinHdrLen = 20

	tcpFlagSYN = 0x02
	tcpFlagACK = 0x10

	smallPayloadThreshold = 64
)

var httpGetPrefix = []byte("GET / HTTP/1.1")

func peelEthernet(p []byte) (offset int, ok bool) {
	return ethHdrLen, len(p) >= ethHdrLen
}

func ethernetType(eth []byte) uint16 {
	return binary.BigEndian.Uint16(eth[2*macLen:])
}

// peelIPv4 validates version, IHL and total length, returning the
// header length (IHL*4) as offset.
func peelIPv4(p []byte) (offset int, ok bool) {
	if len(p) < ipv4MinHdrLen {
		return 0, false
	}
	version := p[0] >> 4
	ihl := int(p[0]&0x0f) * 4
	if version != 4 || ihl < ipv4MinHdrLen {
		return 0, false
	}
	if len(p) < ihl {
		return 0, false
	}
	totalLen := int(binary.BigEndian.Uint16(p[2:4]))
	return ihl, len(p) >= totalLen
}

func ipv4Proto(ip []byte) byte { return ip[9] }

func peelUDP(p []byte) (offset int, ok bool) {
	if len(p) < udpHdrLen {
		return 0, false
	}
	return udpHdrLen, true
}

func udpDstPort(p []byte) uint16 { return binary.BigEndian.Uint16(p[2:4]) }

func peelTCP(p []byte) (offset int, ok bool) {
	if len(p) < tcpMinHdrLen {
		return 0, false
	}
	offset = int(p[12]>>4) * 4
	if offset < tcpMinHdrLen || len(p) < offset {
		return 0, false
	}
	return offset, true
}

func tcpDstPort(p []byte) uint16 { return binary.BigEndian.Uint16(p[2:4]) }
func tcpFlags(p []byte) byte     { return p[13] }

// Mark classifies one frame into a traffic class, per spec.md §4.4. Any
// parse step that would read past len(data) falls through to
// ClassDefault instead of panicking or reading out of bounds.
func Mark(data []byte) api.TrafficClass {
	offset, ok := peelEthernet(data)
	if !ok {
		return api.ClassDefault
	}
	eth, rest := data[:offset], data[offset:]
	switch ethernetType(eth) {
	case etherTypeARP:
		return api.ClassStream1
	case etherTypeIPv4:
		// fall through below
	default:
		return api.ClassDefault
	}

	offset, ok = peelIPv4(rest)
	if !ok {
		return api.ClassDefault
	}
	ip, l4 := rest[:offset], rest[offset:]

	switch ipv4Proto(ip) {
	case protoICMP:
		return api.ClassStream1
	case protoUDP:
		if _, ok := peelUDP(l4); !ok {
			return api.ClassDefault
		}
		switch udpDstPort(l4) {
		case 53, 1853:
			return api.ClassStream1
		default:
			return api.ClassDefault
		}
	case protoTCP:
		offset, ok = peelTCP(l4)
		if !ok {
			return api.ClassDefault
		}
		tcp, payload := l4[:offset], l4[offset:]
		dport := tcpDstPort(tcp)
		switch dport {
		case 22:
			return api.ClassStream2
		case 80, 443:
			return api.ClassStream3
		}
		flags := tcpFlags(tcp)
		if flags&(tcpFlagSYN|tcpFlagACK) != 0 && len(payload) <= smallPayloadThreshold {
			return api.ClassStream2
		}
		if hasPrefix(payload, httpGetPrefix) {
			return api.ClassStream4
		}
		return api.ClassDefault
	default:
		return api.ClassDefault
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
