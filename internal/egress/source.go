// File: internal/egress/source.go
// Author: momentics <momentics@gmail.com>
//
// Source is an egress port that discards sends and, on receive, always
// hands back a copy of one hard-coded synthetic UDP packet. Useful for
// exercising the RX path without a real interface.

package egress

import (
	"encoding/binary"

	"github.com/pvnet/hvbackend/api"
)

// syntheticUDPPacket is a minimal Ethernet/IPv4/UDP frame: broadcast
// src/dst MACs, 127.0.0.1 -> 127.0.0.1, port 9 (discard) -> port 9,
// 4-byte payload.
var syntheticUDPPacket = buildSyntheticUDP()

func buildSyntheticUDP() []byte {
	const payload = "ping"
	buf := make([]byte, 14+20+8+len(payload))
	// Ethernet: broadcast addrs, ethertype IPv4.
	for i := 0; i < 12; i++ {
		buf[i] = 0xff
	}
	binary.BigEndian.PutUint16(buf[12:14], 0x0800)
	ip := buf[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	ip[8] = 64 // TTL
	ip[9] = 17 // UDP
	copy(ip[12:16], []byte{127, 0, 0, 1})
	copy(ip[16:20], []byte{127, 0, 0, 1})
	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], 9)
	binary.BigEndian.PutUint16(udp[2:4], 9)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)
	return buf
}

type Source struct {
	vnetHdrLen int
}

func NewSource(vnetHeaderEnabled bool) *Source {
	return &Source{vnetHdrLen: vnetHdrLenFor(vnetHeaderEnabled)}
}

func (s *Source) Send(iovs [][]byte) (n int, canSend bool, err error) {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	return total, true, nil
}

func (s *Source) Recv(iovs [][]byte) (n int, canRecv bool, err error) {
	if len(iovs) == 0 || len(iovs[0]) < len(syntheticUDPPacket) {
		return 0, false, nil
	}
	n = copy(iovs[0], syntheticUDPPacket)
	return n, true, nil
}

func (s *Source) VNetHdrLen() int { return s.vnetHdrLen }

func (s *Source) Close() error { return nil }

var _ api.EgressPort = (*Source)(nil)
