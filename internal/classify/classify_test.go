package classify

import (
	"encoding/binary"
	"testing"

	"github.com/pvnet/hvbackend/api"
)

func buildEthernet(ethertype uint16, payload []byte) []byte {
	buf := make([]byte, ethHdrLen+len(payload))
	binary.BigEndian.PutUint16(buf[12:14], ethertype)
	copy(buf[ethHdrLen:], payload)
	return buf
}

func buildIPv4(proto byte, l4 []byte) []byte {
	buf := make([]byte, ipv4MinHdrLen+len(l4))
	buf[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	buf[9] = proto
	copy(buf[ipv4MinHdrLen:], l4)
	return buf
}

func buildUDP(dport uint16, payload []byte) []byte {
	buf := make([]byte, udpHdrLen+len(payload))
	binary.BigEndian.PutUint16(buf[2:4], dport)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(buf)))
	copy(buf[udpHdrLen:], payload)
	return buf
}

func buildTCP(dport uint16, flags byte, payload []byte) []byte {
	buf := make([]byte, tcpMinHdrLen+len(payload))
	binary.BigEndian.PutUint16(buf[2:4], dport)
	buf[12] = 5 << 4 // data offset = 5 words = 20 bytes
	buf[13] = flags
	copy(buf[tcpMinHdrLen:], payload)
	return buf
}

func TestMarkARP(t *testing.T) {
	frame := buildEthernet(etherTypeARP, make([]byte, 28))
	if got := Mark(frame); got != api.ClassStream1 {
		t.Fatalf("ARP: got %v want ClassStream1", got)
	}
}

func TestMarkUDPDNS(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoUDP, buildUDP(53, []byte("query"))))
	if got := Mark(frame); got != api.ClassStream1 {
		t.Fatalf("UDP/53: got %v want ClassStream1", got)
	}
}

func TestMarkTCPHTTPS(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoTCP, buildTCP(443, 0, make([]byte, 512))))
	if got := Mark(frame); got != api.ClassStream3 {
		t.Fatalf("TCP/443: got %v want ClassStream3", got)
	}
}

func TestMarkTCPSSH(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoTCP, buildTCP(22, tcpFlagSYN, nil)))
	if got := Mark(frame); got != api.ClassStream2 {
		t.Fatalf("TCP/22: got %v want ClassStream2", got)
	}
}

func TestMarkTCPSynAckSmallPayload(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoTCP, buildTCP(8080, tcpFlagSYN|tcpFlagACK, make([]byte, 10))))
	if got := Mark(frame); got != api.ClassStream2 {
		t.Fatalf("SYN/ACK small payload: got %v want ClassStream2", got)
	}
}

func TestMarkTCPLeadingHTTPGet(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoTCP, buildTCP(8080, 0, []byte("GET / HTTP/1.1\r\nHost: x\r\n"))))
	if got := Mark(frame); got != api.ClassStream4 {
		t.Fatalf("leading GET: got %v want ClassStream4", got)
	}
}

func TestMarkICMP(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoICMP, make([]byte, 8)))
	if got := Mark(frame); got != api.ClassStream1 {
		t.Fatalf("ICMP: got %v want ClassStream1", got)
	}
}

func TestMarkDefaultOnOtherTCPPort(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, buildIPv4(protoTCP, buildTCP(9999, 0, []byte("not an http request"))))
	if got := Mark(frame); got != api.ClassDefault {
		t.Fatalf("random TCP: got %v want ClassDefault", got)
	}
}

func TestMarkTruncatedEthernetNoOOB(t *testing.T) {
	frame := make([]byte, 4) // shorter than an Ethernet header
	if got := Mark(frame); got != api.ClassDefault {
		t.Fatalf("truncated frame: got %v want ClassDefault (error class)", got)
	}
}

func TestMarkTruncatedIPv4HeaderNoOOB(t *testing.T) {
	frame := buildEthernet(etherTypeIPv4, []byte{0x45, 0x00, 0x00}) // truncated IPv4 header
	if got := Mark(frame); got != api.ClassDefault {
		t.Fatalf("truncated IPv4: got %v want ClassDefault (error class)", got)
	}
}

func TestMarkNonIPv4Ethertype(t *testing.T) {
	frame := buildEthernet(0x86DD, make([]byte, 40)) // IPv6, out of scope -> default
	if got := Mark(frame); got != api.ClassDefault {
		t.Fatalf("IPv6: got %v want ClassDefault", got)
	}
}
