// File: internal/egress/sink.go
// Author: momentics <momentics@gmail.com>
//
// Sink is an egress port that discards everything sent to it and never
// has anything to receive. Used for throughput benchmarking where no
// real NIC is attached.

package egress

import "github.com/pvnet/hvbackend/api"

type Sink struct {
	vnetHdrLen int
}

func NewSink(vnetHeaderEnabled bool) *Sink {
	return &Sink{vnetHdrLen: vnetHdrLenFor(vnetHeaderEnabled)}
}

func (s *Sink) Send(iovs [][]byte) (n int, canSend bool, err error) {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	return total, true, nil
}

func (s *Sink) Recv(iovs [][]byte) (n int, canRecv bool, err error) {
	return 0, false, nil
}

func (s *Sink) VNetHdrLen() int { return s.vnetHdrLen }

func (s *Sink) Close() error { return nil }

var _ api.EgressPort = (*Sink)(nil)
