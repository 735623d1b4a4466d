package sched

import (
	"testing"

	"github.com/pvnet/hvbackend/api"
)

func handle(flowID uint32, size int) *api.PacketHandle {
	return &api.PacketHandle{Iov: make([]byte, size), FlowID: flowID}
}

func TestEnqueueRejectsOutOfRangeFlow(t *testing.T) {
	d := NewDRR([]FlowParams{{Quantum: 1500, Weight: 1}})
	if err := d.Enqueue(handle(5, 100)); err == nil {
		t.Fatalf("expected error for out-of-range flow id")
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	d := NewDRR([]FlowParams{{Quantum: 1500, Weight: 1}, {Quantum: 1500, Weight: 1}})
	if got := d.Dequeue(); got != nil {
		t.Fatalf("expected nil on empty scheduler, got %v", got)
	}
}

func TestTotalQueuedExact(t *testing.T) {
	d := NewDRR([]FlowParams{{Quantum: 1500, Weight: 1}})
	for i := 0; i < 5; i++ {
		if err := d.Enqueue(handle(0, 100)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if d.TotalQueued() != 5 {
		t.Fatalf("expected 5 queued, got %d", d.TotalQueued())
	}
	d.Dequeue()
	if d.TotalQueued() != 4 {
		t.Fatalf("expected 4 queued after one dequeue, got %d", d.TotalQueued())
	}
}

// TestFairnessProportionalToWeight mirrors spec.md's S4 scenario: 3
// flows with weights 1,2,3 and equal quanta, saturated with same-size
// packets; long-run byte share should track weight share within a
// bounded error of one max packet size per flow.
func TestFairnessProportionalToWeight(t *testing.T) {
	const pktSize = 500
	const quantum = 1500
	d := NewDRR([]FlowParams{
		{Quantum: quantum, Weight: 1},
		{Quantum: quantum, Weight: 2},
		{Quantum: quantum, Weight: 3},
	})

	const rounds = 1000
	bytesByFlow := make([]int, 3)
	// Keep all flows saturated: enqueue a deep backlog (rounds packets
	// per flow) up front so none empties out during the dequeues below.
	for i := 0; i < rounds; i++ {
		for f := 0; f < 3; f++ {
			if err := d.Enqueue(handle(uint32(f), pktSize)); err != nil {
				t.Fatalf("enqueue flow %d: %v", f, err)
			}
		}
	}
	for i := 0; i < rounds; i++ {
		h := d.Dequeue()
		if h == nil {
			t.Fatalf("unexpected nil dequeue at iteration %d", i)
		}
		bytesByFlow[h.FlowID] += h.Len()
	}

	total := bytesByFlow[0] + bytesByFlow[1] + bytesByFlow[2]
	weights := []int{1, 2, 3}
	weightSum := 6
	for f := 0; f < 3; f++ {
		want := total * weights[f] / weightSum
		diff := bytesByFlow[f] - want
		if diff < 0 {
			diff = -diff
		}
		if diff > 1500 {
			t.Fatalf("flow %d byte share %d deviates from expected %d by more than 1500 bytes", f, bytesByFlow[f], want)
		}
	}
}

func TestDeficitResetsToZeroWhenQueueEmpties(t *testing.T) {
	d := NewDRR([]FlowParams{{Quantum: 1500, Weight: 1}})
	if err := d.Enqueue(handle(0, 100)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := d.Dequeue(); got == nil {
		t.Fatalf("expected a packet")
	}
	if d.flows[0].deficit != 0 {
		t.Fatalf("expected deficit reset to 0 on empty queue, got %d", d.flows[0].deficit)
	}
}

// TestOversizedPacketAccumulatesDeficitAcrossRounds: a packet larger
// than one round's quantum*weight credit must wait across several
// Dequeue calls, accumulating deficit each round until it is large
// enough, rather than being dropped or served early.
func TestOversizedPacketAccumulatesDeficitAcrossRounds(t *testing.T) {
	d := NewDRR([]FlowParams{{Quantum: 1500, Weight: 2}}) // 3000 credit/round
	big := handle(0, 10000)
	if err := d.Enqueue(big); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	served := false
	for i := 0; i < 10; i++ {
		if got := d.Dequeue(); got != nil {
			served = true
			break
		}
	}
	if !served {
		t.Fatalf("expected the oversized packet to eventually be served after enough rounds of credit")
	}
}
