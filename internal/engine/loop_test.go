// File: internal/engine/loop_test.go
// Author: momentics <momentics@gmail.com>

package engine

import (
	"testing"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/egress"
	"github.com/pvnet/hvbackend/internal/gpa"
	"github.com/pvnet/hvbackend/internal/ring"
	"github.com/pvnet/hvbackend/internal/ring/sring"
	"github.com/pvnet/hvbackend/internal/sched"
	"github.com/pvnet/hvbackend/internal/session"
)

func flowParams() []sched.FlowParams {
	ps := make([]sched.FlowParams, api.NumTrafficClasses)
	for i := range ps {
		ps[i] = sched.FlowParams{Quantum: 1500, Weight: 1}
	}
	return ps
}

// newTxGuest builds a guest session with a single TX queue ready to
// publish descriptors against, returning the session, its underlying
// split-ring transport (for test-only publish), and the guest-physical
// base address descriptors should reference.
func newTxGuest(t *testing.T, mgr *session.Manager, numSlots uint32) (*session.GuestSession, *sring.Context, uint64) {
	t.Helper()
	s, err := mgr.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetParameters(1, 1, 16, 16); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	sz := sring.New(ring.DirTX).Size(numSlots)
	guestMem := make([]byte, sz+4096)
	const base = uint64(0x20000)
	if err := s.InstallMemTable([]gpa.Region{{GPAStart: base, GPAEnd: base + uint64(len(guestMem)), Host: guestMem}}); err != nil {
		t.Fatalf("install mem table: %v", err)
	}
	ringMem := guestMem[:sz]
	if err := s.SetQueueCtx(0, control.QueueDirTX, base, ringMem, numSlots); err != nil {
		t.Fatalf("set queue ctx: %v", err)
	}
	tr, ok := s.TXQueue(0)
	if !ok {
		t.Fatalf("tx queue 0 not attached")
	}
	sc, ok := tr.(*sring.Context)
	if !ok {
		t.Fatalf("expected *sring.Context, got %T", tr)
	}
	s.EnableTX()
	s.SetRunning(true)
	return s, sc, base
}

func newTestLoop(mgr *session.Manager, port api.EgressPort, poolCapacity int) *Loop {
	drr := sched.NewDRR(flowParams())
	metrics := control.NewMetricsRegistry()
	return NewLoop(mgr, port, drr, metrics, Config{
		MarkSource:    api.MarkNone,
		PerRingBudget: 8,
		BatchLimit:    8,
		NSPerByte:     0,
		PoolCapacity:  poolCapacity,
	})
}

func TestIterateSendsAndReleasesDescriptor(t *testing.T) {
	mgr := session.NewManager(4)
	s, sc, base := newTxGuest(t, mgr, 8)

	sc.PublishForTest(base, 64, 11, 0)

	sink := egress.NewSink(false)
	l := newTestLoop(mgr, sink, 16)
	l.iterate()

	if sc.TxAcquireCursorForTest() == 0 {
		t.Fatalf("expected descriptor to have been acquired")
	}
	snap := l.metrics.GetSnapshot()
	if v, _ := snap["tx_bytes"].(int64); v != 64 {
		t.Fatalf("tx_bytes = %v, want 64", snap["tx_bytes"])
	}
	if v, _ := snap["tx_dequeued"].(int64); v != 1 {
		t.Fatalf("tx_dequeued = %v, want 1", snap["tx_dequeued"])
	}
	if sc.ConsForTest() != 1 {
		t.Fatalf("cons = %d, want 1 (descriptor released)", sc.ConsForTest())
	}
	_ = s
}

func TestIterateDropsOnPoolExhaustion(t *testing.T) {
	mgr := session.NewManager(4)
	_, sc, base := newTxGuest(t, mgr, 8)

	sc.PublishForTest(base+0, 64, 1, 0)
	sc.PublishForTest(base+64, 64, 2, 0)

	sink := egress.NewSink(false)
	// Pool rounds up to 1 entry: only one of the two descriptors can be
	// handed a PacketHandle in this iteration.
	l := newTestLoop(mgr, sink, 1)
	l.iterate()

	snap := l.metrics.GetSnapshot()
	if v, _ := snap["tx_drops_pool_exhausted"].(int64); v != 1 {
		t.Fatalf("tx_drops_pool_exhausted = %v, want 1", snap["tx_drops_pool_exhausted"])
	}
}

type flakyPort struct {
	refuseFirst bool
	sent        int
}

func (p *flakyPort) Send(iovs [][]byte) (int, bool, error) {
	if p.refuseFirst {
		p.refuseFirst = false
		return 0, false, nil
	}
	n := 0
	for _, iov := range iovs {
		n += len(iov)
	}
	p.sent += n
	return n, true, nil
}

func (p *flakyPort) Recv(iovs [][]byte) (int, bool, error) { return 0, false, nil }
func (p *flakyPort) VNetHdrLen() int                        { return 0 }
func (p *flakyPort) Close() error                           { return nil }

var _ api.EgressPort = (*flakyPort)(nil)

func TestIterateRetriesPendingSendOnEAGAIN(t *testing.T) {
	mgr := session.NewManager(4)
	_, sc, base := newTxGuest(t, mgr, 8)
	sc.PublishForTest(base, 128, 3, 0)

	port := &flakyPort{refuseFirst: true}
	l := newTestLoop(mgr, port, 16)

	l.iterate()
	if l.pendingSend == nil {
		t.Fatalf("expected a pending send held across EAGAIN")
	}
	if sc.ConsForTest() != 0 {
		t.Fatalf("descriptor must not be released while send is pending")
	}

	l.iterate()
	if l.pendingSend != nil {
		t.Fatalf("pending send should have drained once the port accepted it")
	}
	if port.sent != 128 {
		t.Fatalf("port.sent = %d, want 128", port.sent)
	}
	if sc.ConsForTest() != 1 {
		t.Fatalf("cons = %d, want 1 after retry succeeds", sc.ConsForTest())
	}
}

func TestIterateSkipsHaltedGuests(t *testing.T) {
	mgr := session.NewManager(4)
	s, sc, base := newTxGuest(t, mgr, 8)
	s.SetRunning(false)
	sc.PublishForTest(base, 64, 4, 0)

	sink := egress.NewSink(false)
	l := newTestLoop(mgr, sink, 16)
	l.iterate()

	if sc.ConsForTest() != 0 {
		t.Fatalf("a non-running guest's queues must not be touched")
	}
}
