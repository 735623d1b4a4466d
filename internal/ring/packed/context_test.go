package packed

import (
	"testing"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/gpa"
	"github.com/pvnet/hvbackend/internal/ring"
)

func newTestTable(t *testing.T, size int) (*gpa.Table, uint64) {
	t.Helper()
	host := make([]byte, size)
	tbl := gpa.NewTable()
	if err := tbl.Install([]gpa.Region{{GPAStart: 0x20000, GPAEnd: 0x20000 + uint64(size), Host: host}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	return tbl, 0x20000
}

func TestSelfTestAlignment(t *testing.T) {
	c := New(ring.DirTX)
	if err := c.SelfTest(); err != nil {
		t.Fatalf("self test: %v", err)
	}
}

func TestTxAcquireInOrder(t *testing.T) {
	tbl, base := newTestTable(t, 4096)
	c := New(ring.DirTX)
	mem := make([]byte, c.Size(8))
	if err := c.Init(mem, 8); err != nil {
		t.Fatalf("init: %v", err)
	}
	c.PublishForTest(base+0, 64, 0, 0)
	c.PublishForTest(base+64, 64, 1, 0)
	c.PublishForTest(base+128, 64, 2, 0)

	descs, invalid, err := c.TxAcquire(tbl, 8)
	if err != nil || invalid != 0 || len(descs) != 3 {
		t.Fatalf("acquire: descs=%d invalid=%d err=%v", len(descs), invalid, err)
	}
	if c.pendingInUse != 3 {
		t.Fatalf("expected 3 pending, got %d", c.pendingInUse)
	}
}

func TestTxReleaseOutOfOrderSwap(t *testing.T) {
	tbl, base := newTestTable(t, 4096)
	c := New(ring.DirTX)
	mem := make([]byte, c.Size(8))
	if err := c.Init(mem, 8); err != nil {
		t.Fatalf("init: %v", err)
	}
	c.PublishForTest(base+0, 64, 0, 0)
	c.PublishForTest(base+64, 64, 1, 0)
	c.PublishForTest(base+128, 64, 2, 0)

	descs, _, err := c.TxAcquire(tbl, 8)
	if err != nil || len(descs) != 3 {
		t.Fatalf("acquire: %v descs=%d", err, len(descs))
	}

	// Release buffer id 2 first, while 0 and 1 are still outstanding. The
	// used cursor sits at slot 0, so this must trigger a swap between
	// slot 0 (buffer 0, still outstanding) and slot 2 (buffer 2).
	if err := c.TxRelease(2); err != nil {
		t.Fatalf("release 2: %v", err)
	}
	if c.pendingInUse != 2 {
		t.Fatalf("expected 2 pending after first release, got %d", c.pendingInUse)
	}
	if c.nextUsedIdx != 1 {
		t.Fatalf("expected used cursor to advance to 1, got %d", c.nextUsedIdx)
	}
	// Buffer 0 must still be resolvable via hv_map after the swap.
	if c.hvMap[0] == 0 {
		t.Fatalf("expected buffer 0 relocated off slot 0 after swap, hvMap[0]=%d", c.hvMap[0])
	}

	if err := c.TxRelease(0); err != nil {
		t.Fatalf("release 0: %v", err)
	}
	if err := c.TxRelease(1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	if c.pendingInUse != 0 {
		t.Fatalf("expected 0 pending after draining all releases, got %d", c.pendingInUse)
	}
}

func TestTxReleaseRejectsUnknownOrOverdrained(t *testing.T) {
	c := New(ring.DirTX)
	mem := make([]byte, c.Size(8))
	if err := c.Init(mem, 8); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.TxRelease(0); err == nil {
		t.Fatalf("expected error releasing with nothing pending")
	}
}

func TestKickSuppressionDoubleCheck(t *testing.T) {
	tbl, base := newTestTable(t, 4096)
	c := New(ring.DirTX)
	mem := make([]byte, c.Size(8))
	if err := c.Init(mem, 8); err != nil {
		t.Fatalf("init: %v", err)
	}
	if hasWork := c.DisableKicks(); hasWork {
		t.Fatalf("expected no work before any publish")
	}
	c.PublishForTest(base+0, 64, 0, 0)
	if hasWork := c.DisableKicks(); !hasWork {
		t.Fatalf("expected double-check to observe the new publish")
	}
	descs, _, err := c.TxAcquire(tbl, 8)
	if err != nil || len(descs) != 1 {
		t.Fatalf("acquire: %v descs=%d", err, len(descs))
	}
	c.EnableKicks()
	if c.kickEnabled.Load() != 1 {
		t.Fatalf("expected kicks re-enabled")
	}
}

type fakePort struct {
	toRecv [][]byte
}

func (p *fakePort) Send(iovs [][]byte) (int, bool, error) { return 0, true, nil }
func (p *fakePort) Recv(iovs [][]byte) (int, bool, error) {
	if len(p.toRecv) == 0 {
		return 0, false, nil
	}
	frame := p.toRecv[0]
	p.toRecv = p.toRecv[1:]
	n := copy(iovs[0], frame)
	return n, true, nil
}
func (p *fakePort) VNetHdrLen() int { return 0 }
func (p *fakePort) Close() error    { return nil }

func TestRxPushFillsDescriptors(t *testing.T) {
	tbl, base := newTestTable(t, 4096)
	c := New(ring.DirRX)
	mem := make([]byte, c.Size(8))
	if err := c.Init(mem, 8); err != nil {
		t.Fatalf("init: %v", err)
	}
	c.PublishForTest(base+0, 128, 0, 0)
	c.PublishForTest(base+128, 128, 1, 0)

	port := &fakePort{toRecv: [][]byte{[]byte("hello"), []byte("world!")}}
	pushed, _, err := c.RxPush(port, tbl, 8)
	if err != nil {
		t.Fatalf("rxpush: %v", err)
	}
	if pushed != 2 {
		t.Fatalf("expected 2 pushed, got %d", pushed)
	}
	if c.nextUsedIdx != 2 {
		t.Fatalf("expected used cursor at 2, got %d", c.nextUsedIdx)
	}
}

func TestWrapAroundTogglesPolarity(t *testing.T) {
	tbl, base := newTestTable(t, 4096)
	c := New(ring.DirTX)
	mem := make([]byte, c.Size(4))
	if err := c.Init(mem, 4); err != nil {
		t.Fatalf("init: %v", err)
	}
	for lap := 0; lap < 2; lap++ {
		for i := 0; i < 4; i++ {
			c.PublishForTest(base+uint64(i)*64, 64, uint16(i), 0)
		}
		descs, invalid, err := c.TxAcquire(tbl, 4)
		if err != nil || invalid != 0 || len(descs) != 4 {
			t.Fatalf("lap %d acquire: descs=%d invalid=%d err=%v", lap, len(descs), invalid, err)
		}
		for _, d := range descs {
			if err := c.TxRelease(d.ReleaseKey); err != nil {
				t.Fatalf("lap %d release %d: %v", lap, d.ReleaseKey, err)
			}
		}
	}
	if c.availWrapCounter != c.guestAvailWrapCounter {
		t.Fatalf("engine and guest avail wrap counters diverged: engine=%d guest=%d", c.availWrapCounter, c.guestAvailWrapCounter)
	}
}

var _ api.RingTransport = (*Context)(nil)
