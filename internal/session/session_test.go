package session_test

import (
	"testing"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/ring"
	"github.com/pvnet/hvbackend/internal/ring/packed"
	"github.com/pvnet/hvbackend/internal/ring/sring"
	"github.com/pvnet/hvbackend/internal/session"
)

func TestManagerCreateGetDelete(t *testing.T) {
	m := session.NewManager(4)
	s, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := m.Get(s.ID()); !ok {
		t.Fatalf("expected to find created session")
	}
	m.Delete(s.ID())
	if _, ok := m.Get(s.ID()); ok {
		t.Fatalf("expected session gone after delete")
	}
}

func TestManagerCapacityExhausted(t *testing.T) {
	m := session.NewManager(2)
	if _, err := m.Create(); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := m.Create(); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if _, err := m.Create(); err == nil {
		t.Fatalf("expected capacity error on third create")
	}
}

func TestSetFeaturesNegotiatesAgainstSupported(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	requested := api.FeatureBitmap(api.FeatureSG | api.FeatureTXCsum | (1 << 20))
	got := s.SetFeatures(requested)
	if !got.Has(api.FeatureSG) || !got.Has(api.FeatureTXCsum) {
		t.Fatalf("expected supported bits retained, got %x", got)
	}
	if got.Has(1 << 20) {
		t.Fatalf("unsupported bit must not survive negotiation")
	}
	if s.Features() != got {
		t.Fatalf("Features() must reflect the negotiated result")
	}
}

func TestSetParametersRejectsNonPowerOfTwoBufCount(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	if err := s.SetParameters(1, 1, 100, 256); err == nil {
		t.Fatalf("expected rejection of non-power-of-two num_rx_bufs")
	}
	if err := s.SetParameters(1, 1, 8, 256); err == nil {
		t.Fatalf("expected rejection of num_rx_bufs below 16")
	}
	if err := s.SetParameters(1, 1, 256, 256); err != nil {
		t.Fatalf("expected valid parameters to be accepted: %v", err)
	}
	if s.NumRXQueues() != 1 || s.NumTXQueues() != 1 {
		t.Fatalf("expected queue slabs sized per SET_PARAMETERS")
	}
}

func TestSetQueueCtxAttachAndDetach(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	if err := s.SetParameters(1, 1, 256, 256); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	probe := sring.New(ring.DirTX)
	mem := make([]byte, probe.Size(256))
	if err := s.SetQueueCtx(0, control.QueueDirTX, 0x1000, mem, 256); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, ok := s.TXQueue(0); !ok {
		t.Fatalf("expected queue 0 attached")
	}
	if err := s.SetQueueCtx(0, control.QueueDirTX, 0, nil, 0); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, ok := s.TXQueue(0); ok {
		t.Fatalf("expected queue 0 detached after gpa=0")
	}
}

func TestSetQueueCtxRejectsOutOfRangeIndex(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	if err := s.SetParameters(1, 1, 16, 16); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	if err := s.SetQueueCtx(5, control.QueueDirRX, 0x1, make([]byte, 4096), 16); err == nil {
		t.Fatalf("expected out-of-range queue index rejected")
	}
}

func TestEnableDisableRXTXIdempotent(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	s.EnableRX()
	s.EnableRX()
	if !s.RXEnabled() {
		t.Fatalf("expected RX enabled")
	}
	s.DisableRX()
	s.DisableRX()
	if s.RXEnabled() {
		t.Fatalf("expected RX disabled")
	}
	s.EnableTX()
	if !s.TXEnabled() {
		t.Fatalf("expected TX enabled")
	}
}

func TestRingFamilySelectionFollowsFeatureBit(t *testing.T) {
	m := session.NewManager(1)
	s, _ := m.Create()
	s.SetFeatures(api.FeatureRingPacked)
	if err := s.SetParameters(1, 1, 16, 16); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	mem := make([]byte, 1<<16)
	if err := s.SetQueueCtx(0, control.QueueDirTX, 0x1000, mem, 16); err != nil {
		t.Fatalf("attach: %v", err)
	}
	tr, ok := s.TXQueue(0)
	if !ok {
		t.Fatalf("expected queue attached")
	}
	if _, isPacked := tr.(*packed.Context); !isPacked {
		t.Fatalf("expected packed transport with FeatureRingPacked negotiated, got %T", tr)
	}
	if err := tr.SelfTest(); err != nil {
		t.Fatalf("self-test: %v", err)
	}
}
