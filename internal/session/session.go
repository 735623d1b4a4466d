// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// GuestSession: per-hypervisor-socket state. Mutated by the control
// goroutine (the memory table, parameters and queue contexts only while
// running==false); the engine worker reads it through accessors that
// take the session's RWMutex.

package session

import (
	"fmt"
	"sync"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/gpa"
	"github.com/pvnet/hvbackend/internal/ring"
	"github.com/pvnet/hvbackend/internal/ring/packed"
	"github.com/pvnet/hvbackend/internal/ring/sring"
)

// queueSlot is one guest queue (either direction): its ring transport,
// the GPA the guest published for it, and the kick/irq eventfds the
// control plane installed via SET_QUEUE_KICK/SET_QUEUE_IRQ.
type queueSlot struct {
	transport api.RingTransport
	gpa       uint64
	kickFD    int
	irqFD     int
}

func (q *queueSlot) detached() bool { return q.transport == nil }

// GuestSession holds everything the Component Design's Guest Session
// Manager ascribes to one guest connection: the memory table, the
// negotiated feature bitmap, one ring transport per queue per
// direction, kick/irq/upgrade event handles, and the
// running/rxEnabled/txEnabled flags.
type GuestSession struct {
	mu sync.RWMutex

	id int // slab index; doubles as api.PacketHandle.GuestRef

	memTable *gpa.Table
	features api.FeatureBitmap

	numRXBufs uint32
	numTXBufs uint32

	rxQueues []queueSlot
	txQueues []queueSlot

	upgradeFD int

	// mappedBases holds the mmap base (pre-mmap_offset) of every region
	// in the currently installed memory table, so a later SET_MEM_TABLE
	// or session teardown can munmap the real base instead of the
	// offset-applied slice handed out for translation.
	mappedBases [][]byte

	running   bool
	rxEnabled bool
	txEnabled bool

	onActivation func(active bool)

	diag contextStore
	done chan struct{}
	once sync.Once
}

func newGuestSession(id int) *GuestSession {
	return &GuestSession{
		id:       id,
		memTable: gpa.NewTable(),
		diag:     *newContextStore(),
		done:     make(chan struct{}),
	}
}

// Diag exposes the session's request-scoped diagnostic store (last
// error, negotiated program name, ...) to debug probes.
func (s *GuestSession) Diag() *contextStore { return &s.diag }

// ID returns the slab index this session occupies.
func (s *GuestSession) ID() int { return s.id }

// Cancel tears the session down; idempotent.
func (s *GuestSession) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// Done reports session teardown.
func (s *GuestSession) Done() <-chan struct{} { return s.done }

// newTransport picks sring or packed per the negotiated feature bit
// (api.FeatureRingPacked), per SPEC_FULL.md's supplemented ring-family
// selection flag.
func (s *GuestSession) newTransport(dir ring.Direction) api.RingTransport {
	if s.features.Has(api.FeatureRingPacked) {
		return packed.New(dir)
	}
	return sring.New(dir)
}

// SetFeatures negotiates the guest's requested bitmap against Supported
// and stores the result; called only while !running.
func (s *GuestSession) SetFeatures(requested api.FeatureBitmap) api.FeatureBitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = s.features.Negotiate(requested)
	return s.features
}

// Features returns the currently negotiated bitmap (GET_FEATURES).
func (s *GuestSession) Features() api.FeatureBitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features
}

// SetParameters sizes the per-direction queue slabs. num_bufs must be a
// power of two in [16, 8192] per spec.md §6; ring transports are
// (re)allocated lazily by SetQueueCtx once a GPA is published.
func (s *GuestSession) SetParameters(numRXQueues, numTXQueues, numRXBufs, numTXBufs uint32) error {
	if !isValidBufCount(numRXBufs) || !isValidBufCount(numTXBufs) {
		return fmt.Errorf("session: num_bufs must be a power of two in [16,8192]: rx=%d tx=%d", numRXBufs, numTXBufs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session: cannot SET_PARAMETERS while running")
	}
	s.numRXBufs = numRXBufs
	s.numTXBufs = numTXBufs
	s.rxQueues = make([]queueSlot, numRXQueues)
	s.txQueues = make([]queueSlot, numTXQueues)
	return nil
}

func isValidBufCount(n uint32) bool {
	return n >= 16 && n <= 8192 && n&(n-1) == 0
}

// InstallMemTable replaces the guest's memory table. The caller (the
// control-socket handler) has already mmap'd each region's fd; Table
// never touches mmap itself.
func (s *GuestSession) InstallMemTable(regions []gpa.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session: cannot SET_MEM_TABLE while running")
	}
	return s.memTable.Install(regions)
}

// MemTable exposes the installed translator for the engine's read path.
func (s *GuestSession) MemTable() *gpa.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memTable
}

// swapMappedBases installs bases as the mmap bases backing the current
// memory table and returns the previous set, so the caller can unmap the
// old regions only once the new table has installed successfully.
func (s *GuestSession) swapMappedBases(bases [][]byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.mappedBases
	s.mappedBases = bases
	return old
}

// takeMappedBases clears and returns the currently installed mmap bases,
// used by closeFDs to unmap the final table on session teardown.
func (s *GuestSession) takeMappedBases() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	bases := s.mappedBases
	s.mappedBases = nil
	return bases
}

// queues returns the slot slice for a direction.
func (s *GuestSession) queues(dir control.QueueDirection) []queueSlot {
	if dir == control.QueueDirRX {
		return s.rxQueues
	}
	return s.txQueues
}

// SetQueueCtx attaches or detaches (gpa==0) the ring transport backing
// queueIdx/direction. mem is the host-visible slice the queue's
// descriptor ring lives in, already resolved by the caller via the
// memory table.
func (s *GuestSession) SetQueueCtx(queueIdx uint32, dir control.QueueDirection, gpaAddr uint64, mem []byte, numSlots uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session: cannot SET_QUEUE_CTX while running")
	}
	slots := s.queues(dir)
	if int(queueIdx) >= len(slots) {
		return fmt.Errorf("session: queue index %d out of range (have %d)", queueIdx, len(slots))
	}
	slot := &slots[queueIdx]
	if gpaAddr == 0 {
		*slot = queueSlot{}
		return nil
	}
	rd := ring.DirTX
	if dir == control.QueueDirRX {
		rd = ring.DirRX
	}
	t := s.newTransport(rd)
	if err := t.Init(mem, numSlots); err != nil {
		return fmt.Errorf("session: queue %d init: %w", queueIdx, err)
	}
	if err := t.SelfTest(); err != nil {
		return fmt.Errorf("session: queue %d self-test: %w", queueIdx, err)
	}
	slot.transport = t
	slot.gpa = gpaAddr
	return nil
}

// SetQueueFD installs a kick (direction RX: guest->engine available
// notification; TX: guest->engine new descriptors) or irq eventfd.
func (s *GuestSession) SetQueueFD(queueIdx uint32, dir control.QueueDirection, isKick bool, fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.queues(dir)
	if int(queueIdx) >= len(slots) {
		return fmt.Errorf("session: queue index %d out of range (have %d)", queueIdx, len(slots))
	}
	slot := &slots[queueIdx]
	if isKick {
		slot.kickFD = fd
	} else {
		slot.irqFD = fd
	}
	return nil
}

// SetUpgradeFD installs the eventfd used for SET_UPGRADE notifications.
func (s *GuestSession) SetUpgradeFD(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgradeFD = fd
}

// EnableRX / EnableTX / DisableRX / DisableTX implement the idempotent
// RX_ENABLE/TX_ENABLE/RX_DISABLE/TX_DISABLE request kinds. Per spec.md
// §6 these carry no queue index; they gate the whole session's RX or TX
// direction, mirrored by the engine loop's per-guest per-direction scan.
// Each call also folds into the session's running flag: a session
// becomes live the moment either direction is enabled, and goes back to
// idle once both are disabled, driving the Manager's activation hook
// (and so the engine worker's start/halt threshold) off the same edge.
func (s *GuestSession) EnableRX()  { s.setFlag(&s.rxEnabled, true); s.refreshActivation() }
func (s *GuestSession) DisableRX() { s.setFlag(&s.rxEnabled, false); s.refreshActivation() }
func (s *GuestSession) EnableTX()  { s.setFlag(&s.txEnabled, true); s.refreshActivation() }
func (s *GuestSession) DisableTX() { s.setFlag(&s.txEnabled, false); s.refreshActivation() }

func (s *GuestSession) setFlag(flag *bool, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*flag = v
}

func (s *GuestSession) refreshActivation() {
	s.mu.Lock()
	active := s.rxEnabled || s.txEnabled
	s.running = active
	hook := s.onActivation
	s.mu.Unlock()
	if hook != nil {
		hook(active)
	}
}

// RXEnabled / TXEnabled / Running are read by the engine loop each
// iteration (busy-wait pacing, no lock on this hot path is taken beyond
// the RLock, matching the "approximate, volatile read" stats policy).
func (s *GuestSession) RXEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rxEnabled
}

func (s *GuestSession) TXEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txEnabled
}

func (s *GuestSession) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// SetRunning sets the running flag directly: it leaves rxEnabled and
// txEnabled as they are and does not call the activation hook (the
// Enable/Disable methods are the path that does).
func (s *GuestSession) SetRunning(v bool) { s.setFlag(&s.running, v) }

// RXQueue / TXQueue expose a queue's ring transport to the engine loop
// by index; ok is false if the queue is unconfigured or detached.
func (s *GuestSession) RXQueue(idx int) (api.RingTransport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.rxQueues) || s.rxQueues[idx].detached() {
		return nil, false
	}
	return s.rxQueues[idx].transport, true
}

func (s *GuestSession) TXQueue(idx int) (api.RingTransport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.txQueues) || s.txQueues[idx].detached() {
		return nil, false
	}
	return s.txQueues[idx].transport, true
}

// NumRXQueues / NumTXQueues report the configured queue counts.
func (s *GuestSession) NumRXQueues() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rxQueues)
}

func (s *GuestSession) NumTXQueues() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txQueues)
}

// IRQFD returns the irq eventfd for a queue, or -1 if none installed.
func (s *GuestSession) IRQFD(idx int, dir control.QueueDirection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slots := s.queues(dir)
	if idx < 0 || idx >= len(slots) {
		return -1
	}
	if fd := slots[idx].irqFD; fd != 0 {
		return fd
	}
	return -1
}
