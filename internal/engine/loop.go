// File: internal/engine/loop.go
// Author: momentics <momentics@gmail.com>
//
// The worker goroutine: per-iteration algorithm unchanged from the
// component design's Engine Loop — ingress push, TX acquire/classify/
// enqueue, budget- and link-idle-paced dequeue/send/release, per-ring
// notify, optional idle sleep. Activation/deactivation follow the
// stopflag handshake from the concurrency model.

package engine

import (
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/affinity"
	"github.com/pvnet/hvbackend/internal/classify"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/session"
	"github.com/pvnet/hvbackend/pool"
)

const (
	stopRun uint32 = iota
	stopHalt
)

type touchKey struct {
	guestID int
	ringIdx int
}

// Loop is one worker's state: the Component Design's EngineLoopState
// (next_link_idle_tsc, sched_interval_tsc, sched_byte_budget_tsc_per_byte,
// batch_limit, stopflag) plus the collaborators it drives.
type Loop struct {
	sessions *session.Manager
	egress   api.EgressPort
	sched    api.Scheduler
	freelist *pool.RingBuffer[*api.PacketHandle]
	metrics  *control.MetricsRegistry

	markSource    api.MarkSource
	perRingBudget int
	batchLimit    atomic.Int64
	nsPerByte     int64
	idleSleep     time.Duration
	pinCPU        *int

	nextLinkIdleNanos int64
	pendingSend       *api.PacketHandle
	touched           map[touchKey]struct{}

	stopflag atomic.Uint32
	joined   chan struct{}
}

// Config bundles the tunables the control plane exposes via
// api.Control (batch_limit, quantum/weight live in sched.NewDRR,
// tsc_per_byte here as nsPerByte, the activation threshold in the
// owning Controller).
type Config struct {
	MarkSource    api.MarkSource
	PerRingBudget int
	BatchLimit    int
	NSPerByte     int64
	IdleSleep     time.Duration
	PoolCapacity  int

	// PinCPU, if non-nil, pins the worker's OS thread to this logical CPU
	// via sched_setaffinity, keeping ring polling on one NUMA node for
	// the life of a batch. Nil disables pinning.
	PinCPU *int
}

// NewLoop wires a worker over sessions, a single shared egress link,
// and a DRR scheduler sized to api.NumTrafficClasses flows.
func NewLoop(sessions *session.Manager, egress api.EgressPort, sched api.Scheduler, metrics *control.MetricsRegistry, cfg Config) *Loop {
	capacity := nextPow2(cfg.PoolCapacity)
	fl := pool.NewRingBuffer[*api.PacketHandle](uint64(capacity))
	handles := make([]api.PacketHandle, capacity)
	for i := range handles {
		fl.Enqueue(&handles[i])
	}
	l := &Loop{
		sessions:      sessions,
		egress:        egress,
		sched:         sched,
		freelist:      fl,
		metrics:       metrics,
		markSource:    cfg.MarkSource,
		perRingBudget: cfg.PerRingBudget,
		nsPerByte:     cfg.NSPerByte,
		idleSleep:     cfg.IdleSleep,
		pinCPU:        cfg.PinCPU,
		touched:       make(map[touchKey]struct{}),
		joined:        make(chan struct{}),
	}
	l.batchLimit.Store(int64(cfg.BatchLimit))
	return l
}

// SetBatchLimit updates the per-iteration dequeue budget live. Safe to
// call from any goroutine, including a config-reload callback running
// concurrently with the worker's own iterate() loop.
func (l *Loop) SetBatchLimit(n int) {
	l.batchLimit.Store(int64(n))
}

// Start launches the worker goroutine, (re)arming the stop/join
// handshake so a Loop can be activated, halted, and reactivated across
// the lifetime of a batch.
func (l *Loop) Start() {
	l.stopflag.Store(stopRun)
	l.joined = make(chan struct{})
	go l.run()
}

func (l *Loop) run() {
	defer close(l.joined)
	if l.pinCPU != nil {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.SetAffinity(*l.pinCPU); err != nil {
			log.Printf("engine: pin worker to cpu %d: %v", *l.pinCPU, err)
		}
	}
	for l.stopflag.Load() != stopHalt {
		l.iterate()
	}
}

// Halt signals stopflag=HALT with a release fence (atomic store already
// provides that) and blocks until the worker goroutine has returned.
func (l *Loop) Halt() {
	l.stopflag.Store(stopHalt)
	<-l.joined
}

func (l *Loop) iterate() {
	now := nowNanos()

	l.sessions.Range(func(s *session.GuestSession) {
		if !s.Running() {
			return
		}
		if s.RXEnabled() {
			l.ingress(s)
		}
		if s.TXEnabled() {
			l.acquireTX(s)
		}
	})

	ndeq := 0
	batchLimit := int(l.batchLimit.Load())
	for now >= l.nextLinkIdleNanos && ndeq < batchLimit {
		h := l.pendingSend
		if h == nil {
			h = l.sched.Dequeue()
			if h == nil {
				break
			}
		}
		sent, ok := l.trySend(h)
		if !ok {
			l.pendingSend = h
			break
		}
		l.pendingSend = nil
		l.nextLinkIdleNanos += int64(sent) * l.nsPerByte
		ndeq++
	}

	for k := range l.touched {
		l.notifyRing(k)
		delete(l.touched, k)
	}

	if l.idleSleep > 0 {
		time.Sleep(l.idleSleep)
	}
}

// ingress pushes available inbound frames from the shared egress link
// into each of the guest's RX rings; unscheduled (direct push), per the
// Non-goal excluding RX-side DRR scheduling.
func (l *Loop) ingress(s *session.GuestSession) {
	for i := 0; i < s.NumRXQueues(); i++ {
		rx, ok := s.RXQueue(i)
		if !ok {
			continue
		}
		pushed, irqNeeded, err := rx.RxPush(l.egress, s.MemTable(), l.perRingBudget)
		if err != nil {
			log.Printf("engine: guest %d rx queue %d: %v", s.ID(), i, err)
			continue
		}
		if pushed > 0 {
			l.metrics.Add("rx_pushed", int64(pushed))
		}
		if irqNeeded {
			l.signalIRQ(s, i, control.QueueDirRX)
		}
	}
}

// acquireTX collects available TX descriptors from every configured
// queue, classifies them, and enqueues to the scheduler; a descriptor
// that cannot be enqueued is released back to the guest immediately,
// per the error handling design's scheduler-drop rule.
func (l *Loop) acquireTX(s *session.GuestSession) {
	for i := 0; i < s.NumTXQueues(); i++ {
		tx, ok := s.TXQueue(i)
		if !ok {
			continue
		}
		descs, invalid, err := tx.TxAcquire(s.MemTable(), l.perRingBudget)
		if err != nil {
			log.Printf("engine: guest %d tx queue %d acquire: %v", s.ID(), i, err)
			continue
		}
		if invalid > 0 {
			l.metrics.Add("tx_invalid_descriptors", int64(invalid))
		}
		for _, d := range descs {
			l.enqueueDescriptor(s, tx, i, d)
		}
	}
}

func (l *Loop) enqueueDescriptor(s *session.GuestSession, tx api.RingTransport, ringIdx int, d api.RingDescriptor) {
	h, ok := l.freelist.Dequeue()
	if !ok {
		if err := tx.TxRelease(d.ReleaseKey); err != nil {
			log.Printf("engine: guest %d release on pool exhaustion: %v", s.ID(), err)
		}
		l.metrics.Add("tx_drops_pool_exhausted", 1)
		return
	}
	*h = api.PacketHandle{
		Iov:      d.Host,
		GuestRef: s.ID(),
		RingRef:  ringIdx,
		OpaqueID: d.ReleaseKey,
		FlowID:   uint32(l.classify(d)),
	}
	if err := l.sched.Enqueue(h); err != nil {
		if rerr := tx.TxRelease(d.ReleaseKey); rerr != nil {
			log.Printf("engine: guest %d release on scheduler drop: %v", s.ID(), rerr)
		}
		h.Iov = nil
		l.freelist.Enqueue(h)
		l.metrics.Add("tx_drops_scheduler", 1)
	}
}

func (l *Loop) classify(d api.RingDescriptor) api.TrafficClass {
	switch l.markSource {
	case api.MarkGuest:
		return api.TrafficClass(d.Mark)
	case api.MarkEngine:
		return classify.Mark(d.Host)
	default:
		return api.ClassDefault
	}
}

// trySend sends one packet to the shared egress link; on EAGAIN it
// reports ok=false without releasing the descriptor, so the caller
// retries it next iteration instead of dropping it.
func (l *Loop) trySend(h *api.PacketHandle) (sent int, ok bool) {
	n, canSend, err := l.egress.Send([][]byte{h.Iov})
	if err != nil {
		log.Printf("engine: egress send: %v", err)
		return 0, false
	}
	if !canSend {
		return 0, false
	}
	if s, found := l.sessions.Get(h.GuestRef); found {
		if tx, found := s.TXQueue(h.RingRef); found {
			if err := tx.TxRelease(h.OpaqueID); err != nil {
				log.Printf("engine: guest %d release on send: %v", h.GuestRef, err)
			}
			l.touched[touchKey{guestID: h.GuestRef, ringIdx: h.RingRef}] = struct{}{}
		}
	}
	l.metrics.Add("tx_bytes", int64(n))
	l.metrics.Add("tx_dequeued", 1)
	h.Iov = nil
	l.freelist.Enqueue(h)
	return n, true
}

func (l *Loop) notifyRing(k touchKey) {
	s, ok := l.sessions.Get(k.guestID)
	if !ok {
		return
	}
	tx, ok := s.TXQueue(k.ringIdx)
	if !ok {
		return
	}
	if tx.TxNotify() {
		l.signalIRQ(s, k.ringIdx, control.QueueDirTX)
	}
}

func (l *Loop) signalIRQ(s *session.GuestSession, queueIdx int, dir control.QueueDirection) {
	fd := s.IRQFD(queueIdx, dir)
	if fd < 0 {
		return
	}
	if err := signalEventFD(fd); err != nil {
		log.Printf("engine: guest %d signal irqfd: %v", s.ID(), err)
	}
}

func nextPow2(v int) int {
	if v <= 0 {
		return 1
	}
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}
