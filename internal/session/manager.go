// File: internal/session/manager.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Manager slab-allocates GuestSessions: the Component Design names it
// as the single owned value threaded through the control and worker
// paths (replacing the teacher's global BpfhvBackendProcess-style
// mutable state). Free slab indices are drawn from the teacher's
// lock-free pool.RingBuffer so GuestRef assignment never takes a lock
// on the engine's read path, only on session creation/teardown.

package session

import (
	"fmt"
	"sync"

	"github.com/pvnet/hvbackend/pool"
)

// Manager owns the fixed-capacity slab of guest sessions. Capacity is
// bounded at construction: a hypervisor control socket accepts a small,
// known number of concurrent guests, never an unbounded connection pool.
//
// slots is written by Create/Delete from each connection's own goroutine
// and read by Range from the engine worker goroutine once a guest's
// activation trips the Controller's threshold, so every access goes
// through mu — unlike freeIDs, which stays lock-free since it is only
// ever touched from connection goroutines.
type Manager struct {
	mu      sync.RWMutex
	slots   []*GuestSession
	freeIDs *pool.RingBuffer[int]

	activationHook func(guestID int, active bool)
}

// SetActivationHook registers fn to be called whenever a session's
// combined RX/TX activation state changes (see GuestSession.EnableRX
// etc.), letting the engine's activation-threshold Controller track
// guests without this package importing it.
func (m *Manager) SetActivationHook(fn func(guestID int, active bool)) {
	m.activationHook = fn
}

// NewManager constructs a manager with room for maxSessions guests.
func NewManager(maxSessions int) *Manager {
	cap := nextPowerOfTwo(uint32(maxSessions))
	free := pool.NewRingBuffer[int](uint64(cap))
	for i := 0; i < maxSessions; i++ {
		free.Enqueue(i)
	}
	return &Manager{
		slots:   make([]*GuestSession, maxSessions),
		freeIDs: free,
	}
}

// Create allocates a new GuestSession, or an error if the slab is full.
func (m *Manager) Create() (*GuestSession, error) {
	id, ok := m.freeIDs.Dequeue()
	if !ok {
		return nil, fmt.Errorf("session: manager at capacity (%d)", len(m.slots))
	}
	s := newGuestSession(id)
	if m.activationHook != nil {
		s.onActivation = func(active bool) { m.activationHook(id, active) }
	}
	m.mu.Lock()
	m.slots[id] = s
	m.mu.Unlock()
	return s, nil
}

// Get fetches a session by slab index.
func (m *Manager) Get(id int) (*GuestSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 || id >= len(m.slots) {
		return nil, false
	}
	s := m.slots[id]
	return s, s != nil
}

// Delete cancels and frees a session's slab slot.
func (m *Manager) Delete(id int) {
	m.mu.Lock()
	if id < 0 || id >= len(m.slots) {
		m.mu.Unlock()
		return
	}
	s := m.slots[id]
	m.slots[id] = nil
	m.mu.Unlock()

	if s != nil {
		s.Cancel()
		if m.activationHook != nil && s.Running() {
			m.activationHook(id, false)
		}
	}
	m.freeIDs.Enqueue(id)
}

// Range applies fn to every live session. Used by the engine loop to
// walk guests once per iteration and by the stats/debug surface. The
// snapshot is taken under RLock and fn runs outside it, so a concurrent
// Create/Delete never blocks the engine's hot path on a session's own
// handling of fn.
func (m *Manager) Range(fn func(*GuestSession)) {
	m.mu.RLock()
	snapshot := make([]*GuestSession, len(m.slots))
	copy(snapshot, m.slots)
	m.mu.RUnlock()
	for _, s := range snapshot {
		if s != nil {
			fn(s)
		}
	}
}

func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
