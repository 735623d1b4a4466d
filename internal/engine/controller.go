// File: internal/engine/controller.go
// Author: momentics <momentics@gmail.com>
//
// Controller implements the Engine Loop's activation rule: the worker
// is not spawned until a configurable number of guests have joined a
// batch, and is halted (stopflag=HALT, release fence, join) once the
// batch drops back below that threshold.

package engine

import "sync"

// Controller gates a Loop's lifecycle on the set of guests that have
// enabled at least one direction.
type Controller struct {
	mu        sync.Mutex
	loop      *Loop
	threshold int
	active    map[int]struct{}
	running   bool
}

// NewController wraps loop with an activation threshold: the loop is
// started once len(active guests) reaches threshold, and halted again
// if it falls back below.
func NewController(loop *Loop, threshold int) *Controller {
	if threshold < 1 {
		threshold = 1
	}
	return &Controller{
		loop:      loop,
		threshold: threshold,
		active:    make(map[int]struct{}),
	}
}

// GuestJoined marks guestID as having joined the active batch (first
// RX_ENABLE or TX_ENABLE), activating the worker if the threshold is
// now met.
func (c *Controller) GuestJoined(guestID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[guestID] = struct{}{}
	if !c.running && len(c.active) >= c.threshold {
		c.running = true
		c.loop.Start()
	}
}

// GuestLeft removes guestID from the active batch (session teardown or
// both directions disabled), halting the worker if the batch falls
// below threshold.
func (c *Controller) GuestLeft(guestID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, guestID)
	if c.running && len(c.active) < c.threshold {
		c.running = false
		c.loop.Halt()
	}
}

// Running reports whether the worker is currently active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetThreshold updates the activation threshold live (e.g. from a
// config-reload hook), applying the new value against the current batch
// immediately: a lowered threshold may activate the worker right away,
// a raised one may halt it.
func (c *Controller) SetThreshold(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = n
	if !c.running && len(c.active) >= c.threshold {
		c.running = true
		c.loop.Start()
	} else if c.running && len(c.active) < c.threshold {
		c.running = false
		c.loop.Halt()
	}
}
