// File: api/control.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration, statistics and hot-reload contract, unchanged
// in shape from the ambient control surface the rest of the stack uses.

package api

// Control exposes configuration, live metrics and reload notification
// for the engine, scheduler and ring transports.
type Control interface {
	// GetConfig returns a snapshot of all configuration settings.
	GetConfig() map[string]any

	// SetConfig atomically merges new values and dispatches reload.
	SetConfig(cfg map[string]any) error

	// Stats returns current aggregated runtime counters. Values are
	// approximate, read without synchronization, per the stats policy.
	Stats() map[string]any

	// OnReload registers a callback invoked (asynchronously) on
	// configuration changes.
	OnReload(fn func())
}
