// File: internal/control/control.go
// Author: momentics <momentics@gmail.com>
//
// Wires ConfigStore and MetricsRegistry into a single api.Control facade
// handed out to sessions and the engine.

package control

import "github.com/pvnet/hvbackend/api"

// Facade implements api.Control over a ConfigStore and MetricsRegistry.
type Facade struct {
	cfg     *ConfigStore
	metrics *MetricsRegistry
}

func NewFacade() *Facade {
	return &Facade{
		cfg:     NewConfigStore(),
		metrics: NewMetricsRegistry(),
	}
}

func (f *Facade) GetConfig() map[string]any { return f.cfg.GetSnapshot() }

func (f *Facade) SetConfig(cfg map[string]any) error { return f.cfg.SetConfig(cfg) }

func (f *Facade) Stats() map[string]any { return f.metrics.GetSnapshot() }

func (f *Facade) OnReload(fn func()) { f.cfg.OnReload(fn) }

// Metrics exposes the underlying registry for direct Set/Add calls from
// the engine's hot path, avoiding a map-based Stats() round trip there.
func (f *Facade) Metrics() *MetricsRegistry { return f.metrics }

var _ api.Control = (*Facade)(nil)
