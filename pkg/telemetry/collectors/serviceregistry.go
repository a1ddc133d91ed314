// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/corelattice/kernel/pkg/registry"
	"github.com/corelattice/kernel/pkg/telemetry/metrics"
)

// ServiceRegistryCollector polls pkg/registry.Registry for which service
// kinds are currently registered and running.
type ServiceRegistryCollector struct {
	BaseCollector

	registry *registry.Registry
	metrics  *metrics.Metrics
	seen     map[string]bool
}

// NewServiceRegistryCollector constructs a ServiceRegistryCollector.
func NewServiceRegistryCollector(r *registry.Registry, m *metrics.Metrics, logger logr.Logger) *ServiceRegistryCollector {
	return &ServiceRegistryCollector{
		BaseCollector: NewBaseCollector(SourceRegistry, "registry", CollectorCapabilities{SupportsOneShot: true}, logger),
		registry:      r,
		metrics:       m,
		seen:          make(map[string]bool),
	}
}

// Collect polls the set of running service kinds. Any kind previously
// reported running that has since stopped is set back to 0 rather than
// left stale at 1.
func (c *ServiceRegistryCollector) Collect(_ context.Context) error {
	running := make(map[string]bool)
	for _, kind := range c.registry.RunningServices() {
		running[string(kind)] = true
	}

	for kind := range c.seen {
		if !running[kind] {
			c.metrics.SetServiceRunning(kind, false)
		}
	}
	for kind := range running {
		c.metrics.SetServiceRunning(kind, true)
	}
	c.seen = running
	return nil
}
