// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/corelattice/kernel/pkg/ipc"
	"github.com/corelattice/kernel/pkg/telemetry/metrics"
)

// IPCCollector polls pkg/ipc.Manager for live channel, semaphore, and
// shared-memory region counts.
type IPCCollector struct {
	BaseCollector

	manager *ipc.Manager
	metrics *metrics.Metrics
}

// NewIPCCollector constructs an IPCCollector.
func NewIPCCollector(m *ipc.Manager, met *metrics.Metrics, logger logr.Logger) *IPCCollector {
	return &IPCCollector{
		BaseCollector: NewBaseCollector(SourceIPC, "ipc", CollectorCapabilities{SupportsOneShot: true}, logger),
		manager:       m,
		metrics:       met,
	}
}

// Collect polls current channel/semaphore/region counts.
func (c *IPCCollector) Collect(_ context.Context) error {
	c.metrics.IPCChannels.Set(float64(c.manager.ChannelCount()))
	c.metrics.IPCSemaphores.Set(float64(c.manager.SemaphoreCount()))
	c.metrics.IPCRegions.Set(float64(c.manager.RegionCount()))
	return nil
}
