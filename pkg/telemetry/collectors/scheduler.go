// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/corelattice/kernel/pkg/sched"
	"github.com/corelattice/kernel/pkg/telemetry/metrics"
)

// schedulerBands is the fixed set of bands polled on every tick; Idle is
// excluded, same as the scheduler's own ready-queue bookkeeping (spec §3:
// Idle is never populated in a Ready queue).
var schedulerBands = []sched.Band{sched.Realtime, sched.High, sched.Normal, sched.Low}

// SchedulerCollector polls pkg/sched.Scheduler for ready-queue depth per
// band and the cumulative context-switch count.
type SchedulerCollector struct {
	BaseCollector

	sched    *sched.Scheduler
	metrics  *metrics.Metrics
	lastSwitches uint64
}

// NewSchedulerCollector constructs a SchedulerCollector.
func NewSchedulerCollector(s *sched.Scheduler, m *metrics.Metrics, logger logr.Logger) *SchedulerCollector {
	return &SchedulerCollector{
		BaseCollector: NewBaseCollector(SourceScheduler, "scheduler", CollectorCapabilities{SupportsOneShot: true}, logger),
		sched:         s,
		metrics:       m,
	}
}

// Collect polls current ready-queue depths and the switch counter.
func (c *SchedulerCollector) Collect(_ context.Context) error {
	for _, band := range schedulerBands {
		c.metrics.ReadyQueueDepth.WithLabelValues(band.String()).Set(float64(c.sched.ReadyLen(band)))
	}

	switches := c.sched.Switches()
	if switches >= c.lastSwitches {
		c.metrics.AddContextSwitchDelta(switches - c.lastSwitches)
	}
	c.lastSwitches = switches
	return nil
}
