// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/observability/events"
	"github.com/corelattice/kernel/pkg/telemetry/metrics"
)

func counterValue(t *testing.T, c prometheus.Collector, labels map[string]string) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var d dto.Metric
		require.NoError(t, m.Write(&d))
		if !labelsMatch(d.GetLabel(), labels) {
			continue
		}
		if d.Counter != nil {
			return d.Counter.GetValue()
		}
		if d.Gauge != nil {
			return d.Gauge.GetValue()
		}
	}
	t.Fatalf("no metric matched labels %v", labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(want) == 0 {
		return len(pairs) == 0
	}
	got := map[string]string{}
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestAddContextSwitchDeltaAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.AddContextSwitchDelta(3)
	m.AddContextSwitchDelta(4)

	assert.Equal(t, float64(7), counterValue(t, m.ContextSwitches, nil))
}

func TestSetServiceRunning(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SetServiceRunning("audio", true)
	assert.Equal(t, float64(1), counterValue(t, m.ServicesRunning, map[string]string{"kind": "audio"}))

	m.SetServiceRunning("audio", false)
	assert.Equal(t, float64(0), counterValue(t, m.ServicesRunning, map[string]string{"kind": "audio"}))
}

func TestSubscribeFoldsEventsIntoCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.NewBus(logr.Discard())
	defer bus.Close()

	go m.Subscribe(bus)

	bus.Publish(events.Event{Tag: events.KindCrash, CrashKind: "oom", Severity: "critical"})
	bus.Publish(events.Event{Tag: events.KindWatchdog, Subsystem: "scheduler", Action: "restart"})
	bus.Publish(events.Event{Tag: events.KindTraceCompleted, SpanCount: 4})
	bus.Publish(events.Event{Tag: events.KindHealthCheckFailed, ServiceKind: "network"})
	bus.Publish(events.Event{Tag: events.KindPermissionDenied, ServiceKind: "security"})

	require.Eventually(t, func() bool {
		return counterValue(t, m.CrashesTotal, map[string]string{"kind": "oom", "severity": "critical"}) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, m.WatchdogTriggersTotal, map[string]string{"subsystem": "scheduler", "action": "restart"}))
	assert.Equal(t, float64(1), counterValue(t, m.TraceCompletionsTotal, nil))
	assert.Equal(t, float64(1), counterValue(t, m.HealthCheckFailures, map[string]string{"kind": "network"}))
	assert.Equal(t, float64(1), counterValue(t, m.PermissionDenials, map[string]string{"kind": "security"}))
}
