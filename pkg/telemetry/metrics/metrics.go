// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics exposes the kernel core's counters as prometheus.Collectors
// (ready-queue depth per band, context-switch count, IPC object counts,
// crash counts by kind and severity, trace completions and spans per
// finished trace, watchdog trigger counts, registry health-check and
// permission-denial counts), mirroring the shape of the teacher's
// controller-runtime metrics wiring without the HTTP server that came
// with it — that part is cmd/kernel's job. An active_traces gauge is
// also registered, but nothing in this module sets it, so it reads 0.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corelattice/kernel/pkg/observability/events"
)

const namespace = "kernel"

// Metrics bundles every prometheus.Collector the kernel core exposes.
// Gauges that mirror live subsystem state (ready-queue depth, IPC object
// counts) are set by pkg/telemetry/collectors on each poll; counters fed
// by the observability event stream (crashes, watchdog triggers, trace
// completions) are incremented directly by Subscribe.
type Metrics struct {
	ReadyQueueDepth *prometheus.GaugeVec
	ContextSwitches prometheus.Counter

	IPCChannels    prometheus.Gauge
	IPCSemaphores  prometheus.Gauge
	IPCRegions     prometheus.Gauge

	ServicesRunning *prometheus.GaugeVec

	CrashesTotal          *prometheus.CounterVec
	WatchdogTriggersTotal *prometheus.CounterVec
	TraceCompletionsTotal prometheus.Counter
	ActiveTraces          prometheus.Gauge
	SpansPerTrace         prometheus.Histogram
	HealthCheckFailures   *prometheus.CounterVec
	PermissionDenials     *prometheus.CounterVec
}

// New constructs a Metrics and registers every collector with reg. reg is
// typically a dedicated *prometheus.Registry rather than the global
// default, so cmd/kernel can expose it on its own /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadyQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ready_queue_depth",
			Help:      "Number of runnable threads waiting in a priority band's ready queue.",
		}, []string{"band"}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "context_switches_total",
			Help:      "Cumulative number of context switches performed.",
		}),
		IPCChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "channels",
			Help:      "Number of live IPC channels.",
		}),
		IPCSemaphores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "semaphores",
			Help:      "Number of live semaphores.",
		}),
		IPCRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "shared_regions",
			Help:      "Number of live shared-memory regions.",
		}),
		ServicesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "service_running",
			Help:      "1 if the service kind is currently registered and running, else 0.",
		}, []string{"kind"}),
		CrashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observability",
			Name:      "crashes_total",
			Help:      "Cumulative crash reports by kind and severity.",
		}, []string{"kind", "severity"}),
		WatchdogTriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observability",
			Name:      "watchdog_triggers_total",
			Help:      "Cumulative watchdog escalations by subsystem and action taken.",
		}, []string{"subsystem", "action"}),
		TraceCompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observability",
			Name:      "trace_completions_total",
			Help:      "Cumulative number of finished traces.",
		}),
		ActiveTraces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observability",
			Name:      "active_traces",
			Help:      "Number of traces currently open.",
		}),
		SpansPerTrace: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "observability",
			Name:      "spans_per_trace",
			Help:      "Distribution of span count per finished trace.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		HealthCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "health_check_failures_total",
			Help:      "Cumulative failed health checks by service kind.",
		}, []string{"kind"}),
		PermissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "permission_denials_total",
			Help:      "Cumulative capability-gating denials by service kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ReadyQueueDepth,
		m.ContextSwitches,
		m.IPCChannels,
		m.IPCSemaphores,
		m.IPCRegions,
		m.ServicesRunning,
		m.CrashesTotal,
		m.WatchdogTriggersTotal,
		m.TraceCompletionsTotal,
		m.ActiveTraces,
		m.SpansPerTrace,
		m.HealthCheckFailures,
		m.PermissionDenials,
	)

	return m
}

// Subscribe drains bus until it is closed, folding every published event
// into the matching counter. It is meant to run in its own goroutine for
// the lifetime of the bus.
func (m *Metrics) Subscribe(bus *events.Bus) {
	for e := range bus.Subscribe() {
		switch e.Tag {
		case events.KindCrash:
			m.CrashesTotal.WithLabelValues(e.CrashKind, e.Severity).Inc()
		case events.KindWatchdog:
			m.WatchdogTriggersTotal.WithLabelValues(e.Subsystem, e.Action).Inc()
		case events.KindTraceCompleted:
			m.TraceCompletionsTotal.Inc()
			m.SpansPerTrace.Observe(float64(e.SpanCount))
		case events.KindHealthCheckFailed:
			m.HealthCheckFailures.WithLabelValues(e.ServiceKind).Inc()
		case events.KindPermissionDenied:
			m.PermissionDenials.WithLabelValues(e.ServiceKind).Inc()
		}
	}
}

// AddContextSwitchDelta folds a monotonic cumulative reading into the
// Counter, which only permits forward Add calls. Callers (pkg/telemetry/
// collectors) track the last-seen cumulative value themselves and pass
// the difference.
func (m *Metrics) AddContextSwitchDelta(delta uint64) {
	if delta == 0 {
		return
	}
	m.ContextSwitches.Add(float64(delta))
}

// SetServiceRunning records whether kind is currently registered and
// running, for the service_running gauge.
func (m *Metrics) SetServiceRunning(kind string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	m.ServicesRunning.WithLabelValues(kind).Set(v)
}
