// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events

import (
	"time"

	"github.com/corelattice/kernel/pkg/observability/crash"
	"github.com/corelattice/kernel/pkg/observability/trace"
	"github.com/corelattice/kernel/pkg/observability/watchdog"
	"github.com/corelattice/kernel/pkg/registry"
)

// RegistrySink adapts a Bus to registry.EventSink, so capability-gating
// violations and health-check failures (spec §4.3) are recorded as
// observability events (spec §4.4) without the registry package itself
// depending on this one.
type RegistrySink struct {
	Bus *Bus
}

var _ registry.EventSink = RegistrySink{}

func (s RegistrySink) EmitPermissionDenied(kind registry.Kind, op string) {
	s.Bus.Publish(Event{Tag: KindPermissionDenied, ServiceKind: string(kind), Operation: op})
}

func (s RegistrySink) EmitHealthCheckFailed(kind registry.Kind) {
	s.Bus.Publish(Event{Tag: KindHealthCheckFailed, ServiceKind: string(kind)})
}

// CrashSink adapts a Bus to crash.EventSink (spec §6 "Crash{kind,
// severity, subsystem?, message, recovery_action}"), the same
// one-directional pattern as RegistrySink: crash never imports events.
type CrashSink struct {
	Bus *Bus
}

var _ crash.EventSink = CrashSink{}

func (s CrashSink) EmitCrash(kind crash.Kind, severity crash.Severity, subsystem string, message string, action crash.RecoveryAction) {
	s.Bus.Publish(Event{
		Tag:            KindCrash,
		CrashKind:      kind.String(),
		Severity:       severity.String(),
		CrashSubsystem: subsystem,
		Message:        message,
		RecoveryAction: action.String(),
	})
}

// WatchdogSink adapts a Bus to watchdog.EventSink (spec §6
// "Watchdog{subsystem, timeout_ms, action}").
type WatchdogSink struct {
	Bus *Bus
}

var _ watchdog.EventSink = WatchdogSink{}

func (s WatchdogSink) EmitWatchdog(subsystem watchdog.Subsystem, timeout time.Duration, action watchdog.Action) {
	s.Bus.Publish(Event{
		Tag:       KindWatchdog,
		Subsystem: string(subsystem),
		TimeoutMs: timeout.Milliseconds(),
		Action:    action.String(),
	})
}

// TraceSink adapts a Bus to trace.EventSink (spec §6 "TraceCompleted{
// trace_id, correlation_id, duration_ms, span_count, error_count}").
type TraceSink struct {
	Bus *Bus
}

var _ trace.EventSink = TraceSink{}

func (s TraceSink) EmitTraceCompleted(id trace.TraceID, correlationID trace.CorrelationID, duration time.Duration, spanCount, errorCount int) {
	s.Bus.Publish(Event{
		Tag:           KindTraceCompleted,
		TraceID:       id.String(),
		CorrelationID: correlationID.String(),
		DurationMs:    duration.Milliseconds(),
		SpanCount:     spanCount,
		ErrorCount:    errorCount,
	})
}
