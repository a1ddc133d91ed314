// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package events_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/observability/crash"
	"github.com/corelattice/kernel/pkg/observability/events"
	"github.com/corelattice/kernel/pkg/observability/trace"
	"github.com/corelattice/kernel/pkg/observability/watchdog"
	"github.com/corelattice/kernel/pkg/registry"
)

func TestPublishFanOutToAllSubscribers(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	defer bus.Close()

	subA := bus.Subscribe()
	subB := bus.Subscribe()

	bus.Publish(events.Event{Tag: events.KindCrash, Message: "boom"})

	for _, sub := range []<-chan events.Event{subA, subB} {
		select {
		case e := <-sub:
			assert.Equal(t, events.KindCrash, e.Tag)
			assert.Equal(t, "boom", e.Message)
		case <-time.After(time.Second):
			t.Fatal("event never delivered")
		}
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	bus.Close()

	sub := bus.Subscribe()
	_, ok := <-sub
	assert.False(t, ok)
}

func TestCloseClosesExistingSubscribers(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	sub := bus.Subscribe()
	bus.Close()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel never closed")
	}
}

func TestRegistrySinkPublishesEvents(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	defer bus.Close()
	sink := events.RegistrySink{Bus: bus}
	sub := bus.Subscribe()

	sink.EmitPermissionDenied(registry.Network, "send_service_message:audio")

	select {
	case e := <-sub:
		require.Equal(t, events.KindPermissionDenied, e.Tag)
		assert.Equal(t, string(registry.Network), e.ServiceKind)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestCrashSinkPublishesEvents(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	defer bus.Close()
	sink := events.CrashSink{Bus: bus}
	sub := bus.Subscribe()

	sink.EmitCrash(crash.OOM, crash.Critical, "storage", "out of memory", crash.ActionRestartSubsystem)

	select {
	case e := <-sub:
		require.Equal(t, events.KindCrash, e.Tag)
		assert.Equal(t, "oom", e.CrashKind)
		assert.Equal(t, "critical", e.Severity)
		assert.Equal(t, "storage", e.CrashSubsystem)
		assert.Equal(t, "restart_subsystem", e.RecoveryAction)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWatchdogSinkPublishesEvents(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	defer bus.Close()
	sink := events.WatchdogSink{Bus: bus}
	sub := bus.Subscribe()

	sink.EmitWatchdog("scheduler", 10*time.Millisecond, watchdog.ActionRestart)

	select {
	case e := <-sub:
		require.Equal(t, events.KindWatchdog, e.Tag)
		assert.Equal(t, "scheduler", e.Subsystem)
		assert.Equal(t, int64(10), e.TimeoutMs)
		assert.Equal(t, "restart", e.Action)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestTraceSinkPublishesEvents(t *testing.T) {
	bus := events.NewBus(logr.Discard())
	defer bus.Close()
	sink := events.TraceSink{Bus: bus}
	sub := bus.Subscribe()

	id := trace.TraceID{1}
	correlationID := trace.CorrelationID{}
	sink.EmitTraceCompleted(id, correlationID, 5*time.Millisecond, 3, 1)

	select {
	case e := <-sub:
		require.Equal(t, events.KindTraceCompleted, e.Tag)
		assert.Equal(t, id.String(), e.TraceID)
		assert.Equal(t, 3, e.SpanCount)
		assert.Equal(t, 1, e.ErrorCount)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}
