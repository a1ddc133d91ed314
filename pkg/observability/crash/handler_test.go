// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package crash_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/handle"
	"github.com/corelattice/kernel/pkg/observability/crash"
)

type fakeSink struct {
	mu     sync.Mutex
	events []crash.RecoveryAction
}

func (s *fakeSink) EmitCrash(_ crash.Kind, _ crash.Severity, _ string, _ string, action crash.RecoveryAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, action)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestHandleCrashWarningRecordsNoneAction(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.Assertion, Severity: crash.Warning, Message: "soft check failed"})
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, crash.ActionNone, cc.RecoveryAction)
	assert.False(t, cc.RecoveryAttempted)
}

func TestHandleCrashCriticalWithSubsystemRestartsSubsystem(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.OOM, Severity: crash.Critical, Subsystem: "audio", Message: "oom"})
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, crash.ActionRestartSubsystem, cc.RecoveryAction)
}

func TestHandleCrashCriticalDoubleFaultReboots(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.DoubleFault, Severity: crash.Critical, Subsystem: "scheduler"})
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, crash.ActionReboot, cc.RecoveryAction)
}

func TestHandleCrashErrorWithoutSubsystemRestartsService(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.Unknown, Severity: crash.Error})
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, crash.ActionRestartService, cc.RecoveryAction)
}

func TestHandleCrashFatalHaltsInlineAndMarksRecovered(t *testing.T) {
	var halted atomic.Bool
	r := crash.New(crash.Options{
		Clock:  clock.NewManual(),
		Logger: logr.Discard(),
		Recovery: crash.Recovery{
			Enabled: true,
			Halt:    func() { halted.Store(true) },
		},
	})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.GPFault, Severity: crash.Fatal, Message: "unrecoverable"})
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, crash.ActionHalt, cc.RecoveryAction)
	assert.True(t, halted.Load())
	assert.True(t, cc.RecoveryAttempted)
	assert.True(t, cc.RecoverySuccessful)
}

func TestHandleCrashDispatchesRecoveryAsynchronously(t *testing.T) {
	var invoked atomic.Int32
	block := make(chan struct{})
	r := crash.New(crash.Options{
		Clock:  clock.NewManual(),
		Logger: logr.Discard(),
		Recovery: crash.Recovery{
			Enabled: true,
			RestartSubsystem: func(subsystem string) error {
				<-block
				invoked.Add(1)
				return nil
			},
		},
	})
	defer r.Close()

	id := r.HandleCrash(crash.Request{Kind: crash.OOM, Severity: crash.Critical, Subsystem: "storage"})
	// HandleCrash must return before the blocked handler does.
	cc, ok := r.Get(id)
	require.True(t, ok)
	assert.True(t, cc.RecoveryAttempted)
	assert.False(t, cc.RecoverySuccessful)

	close(block)
	require.Eventually(t, func() bool {
		cc, _ := r.Get(id)
		return cc.RecoverySuccessful
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), invoked.Load())
}

func TestHandleCrashHonorsPerProcessMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	r := crash.New(crash.Options{
		Clock:  clock.NewManual(),
		Logger: logr.Discard(),
		Recovery: crash.Recovery{
			Enabled:               true,
			MaxAttemptsPerProcess: 1,
			RestartSubsystem: func(string) error {
				attempts.Add(1)
				return nil
			},
		},
	})
	defer r.Close()

	pid := handle.T(7)
	first := r.HandleCrash(crash.Request{Kind: crash.Panic, Severity: crash.Error, Subsystem: "assistant", Process: &pid})
	second := r.HandleCrash(crash.Request{Kind: crash.Panic, Severity: crash.Error, Subsystem: "assistant", Process: &pid})

	require.Eventually(t, func() bool {
		cc, _ := r.Get(first)
		return cc.RecoveryAttempted
	}, time.Second, time.Millisecond)

	cc2, ok := r.Get(second)
	require.True(t, ok)
	assert.False(t, cc2.RecoveryAttempted)
}

func TestHandleCrashUpdatesCountersAndRing(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	for i := 0; i < 20; i++ {
		r.HandleCrash(crash.Request{Kind: crash.PageFault, Severity: crash.Warning, Subsystem: "network"})
	}

	assert.Equal(t, uint64(20), r.KindCount(crash.PageFault))
	assert.Equal(t, uint64(20), r.SubsystemCount("network"))
	assert.Len(t, r.Recent(), 16)
}

// TestHandleCrashByIDStaysBoundedWithRing asserts the crash-context lookup
// table tracks the ring's eviction instead of growing without bound.
func TestHandleCrashByIDStaysBoundedWithRing(t *testing.T) {
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard()})
	defer r.Close()

	var first crash.ID
	for i := 0; i < 20; i++ {
		id := r.HandleCrash(crash.Request{Kind: crash.PageFault, Severity: crash.Warning, Subsystem: "network"})
		if i == 0 {
			first = id
		}
	}

	_, ok := r.Get(first)
	assert.False(t, ok, "the oldest crash context should have been evicted from byID alongside the ring")
	assert.Len(t, r.Recent(), 16)
}

func TestHandleCrashEmitsEvent(t *testing.T) {
	sink := &fakeSink{}
	r := crash.New(crash.Options{Clock: clock.NewManual(), Logger: logr.Discard(), Events: sink})
	defer r.Close()

	r.HandleCrash(crash.Request{Kind: crash.Timeout, Severity: crash.Info})
	assert.Equal(t, 1, sink.count())
}
