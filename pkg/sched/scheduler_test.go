// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/sched"
)

func newTestScheduler(t *testing.T, mc *clock.Manual) *sched.Scheduler {
	t.Helper()
	return sched.New(sched.Options{
		NumCPUs:      1,
		Clock:        mc,
		TickInterval: time.Millisecond,
	})
}

func TestCreateEntersReadyThenRuns(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	started := make(chan struct{})
	id, err := s.Create("worker", func(s *sched.Scheduler, id sched.ThreadID) {
		close(started)
	}, sched.Normal)
	require.NoError(t, err)

	snap, err := s.GetThread(id)
	require.NoError(t, err)
	assert.Equal(t, sched.Ready, snap.State)
	assert.Equal(t, 1, s.ReadyLen(sched.Normal))

	// Drive one scheduling decision by ticking the idle CPU; the new
	// thread outranks idle and must be selected.
	s.ScheduleTick(0)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker thread never ran")
	}
}

func TestRoundRobinFairness(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	doneA := make(chan struct{})
	doneB := make(chan struct{})

	_, err := s.Create("A", func(s *sched.Scheduler, id sched.ThreadID) {
		for i := 0; i < 3; i++ {
			record("A")
			_ = s.YieldCurrent(id)
		}
		close(doneA)
	}, sched.Normal)
	require.NoError(t, err)

	_, err = s.Create("B", func(s *sched.Scheduler, id sched.ThreadID) {
		for i := 0; i < 3; i++ {
			record("B")
			_ = s.YieldCurrent(id)
		}
		close(doneB)
	}, sched.Normal)
	require.NoError(t, err)

	s.ScheduleTick(0)

	select {
	case <-doneA:
	case <-time.After(time.Second):
		t.Fatal("thread A never completed")
	}
	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("thread B never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "A", "B", "A", "B"}, order)
}

func TestPriorityBandOutranksLowerBand(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	doneLow := make(chan struct{})
	_, err := s.Create("low", func(s *sched.Scheduler, id sched.ThreadID) {
		close(doneLow)
	}, sched.Low)
	require.NoError(t, err)

	doneHigh := make(chan struct{})
	_, err = s.Create("high", func(s *sched.Scheduler, id sched.ThreadID) {
		close(doneHigh)
	}, sched.High)
	require.NoError(t, err)

	s.ScheduleTick(0)
	select {
	case <-doneHigh:
	case <-time.After(time.Second):
		t.Fatal("high-band thread should have been selected first")
	}
}

func TestEDFOrdersByEarliestDeadline(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	var order []string
	orderCh := make(chan string, 2)

	_, err := s.Create("far", func(s *sched.Scheduler, id sched.ThreadID) {
		orderCh <- "far"
	}, sched.Realtime, sched.WithRealtime(sched.RTParams{
		Discipline: sched.RTPeriodicEDF,
		Period:     20 * uint64(time.Millisecond),
		Budget:     uint64(time.Millisecond),
	}))
	require.NoError(t, err)

	_, err = s.Create("near", func(s *sched.Scheduler, id sched.ThreadID) {
		orderCh <- "near"
	}, sched.Realtime, sched.WithRealtime(sched.RTParams{
		Discipline: sched.RTPeriodicEDF,
		Period:     5 * uint64(time.Millisecond),
		Budget:     uint64(time.Millisecond),
	}))
	require.NoError(t, err)

	s.ScheduleTick(0)
	first := <-orderCh
	order = append(order, first)
	assert.Equal(t, "near", order[0], "the thread with the earlier absolute deadline must be selected first")
}

func TestBlockAndUnblock(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	entered := make(chan struct{})
	resumed := make(chan struct{})
	id, err := s.Create("blocker", func(s *sched.Scheduler, id sched.ThreadID) {
		close(entered)
		_ = s.BlockCurrent(id)
		close(resumed)
	}, sched.Normal)
	require.NoError(t, err)

	s.ScheduleTick(0)
	<-entered

	require.Eventually(t, func() bool {
		snap, err := s.GetThread(id)
		return err == nil && snap.State == sched.Blocked
	}, time.Second, time.Millisecond)

	select {
	case <-resumed:
		t.Fatal("blocked thread must not resume before Unblock")
	default:
	}

	require.NoError(t, s.Unblock(id))
	s.ScheduleTick(0)

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("thread never resumed after Unblock")
	}
}

func TestQuantumExpiryTriggersPreemptionWithinOneQuantum(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	spinning := make(chan struct{})
	var once sync.Once
	_, err := s.Create("cpu-bound", func(s *sched.Scheduler, id sched.ThreadID) {
		for s.Checkpoint(id) {
			once.Do(func() { close(spinning) })
		}
	}, sched.Normal)
	require.NoError(t, err)

	s.ScheduleTick(0)
	<-spinning

	before := s.Switches()
	for i := 0; i < 11; i++ {
		mc.Advance(uint64(time.Millisecond))
		s.ScheduleTick(0)
	}
	after := s.Switches()

	assert.Greater(t, after, before, "a 10ms quantum must expire and trigger a context switch within 11 ticks of 1ms each")
}

func TestTerminateIsIdempotent(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	id, err := s.Create("ephemeral", func(s *sched.Scheduler, id sched.ThreadID) {}, sched.Normal)
	require.NoError(t, err)

	require.NoError(t, s.Terminate(id))
	require.NoError(t, s.Terminate(id))

	snap, err := s.GetThread(id)
	require.NoError(t, err)
	assert.Equal(t, sched.Terminated, snap.State)
}

func TestUnblockIsNoOpWhenNotBlocked(t *testing.T) {
	mc := clock.NewManual()
	s := newTestScheduler(t, mc)

	id, err := s.Create("blocker", func(s *sched.Scheduler, id sched.ThreadID) {}, sched.Normal)
	require.NoError(t, err)
	s.ScheduleTick(0)

	require.NoError(t, s.Unblock(id)) // not blocked yet: no-op
	snap, err := s.GetThread(id)
	require.NoError(t, err)
	assert.NotEqual(t, sched.Blocked, snap.State)
}
