// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import "github.com/corelattice/kernel/pkg/errors"

// ContextSwitch drives a manual switch of cpu to newID, bypassing the
// usual selection algorithm (spec §4.1 "context_switch(old_tid?,
// new_tid)" exposed directly). It exists for tests and non-tick-driven
// harnesses that want to dictate exactly which thread runs next; normal
// operation reaches contextSwitch only through ScheduleTick, YieldCurrent,
// BlockCurrent, and Terminate.
func (s *Scheduler) ContextSwitch(cpu int, newID ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= len(s.cpus) {
		return errors.ErrInvalidOperation
	}
	next, ok := s.threads[newID]
	if !ok {
		return errors.ErrThreadNotFound
	}
	oldID := s.cpus[cpu].current
	old := s.threads[oldID]
	if old != nil && old.ID != newID {
		s.transitionOut(old, Ready)
		s.enqueueLocked(old)
	}
	next.mu.Lock()
	nextReady := next.state == Ready
	next.mu.Unlock()
	if nextReady {
		s.removeFromQueueLocked(next)
	}
	s.contextSwitch(cpu, old, next)
	return nil
}

// TickLoop arms the clock to call ScheduleTick for every CPU once per
// configured TickInterval, simulating the periodic timer ISR (spec §6
// "Timer/clock collaborator"). Stop cancels the outstanding deadline and
// the loop does not rearm itself again.
type TickLoop struct {
	s       *Scheduler
	stopped bool
}

// StartTickLoop begins the simulated timer ISR driving s.ScheduleTick for
// every CPU. Callers typically invoke this once during kernel bring-up.
func (s *Scheduler) StartTickLoop() *TickLoop {
	l := &TickLoop{s: s}
	l.armNext()
	return l
}

func (l *TickLoop) armNext() {
	if l.stopped {
		return
	}
	next := l.s.clock.NowNs() + uint64(l.s.tick.Nanoseconds())
	l.s.clock.SetDeadline(next, func() {
		for c := range l.s.cpus {
			l.s.ScheduleTick(c)
		}
		l.armNext()
	})
}

// Stop disarms the tick loop. Safe to call more than once.
func (l *TickLoop) Stop() {
	l.stopped = true
	l.s.clock.CancelDeadline()
}
