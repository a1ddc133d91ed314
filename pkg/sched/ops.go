// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import "github.com/corelattice/kernel/pkg/errors"

// Checkpoint is the cooperative preemption primitive (spec §4.1,
// "checkpoint(tid) -> bool"): a thread's entry function calls it from any
// loop representing ongoing CPU work. It blocks until the thread is
// Running again and returns true, or returns false once the thread has
// been terminated. The first call from run() doubles as "wait for my
// first selection".
func (s *Scheduler) Checkpoint(id ThreadID) bool {
	t, err := s.mustThread(id)
	if err != nil {
		return false
	}
	for {
		t.mu.Lock()
		if t.state == Terminated {
			t.mu.Unlock()
			return false
		}
		running := t.state == Running
		gate := t.runGate
		t.mu.Unlock()
		if running {
			return true
		}
		<-gate
	}
}

// transitionOut moves t out of Running, charging its elapsed slot to
// cpuTimeNs and arming a fresh runGate (unless newState is Terminated, in
// which case Checkpoint and run() observe Terminated directly and never
// touch the old gate again). Returns the CPU it was running on, or -1 if
// it was not actually Running (a caller invariant violation: every caller
// checks that t is Running first, and scheduleOne does not accept -1).
func (s *Scheduler) transitionOut(t *Thread, newState State) int {
	t.mu.Lock()
	cpu := -1
	if t.state == Running {
		cpu = t.cpu
		now := s.clock.NowNs()
		t.cpuTimeNs += now - t.lastScheduledNs
	}
	t.state = newState
	t.cpu = -1
	if newState != Terminated {
		t.runGate = make(chan struct{})
	}
	t.mu.Unlock()
	return cpu
}

// enqueueLocked returns a thread that has just left Running to the tail of
// its band's ready queue (spec §4.1 "Selection algorithm": round-robin
// re-enqueue on preemption/yield; EDF re-insertion uses the deadline
// already advanced at selection time). The caller must hold s.mu. Idle
// threads are never enqueued (spec §8 invariant).
func (s *Scheduler) enqueueLocked(t *Thread) {
	t.mu.Lock()
	band := t.band
	isEDF := t.rt != nil && t.rt.Discipline == RTPeriodicEDF
	deadline := uint64(0)
	if isEDF {
		deadline = t.rt.deadlineNs
	}
	t.mu.Unlock()

	switch band {
	case Idle:
	case Realtime:
		if isEDF {
			s.rt.pushEDF(t.ID, deadline)
		} else {
			s.rt.pushFIFO(t.ID)
		}
	default:
		s.bands[band].pushBack(t.ID)
	}
}

// removeFromQueueLocked removes a Ready thread from whatever queue it
// currently sits in (used when a Ready, non-Running thread is terminated
// out from under the scheduler). The caller must hold s.mu.
func (s *Scheduler) removeFromQueueLocked(t *Thread) {
	t.mu.Lock()
	band := t.band
	t.mu.Unlock()

	switch band {
	case Idle:
	case Realtime:
		s.rt.remove(t.ID)
	default:
		s.bands[band].remove(t.ID)
	}
}

// selectNext picks the thread to run next on cpu (spec §4.1 "Selection
// algorithm"): Realtime (EDF preferred over FIFO) outranks High, which
// outranks Normal, which outranks Low; the idle thread is the fallback
// when every band is empty. Gaming mode's only effect on this ordering is
// the shorter quantum applied in contextSwitch — Realtime already leads
// every scan in both modes, so "drain Realtime first" describes the same
// outcome as the ordinary priority scan rather than a distinct branch
// (see DESIGN.md). Popping a thread here does not re-enqueue it: per the
// invariant that a thread is never simultaneously Running and present in
// a ready queue, re-enqueue happens later, when the thread actually
// leaves Running (see enqueueLocked). For a PeriodicEDF thread, its
// deadline is advanced by one period at the moment of this selection,
// matching the literal "on selection its deadline is advanced" rule,
// while physical re-insertion into the EDF heap is deferred to that same
// later point.
func (s *Scheduler) selectNext(cpu int) ThreadID {
	if id, ok := s.rt.popNext(); ok {
		if t, ok := s.threads[id]; ok {
			t.mu.Lock()
			if t.rt != nil && t.rt.Discipline == RTPeriodicEDF {
				t.rt.deadlineNs += t.rt.Period
			}
			t.mu.Unlock()
		}
		return id
	}
	for _, b := range []Band{High, Normal, Low} {
		if id, ok := s.bands[b].popFront(); ok {
			return id
		}
	}
	return s.idle[cpu].ID
}

// contextSwitch is the literal four-step primitive from spec §4.1
// ("context_switch(old_tid?, new_tid)"): save the outgoing thread's
// state, switch address space only if it differs, load the incoming
// thread's state, and jump. old may be nil only for the very first switch
// on a CPU (handled by New, which seeds cpus[c].current with its idle
// thread, so in practice old is always non-nil after construction). The
// caller must hold s.mu and must already have transitioned old out of
// Running (via transitionOut) before calling this.
func (s *Scheduler) contextSwitch(cpu int, old, next *Thread) {
	var oldAS AddressSpaceID
	if old != nil {
		old.mu.Lock()
		oldAS = old.AddressSpace
		old.mu.Unlock()
	}
	if old == nil || oldAS != next.AddressSpace {
		s.addrSpace.SwitchAddressSpace(next.AddressSpace)
	}

	now := s.clock.NowNs()
	next.mu.Lock()
	next.state = Running
	next.cpu = cpu
	next.lastScheduledNs = now
	next.sliceRemainingNs = uint64(s.quantum().Nanoseconds())
	gate := next.runGate
	next.mu.Unlock()

	s.cpus[cpu].current = next.ID
	close(gate)
	s.switches.Add(1)
}

// scheduleOne reselects and switches cpu's current thread. The caller
// must hold s.mu and must already have transitioned the outgoing thread
// (whose id is still s.cpus[cpu].current at this point) out of Running.
func (s *Scheduler) scheduleOne(cpu int) {
	oldID := s.cpus[cpu].current
	old := s.threads[oldID] // may legitimately be the same thread selectNext picks again (e.g. idle with an empty ready set)
	newID := s.selectNext(cpu)
	next := s.threads[newID]
	s.contextSwitch(cpu, old, next)
}

// YieldCurrent voluntarily gives up the CPU (spec §4.1 "yield(tid)"): the
// thread returns to Ready at its band's tail and a reschedule runs
// immediately.
func (s *Scheduler) YieldCurrent(id ThreadID) error {
	t, err := s.mustThread(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	t.mu.Lock()
	running := t.state == Running
	t.mu.Unlock()
	if !running {
		s.mu.Unlock()
		return errors.ErrInvalidOperation
	}

	cpu := s.transitionOut(t, Ready)
	s.enqueueLocked(t)
	s.scheduleOne(cpu)
	s.mu.Unlock()

	// Block the calling goroutine (the thread's own) until a later
	// scheduling decision selects it again, mirroring a blocking yield
	// syscall rather than letting the entry function keep executing
	// past the point where scheduler state says it is not Running.
	if !s.Checkpoint(id) {
		return errors.ErrThreadTerminated
	}
	return nil
}

// BlockCurrent removes the current thread from scheduling entirely until
// a later Unblock (spec §4.1 "block(tid)"). A reschedule runs immediately
// to keep the CPU from idling needlessly.
func (s *Scheduler) BlockCurrent(id ThreadID) error {
	t, err := s.mustThread(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	t.mu.Lock()
	running := t.state == Running
	t.mu.Unlock()
	if !running {
		s.mu.Unlock()
		return errors.ErrInvalidOperation
	}

	cpu := s.transitionOut(t, Blocked)
	s.scheduleOne(cpu)
	s.mu.Unlock()

	// Block until a later Unblock makes this thread Ready and a
	// subsequent scheduling decision selects it again.
	if !s.Checkpoint(id) {
		return errors.ErrThreadTerminated
	}
	return nil
}

// Unblock returns a Blocked thread to Ready at its band's tail (spec
// §4.1 "unblock(tid)"); it is a no-op if the thread is not Blocked. The
// thread does not preempt anything immediately — it becomes eligible at
// the next scheduling decision on whichever CPU next calls ScheduleTick,
// a yield, or a block, which is enough to satisfy the spec's one-quantum
// preemption-latency scenarios since band priority, not immediacy, is
// what decides the next selection.
func (s *Scheduler) Unblock(id ThreadID) error {
	t, err := s.mustThread(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	if t.state != Blocked {
		t.mu.Unlock()
		return nil
	}
	t.state = Ready
	t.mu.Unlock()

	s.enqueueLocked(t)
	return nil
}

// Terminate ends a thread immediately regardless of its current state
// (spec §4.1 "terminate(tid)"), idempotent on an already-terminated
// thread. A Running thread triggers an immediate reschedule of its CPU; a
// Ready thread is pulled out of its queue first so it can never be
// selected again.
func (s *Scheduler) Terminate(id ThreadID) error {
	t, err := s.mustThread(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == Terminated {
		return nil
	}

	switch state {
	case Running:
		cpu := s.transitionOut(t, Terminated)
		s.scheduleOne(cpu)
	case Ready:
		s.removeFromQueueLocked(t)
		t.mu.Lock()
		t.state = Terminated
		t.mu.Unlock()
	case Blocked:
		t.mu.Lock()
		t.state = Terminated
		t.mu.Unlock()
	}
	return nil
}

// ScheduleTick is the timer-ISR entry point for one CPU (spec §4.1
// "Preemption"): it decrements the current thread's remaining slice by
// one tick and, only once that reaches zero, preempts it — round-robin
// re-enqueuing a band thread or silently recharging the idle thread's
// slice, since idle is never placed in a ready queue and a reselection
// against an empty ready set just switches back to itself.
func (s *Scheduler) ScheduleTick(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= len(s.cpus) {
		return
	}

	curID := s.cpus[cpu].current
	t := s.threads[curID]
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	tick := uint64(s.tick.Nanoseconds())
	if t.sliceRemainingNs > tick {
		t.sliceRemainingNs -= tick
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	cpu2 := s.transitionOut(t, Ready)
	s.enqueueLocked(t) // no-op for Idle
	s.scheduleOne(cpu2)
}
