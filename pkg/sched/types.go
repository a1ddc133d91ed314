// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sched is the L2 scheduler (spec §2, §4.1): run-queue management,
// priority ordering, time-slice accounting, voluntary yield, block/unblock,
// and thread lifecycle. It consumes L0 timer ticks from pkg/clock and
// drives L1 context switches.
package sched

import (
	"sync"

	"github.com/corelattice/kernel/pkg/handle"
)

// ThreadID addresses a thread/process record (spec §3: "process" is a
// naming alias for a thread that owns a distinct address space).
type ThreadID = handle.T

// State is one of the three live scheduling states plus Terminated.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Band is a coarse priority class (spec §3 "Priority class"). Idle is
// reserved for the single per-CPU idle thread and is never populated in a
// Ready queue.
type Band int

const (
	Realtime Band = iota
	High
	Normal
	Low
	Idle
)

func (b Band) String() string {
	switch b {
	case Realtime:
		return "realtime"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// RTDiscipline is the optional scheduling discipline available to
// Realtime-band threads (spec §3).
type RTDiscipline int

const (
	RTFIFO RTDiscipline = iota
	RTPeriodicEDF
)

// RTParams configures a Realtime-band thread. For RTPeriodicEDF, Period
// and Budget must be positive; Deadline is maintained internally and
// advanced by one Period each time the thread is selected (spec §4.1
// "Selection algorithm").
type RTParams struct {
	Discipline RTDiscipline
	Period     uint64 // nanoseconds, PeriodicEDF only
	Budget     uint64 // nanoseconds, PeriodicEDF only

	deadlineNs uint64 // absolute, internal
}

// AddressSpaceID identifies a virtual-to-physical mapping (spec Glossary
// "Address space"). The zero value means "the shared kernel address
// space" (spec §4.1: "Kernel threads are ring-0 throughout and share the
// kernel address space").
type AddressSpaceID uint64

// EntryFunc is a thread body. It runs on its own goroutine once the
// scheduler first selects the thread; it cooperates with preemption by
// calling Scheduler.Checkpoint from any loop that represents ongoing CPU
// work, the same way Go's own pre-1.14 cooperative goroutine scheduling
// relied on function-call checkpoints before the runtime gained
// asynchronous preemption.
type EntryFunc func(s *Scheduler, id ThreadID)

// Thread is the scheduling unit (spec §3 "Thread / Process (unified)").
type Thread struct {
	ID           ThreadID
	Name         string
	ParentID     *ThreadID
	AddressSpace AddressSpaceID
	Kernel       bool // true for spawn_kernel_thread

	entry EntryFunc

	mu               sync.Mutex
	state            State
	band             Band
	rt               *RTParams
	cpu              int // cpu index this thread is Running on, or -1
	cpuTimeNs        uint64
	lastScheduledNs  uint64
	sliceRemainingNs uint64
	runGate          chan struct{} // closed while thread holds the CPU
	capabilities     []string
	done             chan struct{}
}

// Snapshot is an immutable copy of a Thread's accounting fields, safe to
// read without holding the scheduler or thread lock.
type Snapshot struct {
	ID              ThreadID
	Name            string
	ParentID        *ThreadID
	State           State
	Band            Band
	AddressSpace    AddressSpaceID
	Kernel          bool
	CPUTimeNs       uint64
	LastScheduledNs uint64
}

func (t *Thread) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:              t.ID,
		Name:            t.Name,
		ParentID:        t.ParentID,
		State:           t.state,
		Band:            t.band,
		AddressSpace:    t.AddressSpace,
		Kernel:          t.Kernel,
		CPUTimeNs:       t.cpuTimeNs,
		LastScheduledNs: t.lastScheduledNs,
	}
}
