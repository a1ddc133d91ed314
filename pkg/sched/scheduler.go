// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/handle"
)

const (
	// QuantumNormal is the time-slice granted in normal mode (spec §4.1).
	QuantumNormal = 10 * time.Millisecond
	// QuantumGaming is the time-slice granted with gaming mode active.
	QuantumGaming = 5 * time.Millisecond
)

// AddressSpaceSwitcher is the memory-manager collaborator (spec §6):
// "switch_address_space(id)". The scheduler calls it only when the
// incoming thread's address space differs from the outgoing thread's.
type AddressSpaceSwitcher interface {
	SwitchAddressSpace(id AddressSpaceID)
}

type noopAddressSpaceSwitcher struct{}

func (noopAddressSpaceSwitcher) SwitchAddressSpace(AddressSpaceID) {}

// cpuSlot is one logical CPU: exactly one thread is Running on it at a
// time (spec §3 ownership summary, §8 invariant).
type cpuSlot struct {
	current ThreadID // the Running thread; the CPU's idle thread when nothing else runs
}

// Options configures a Scheduler.
type Options struct {
	NumCPUs   int
	Clock     clock.Source
	AddrSpace AddressSpaceSwitcher
	Logger    logr.Logger

	// TickInterval is the simulated timer-ISR period driving ScheduleTick.
	// Defaults to 1ms (HZ=1000), giving quantum boundaries a ±1 tick
	// window per spec §8.
	TickInterval time.Duration
}

// Scheduler is the L2 run-queue manager (spec §4.1). Its lock is acquired
// only for scheduling decisions and the context-switch prologue, never
// held across an actual switch (spec §5 "Locking discipline").
type Scheduler struct {
	mu sync.Mutex

	handles   *handle.Generator
	threads   map[ThreadID]*Thread
	clock     clock.Source
	addrSpace AddressSpaceSwitcher
	logger    logr.Logger

	bands    [4]fifoQueue // Realtime is not stored here; index by Band for High/Normal/Low, Realtime handled via rt
	rt       rtQueue
	cpus     []cpuSlot
	idle     []*Thread // one idle thread per CPU

	tick   time.Duration
	gaming atomic.Bool

	switches atomic.Uint64 // context-switch counter, for telemetry
}

// New constructs a Scheduler with the given options. NumCPUs defaults to
// 1 and Clock defaults to a clock.System if unset.
func New(opts Options) *Scheduler {
	n := opts.NumCPUs
	if n <= 0 {
		n = 1
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	as := opts.AddrSpace
	if as == nil {
		as = noopAddressSpaceSwitcher{}
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = time.Millisecond
	}
	s := &Scheduler{
		handles:   handle.NewGenerator(),
		threads:   make(map[ThreadID]*Thread),
		clock:     cl,
		addrSpace: as,
		logger:    opts.Logger.WithName("sched"),
		cpus:      make([]cpuSlot, n),
		idle:      make([]*Thread, n),
		tick:      tick,
	}
	for c := 0; c < n; c++ {
		idle := s.newThread("idle", nil, Idle, nil)
		idle.Kernel = true
		idle.mu.Lock()
		idle.cpu = c
		idle.state = Running
		idle.mu.Unlock()
		s.idle[c] = idle
		s.cpus[c].current = idle.ID
	}
	return s
}

func (s *Scheduler) newThread(name string, entry EntryFunc, band Band, rt *RTParams) *Thread {
	id, ok := s.handles.Next()
	if !ok {
		return nil
	}
	t := &Thread{
		ID:      id,
		Name:    name,
		band:    band,
		rt:      rt,
		cpu:     -1,
		state:   Ready,
		runGate: make(chan struct{}),
		done:    make(chan struct{}),
		entry:   entry,
	}
	s.threads[id] = t
	return t
}

// ThreadOption configures a thread at Create time.
type ThreadOption func(*Thread)

// WithParent sets the parent thread id (spec §3).
func WithParent(parent ThreadID) ThreadOption {
	return func(t *Thread) { t.ParentID = &parent }
}

// WithAddressSpace marks the thread as owning a distinct address space,
// making it a "process" in spec terminology.
func WithAddressSpace(id AddressSpaceID) ThreadOption {
	return func(t *Thread) { t.AddressSpace = id }
}

// WithCapabilities attaches a capability set to the thread (spec §3).
func WithCapabilities(caps ...string) ThreadOption {
	return func(t *Thread) { t.capabilities = append([]string(nil), caps...) }
}

// WithRealtime configures the Realtime scheduling discipline. Only valid
// together with band=Realtime.
func WithRealtime(rt RTParams) ThreadOption {
	return func(t *Thread) { t.rt = &rt }
}

// Create spawns a new thread in Ready state and enqueues it at its band's
// tail (spec §4.1 "create(name, entry, priority) -> ThreadId"). The
// thread's goroutine starts immediately but blocks until the scheduler
// first selects it.
func (s *Scheduler) Create(name string, entry EntryFunc, band Band, opts ...ThreadOption) (ThreadID, error) {
	s.mu.Lock()
	t := s.newThread(name, entry, band, nil)
	if t == nil {
		s.mu.Unlock()
		return 0, errors.ErrOutOfResources
	}
	for _, opt := range opts {
		opt(t)
	}
	if band == Realtime && t.rt != nil && t.rt.Discipline == RTPeriodicEDF {
		t.rt.deadlineNs = s.clock.NowNs() + t.rt.Period
		s.rt.pushEDF(t.ID, t.rt.deadlineNs)
	} else if band == Realtime {
		s.rt.pushFIFO(t.ID)
	} else {
		s.bands[band].pushBack(t.ID)
	}
	s.mu.Unlock()

	if entry != nil {
		go s.run(t)
	}
	return t.ID, nil
}

// SpawnKernelThread allocates a kernel stack (implicit; the goroutine
// stack stands in for it in this simulation) and constructs a thread
// that, on first switch, begins executing entryFn (spec §4.1
// "spawn_kernel_thread"). Kernel threads are always ring-0 and share the
// kernel address space.
func (s *Scheduler) SpawnKernelThread(name string, entryFn EntryFunc) (ThreadID, error) {
	id, err := s.Create(name, entryFn, Normal)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if t, ok := s.threads[id]; ok {
		t.Kernel = true
	}
	s.mu.Unlock()
	return id, nil
}

func (s *Scheduler) run(t *Thread) {
	defer close(t.done)
	if !s.Checkpoint(t.ID) {
		return // terminated before ever being scheduled
	}
	t.entry(s, t.ID)
	_ = s.Terminate(t.ID)
}

// SetGamingMode trades latency for throughput (spec §4.1): shortens the
// quantum and, while active, drains the Realtime band before any other
// band on every scheduling decision.
func (s *Scheduler) SetGamingMode(on bool) {
	s.gaming.Store(on)
}

func (s *Scheduler) quantum() time.Duration {
	if s.gaming.Load() {
		return QuantumGaming
	}
	return QuantumNormal
}

// GetThread returns a point-in-time snapshot of a thread's accounting
// fields (spec §3 "accounting counters").
func (s *Scheduler) GetThread(id ThreadID) (Snapshot, error) {
	s.mu.Lock()
	t, ok := s.threads[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.ErrThreadNotFound
	}
	return t.snapshot(), nil
}

// ReadyLen reports the current depth of a band's ready queue, for
// telemetry and tests.
func (s *Scheduler) ReadyLen(band Band) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if band == Realtime {
		return s.rt.len()
	}
	return s.bands[band].len()
}

// Switches returns the cumulative number of context switches performed.
func (s *Scheduler) Switches() uint64 { return s.switches.Load() }

func (s *Scheduler) mustThread(id ThreadID) (*Thread, error) {
	s.mu.Lock()
	t, ok := s.threads[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.ErrThreadNotFound
	}
	return t, nil
}
