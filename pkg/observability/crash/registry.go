// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package crash

import (
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/client-go/util/workqueue"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/handle"
	"github.com/corelattice/kernel/pkg/telemetry/ringbuffer"
)

const ringCapacity = 16

// EventSink records crash contexts as observability events (spec §6
// "Observability event stream": "Crash{kind, severity, subsystem?,
// message, recovery_action}").
type EventSink interface {
	EmitCrash(kind Kind, severity Severity, subsystem string, message string, action RecoveryAction)
}

type noopSink struct{}

func (noopSink) EmitCrash(Kind, Severity, string, string, RecoveryAction) {}

// RestartSubsystemFn, RestartProcessFn, RestartServiceFn, RebootFn, and
// HaltFn are the collaborator hooks a crash Registry invokes to carry out
// a decided RecoveryAction (spec §4.4 step 7; §7 tier 3 "Fatal
// conditions... halt the CPU"). A nil hook makes the corresponding
// action a no-op other than bookkeeping.
type RestartSubsystemFn func(subsystem string) error
type RestartProcessFn func(process handle.T) error
type RestartServiceFn func(subsystem string) error
type RebootFn func()
type HaltFn func()

// Recovery configures a Registry's automatic-recovery behavior (spec
// §4.4 step 7-8).
type Recovery struct {
	Enabled bool
	// MaxAttemptsPerProcess bounds how many recovery attempts a single
	// process may receive across its lifetime (spec §4.4 step 7
	// "honoring a per-process max-attempt count"). Zero is treated as a
	// cap of one attempt; a negative value disables the cap entirely
	// (unbounded retries).
	MaxAttemptsPerProcess int
	RebootOnCritical      bool

	RestartSubsystem RestartSubsystemFn
	RestartProcess   RestartProcessFn
	RestartService   RestartServiceFn
	Reboot           RebootFn
	Halt             HaltFn

	// CaptureRegisters and CaptureMemoryRegions are supplied by the
	// caller to capture platform state at crash time (spec §4.4 steps
	// 2-3, both "(if configured)"). Either may be nil.
	CaptureRegisters     func() map[string]uint64
	CaptureStack         func(maxFrames int) []uint64
	CaptureMemoryRegions func() []RegionDescriptor

	// RecoveryWorkers sizes the background dispatch pool (default 2).
	RecoveryWorkers int
}

// Options configures a Registry.
type Options struct {
	Clock    clock.Source
	Events   EventSink
	Logger   logr.Logger
	Recovery Recovery
}

// Registry is the observability core's crash-context capture and
// recovery subsystem (spec §4.4 "Crash handler"; §3 ownership: "crash
// ring, per-kind/per-subsystem counters").
type Registry struct {
	clock    clock.Source
	events   EventSink
	logger   logr.Logger
	recovery Recovery

	handles *handle.Generator

	mu                sync.RWMutex
	ring              *ringbuffer.RingBuffer[*Context]
	byID              map[ID]*Context
	kindCounters      map[Kind]uint64
	subsystemCounters map[string]uint64
	processAttempts   map[handle.T]int

	queue  workqueue.TypedRateLimitingInterface[ID]
	wg     sync.WaitGroup
	closed bool
}

// New constructs a crash Registry and starts its background recovery
// dispatch workers (spec §4.4 step 7: recovery is invoked once the
// action is decided, off the handle_crash call path, so a reporting
// caller is not blocked behind a restart or reboot attempt; only a
// Fatal halt runs inline).
func New(opts Options) *Registry {
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	ev := opts.Events
	if ev == nil {
		ev = noopSink{}
	}
	ring, _ := ringbuffer.New[*Context](ringCapacity)
	r := &Registry{
		clock:             cl,
		events:            ev,
		logger:            opts.Logger.WithName("crash"),
		recovery:          opts.Recovery,
		handles:           handle.NewGenerator(),
		ring:              ring,
		byID:              make(map[ID]*Context),
		kindCounters:      make(map[Kind]uint64),
		subsystemCounters: make(map[string]uint64),
		processAttempts:   make(map[handle.T]int),
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[ID](),
			workqueue.TypedRateLimitingQueueConfig[ID]{Name: "crash_recovery"},
		),
	}

	workers := opts.Recovery.RecoveryWorkers
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.runRecoveryWorker()
	}
	return r
}

// Close stops the recovery dispatch workers. Queued-but-unprocessed
// recovery attempts are dropped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.queue.ShutDown()
	r.wg.Wait()
}

func (r *Registry) runRecoveryWorker() {
	defer r.wg.Done()
	for {
		id, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		r.dispatchRecovery(id)
		r.queue.Done(id)
	}
}

// Get returns a copy of the crash context identified by id, for test and
// flight-recorder tooling.
func (r *Registry) Get(id ID) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cc, ok := r.byID[id]
	if !ok {
		return Context{}, false
	}
	return *cc, true
}

// Recent returns every crash context currently held in the bounded ring,
// oldest first (spec §4.4 step 5).
func (r *Registry) Recent() []Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.ring.GetAll()
	out := make([]Context, len(entries))
	for i, cc := range entries {
		out[i] = *cc
	}
	return out
}

// KindCount returns the number of crashes recorded for kind since boot
// (spec §4.4 step 6).
func (r *Registry) KindCount(kind Kind) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kindCounters[kind]
}

// SubsystemCount returns the number of crashes tagged with subsystem
// since boot (spec §4.4 step 6).
func (r *Registry) SubsystemCount(subsystem string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subsystemCounters[subsystem]
}
