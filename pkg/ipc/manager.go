// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import (
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/handle"
)

// Options configures a Manager.
type Options struct {
	Clock     clock.Source
	Scheduler Scheduler
	Logger    logr.Logger
}

type noopScheduler struct{}

func (noopScheduler) BlockCurrent(ThreadID) error  { return nil }
func (noopScheduler) Unblock(ThreadID) error       { return nil }
func (noopScheduler) YieldCurrent(ThreadID) error  { return nil }

// Manager owns the channel table, semaphore table, and shared-memory
// region table (spec §3 ownership summary: "IPC components exclusively
// own their queues, semaphore waiters, and attachment sets").
type Manager struct {
	handles *handle.Generator
	clock   clock.Source
	sched   Scheduler
	logger  logr.Logger

	chMu    sync.RWMutex
	chans   map[ChannelID]*Channel
	chNames map[string]ChannelID

	semMu sync.RWMutex
	sems  map[SemaphoreID]*Semaphore

	regMu   sync.RWMutex
	regions map[RegionID]*Region
}

// New constructs a Manager. Clock defaults to clock.NewSystem(); Scheduler
// defaults to a no-op collaborator (useful for unit-testing IPC in
// isolation from a live Scheduler).
func New(opts Options) *Manager {
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	sch := opts.Scheduler
	if sch == nil {
		sch = noopScheduler{}
	}
	return &Manager{
		handles: handle.NewGenerator(),
		clock:   cl,
		sched:   sch,
		logger:  opts.Logger.WithName("ipc"),
		chans:   make(map[ChannelID]*Channel),
		chNames: make(map[string]ChannelID),
		sems:    make(map[SemaphoreID]*Semaphore),
		regions: make(map[RegionID]*Region),
	}
}

func (m *Manager) nextHandle() (handle.T, error) {
	id, ok := m.handles.Next()
	if !ok {
		return 0, errors.ErrOutOfResources
	}
	return id, nil
}

// Cleanup tears down every resource owned by a terminated thread (spec
// §4.2 "Process cleanup"): channels, then semaphores, then shared-memory
// regions owned by tid are destroyed; tid is then scrubbed from every
// subscriber list and semaphore waiter queue, and force-detached from
// every region it had attached. Errors from independent steps are
// aggregated rather than aborting the whole cleanup (spec's locking
// discipline: "scheduler → channels → semaphores → shared-memory →
// service registry → observability" fixed acquisition order; Cleanup
// follows the same order for its corresponding tables).
func (m *Manager) Cleanup(tid ThreadID) error {
	var errs error

	errs = multierr.Append(errs, m.destroyOwned(tid))
	errs = multierr.Append(errs, m.destroySemaphoresOwned(tid))
	errs = multierr.Append(errs, m.destroyRegionsOwned(tid))

	m.scrubSubscriptions(tid)
	m.scrubWaiters(tid)
	m.forceDetachAll(tid)

	return errs
}

func (m *Manager) destroyOwned(tid ThreadID) error {
	m.chMu.Lock()
	var owned []ChannelID
	for id, ch := range m.chans {
		if ch.Owner == tid {
			owned = append(owned, id)
		}
	}
	m.chMu.Unlock()

	var errs error
	for _, id := range owned {
		errs = multierr.Append(errs, m.Destroy(id, tid))
	}
	return errs
}

func (m *Manager) destroySemaphoresOwned(tid ThreadID) error {
	m.semMu.Lock()
	var owned []SemaphoreID
	for id, s := range m.sems {
		if s.Owner == tid {
			owned = append(owned, id)
		}
	}
	m.semMu.Unlock()

	var errs error
	for _, id := range owned {
		errs = multierr.Append(errs, m.DestroySemaphore(id, tid))
	}
	return errs
}

func (m *Manager) destroyRegionsOwned(tid ThreadID) error {
	m.regMu.Lock()
	var owned []RegionID
	for id, r := range m.regions {
		if r.Owner == tid {
			owned = append(owned, id)
		}
	}
	m.regMu.Unlock()

	var errs error
	for _, id := range owned {
		errs = multierr.Append(errs, m.DestroyRegion(id, tid))
	}
	return errs
}

func (m *Manager) scrubSubscriptions(tid ThreadID) {
	m.chMu.RLock()
	chans := make([]*Channel, 0, len(m.chans))
	for _, ch := range m.chans {
		chans = append(chans, ch)
	}
	m.chMu.RUnlock()

	for _, ch := range chans {
		ch.mu.Lock()
		delete(ch.subscribers, tid)
		ch.mu.Unlock()
	}
}

func (m *Manager) scrubWaiters(tid ThreadID) {
	m.semMu.RLock()
	sems := make([]*Semaphore, 0, len(m.sems))
	for _, s := range m.sems {
		sems = append(sems, s)
	}
	m.semMu.RUnlock()

	for _, s := range sems {
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == tid {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

func (m *Manager) forceDetachAll(tid ThreadID) {
	m.regMu.RLock()
	regions := make([]*Region, 0, len(m.regions))
	for _, r := range m.regions {
		regions = append(regions, r)
	}
	m.regMu.RUnlock()

	for _, r := range regions {
		r.mu.Lock()
		delete(r.attached, tid)
		r.mu.Unlock()
	}
}

// ChannelCount returns the number of live channels, for telemetry.
func (m *Manager) ChannelCount() int {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	return len(m.chans)
}

// SemaphoreCount returns the number of live semaphores, for telemetry.
func (m *Manager) SemaphoreCount() int {
	m.semMu.RLock()
	defer m.semMu.RUnlock()
	return len(m.sems)
}

// RegionCount returns the number of live shared-memory regions, for
// telemetry.
func (m *Manager) RegionCount() int {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	return len(m.regions)
}
