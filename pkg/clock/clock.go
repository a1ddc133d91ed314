// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package clock is the L0 time source (spec §2, §6): a monotonic
// nanosecond clock and a programmable one-shot deadline timer that is the
// sole interrupt source driving scheduling quanta. On real hardware this
// collaborator is backed by the TSC or HPET; this package provides the
// interface contract plus a software-timer-wheel implementation suitable
// for a hosted simulation of the kernel core.
package clock

import (
	"sync"
	"time"
)

// Source is the external interface the scheduler and observability core
// consume (spec §6 "Timer/clock collaborator"). now_ns is monotonic and
// never decreases; set_deadline arms a single one-shot timer that invokes
// fn once, at or after the requested instant. System calls fn from its
// own timer goroutine; Manual calls it synchronously from Advance.
type Source interface {
	NowNs() uint64
	SetDeadline(absoluteNs uint64, fn func())
	CancelDeadline()
}

// System is a Source backed by the Go runtime's monotonic clock
// (time.Since of a fixed epoch). It is the default collaborator used
// outside of tests: jitter is whatever the Go runtime's timer wheel gives
// us, which on commodity hardware is comfortably inside the spec's
// illustrative 50µs p99 bound for non-realtime work.
type System struct {
	epoch time.Time

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewSystem returns a System clock whose epoch is the instant it was
// created; NowNs() is relative to that epoch, matching the "monotonic
// nanosecond timestamps" contract without claiming any relationship to
// wall-clock time.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

func (s *System) NowNs() uint64 {
	return uint64(time.Since(s.epoch).Nanoseconds())
}

// SetDeadline arms a one-shot timer for absoluteNs, replacing any
// previously armed deadline (the collaborator contract is "a single
// one-shot timer"; a second call supersedes the first, mirroring how a
// single APIC one-shot register works in hardware).
func (s *System) SetDeadline(absoluteNs uint64, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	now := s.NowNs()
	var d time.Duration
	if absoluteNs > now {
		d = time.Duration(absoluteNs - now)
	}
	s.pending = true
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		fn()
	})
}

// CancelDeadline disarms the pending one-shot timer, if any. It is a
// no-op if no deadline is currently armed.
func (s *System) CancelDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.pending = false
	}
}
