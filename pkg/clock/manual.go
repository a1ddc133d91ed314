// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clock

import "sync"

// Manual is a Source whose time only advances when Advance is called.
// It exists so scheduler, watchdog, and trace-expiry tests can assert
// exact tick boundaries (spec §8: "Time-slice expiry preempts a CPU-bound
// thread at the configured quantum boundary ± one tick") without
// depending on wall-clock scheduling jitter.
type Manual struct {
	mu       sync.Mutex
	now      uint64
	deadline uint64
	armed    bool
	fn       func()
}

// NewManual returns a Manual clock starting at t=0.
func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) NowNs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) SetDeadline(absoluteNs uint64, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = absoluteNs
	m.fn = fn
	m.armed = true
}

func (m *Manual) CancelDeadline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
	m.fn = nil
}

// Advance moves the clock forward by d nanoseconds, firing the armed
// deadline (at most once, synchronously, on the caller's goroutine) if
// the advance crosses it.
func (m *Manual) Advance(d uint64) {
	m.mu.Lock()
	m.now += d
	var fire func()
	if m.armed && m.now >= m.deadline {
		fire = m.fn
		m.armed = false
		m.fn = nil
	}
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
}
