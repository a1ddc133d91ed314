// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import "github.com/corelattice/kernel/pkg/errors"

// CreateSemaphore allocates a counting semaphore (spec §4.2 "create(initial,
// max, owner, name?) -> SemaphoreId"). initial must be in [0, max].
func (m *Manager) CreateSemaphore(initial, max int, owner ThreadID, name string) (SemaphoreID, error) {
	if initial < 0 || initial > max {
		return 0, errors.ErrInvalidOperation
	}
	id, err := m.nextHandle()
	if err != nil {
		return 0, err
	}
	m.semMu.Lock()
	defer m.semMu.Unlock()
	m.sems[id] = &Semaphore{ID: id, Name: name, Owner: owner, Max: max, count: initial}
	return id, nil
}

func (m *Manager) getSemaphore(id SemaphoreID) (*Semaphore, error) {
	m.semMu.RLock()
	s, ok := m.sems[id]
	m.semMu.RUnlock()
	if !ok {
		return nil, errors.ErrSemaphoreNotFound
	}
	return s, nil
}

// Wait decrements id's count, blocking the caller (via the Scheduler
// collaborator) if the count is zero (spec §4.2 "wait(id, tid) --
// succeeds (decrement) or blocks by enqueuing the caller"; §3
// "Semaphore" invariant). The FIFO waiter queue guarantees a blocked
// caller is woken in arrival order by a later Signal.
func (m *Manager) Wait(id SemaphoreID, tid ThreadID) error {
	s, err := m.getSemaphore(id)
	if err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return nil
		}
		already := false
		for _, w := range s.waiters {
			if w == tid {
				already = true
				break
			}
		}
		if !already {
			s.waiters = append(s.waiters, tid)
		}
		s.mu.Unlock()

		if err := m.sched.BlockCurrent(tid); err != nil {
			return err
		}
		// Woken: either we were directly transferred the permit by
		// Signal (in which case we are no longer in s.waiters and the
		// loop's count check is academic), or spuriously — either way
		// the loop re-checks state rather than assuming success.
		if !m.waiterStillQueued(s, tid) {
			return nil
		}
	}
}

func (m *Manager) waiterStillQueued(s *Semaphore, tid ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.waiters {
		if w == tid {
			return true
		}
	}
	return false
}

// TryWait attempts a non-blocking decrement (spec §4.2 "try_wait(id) --
// succeeds or returns WouldBlock").
func (m *Manager) TryWait(id SemaphoreID) error {
	s, err := m.getSemaphore(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return nil
	}
	return errors.ErrWouldBlock
}

// Signal transfers the permit to the oldest waiter if one exists without
// touching the count, otherwise increments the count up to Max (spec §4.2
// "signal(id) -> Option<ThreadId>"; §4.2 "Semaphore fairness": "a signal
// with a non-empty waiter queue transfers the permit directly to the head
// waiter ... the count is not incremented").
func (m *Manager) Signal(id SemaphoreID) (ThreadID, bool, error) {
	s, err := m.getSemaphore(id)
	if err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	if len(s.waiters) > 0 {
		woken := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		_ = m.sched.Unblock(woken)
		return woken, true, nil
	}
	if s.count < s.Max {
		s.count++
	}
	s.mu.Unlock()
	return 0, false, nil
}

// DestroySemaphore removes a semaphore; only the owner may destroy it.
func (m *Manager) DestroySemaphore(id SemaphoreID, caller ThreadID) error {
	s, err := m.getSemaphore(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.Owner != caller {
		s.mu.Unlock()
		return errors.ErrPermissionDenied
	}
	waiters := append([]ThreadID(nil), s.waiters...)
	s.waiters = nil
	s.mu.Unlock()

	for _, tid := range waiters {
		_ = m.sched.Unblock(tid)
	}

	m.semMu.Lock()
	delete(m.sems, id)
	m.semMu.Unlock()
	return nil
}
