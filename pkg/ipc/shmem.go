// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import "github.com/corelattice/kernel/pkg/errors"

// CreateRegion allocates identity and permission bookkeeping for a
// shared-memory region (spec §4.2 "create(size, owner, perms, name?) ->
// RegionId"); mapping its pages is delegated to the memory-manager
// collaborator and is out of scope here (spec §4.2 "Shared memory").
func (m *Manager) CreateRegion(size uint64, owner ThreadID, perm Permissions, name string) (RegionID, error) {
	id, err := m.nextHandle()
	if err != nil {
		return 0, err
	}
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.regions[id] = &Region{
		ID:       id,
		Name:     name,
		Owner:    owner,
		SizeB:    size,
		Perm:     perm,
		attached: make(map[ThreadID]struct{}),
	}
	return id, nil
}

func (m *Manager) getRegion(id RegionID) (*Region, error) {
	m.regMu.RLock()
	r, ok := m.regions[id]
	m.regMu.RUnlock()
	if !ok {
		return nil, errors.ErrSharedMemoryNotFound
	}
	return r, nil
}

// Attach records tid as a user of id (spec §4.2 "attach(id, tid)").
func (m *Manager) Attach(id RegionID, tid ThreadID) error {
	r, err := m.getRegion(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return errors.ErrSharedMemoryNotFound
	}
	r.attached[tid] = struct{}{}
	return nil
}

// Detach removes tid's attachment to id; idempotent (spec §3 "Invariant:
// detach is idempotent").
func (m *Manager) Detach(id RegionID, tid ThreadID) error {
	r, err := m.getRegion(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.attached, tid)
	r.mu.Unlock()
	return nil
}

// DestroyRegion releases a region; only the owner may destroy it. Every
// attached thread is force-detached before release (spec §3 "destroying a region with live
// attachments is the owner's responsibility -- the core must then
// force-detach every attached thread before release").
func (m *Manager) DestroyRegion(id RegionID, caller ThreadID) error {
	r, err := m.getRegion(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.Owner != caller {
		r.mu.Unlock()
		return errors.ErrPermissionDenied
	}
	r.destroyed = true
	for tid := range r.attached {
		delete(r.attached, tid)
	}
	r.mu.Unlock()

	m.regMu.Lock()
	delete(m.regions, id)
	m.regMu.Unlock()
	return nil
}
