// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/registry"
)

func TestHealthCheckAllDemotesDeadServices(t *testing.T) {
	r, _, live := newRegistry()

	kinds := []registry.Kind{registry.Network, registry.Audio, registry.Storage, registry.Security, registry.Compositor}
	for i, k := range kinds {
		pid := registry.ThreadID(i + 1)
		require.NoError(t, r.Register(k, pid, registry.CapabilityDescriptor{}))
		require.NoError(t, r.UpdateStatus(k, registry.Running))
		live.alive[pid] = true
	}
	// Audio's process has died.
	live.alive[registry.ThreadID(2)] = false

	results := r.HealthCheckAll()
	require.Len(t, results, len(kinds))

	byKind := make(map[registry.Kind]bool, len(results))
	for _, res := range results {
		byKind[res.Kind] = res.Healthy
	}
	assert.False(t, byKind[registry.Audio])
	assert.True(t, byKind[registry.Network])

	snap, err := r.Entry(registry.Audio)
	require.NoError(t, err)
	assert.Equal(t, registry.Failed, snap.Status)
	assert.NotZero(t, snap.LastHealthCheck)

	// The demoted service no longer counts as running.
	assert.NotContains(t, r.RunningServices(), registry.Audio)
}

func TestHealthCheckAllOnNoRunningServicesReturnsEmpty(t *testing.T) {
	r, _, _ := newRegistry()
	require.NoError(t, r.Register(registry.Network, 1, registry.CapabilityDescriptor{}))
	assert.Empty(t, r.HealthCheckAll())
}
