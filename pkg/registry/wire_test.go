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

	kernelerrors "github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/registry"
)

func TestEncodeDecodeControlRoundTrip(t *testing.T) {
	msg := registry.ControlMessage{
		Tag:     registry.CtrlHealthResponse,
		Kind:    registry.Storage,
		Healthy: true,
		Details: "all good",
	}
	decoded, err := registry.DecodeControl(registry.EncodeControl(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

type fakeProcController struct {
	startErr, stopErr, restartErr error
}

func (f *fakeProcController) StartProcess(registry.Kind) error   { return f.startErr }
func (f *fakeProcController) StopProcess(registry.Kind) error    { return f.stopErr }
func (f *fakeProcController) RestartProcess(registry.Kind) error { return f.restartErr }

func TestHandleServiceMessageGetStatus(t *testing.T) {
	r, disp, _ := newRegistry()
	require.NoError(t, r.Register(registry.Storage, serviceProc, registry.CapabilityDescriptor{}))
	require.NoError(t, r.UpdateStatus(registry.Storage, registry.Running))
	require.NoError(t, r.SetEndpoint(registry.Storage, 9))

	msg := registry.ControlMessage{Tag: registry.CtrlGetStatus, Kind: registry.Storage}
	require.NoError(t, r.HandleServiceMessage(registry.Storage, msg, serviceProc, &fakeProcController{}))

	require.Len(t, disp.log, 1)
	reply, err := registry.DecodeControl(disp.log[0].payload)
	require.NoError(t, err)
	assert.Equal(t, registry.CtrlStatusResponse, reply.Tag)
	assert.Equal(t, registry.Running, reply.Status)
}

func TestHandleServiceMessageHealthCheck(t *testing.T) {
	r, disp, live := newRegistry()
	require.NoError(t, r.Register(registry.Network, serviceProc, registry.CapabilityDescriptor{}))
	require.NoError(t, r.SetEndpoint(registry.Network, 3))
	live.alive[serviceProc] = true

	msg := registry.ControlMessage{Tag: registry.CtrlHealthCheck, Kind: registry.Network}
	require.NoError(t, r.HandleServiceMessage(registry.Network, msg, serviceProc, &fakeProcController{}))

	reply, err := registry.DecodeControl(disp.log[0].payload)
	require.NoError(t, err)
	assert.Equal(t, registry.CtrlHealthResponse, reply.Tag)
	assert.True(t, reply.Healthy)
}

func TestHandleServiceMessageRestartIncrementsCounter(t *testing.T) {
	r, _, _ := newRegistry()
	require.NoError(t, r.Register(registry.Audio, serviceProc, registry.CapabilityDescriptor{}))
	require.NoError(t, r.SetEndpoint(registry.Audio, 5))

	msg := registry.ControlMessage{Tag: registry.CtrlRestart, Kind: registry.Audio}
	require.NoError(t, r.HandleServiceMessage(registry.Audio, msg, serviceProc, &fakeProcController{}))

	snap, err := r.Entry(registry.Audio)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RestartCount)
	assert.Equal(t, registry.Starting, snap.Status)
}

func TestHandleServiceMessageUnknownTag(t *testing.T) {
	r, _, _ := newRegistry()
	require.NoError(t, r.Register(registry.Security, serviceProc, registry.CapabilityDescriptor{}))
	msg := registry.ControlMessage{Tag: registry.ControlTag(99), Kind: registry.Security}
	assert.ErrorIs(t, r.HandleServiceMessage(registry.Security, msg, serviceProc, &fakeProcController{}), kernelerrors.ErrInvalidMessageType)
}
