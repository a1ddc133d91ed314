// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/clock"
	kernelerrors "github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/ipc"
)

const (
	owner    ipc.ThreadID = 1
	other    ipc.ThreadID = 2
)

func newManager() *ipc.Manager {
	return ipc.New(ipc.Options{Clock: clock.NewManual()})
}

func TestSendReceiveFIFOWithinPriority(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 8, "")
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityNormal, []byte("first"), nil)
	require.NoError(t, err)
	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityNormal, []byte("second"), nil)
	require.NoError(t, err)

	msg1, err := m.Receive(ch, owner)
	require.NoError(t, err)
	require.NotNil(t, msg1)
	assert.Equal(t, "first", string(msg1.Payload))

	msg2, err := m.Receive(ch, owner)
	require.NoError(t, err)
	require.NotNil(t, msg2)
	assert.Equal(t, "second", string(msg2.Payload))
}

func TestHigherPriorityDeliveredFirst(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 8, "")
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityLow, []byte("low"), nil)
	require.NoError(t, err)
	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityCritical, []byte("critical"), nil)
	require.NoError(t, err)
	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityNormal, []byte("normal"), nil)
	require.NoError(t, err)

	first, err := m.Receive(ch, owner)
	require.NoError(t, err)
	assert.Equal(t, "critical", string(first.Payload))

	second, err := m.Receive(ch, owner)
	require.NoError(t, err)
	assert.Equal(t, "normal", string(second.Payload))

	third, err := m.Receive(ch, owner)
	require.NoError(t, err)
	assert.Equal(t, "low", string(third.Payload))
}

func TestReceiveOnEmptyQueueReturnsNil(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 8, "")
	require.NoError(t, err)

	msg, err := m.Receive(ch, owner)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestQueueFullRejectsSend(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 1, "")
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityNormal, []byte("a"), nil)
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.Asynchronous, ipc.PriorityNormal, []byte("b"), nil)
	assert.ErrorIs(t, err, kernelerrors.ErrQueueFull)
}

func TestSendRejectsMismatchedDiscipline(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 4, "")
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.RequestResponse, ipc.PriorityNormal, []byte("x"), nil)
	assert.ErrorIs(t, err, kernelerrors.ErrInvalidMessageType)
}

func TestSynchronousReceiveRequiresOwnerOrSubscriber(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Synchronous, owner, 4, "")
	require.NoError(t, err)

	_, err = m.Send(ch, owner, nil, ipc.Synchronous, ipc.PriorityNormal, []byte("x"), nil)
	require.NoError(t, err)

	_, err = m.Receive(ch, other)
	assert.ErrorIs(t, err, kernelerrors.ErrPermissionDenied)

	require.NoError(t, m.Subscribe(ch, other))
	msg, err := m.Receive(ch, other)
	require.NoError(t, err)
	assert.Equal(t, "x", string(msg.Payload))
}

func TestDestroyRequiresOwner(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 4, "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Destroy(ch, other), kernelerrors.ErrPermissionDenied)
	assert.NoError(t, m.Destroy(ch, owner))

	_, err = m.Receive(ch, owner)
	assert.ErrorIs(t, err, kernelerrors.ErrChannelNotFound)
}

func TestFindByName(t *testing.T) {
	m := newManager()
	ch, err := m.CreateChannel(ipc.Asynchronous, owner, 4, "input")
	require.NoError(t, err)

	found, ok := m.FindByName("input")
	require.True(t, ok)
	assert.Equal(t, ch, found)

	_, ok = m.FindByName("missing")
	assert.False(t, ok)
}
