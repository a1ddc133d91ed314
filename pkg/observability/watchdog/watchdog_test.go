// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corelattice/kernel/pkg/clock"
	kernelerrors "github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/observability/watchdog"
)

func TestHeartbeatDemotesTriggeredToActive(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("scheduler", "sched-wd", watchdog.Config{
		Timeout: 10 * time.Millisecond,
		Policy:  watchdog.WarnOnly,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start("scheduler"))

	cl.Advance(uint64(11 * time.Millisecond))
	actions := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionWarn}, actions)

	w, err := r.Get("scheduler")
	require.NoError(t, err)
	assert.Equal(t, watchdog.Triggered, w.State())

	require.NoError(t, r.Heartbeat("scheduler"))
	assert.Equal(t, watchdog.Active, w.State())
}

func TestRestartPolicyInvokesHandlerUnderFailureCap(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("ipc", "ipc-wd", watchdog.Config{
		Timeout:            10 * time.Millisecond,
		MaxFailures:        5,
		MaxRestartsPerHour: 5,
		Policy:             watchdog.Restart,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start("ipc"))

	var restarted int
	require.NoError(t, r.SetRestartHandler("ipc", func(watchdog.Subsystem) error {
		restarted++
		return nil
	}))

	cl.Advance(uint64(11 * time.Millisecond))
	actions := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionRestart}, actions)
	assert.Equal(t, 1, restarted)
}

func TestRestartPolicyExceedingHourlyCapDemotesToFailed(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("ipc", "ipc-wd", watchdog.Config{
		Timeout:            time.Millisecond,
		MaxFailures:        100,
		MaxRestartsPerHour: 1,
		Policy:             watchdog.Restart,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start("ipc"))
	require.NoError(t, r.SetRestartHandler("ipc", func(watchdog.Subsystem) error { return nil }))

	cl.Advance(uint64(2 * time.Millisecond))
	first := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionRestart}, first)

	require.NoError(t, r.Heartbeat("ipc"))
	cl.Advance(uint64(2 * time.Millisecond))
	second := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionDemoteFailed}, second)

	w, err := r.Get("ipc")
	require.NoError(t, err)
	assert.Equal(t, watchdog.Failed, w.State())
}

func TestRestartPolicyWithoutHourlyCapIsUnlimited(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("ipc", "ipc-wd", watchdog.Config{
		Timeout:     time.Millisecond,
		MaxFailures: 2,
		Policy:      watchdog.Restart,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start("ipc"))
	require.NoError(t, r.SetRestartHandler("ipc", func(watchdog.Subsystem) error { return nil }))

	cl.Advance(uint64(2 * time.Millisecond))
	first := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionRestart}, first)

	require.NoError(t, r.Heartbeat("ipc"))
	cl.Advance(uint64(2 * time.Millisecond))
	second := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionRestart}, second)

	require.NoError(t, r.Heartbeat("ipc"))
	cl.Advance(uint64(2 * time.Millisecond))
	third := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionDemoteFailed}, third)

	w, err := r.Get("ipc")
	require.NoError(t, err)
	assert.Equal(t, watchdog.Failed, w.State())
}

func TestPanicPolicyDemotesToFailed(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("network", "net-wd", watchdog.Config{
		Timeout: time.Millisecond,
		Policy:  watchdog.Panic,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start("network"))

	cl.Advance(uint64(2 * time.Millisecond))
	actions := r.MonitorPass(context.Background())
	require.Equal(t, []watchdog.Action{watchdog.ActionPanic}, actions)

	w, err := r.Get("network")
	require.NoError(t, err)
	assert.Equal(t, watchdog.Failed, w.State())
}

func TestStopSkipsMonitorPass(t *testing.T) {
	cl := clock.NewManual()
	r := watchdog.New(watchdog.Options{Clock: cl, Logger: logr.Discard()})

	_, err := r.Register("audio", "audio-wd", watchdog.Config{Timeout: time.Millisecond, Policy: watchdog.WarnOnly})
	require.NoError(t, err)
	require.NoError(t, r.Start("audio"))
	require.NoError(t, r.Stop("audio"))

	cl.Advance(uint64(2 * time.Millisecond))
	assert.Empty(t, r.MonitorPass(context.Background()))
}

func TestRegisterRejectsDuplicateSubsystem(t *testing.T) {
	r := watchdog.New(watchdog.Options{Logger: logr.Discard()})
	_, err := r.Register("audio", "a", watchdog.Config{})
	require.NoError(t, err)
	_, err = r.Register("audio", "b", watchdog.Config{})
	assert.ErrorIs(t, err, kernelerrors.ErrAlreadyExists)
}
