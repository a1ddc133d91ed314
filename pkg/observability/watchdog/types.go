// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package watchdog is the observability core's liveness-monitoring
// subsystem (spec §4.4 "Watchdogs"): per-subsystem heartbeat tracking, a
// periodic monitor pass, and an escalation policy deciding what happens
// when a subsystem stops heartbeating.
package watchdog

import (
	"time"

	"github.com/corelattice/kernel/pkg/handle"
)

// ID addresses a registered watchdog.
type ID = handle.T

// Subsystem names the thing being watched (e.g. "scheduler", "ipc", or
// a registry.Kind's string form).
type Subsystem string

// State is a watchdog's lifecycle state (spec §4.4 "heartbeat updates
// the watchdog's last-heartbeat timestamp and, if the state is
// Triggered, demotes it to Active").
type State int

const (
	Active State = iota
	Triggered
	Failed
)

// Policy selects the escalation behavior of a triggered watchdog (spec
// §4.4 escalation-policy bullets).
type Policy int

const (
	WarnOnly Policy = iota
	Restart
	RestartThenPanic
	Panic
	Custom
)

// Action is what the monitor pass decided to do for a triggered
// watchdog, reported to the caller-supplied Custom decision function and
// recorded as an observability event.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionRestart
	ActionPanic
	ActionDemoteFailed
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarn:
		return "warn"
	case ActionRestart:
		return "restart"
	case ActionPanic:
		return "panic"
	case ActionDemoteFailed:
		return "demote_failed"
	default:
		return "unknown"
	}
}

// RestartHandler attempts to restart the subsystem; an error means the
// attempt itself failed (spec §4.4 "set_restart_handler(subsystem, fn)").
type RestartHandler func(Subsystem) error

// HealthCheckHandler reports whether the subsystem considers itself
// healthy independent of heartbeat timing (spec §4.4
// "set_health_check_handler(subsystem, fn)").
type HealthCheckHandler func(Subsystem) bool

// CustomDecision is consulted by a Custom-policy watchdog in place of
// the built-in escalation ladder (spec §4.4 "Custom: delegate to a
// caller-supplied decision function").
type CustomDecision func(w *Watchdog) Action

// Config is a watchdog's registration-time policy (spec §4.4
// "register(subsystem, name, config) -> WatchdogId").
type Config struct {
	Timeout            time.Duration
	MaxFailures         int
	MaxRestartsPerHour  int
	Policy              Policy
	Custom              CustomDecision
}

// Watchdog is one subsystem's liveness record.
type Watchdog struct {
	ID        ID
	Subsystem Subsystem
	Name      string
	Config    Config

	state           State
	lastHeartbeatNs uint64
	failureCount    int
	running         bool

	restartFn     RestartHandler
	healthCheckFn HealthCheckHandler
}

// State returns the watchdog's current lifecycle state.
func (w *Watchdog) State() State {
	return w.state
}

// FailureCount returns the number of consecutive triggers observed.
func (w *Watchdog) FailureCount() int {
	return w.failureCount
}
