// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package watchdog

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// restartInvocationBudget bounds how long a single restart-handler
// invocation may be retried for within one monitor pass (spec-full §2
// "backoff/v5 -- watchdog restart-handler invocation").
const restartInvocationBudget = 2 * time.Second

// MonitorPass iterates every running watchdog (spec §4.4 "A periodic
// monitor pass (every ~1s) iterates active watchdogs; for each, if now -
// last_heartbeat > timeout, the watchdog becomes Triggered, its failure
// count increments, and the escalation policy decides the action").
// Callers drive the ~1s period themselves (e.g. via pkg/clock or a
// ticker in cmd/kernel); MonitorPass itself performs exactly one sweep.
func (r *Registry) MonitorPass(ctx context.Context) []Action {
	r.mu.RLock()
	watchdogs := make([]*Watchdog, 0, len(r.byID))
	for _, w := range r.byID {
		watchdogs = append(watchdogs, w)
	}
	r.mu.RUnlock()

	now := r.clock.NowNs()
	var actions []Action
	for _, w := range watchdogs {
		r.mu.RLock()
		running := w.running
		overdue := now-w.lastHeartbeatNs > uint64(w.Config.Timeout.Nanoseconds())
		r.mu.RUnlock()
		if !running || !overdue {
			continue
		}
		actions = append(actions, r.trigger(ctx, w))
	}
	return actions
}

func (r *Registry) trigger(ctx context.Context, w *Watchdog) Action {
	r.mu.Lock()
	w.state = Triggered
	w.failureCount++
	failures := w.failureCount
	r.mu.Unlock()

	action := r.decide(ctx, w, failures)
	r.events.EmitWatchdog(w.Subsystem, w.Config.Timeout, action)
	return action
}

func (r *Registry) decide(ctx context.Context, w *Watchdog, failures int) Action {
	switch w.Config.Policy {
	case WarnOnly:
		return ActionWarn

	case Restart:
		return r.attemptRestart(ctx, w, failures, false)

	case RestartThenPanic:
		return r.attemptRestart(ctx, w, failures, true)

	case Panic:
		r.mu.Lock()
		w.state = Failed
		r.mu.Unlock()
		return ActionPanic

	case Custom:
		if w.Config.Custom == nil {
			return ActionNone
		}
		return w.Config.Custom(w)

	default:
		return ActionNone
	}
}

// attemptRestart implements the Restart and RestartThenPanic ladders
// (spec §4.4): under max_failures and the per-hour cap, invoke the
// restart handler (retried briefly via backoff for transient failures);
// over either limit, demote to Failed, or escalate to Panic if
// escalateOnExceed.
func (r *Registry) attemptRestart(ctx context.Context, w *Watchdog, failures int, escalateOnExceed bool) Action {
	if failures > w.Config.MaxFailures {
		return r.exceedLimit(w, escalateOnExceed)
	}

	r.mu.RLock()
	limiter := r.limiters[w.Subsystem]
	restartFn := w.restartFn
	r.mu.RUnlock()

	if limiter != nil {
		if _, ok := limiter.Allow(w.Subsystem); !ok {
			return r.exceedLimit(w, escalateOnExceed)
		}
	}
	if restartFn == nil {
		return ActionNone
	}

	b := backoff.NewConstantBackOff(50 * time.Millisecond)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, restartFn(w.Subsystem)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(restartInvocationBudget))
	if err != nil {
		return r.exceedLimit(w, escalateOnExceed)
	}
	return ActionRestart
}

func (r *Registry) exceedLimit(w *Watchdog, escalateOnExceed bool) Action {
	if escalateOnExceed {
		r.mu.Lock()
		w.state = Failed
		r.mu.Unlock()
		return ActionPanic
	}
	r.mu.Lock()
	w.state = Failed
	r.mu.Unlock()
	return ActionDemoteFailed
}
