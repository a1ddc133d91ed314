// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package crash

import (
	"github.com/corelattice/kernel/pkg/handle"
)

// Request is the input to HandleCrash (spec §4.4 "handle_crash(kind,
// severity, subsystem?, process?, thread?, error_code?, fault_addr?,
// message) -> CrashId").
type Request struct {
	Kind      Kind
	Severity  Severity
	Subsystem string // empty means absent
	Process   *handle.T
	Thread    *handle.T
	ErrorCode *uint64
	FaultAddr *uint64
	Message   string
}

// HandleCrash records a crash context and, if configured, dispatches its
// recovery action. It returns the allocated crash id. Non-Fatal recovery
// runs on a background worker, so HandleCrash does not wait for it;
// Fatal severity calls the Halt hook inline before returning (spec §4.4
// steps 1-8).
func (r *Registry) HandleCrash(req Request) ID {
	// Step 1: allocate a monotonic crash id and timestamp.
	id, ok := r.handles.Next()
	if !ok {
		// Handle space exhaustion is not itself a crash condition the
		// kernel can report through the normal channel; fall back to
		// the zero handle so the caller still observes a distinct,
		// never-issued-otherwise id.
		id = 0
	}
	now := r.clock.NowNs()

	cc := &Context{
		ID:          id,
		TimestampNs: now,
		Kind:        req.Kind,
		Severity:    req.Severity,
		Subsystem:   req.Subsystem,
		Message:     req.Message,
	}
	if req.Process != nil {
		cc.Process = *req.Process
		cc.HasProcess = true
	}
	if req.Thread != nil {
		cc.Thread = *req.Thread
		cc.HasThread = true
	}
	if req.ErrorCode != nil {
		cc.ErrorCode = *req.ErrorCode
		cc.HasErrorCode = true
	}
	if req.FaultAddr != nil {
		cc.FaultAddr = *req.FaultAddr
		cc.HasFaultAddr = true
	}

	// Step 2: capture register state and a bounded stack walk, if
	// configured.
	if r.recovery.CaptureRegisters != nil {
		cc.Registers = r.recovery.CaptureRegisters()
	}
	if r.recovery.CaptureStack != nil {
		cc.StackFrames = r.recovery.CaptureStack(maxStackFrames)
	}

	// Step 3: capture a memory-region descriptor snapshot, if
	// configured.
	if r.recovery.CaptureMemoryRegions != nil {
		cc.MemoryRegions = r.recovery.CaptureMemoryRegions()
	}

	// Step 4: decide the recovery action.
	cc.RecoveryAction = decideAction(req.Severity, req.Kind, req.Subsystem)

	r.mu.Lock()
	// Step 5: insert into the bounded 16-entry ring, evicting oldest. byID
	// must stay bounded alongside it: if the ring is already full this
	// push drops its oldest entry, so prune byID to match before the
	// entry it names becomes unreachable.
	if r.ring.Len() == r.ring.Cap() {
		delete(r.byID, r.ring.GetAll()[0].ID)
	}
	r.ring.Push(cc)
	r.byID[id] = cc
	// Step 6: update per-kind and per-subsystem counters.
	r.kindCounters[req.Kind]++
	if req.Subsystem != "" {
		r.subsystemCounters[req.Subsystem]++
	}
	r.mu.Unlock()

	r.events.EmitCrash(req.Kind, req.Severity, req.Subsystem, req.Message, cc.RecoveryAction)

	// Step 8: Fatal severity halts the CPU inline; a halting crash
	// never returns control to its reporter, so this must not be
	// deferred to the async recovery queue.
	if req.Severity == Fatal {
		cc.RecoveryAttempted = true
		if r.recovery.Halt != nil {
			r.recovery.Halt()
		}
		cc.RecoverySuccessful = true
		return id
	}

	// Step 7: if auto-recovery is enabled and the action is non-None,
	// invoke it once, honoring the per-process max-attempt count. The
	// invocation itself runs on a background worker so handle_crash
	// never blocks its caller behind a restart or reboot attempt.
	if r.recovery.Enabled && cc.RecoveryAction != ActionNone {
		if r.allowRecoveryAttempt(req.Process) {
			r.mu.Lock()
			cc.RecoveryAttempted = true
			r.mu.Unlock()
			r.queue.Add(id)
		}
	}

	return id
}

// decideAction implements the severity decision table (spec §4.4 step
// 4).
func decideAction(severity Severity, kind Kind, subsystem string) RecoveryAction {
	switch severity {
	case Fatal:
		return ActionHalt
	case Critical:
		if kind.suggestsNonRecoverableHardwareState() {
			return ActionReboot
		}
		if subsystem != "" {
			return ActionRestartSubsystem
		}
		return ActionReboot
	case Error:
		if subsystem != "" {
			return ActionRestartSubsystem
		}
		return ActionRestartService
	default: // Warning, Info
		return ActionNone
	}
}

// allowRecoveryAttempt enforces the per-process max-attempt count (spec
// §4.4 step 7). A nil process (no process tagged) is always allowed,
// since the cap is defined per-process.
func (r *Registry) allowRecoveryAttempt(process *handle.T) bool {
	if process == nil {
		return true
	}
	limit := r.recovery.MaxAttemptsPerProcess
	if limit < 0 {
		return true
	}
	if limit == 0 {
		limit = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processAttempts[*process] >= limit {
		return false
	}
	r.processAttempts[*process]++
	return true
}

// dispatchRecovery invokes the recovery action decided for a crash
// context and records whether it succeeded (spec §4.4 step 7 "mark...
// recovery-successful accordingly"; step 8 "for Critical with
// reboot-on-critical enabled, trigger a reboot").
func (r *Registry) dispatchRecovery(id ID) {
	r.mu.RLock()
	cc, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var err error
	switch cc.RecoveryAction {
	case ActionRestartSubsystem:
		if r.recovery.RestartSubsystem != nil {
			err = r.recovery.RestartSubsystem(cc.Subsystem)
		}
	case ActionRestartProcess:
		if r.recovery.RestartProcess != nil && cc.HasProcess {
			err = r.recovery.RestartProcess(cc.Process)
		}
	case ActionRestartService:
		if r.recovery.RestartService != nil {
			err = r.recovery.RestartService(cc.Subsystem)
		}
	case ActionReboot:
		if cc.Severity == Critical && !r.recovery.RebootOnCritical {
			return
		}
		if r.recovery.Reboot != nil {
			r.recovery.Reboot()
		}
	}

	r.mu.Lock()
	cc.RecoverySuccessful = err == nil
	r.mu.Unlock()

	if err != nil {
		r.logger.Error(err, "crash recovery attempt failed", "crashId", id, "action", cc.RecoveryAction)
	}
}
