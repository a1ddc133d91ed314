// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package crash is the observability core's crash-context capture and
// recovery subsystem (spec §3 "Crash context"; §4.4 "Crash handler").
package crash

import (
	"github.com/corelattice/kernel/pkg/handle"
)

// ID is a monotonic crash-context identifier.
type ID = handle.T

// Kind is the fault category (spec §3 "Crash context").
type Kind int

const (
	Panic Kind = iota
	PageFault
	GPFault
	DoubleFault
	StackOverflow
	DivideZero
	InvalidOpcode
	OOM
	Timeout
	Assertion
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Panic:
		return "panic"
	case PageFault:
		return "page_fault"
	case GPFault:
		return "gp_fault"
	case DoubleFault:
		return "double_fault"
	case StackOverflow:
		return "stack_overflow"
	case DivideZero:
		return "divide_zero"
	case InvalidOpcode:
		return "invalid_opcode"
	case OOM:
		return "oom"
	case Timeout:
		return "timeout"
	case Assertion:
		return "assertion"
	default:
		return "unknown"
	}
}

// Severity orders recovery urgency (spec §3 "severity (Info...Fatal)").
type Severity int

const (
	Info Severity = iota
	Warning
	Error
	Critical
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RecoveryAction is the action decided for a crash context (spec §3
// "recovery action decided").
type RecoveryAction int

const (
	ActionNone RecoveryAction = iota
	ActionRestartSubsystem
	ActionRestartProcess
	ActionRestartService
	ActionReboot
	ActionHalt
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRestartSubsystem:
		return "restart_subsystem"
	case ActionRestartProcess:
		return "restart_process"
	case ActionRestartService:
		return "restart_service"
	case ActionReboot:
		return "reboot"
	case ActionHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// RegionDescriptor is a captured memory-region snapshot entry (spec-full
// §3 "Crash-context memory region snapshotting detail": "the original
// captures a bounded list of region descriptors (base, size,
// permission) active at crash time, not just a count").
type RegionDescriptor struct {
	Base       uint64
	Size       uint64
	Permission string
}

const maxStackFrames = 32

// Context is a captured crash record (spec §3 "Crash context").
type Context struct {
	ID        ID
	TimestampNs uint64
	Kind      Kind
	Severity  Severity
	Subsystem string // empty means absent
	Process   handle.T
	HasProcess bool
	Thread    handle.T
	HasThread bool
	ErrorCode uint64
	HasErrorCode bool
	FaultAddr uint64
	HasFaultAddr bool
	Message   string

	Registers     map[string]uint64
	StackFrames   []uint64
	MemoryRegions []RegionDescriptor

	RecoveryAction       RecoveryAction
	RecoveryAttempted    bool
	RecoverySuccessful   bool
}

// reboot-worthy fault kinds for the Critical-severity decision table
// (spec §4.4 step 4: "Critical -> (Reboot for double-fault/stack-overflow)
// else RestartSubsystem if a subsystem is tagged, else Reboot").
func (k Kind) suggestsNonRecoverableHardwareState() bool {
	return k == DoubleFault || k == StackOverflow
}
