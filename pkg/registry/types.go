// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package registry is the L4 service registry: capability-scoped named
// endpoints over L3 IPC for user-space service daemons (spec §2, §4.3).
// It owns Service entries and the kind->endpoint map exclusively; it
// never reaches into the scheduler or IPC internals beyond the narrow
// collaborator interfaces declared below.
package registry

import (
	"github.com/corelattice/kernel/pkg/ipc"
)

// ThreadID addresses the process/thread serving a registered kind.
type ThreadID = ipc.ThreadID

// ChannelID addresses an IPC endpoint a service's messages are
// delivered through.
type ChannelID = ipc.ChannelID

// MessageID is the handle returned by a successful dispatch.
type MessageID = ipc.MessageID

// Kind is a closed set of service categories (spec §3 "Service entry";
// §4.3 "Service wire protocol" top-level arms).
type Kind string

const (
	Network    Kind = "network"
	Compositor Kind = "compositor"
	Assistant  Kind = "assistant"
	Audio      Kind = "audio"
	Storage    Kind = "storage"
	Security   Kind = "security"
)

// knownKinds backs capability-descriptor validation (spec-full §3
// "Capability descriptor validation at registration"): an allow-list
// entry naming a kind outside this set is rejected at registration
// rather than accepted and silently ignored later.
var knownKinds = map[Kind]struct{}{
	Network:    {},
	Compositor: {},
	Assistant:  {},
	Audio:      {},
	Storage:    {},
	Security:   {},
}

// Status is a service entry's lifecycle state (spec §3 "Service entry").
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Stopping
	Failed
	Crashed
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// HardwareCapability is one entry in a capability descriptor's permitted
// hardware-class allow-list (spec §3 "Capability descriptor").
type HardwareCapability string

// CapabilityDescriptor is the per-service policy record installed at
// registration and never mutated thereafter (spec §3 "Capability
// descriptor"; §4.3 "The descriptor is never mutated after registration;
// upgrading capabilities requires unregister/re-register").
type CapabilityDescriptor struct {
	HardwareClasses       []HardwareCapability
	HeapCeilingBytes      uint64
	DMAAccess             bool
	SharedMemoryAccess    bool
	PhysicalMemoryAccess  bool
	OutboundAllow         []Kind
	InboundAllow          []Kind
	MaxConcurrentConns    int
	ReadPathAllow         []string
	WritePathAllow        []string
	ExecutePathAllow      []string
}

func (c CapabilityDescriptor) hasHardware(cap HardwareCapability) bool {
	for _, h := range c.HardwareClasses {
		if h == cap {
			return true
		}
	}
	return false
}

func (c CapabilityDescriptor) allowsOutbound(k Kind) bool {
	for _, o := range c.OutboundAllow {
		if o == k {
			return true
		}
	}
	return false
}

// ServiceEntry is a registered service daemon's full record (spec §3
// "Service entry").
type ServiceEntry struct {
	Kind            Kind
	ProcessID       ThreadID
	Status          Status
	Capabilities    CapabilityDescriptor
	Endpoint        ChannelID
	HasEndpoint     bool
	StartedNs       uint64
	LastHealthCheck uint64
	RestartCount    int
}

// Dispatcher is the narrow IPC collaborator the registry drives message
// delivery through (spec §4.3 "delivers it through the IPC ring buffer
// identified by that handle"). It is satisfied by *ipc.Manager's Send
// method without registry importing ipc's full surface.
type Dispatcher interface {
	Send(id ChannelID, sender ThreadID, recipient *ThreadID, kind ipc.Discipline, priority ipc.Priority, payload []byte, expiresNs *uint64) (MessageID, error)
}

// ProcessLiveness is the collaborator process subsystem consulted by
// health checks (spec §4.1 "Process-liveness collaborator. Offers
// is_alive(process_id) -> bool consumed by the service registry and
// watchdog health checks").
type ProcessLiveness interface {
	IsAlive(pid ThreadID) bool
}

// EventSink records capability-gating violations and health-check
// transitions as observability events (spec §4.3 "recorded as an
// observability event"). A no-op implementation is used when
// Options.Events is nil; pkg/observability/events.RegistrySink is the
// event-bus implementation.
type EventSink interface {
	EmitPermissionDenied(kind Kind, op string)
	EmitHealthCheckFailed(kind Kind)
}

type noopEventSink struct{}

func (noopEventSink) EmitPermissionDenied(Kind, string) {}
func (noopEventSink) EmitHealthCheckFailed(Kind)        {}

// Clock is a narrow time interface (NowNs only). The Registry itself
// takes a clock.Source through Options.Clock and does not use this type.
type Clock interface {
	NowNs() uint64
}
