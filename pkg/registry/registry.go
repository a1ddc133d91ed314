// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/errors"
)

// Options configures a Registry.
type Options struct {
	Clock      clock.Source
	Dispatcher Dispatcher
	Liveness   ProcessLiveness
	Events     EventSink
	Logger     logr.Logger
}

// Registry is the L4 service registry (spec §4.3). Service is keyed by
// kind: the public contract treats kind as the identity ("register(kind,
// process_id, capabilities) -> Ok | AlreadyRegistered" implies one live
// service per kind).
type Registry struct {
	clock  clock.Source
	disp   Dispatcher
	live   ProcessLiveness
	events EventSink
	logger logr.Logger

	mu       sync.RWMutex
	services map[Kind]*ServiceEntry
}

// New constructs a Registry. Dispatcher and ProcessLiveness have no
// usable zero value and must be supplied by the caller in production;
// Events defaults to a no-op sink and Clock to clock.NewSystem() for
// ease of unit testing the registry in isolation.
func New(opts Options) *Registry {
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	ev := opts.Events
	if ev == nil {
		ev = noopEventSink{}
	}
	return &Registry{
		clock:    cl,
		disp:     opts.Dispatcher,
		live:     opts.Liveness,
		events:   ev,
		logger:   opts.Logger.WithName("registry"),
		services: make(map[Kind]*ServiceEntry),
	}
}

// Register installs a new service entry (spec §4.3 "register(kind,
// process_id, capabilities) -> Ok | AlreadyRegistered"). The capability
// descriptor's allow-lists are validated against the closed kind set at
// registration time (spec-full §3 "Capability descriptor validation at
// registration"): an unknown kind in either allow-list is rejected as
// InvalidOperation rather than silently accepted.
func (r *Registry) Register(kind Kind, pid ThreadID, caps CapabilityDescriptor) error {
	if err := validateCapabilities(caps); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[kind]; exists {
		return errors.ErrAlreadyRegistered
	}
	r.services[kind] = &ServiceEntry{
		Kind:         kind,
		ProcessID:    pid,
		Status:       Starting,
		Capabilities: caps,
		StartedNs:    r.clock.NowNs(),
	}
	return nil
}

func validateCapabilities(caps CapabilityDescriptor) error {
	for _, k := range caps.OutboundAllow {
		if _, ok := knownKinds[k]; !ok {
			return errors.ErrInvalidOperation
		}
	}
	for _, k := range caps.InboundAllow {
		if _, ok := knownKinds[k]; !ok {
			return errors.ErrInvalidOperation
		}
	}
	return nil
}

// Unregister removes a service entry entirely.
func (r *Registry) Unregister(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[kind]; !ok {
		return errors.ErrServiceNotFound
	}
	delete(r.services, kind)
	return nil
}

// UpdateStatus transitions a service entry's status (spec §4.3
// "update_status(kind, new_status)").
func (r *Registry) UpdateStatus(kind Kind, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[kind]
	if !ok {
		return errors.ErrServiceNotFound
	}
	svc.Status = status
	return nil
}

// SetEndpoint records the IPC channel through which kind's outbound
// messages are delivered (spec §4.3 "set_endpoint(kind, endpoint_id)").
func (r *Registry) SetEndpoint(kind Kind, endpoint ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[kind]
	if !ok {
		return errors.ErrServiceNotFound
	}
	svc.Endpoint = endpoint
	svc.HasEndpoint = true
	return nil
}

// GetEndpoint resolves kind's current endpoint, if any (spec §4.3
// "get_endpoint(kind) -> Option<handle>").
func (r *Registry) GetEndpoint(kind Kind) (ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[kind]
	if !ok || !svc.HasEndpoint {
		return 0, false
	}
	return svc.Endpoint, true
}

// HasCapability reports whether kind's installed descriptor permits a
// hardware class (spec §4.3 "has_capability(kind, hardware_cap) ->
// bool").
func (r *Registry) HasCapability(kind Kind, cap HardwareCapability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[kind]
	if !ok {
		return false
	}
	return svc.Capabilities.hasHardware(cap)
}

// RunningServices lists every kind currently in Running status (spec
// §4.3 "running_services() -> list<kind>"), sorted for deterministic
// output.
func (r *Registry) RunningServices() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Kind
	for k, svc := range r.services {
		if svc.Status == Running {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entry returns a copy-safe snapshot of kind's entry (spec §4.3 exposes
// status/endpoint/heartbeat bookkeeping only through individual getters;
// Entry is the one place callers needing the whole record at once — the
// control-message handlers in this package, and test/ops tooling outside
// it — can get it without a getter per field), or ErrServiceNotFound.
func (r *Registry) Entry(kind Kind) (ServiceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[kind]
	if !ok {
		return ServiceEntry{}, errors.ErrServiceNotFound
	}
	return *svc, nil
}

// checkOutbound enforces the capability gate on an outbound send:
// target must appear in from's outbound allow-list (spec §4.3
// "Capability gating. Every operation a service attempts through the
// registry is validated against the capability descriptor installed at
// registration. An out-of-policy attempt returns PermissionDenied and is
// recorded as an observability event").
func (r *Registry) checkOutbound(from, target Kind) error {
	snap, err := r.Entry(from)
	if err != nil {
		return err
	}
	if !snap.Capabilities.allowsOutbound(target) {
		r.events.EmitPermissionDenied(from, "send_service_message:"+string(target))
		return errors.ErrPermissionDenied
	}
	return nil
}
