// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package watchdog

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/joeycumines/go-catrate"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/errors"
	"github.com/corelattice/kernel/pkg/handle"
)

// EventSink records watchdog escalations as observability events (spec
// §4.4; §4.3's event-stream "Watchdog{subsystem, timeout_ms, action}").
type EventSink interface {
	EmitWatchdog(subsystem Subsystem, timeout time.Duration, action Action)
}

type noopSink struct{}

func (noopSink) EmitWatchdog(Subsystem, time.Duration, Action) {}

// Registry owns every registered watchdog (spec §3 ownership summary:
// "observability exclusively owns watchdog state").
type Registry struct {
	clock  clock.Source
	events EventSink
	logger logr.Logger

	handles *handle.Generator

	mu          sync.RWMutex
	byID        map[ID]*Watchdog
	bySubsystem map[Subsystem]*Watchdog
	limiters    map[Subsystem]*catrate.Limiter
}

// Options configures a Registry.
type Options struct {
	Clock  clock.Source
	Events EventSink
	Logger logr.Logger
}

// New constructs a watchdog Registry.
func New(opts Options) *Registry {
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	ev := opts.Events
	if ev == nil {
		ev = noopSink{}
	}
	return &Registry{
		clock:       cl,
		events:      ev,
		logger:      opts.Logger.WithName("watchdog"),
		handles:     handle.NewGenerator(),
		byID:        make(map[ID]*Watchdog),
		bySubsystem: make(map[Subsystem]*Watchdog),
		limiters:    make(map[Subsystem]*catrate.Limiter),
	}
}

// Register installs a new watchdog for subsystem (spec §4.4
// "register(subsystem, name, config) -> WatchdogId"). A subsystem may
// have only one live watchdog at a time.
func (r *Registry) Register(subsystem Subsystem, name string, cfg Config) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySubsystem[subsystem]; exists {
		return 0, errors.ErrAlreadyExists
	}
	id, ok := r.handles.Next()
	if !ok {
		return 0, errors.ErrOutOfResources
	}
	w := &Watchdog{
		ID:        id,
		Subsystem: subsystem,
		Name:      name,
		Config:    cfg,
		state:     Active,
	}
	r.byID[id] = w
	r.bySubsystem[subsystem] = w
	if (cfg.Policy == Restart || cfg.Policy == RestartThenPanic) && cfg.MaxRestartsPerHour > 0 {
		r.limiters[subsystem] = catrate.NewLimiter(map[time.Duration]int{time.Hour: cfg.MaxRestartsPerHour})
	}
	return id, nil
}

func (r *Registry) lookup(subsystem Subsystem) (*Watchdog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.bySubsystem[subsystem]
	if !ok {
		return nil, errors.ErrWatchdogNotFound
	}
	return w, nil
}

// SetRestartHandler installs subsystem's restart callback (spec §4.4
// "set_restart_handler(subsystem, fn)").
func (r *Registry) SetRestartHandler(subsystem Subsystem, fn RestartHandler) error {
	w, err := r.lookup(subsystem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	w.restartFn = fn
	r.mu.Unlock()
	return nil
}

// SetHealthCheckHandler installs subsystem's health-check callback (spec
// §4.4 "set_health_check_handler(subsystem, fn)").
func (r *Registry) SetHealthCheckHandler(subsystem Subsystem, fn HealthCheckHandler) error {
	w, err := r.lookup(subsystem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	w.healthCheckFn = fn
	r.mu.Unlock()
	return nil
}

// Start arms subsystem's watchdog: its last-heartbeat is seeded to now
// so the first monitor pass doesn't immediately see it as overdue (spec
// §4.4 "start(subsystem)").
func (r *Registry) Start(subsystem Subsystem) error {
	w, err := r.lookup(subsystem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	w.running = true
	w.lastHeartbeatNs = r.clock.NowNs()
	w.state = Active
	r.mu.Unlock()
	return nil
}

// Stop disarms subsystem's watchdog; the monitor pass skips it (spec
// §4.4 "stop(subsystem)").
func (r *Registry) Stop(subsystem Subsystem) error {
	w, err := r.lookup(subsystem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	w.running = false
	r.mu.Unlock()
	return nil
}

// Heartbeat records subsystem liveness. If the watchdog was Triggered it
// is demoted back to Active (spec §4.4 "heartbeat updates the
// watchdog's last-heartbeat timestamp and, if the state is Triggered,
// demotes it to Active").
func (r *Registry) Heartbeat(subsystem Subsystem) error {
	w, err := r.lookup(subsystem)
	if err != nil {
		return err
	}
	r.mu.Lock()
	w.lastHeartbeatNs = r.clock.NowNs()
	if w.state == Triggered {
		w.state = Active
	}
	r.mu.Unlock()
	return nil
}

// Get returns the live watchdog record for subsystem, not a copy, so its
// State and FailureCount reflect later changes; used by tests.
func (r *Registry) Get(subsystem Subsystem) (*Watchdog, error) {
	return r.lookup(subsystem)
}
