// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package bootseq brings up the kernel core's four subsystems —
// scheduler, IPC, service registry, observability — in the order spec §5
// fixes their lock acquisition ("scheduler -> channels -> semaphores ->
// shared-memory -> service registry -> observability"), wires each
// subsystem's narrow collaborator interfaces to its neighbors, and
// supervises their periodic loops under a single errgroup, grounded on
// internal/kubernetes/agent/controller.go's errgroup.WithContext use for
// supervising a cache-sync fan-out.
package bootseq

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/ipc"
	"github.com/corelattice/kernel/pkg/observability/crash"
	"github.com/corelattice/kernel/pkg/observability/events"
	"github.com/corelattice/kernel/pkg/observability/trace"
	"github.com/corelattice/kernel/pkg/observability/watchdog"
	"github.com/corelattice/kernel/pkg/registry"
	"github.com/corelattice/kernel/pkg/sched"
	"github.com/corelattice/kernel/pkg/telemetry/collectors"
	"github.com/corelattice/kernel/pkg/telemetry/metrics"
)

// Config tunes bring-up: subsystem cardinality, gaming-mode default, and
// the polling cadence of every periodic loop the core runs on its own
// behalf (none of these loops exist in the spec's synchronous API
// surface; they are this core's way of driving it).
type Config struct {
	NumCPUs    int
	GamingMode bool
	Clock      clock.Source
	Logger     logr.Logger
	Registerer prometheus.Registerer

	WatchdogInterval     time.Duration
	HealthCheckInterval  time.Duration
	TraceCleanupInterval time.Duration
	CollectorInterval    time.Duration

	Recovery crash.Recovery
}

func (c *Config) applyDefaults() {
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystem()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.TraceCleanupInterval <= 0 {
		c.TraceCleanupInterval = 30 * time.Second
	}
	if c.CollectorInterval <= 0 {
		c.CollectorInterval = time.Second
	}
}

// Kernel bundles every brought-up subsystem. cmd/kernel spawns demo
// threads and services against these directly; bootseq's own job ends at
// construction and supervision.
type Kernel struct {
	Scheduler  *sched.Scheduler
	IPC        *ipc.Manager
	Registry   *registry.Registry
	Watchdog   *watchdog.Registry
	Crash      *crash.Registry
	Trace      *trace.Manager
	Events     *events.Bus
	Metrics    *metrics.Metrics
	Collectors *collectors.Registry

	cfg  Config
	tick *sched.TickLoop
}

// schedLiveness adapts *sched.Scheduler to registry.ProcessLiveness and
// watchdog's health-check needs (spec §4.1 "Process-liveness
// collaborator"): a thread is alive if it is known to the scheduler and
// not yet Terminated.
type schedLiveness struct {
	s *sched.Scheduler
}

func (l schedLiveness) IsAlive(pid sched.ThreadID) bool {
	snap, err := l.s.GetThread(pid)
	if err != nil {
		return false
	}
	return snap.State != sched.Terminated
}

// New wires every subsystem together but does not start any periodic
// loop; call Run to bring the kernel fully up.
func New(cfg Config) *Kernel {
	cfg.applyDefaults()

	logger := cfg.Logger
	bus := events.NewBus(logger)

	s := sched.New(sched.Options{
		NumCPUs: cfg.NumCPUs,
		Clock:   cfg.Clock,
		Logger:  logger,
	})
	s.SetGamingMode(cfg.GamingMode)

	ipcMgr := ipc.New(ipc.Options{
		Clock:     cfg.Clock,
		Scheduler: s,
		Logger:    logger,
	})

	reg := registry.New(registry.Options{
		Clock:      cfg.Clock,
		Dispatcher: ipcMgr,
		Liveness:   schedLiveness{s: s},
		Events:     events.RegistrySink{Bus: bus},
		Logger:     logger,
	})

	wd := watchdog.New(watchdog.Options{
		Clock:  cfg.Clock,
		Events: events.WatchdogSink{Bus: bus},
		Logger: logger,
	})

	cfg.Recovery.Enabled = true
	cr := crash.New(crash.Options{
		Clock:    cfg.Clock,
		Events:   events.CrashSink{Bus: bus},
		Logger:   logger,
		Recovery: cfg.Recovery,
	})

	tr := trace.New(trace.Options{
		Clock:  cfg.Clock,
		Events: events.TraceSink{Bus: bus},
		Logger: logger,
	})

	met := metrics.New(cfg.Registerer)

	colReg := collectors.NewRegistry(logger)
	schedCollector := collectors.NewTickerCollector(
		collectors.NewSchedulerCollector(s, met, logger), cfg.CollectorInterval, logger)
	ipcCollector := collectors.NewTickerCollector(
		collectors.NewIPCCollector(ipcMgr, met, logger), cfg.CollectorInterval, logger)
	registryCollector := collectors.NewTickerCollector(
		collectors.NewServiceRegistryCollector(reg, met, logger), cfg.CollectorInterval, logger)
	_ = colReg.RegisterContinuous(schedCollector)
	_ = colReg.RegisterContinuous(ipcCollector)
	_ = colReg.RegisterContinuous(registryCollector)

	return &Kernel{
		Scheduler:  s,
		IPC:        ipcMgr,
		Registry:   reg,
		Watchdog:   wd,
		Crash:      cr,
		Trace:      tr,
		Events:     bus,
		Metrics:    met,
		Collectors: colReg,
		cfg:        cfg,
	}
}

// Run starts the scheduler tick loop and every supervised periodic loop,
// blocking until ctx is cancelled or a loop returns an unrecoverable
// error. Every loop it starts is torn down before Run returns.
func (k *Kernel) Run(ctx context.Context) error {
	k.tick = k.Scheduler.StartTickLoop()
	defer k.tick.Stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return k.Collectors.StartAll(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		return k.Collectors.StopAll()
	})

	g.Go(func() error { k.watchdogLoop(gCtx); return nil })
	g.Go(func() error { k.healthCheckLoop(gCtx); return nil })
	g.Go(func() error { k.traceCleanupLoop(gCtx); return nil })
	g.Go(func() error { k.Metrics.Subscribe(k.Events); return nil })

	g.Go(func() error {
		<-gCtx.Done()
		k.Crash.Close()
		k.Events.Close()
		return nil
	})

	return g.Wait()
}

func (k *Kernel) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Watchdog.MonitorPass(ctx)
		}
	}
}

func (k *Kernel) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Registry.HealthCheckAll()
		}
	}
}

func (k *Kernel) traceCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.TraceCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Trace.CleanupExpiredTraces()
		}
	}
}
