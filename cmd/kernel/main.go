// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command kernel boots the concurrency and scheduling core: the
// scheduler, IPC, service registry, and observability subsystems, a
// handful of demo threads to give the scheduler something to run, and a
// Prometheus /metrics endpoint for pkg/telemetry/metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/corelattice/kernel/internal/bootseq"
	"github.com/corelattice/kernel/pkg/observability/crash"
	"github.com/corelattice/kernel/pkg/sched"
)

var (
	numCPUs       int
	gamingMode    bool
	metricsAddr   string
	devLog        bool
	demoThreads   int
	watchdogEvery time.Duration
	healthEvery   time.Duration
	traceGCEvery  time.Duration
)

func init() {
	flag.IntVar(&numCPUs, "num-cpus", 4, "Number of simulated CPUs the scheduler drives")
	flag.BoolVar(&gamingMode, "gaming-mode", false, "Start with gaming mode enabled (5ms quantum, Realtime-first draining)")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":9090", "Address the Prometheus metrics endpoint binds to")
	flag.BoolVar(&devLog, "dev-log", false, "Use a human-readable development logger instead of JSON")
	flag.IntVar(&demoThreads, "demo-threads", 4, "Number of demo user threads to spawn at bring-up")
	flag.DurationVar(&watchdogEvery, "watchdog-interval", time.Second, "Watchdog monitor-pass cadence")
	flag.DurationVar(&healthEvery, "health-check-interval", 5*time.Second, "Service registry health-check cadence")
	flag.DurationVar(&traceGCEvery, "trace-cleanup-interval", 30*time.Second, "Expired-trace cleanup cadence")
}

func newLogger() logr.Logger {
	var zl *zap.Logger
	var err error
	if devLog {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return zapr.NewLogger(zl)
}

func main() {
	flag.Parse()
	logger := newLogger().WithName("kernel")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()

	k := bootseq.New(bootseq.Config{
		NumCPUs:              numCPUs,
		GamingMode:           gamingMode,
		Logger:               logger,
		Registerer:           reg,
		WatchdogInterval:     watchdogEvery,
		HealthCheckInterval:  healthEvery,
		TraceCleanupInterval: traceGCEvery,
		Recovery: crash.Recovery{
			RebootOnCritical:      false,
			MaxAttemptsPerProcess: 3,
			RestartSubsystem: func(subsystem string) error {
				logger.Info("recovery: restart_subsystem", "subsystem", subsystem)
				return nil
			},
			RestartService: func(subsystem string) error {
				logger.Info("recovery: restart_service", "subsystem", subsystem)
				return nil
			},
			Reboot: func() { logger.Info("recovery: reboot") },
			Halt:   func() { logger.Info("recovery: halt") },
		},
	})

	spawnDemoThreads(k, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server exited")
		}
	}()

	logger.Info("kernel bring-up complete", "num_cpus", numCPUs, "gaming_mode", gamingMode)

	err := k.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err != nil {
		logger.Error(err, "kernel exited with error")
		os.Exit(1)
	}
	logger.Info("kernel shut down cleanly")
}

// spawnDemoThreads creates a handful of Normal-band user threads so the
// scheduler and its telemetry have something to report from the moment
// the metrics endpoint comes up.
func spawnDemoThreads(k *bootseq.Kernel, logger logr.Logger) {
	for i := 0; i < demoThreads; i++ {
		name := fmt.Sprintf("demo-%d", i)
		_, err := k.Scheduler.Create(name, demoEntry, sched.Normal)
		if err != nil {
			logger.Error(err, "failed to spawn demo thread", "name", name)
		}
	}
}

// demoEntry yields forever, giving the scheduler's ready queues
// something to cycle through without doing any real work.
func demoEntry(s *sched.Scheduler, id sched.ThreadID) {
	for {
		if err := s.YieldCurrent(id); err != nil {
			return
		}
	}
}
