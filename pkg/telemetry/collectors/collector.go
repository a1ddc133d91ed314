// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Collector is the narrow interface every poller implements, adapted
// from the teacher's pkg/performance.Collector: a collector names the
// subsystem it polls and can report its capabilities, independent of
// whether it is driven once or on a ticker.
type Collector interface {
	Source() Source
	Name() string
	Capabilities() CollectorCapabilities
}

// PointCollector performs a single poll on demand, adapted from
// pkg/performance.PointCollector.
type PointCollector interface {
	Collector
	Collect(ctx context.Context) error
}

// ContinuousCollector runs until Stop is called, adapted from
// pkg/performance.ContinuousCollector.
type ContinuousCollector interface {
	Collector
	Start(ctx context.Context) error
	Stop() error
	Status() Status
	LastError() error
}

// BaseCollector holds the fields common to every collector, adapted from
// pkg/performance.BaseCollector.
type BaseCollector struct {
	source Source
	name   string
	caps   CollectorCapabilities
	logger logr.Logger
}

// NewBaseCollector constructs a BaseCollector.
func NewBaseCollector(source Source, name string, caps CollectorCapabilities, logger logr.Logger) BaseCollector {
	return BaseCollector{
		source: source,
		name:   name,
		caps:   caps,
		logger: logger.WithName(name),
	}
}

func (b *BaseCollector) Source() Source                     { return b.source }
func (b *BaseCollector) Name() string                        { return b.name }
func (b *BaseCollector) Capabilities() CollectorCapabilities { return b.caps }
func (b *BaseCollector) Logger() logr.Logger                 { return b.logger }

// BaseContinuousCollector adds the lifecycle bookkeeping every
// ContinuousCollector needs (status, last error, running flag), adapted
// from pkg/performance.BaseContinuousCollector.
type BaseContinuousCollector struct {
	BaseCollector

	mu        sync.RWMutex
	status    Status
	lastError error
	running   bool
}

// NewBaseContinuousCollector constructs a BaseContinuousCollector.
func NewBaseContinuousCollector(source Source, name string, caps CollectorCapabilities, logger logr.Logger) BaseContinuousCollector {
	return BaseContinuousCollector{
		BaseCollector: NewBaseCollector(source, name, caps, logger),
		status:        StatusDisabled,
	}
}

func (b *BaseContinuousCollector) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *BaseContinuousCollector) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

func (b *BaseContinuousCollector) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

// SetError records a poll failure and degrades status, matching the
// teacher's "degrade rather than disappear" behavior.
func (b *BaseContinuousCollector) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = err
	if err != nil && b.status == StatusActive {
		b.status = StatusDegraded
	}
}

func (b *BaseContinuousCollector) ClearError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = nil
	b.status = StatusActive
}

func (b *BaseContinuousCollector) setRunning(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = v
}

func (b *BaseContinuousCollector) isRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// TickerCollector wraps a PointCollector into a ContinuousCollector by
// polling it on a fixed interval, adapted from the teacher's
// ContinuousPointCollector (which wraps a one-shot PointCollector in a
// ticker loop rather than requiring every collector to implement its own
// timing).
type TickerCollector struct {
	BaseContinuousCollector

	point    PointCollector
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerCollector constructs a TickerCollector polling point every
// interval.
func NewTickerCollector(point PointCollector, interval time.Duration, logger logr.Logger) *TickerCollector {
	caps := point.Capabilities()
	caps.SupportsContinuous = true
	return &TickerCollector{
		BaseContinuousCollector: NewBaseContinuousCollector(point.Source(), point.Name(), caps, logger),
		point:                   point,
		interval:                interval,
	}
}

// Start begins polling on its own goroutine. Calling Start twice without
// an intervening Stop is a no-op, matching the teacher's idempotent
// Start semantics.
func (t *TickerCollector) Start(ctx context.Context) error {
	if t.isRunning() {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.setRunning(true)
	t.ClearError()

	go t.run(runCtx)
	return nil
}

func (t *TickerCollector) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.point.Collect(ctx); err != nil {
				t.SetError(err)
				t.Logger().Error(err, "collection failed", "source", t.Source().String())
				continue
			}
			t.ClearError()
		}
	}
}

// Stop cancels the polling goroutine and waits for it to exit.
func (t *TickerCollector) Stop() error {
	if !t.isRunning() {
		return nil
	}
	t.cancel()
	<-t.done
	t.setRunning(false)
	t.SetStatus(StatusDisabled)
	return nil
}
