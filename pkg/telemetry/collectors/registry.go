// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

// Registry tracks the set of registered collectors by the Source they
// poll, adapted from pkg/performance.CollectorRegistry: a Source may be
// registered as a point collector or a continuous one, never both, the
// same cross-registration guard the teacher enforces.
type Registry struct {
	mu         sync.RWMutex
	point      map[Source]PointCollector
	continuous map[Source]ContinuousCollector
	logger     logr.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		point:      make(map[Source]PointCollector),
		continuous: make(map[Source]ContinuousCollector),
		logger:     logger.WithName("telemetry-collectors"),
	}
}

// RegisterPoint adds a one-shot collector for source.
func (r *Registry) RegisterPoint(c PointCollector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		return fmt.Errorf("nil point collector")
	}
	src := c.Source()
	if _, ok := r.continuous[src]; ok {
		return fmt.Errorf("source %s already registered as continuous", src)
	}
	if _, ok := r.point[src]; ok {
		return fmt.Errorf("source %s already registered", src)
	}
	r.point[src] = c
	return nil
}

// RegisterContinuous adds a ticker-driven collector for source.
func (r *Registry) RegisterContinuous(c ContinuousCollector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		return fmt.Errorf("nil continuous collector")
	}
	src := c.Source()
	if _, ok := r.point[src]; ok {
		return fmt.Errorf("source %s already registered as point", src)
	}
	if _, ok := r.continuous[src]; ok {
		return fmt.Errorf("source %s already registered", src)
	}
	r.continuous[src] = c
	return nil
}

// GetContinuous returns the continuous collector for source, if any.
func (r *Registry) GetContinuous(src Source) (ContinuousCollector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.continuous[src]
	return c, ok
}

// AllContinuous returns every registered continuous collector.
func (r *Registry) AllContinuous() []ContinuousCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContinuousCollector, 0, len(r.continuous))
	for _, c := range r.continuous {
		out = append(out, c)
	}
	return out
}

// AllPoint returns every registered point collector.
func (r *Registry) AllPoint() []PointCollector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PointCollector, 0, len(r.point))
	for _, c := range r.point {
		out = append(out, c)
	}
	return out
}

// StartAll starts every registered continuous collector, aggregating
// failures rather than aborting on the first one, the same independent-
// step aggregation pkg/ipc.Manager.Cleanup uses via multierr.
func (r *Registry) StartAll(ctx context.Context) error {
	var errs error
	for _, c := range r.AllContinuous() {
		errs = multierr.Append(errs, c.Start(ctx))
	}
	return errs
}

// StopAll stops every registered continuous collector.
func (r *Registry) StopAll() error {
	var errs error
	for _, c := range r.AllContinuous() {
		errs = multierr.Append(errs, c.Stop())
	}
	return errs
}
