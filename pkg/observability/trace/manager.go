// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"

	"github.com/corelattice/kernel/pkg/clock"
	"github.com/corelattice/kernel/pkg/errors"
)

const (
	maxActiveTraces      = 1024
	maxSpansPerTrace     = 256
	maxAttributesPerSpan = 64
	maxEventsPerSpan     = 32
	maxLinksPerSpan      = 16
)

// EventSink records a trace's completion as an observability event
// (spec §6 "TraceCompleted{trace_id, correlation_id, duration_ms,
// span_count, error_count}").
type EventSink interface {
	EmitTraceCompleted(id TraceID, correlationID CorrelationID, duration time.Duration, spanCount, errorCount int)
}

type noopSink struct{}

func (noopSink) EmitTraceCompleted(TraceID, CorrelationID, time.Duration, int, int) {}

// Config tunes a Manager (original_source
// `trace_correlation.rs::TraceCorrelationConfig`).
type Config struct {
	DefaultSamplingRate float64
	MaxTraceDuration    time.Duration
}

// Options configures a Manager.
type Options struct {
	Clock   clock.Source
	Events  EventSink
	Logger  logr.Logger
	Sampler Sampler
	Config  Config
}

// Manager owns every active trace (spec §4.4 "Trace correlation").
type Manager struct {
	clock   clock.Source
	events  EventSink
	logger  logr.Logger
	sampler Sampler
	config  Config

	traceHigh atomic.Uint64
	spanNext  atomic.Uint64

	mu                 sync.RWMutex
	active             map[TraceID]*ActiveTrace
	spanStack          map[TraceID][]SpanID
	correlationToTrace map[CorrelationID]TraceID
	order              []TraceID // insertion order, for oldest-eviction

	droppedTraces uint64
}

// New constructs a trace Manager.
func New(opts Options) *Manager {
	cl := opts.Clock
	if cl == nil {
		cl = clock.NewSystem()
	}
	ev := opts.Events
	if ev == nil {
		ev = noopSink{}
	}
	sampler := opts.Sampler
	if sampler == nil {
		rate := opts.Config.DefaultSamplingRate
		if rate == 0 {
			rate = 0.1
		}
		sampler = NewProbabilisticSampler(rate)
	}
	cfg := opts.Config
	if cfg.MaxTraceDuration == 0 {
		cfg.MaxTraceDuration = 5 * time.Minute
	}
	return &Manager{
		clock:              cl,
		events:             ev,
		logger:             opts.Logger.WithName("trace"),
		sampler:            sampler,
		config:             cfg,
		active:             make(map[TraceID]*ActiveTrace),
		spanStack:          make(map[TraceID][]SpanID),
		correlationToTrace: make(map[CorrelationID]TraceID),
	}
}

func (m *Manager) newTraceID() TraceID {
	high := m.traceHigh.Add(1)
	low := m.clock.NowNs()
	var id TraceID
	binary.BigEndian.PutUint64(id[:8], high)
	binary.BigEndian.PutUint64(id[8:], low)
	return id
}

func (m *Manager) newSpanID() SpanID {
	n := m.spanNext.Add(1)
	var id SpanID
	binary.BigEndian.PutUint64(id[:], n)
	return id
}

// StartTrace begins a new trace and its root span (spec §4.4
// "start_trace(operation, subsystem, propagation) -> TraceContext").
func (m *Manager) StartTrace(operation, subsystem string, propagation Propagation) Context {
	traceID := m.newTraceID()
	correlationID := uuid.New()
	rootSpanID := m.newSpanID()
	now := m.clock.NowNs()

	sampling := m.sampler.ShouldSample(traceID, operation, subsystem, nil)

	ctx := Context{
		TraceID:       traceID,
		CorrelationID: correlationID,
		RootSpanID:    rootSpanID,
		Propagation:   propagation,
		Sampling:      sampling,
		Baggage:       baggage.Baggage{},
		CreatedNs:     now,
		LastActiveNs:  now,
	}
	root := Span{
		ID:        rootSpanID,
		TraceID:   traceID,
		Operation: operation,
		Subsystem: subsystem,
		Kind:      KindInternal,
		Status:    StatusActive,
		StartNs:   now,
		Sampling:  sampling,
	}

	m.mu.Lock()
	if len(m.active) >= maxActiveTraces {
		m.evictOldestLocked()
	}
	m.active[traceID] = &ActiveTrace{Context: ctx, Spans: []Span{root}}
	m.spanStack[traceID] = []SpanID{rootSpanID}
	m.correlationToTrace[correlationID] = traceID
	m.order = append(m.order, traceID)
	m.mu.Unlock()

	return ctx
}

// evictOldestLocked drops the oldest active trace without finalizing it
// (spec §4.4 "Insertion of the 1025th trace evicts the oldest and
// increments a dropped-trace counter"). Must be called with m.mu held.
func (m *Manager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	m.order = m.order[1:]
	if at, ok := m.active[oldest]; ok {
		delete(m.correlationToTrace, at.Context.CorrelationID)
	}
	delete(m.active, oldest)
	delete(m.spanStack, oldest)
	m.droppedTraces++
}

// StartSpan opens a child span whose parent is the trace's current
// active-span-stack top (spec §4.4 "a new span's parent is the stack's
// top"; §4.4 "start_span(trace, operation, subsystem, kind) -> SpanId").
func (m *Manager) StartSpan(traceID TraceID, operation, subsystem string, kind Kind) (SpanID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.active[traceID]
	if !ok {
		return SpanID{}, errors.ErrTraceNotFound
	}
	if len(at.Spans) >= maxSpansPerTrace {
		return SpanID{}, errors.ErrResourceExhausted
	}

	stack := m.spanStack[traceID]
	spanID := m.newSpanID()
	now := m.clock.NowNs()

	span := Span{
		ID:        spanID,
		TraceID:   traceID,
		Operation: operation,
		Subsystem: subsystem,
		Kind:      kind,
		Status:    StatusActive,
		StartNs:   now,
		Sampling:  at.Context.Sampling,
	}
	if len(stack) > 0 {
		span.ParentID = stack[len(stack)-1]
		span.HasParent = true
	}

	at.Spans = append(at.Spans, span)
	m.spanStack[traceID] = append(stack, spanID)
	at.Context.LastActiveNs = now

	return spanID, nil
}

func findSpan(at *ActiveTrace, id SpanID) int {
	for i := range at.Spans {
		if at.Spans[i].ID == id {
			return i
		}
	}
	return -1
}

// FinishSpan completes span, popping it from its trace's active-span
// stack; emptying the stack finalizes the trace (spec §4.4
// "finish_span(trace, span, status, error?)"; "A finished span pops
// itself from the stack; when the stack is emptied the trace is
// finalized").
func (m *Manager) FinishSpan(traceID TraceID, spanID SpanID, status Status, errMessage string) error {
	m.mu.Lock()

	at, ok := m.active[traceID]
	if !ok {
		m.mu.Unlock()
		return errors.ErrTraceNotFound
	}
	idx := findSpan(at, spanID)
	if idx < 0 {
		m.mu.Unlock()
		return errors.ErrSpanNotFound
	}

	now := m.clock.NowNs()
	at.Spans[idx].EndNs = now
	at.Spans[idx].Finished = true
	at.Spans[idx].Status = status
	at.Spans[idx].Error = errMessage
	at.CompletedSpans++
	if status == StatusError {
		at.ErrorCount++
	}

	stack := m.spanStack[traceID]
	for i, id := range stack {
		if id == spanID {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	m.spanStack[traceID] = stack
	at.Context.LastActiveNs = now

	finalize := len(stack) == 0
	var finished ActiveTrace
	if finalize {
		finished = *at
		delete(m.active, traceID)
		delete(m.spanStack, traceID)
		delete(m.correlationToTrace, at.Context.CorrelationID)
		m.removeFromOrderLocked(traceID)
	}
	m.mu.Unlock()

	if finalize {
		m.emitCompletion(finished)
	}
	return nil
}

func (m *Manager) removeFromOrderLocked(id TraceID) {
	for i, t := range m.order {
		if t == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) emitCompletion(at ActiveTrace) {
	duration := time.Duration(at.Context.LastActiveNs - at.Context.CreatedNs)
	m.events.EmitTraceCompleted(at.Context.TraceID, at.Context.CorrelationID, duration, len(at.Spans), at.ErrorCount)
}

// AddSpanAttribute attaches kv to span, bounded at 64 per span (spec §4.4
// "add_span_attribute"; §4.4 "≤64 attributes... per span").
func (m *Manager) AddSpanAttribute(traceID TraceID, spanID SpanID, kv attribute.KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.active[traceID]
	if !ok {
		return errors.ErrTraceNotFound
	}
	idx := findSpan(at, spanID)
	if idx < 0 {
		return errors.ErrSpanNotFound
	}
	if len(at.Spans[idx].Attributes) >= maxAttributesPerSpan {
		return errors.ErrResourceExhausted
	}
	at.Spans[idx].Attributes = append(at.Spans[idx].Attributes, kv)
	return nil
}

// AddSpanEvent appends a timestamped event to span, bounded at 32 per
// span (spec §4.4 "add_span_event"; §4.4 "≤32 events... per span").
func (m *Manager) AddSpanEvent(traceID TraceID, spanID SpanID, name string, attrs []attribute.KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.active[traceID]
	if !ok {
		return errors.ErrTraceNotFound
	}
	idx := findSpan(at, spanID)
	if idx < 0 {
		return errors.ErrSpanNotFound
	}
	if len(at.Spans[idx].Events) >= maxEventsPerSpan {
		return errors.ErrResourceExhausted
	}
	at.Spans[idx].Events = append(at.Spans[idx].Events, Event{
		TimestampNs: m.clock.NowNs(),
		Name:        name,
		Attributes:  attrs,
	})
	return nil
}

// GetTraceByCorrelation resolves a caller's correlation id to the full
// in-memory trace record (spec §4.4 "get_trace_by_correlation(correlation_id)").
func (m *Manager) GetTraceByCorrelation(correlationID CorrelationID) (ActiveTrace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	traceID, ok := m.correlationToTrace[correlationID]
	if !ok {
		return ActiveTrace{}, false
	}
	at, ok := m.active[traceID]
	if !ok {
		return ActiveTrace{}, false
	}
	return *at, true
}

// DroppedTraces returns the number of traces evicted by the
// oldest-eviction policy since boot.
func (m *Manager) DroppedTraces() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.droppedTraces
}

// CleanupExpiredTraces force-finishes every trace whose last activity
// predates the configured max duration (spec §4.4 "a trace whose last
// activity is older than its configured max duration (default 5 min) is
// force-finished"). It returns the number of traces force-finished.
func (m *Manager) CleanupExpiredTraces() int {
	now := m.clock.NowNs()
	maxAge := uint64(m.config.MaxTraceDuration.Nanoseconds())

	m.mu.RLock()
	var expired []TraceID
	for id, at := range m.active {
		if now-at.Context.LastActiveNs > maxAge {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.forceFinish(id)
	}
	return len(expired)
}

func (m *Manager) forceFinish(traceID TraceID) {
	m.mu.Lock()
	at, ok := m.active[traceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, traceID)
	delete(m.spanStack, traceID)
	delete(m.correlationToTrace, at.Context.CorrelationID)
	m.removeFromOrderLocked(traceID)
	finished := *at
	m.mu.Unlock()

	m.emitCompletion(finished)
}
