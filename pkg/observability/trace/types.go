// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package trace is the observability core's trace-correlation subsystem
// (spec §4.4 "Trace correlation"): nested spans within a trace, a
// correlation-id lookup index, deterministic sampling, and bounded
// resources with oldest-eviction and expiration sweeps.
package trace

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

// TraceID and SpanID reuse OpenTelemetry's 128-bit/64-bit id types (spec
// §3 Data Model: Trace/Span ids) rather than minting parallel types; a
// trace context exported to an external collector can carry these
// straight through without re-encoding.
type TraceID = oteltrace.TraceID
type SpanID = oteltrace.SpanID

// CorrelationID is the externally-quotable id a caller hands back to
// look a trace up later (spec §4.4 "get_trace_by_correlation").
type CorrelationID = uuid.UUID

// Propagation selects how far a trace's context is meant to travel
// (original_source `trace_correlation.rs::TracePropagation`).
type Propagation int

const (
	PropagationNone Propagation = iota
	PropagationProcess
	PropagationSystem
	PropagationNetwork
)

// Kind classifies a span (original_source `trace_correlation.rs::SpanKind`).
type Kind int

const (
	KindInternal Kind = iota
	KindServer
	KindClient
	KindProducer
	KindConsumer
)

// Status is a span's completion state (original_source
// `trace_correlation.rs::SpanStatus`).
type Status int

const (
	StatusActive Status = iota
	StatusOK
	StatusError
	StatusCancelled
	StatusTimeout
)

// SamplingDecision is the outcome of a sampler's deterministic check
// (spec §4.4 "Sampling is deterministic").
type SamplingDecision int

const (
	NotSampled SamplingDecision = iota
	Sampled
	SampledAndRecorded
)

func (d SamplingDecision) sampled() bool { return d != NotSampled }

// Event is a timestamped annotation recorded on a span (spec §4.4
// "add_span_event").
type Event struct {
	TimestampNs uint64
	Name        string
	Attributes  []attribute.KeyValue
}

// Link references another span, e.g. one that caused this one (spec §3
// bounded-resource rule "≤16 links per span").
type Link struct {
	TraceID    TraceID
	SpanID     SpanID
	Attributes []attribute.KeyValue
}

// Span is one unit of traced work (spec §4.4 "start_span"/"finish_span").
type Span struct {
	ID         SpanID
	TraceID    TraceID
	ParentID   SpanID
	HasParent  bool
	Operation  string
	Subsystem  string
	Kind       Kind
	Status     Status
	StartNs    uint64
	EndNs      uint64
	Finished   bool
	Attributes []attribute.KeyValue
	Events     []Event
	Links      []Link
	Error      string
	Sampling   SamplingDecision
}

// Context is the externally-visible handle to a trace (spec §4.4
// "start_trace(operation, subsystem, propagation) -> TraceContext").
type Context struct {
	TraceID       TraceID
	CorrelationID CorrelationID
	RootSpanID    SpanID
	Propagation   Propagation
	Sampling      SamplingDecision
	Baggage       baggage.Baggage
	CreatedNs     uint64
	LastActiveNs  uint64
}

// ActiveTrace is a trace's full in-memory record, returned by
// GetTraceByCorrelation (spec §4.4 "get_trace_by_correlation").
type ActiveTrace struct {
	Context       Context
	Spans         []Span
	CompletedSpans int
	ErrorCount    int
}
