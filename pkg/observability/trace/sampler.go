// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import "encoding/binary"

// Sampler decides whether a new trace is sampled (original_source
// `trace_correlation.rs::SamplingStrategy`). A trace manager is not
// itself an OpenTelemetry TracerProvider — there is no export pipeline
// behind it — so this is a narrow local interface rather than an
// implementation of the SDK's `sdktrace.Sampler` (whose
// `SamplingParameters` are keyed off a live `trace.SpanContext` this
// package never constructs).
type Sampler interface {
	ShouldSample(id TraceID, operation string, subsystem string, parentSampled *bool) SamplingDecision
}

// ProbabilisticSampler hashes the trace id and compares against a
// threshold derived from the configured rate, so the same trace id
// always yields the same decision (spec §4.4 "a probabilistic sampler
// hashes the trace id and compares to a threshold derived from the
// configured sampling rate; if the parent was sampled, the child is
// always sampled").
type ProbabilisticSampler struct {
	rate float64
}

// NewProbabilisticSampler clamps rate into [0, 1].
func NewProbabilisticSampler(rate float64) *ProbabilisticSampler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &ProbabilisticSampler{rate: rate}
}

func (s *ProbabilisticSampler) ShouldSample(id TraceID, _ string, _ string, parentSampled *bool) SamplingDecision {
	if parentSampled != nil && *parentSampled {
		return SampledAndRecorded
	}

	high := binary.BigEndian.Uint64(id[:8])
	low := binary.BigEndian.Uint64(id[8:])
	hash := high ^ low
	threshold := uint64(s.rate * float64(^uint64(0)))

	if hash < threshold {
		return SampledAndRecorded
	}
	return NotSampled
}
