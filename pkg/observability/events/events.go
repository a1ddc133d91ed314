// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package events is the observability event bus (spec §4.4
// "Observability event stream"): a tagged event for every recordable
// condition, fanned out to subscribers with bounded per-subscriber
// buffering and at-least-once delivery within a process boot.
package events

import (
	"sync"

	"github.com/go-logr/logr"
)

// Kind tags the variant of a published Event (spec §4.4: "Watchdog{...},
// Crash{...}, TraceCompleted{...}").
type Kind int

const (
	KindWatchdog Kind = iota
	KindCrash
	KindTraceCompleted
	KindPermissionDenied
	KindHealthCheckFailed
)

// Event is the tagged observability record. Only the fields relevant to
// Tag are populated; the rest are zero.
type Event struct {
	Tag Kind

	// Watchdog
	Subsystem string
	TimeoutMs int64
	Action    string

	// Crash
	CrashKind      string
	Severity       string
	CrashSubsystem string
	Message        string
	RecoveryAction string

	// TraceCompleted
	TraceID       string
	CorrelationID string
	DurationMs    int64
	SpanCount     int
	ErrorCount    int

	// PermissionDenied / HealthCheckFailed
	ServiceKind string
	Operation   string
}

// subscriberBufferSize bounds per-subscriber buffering (spec §4.4 "the
// core guarantees bounded buffering"). A slow subscriber that falls this
// far behind loses delivery guarantees rather than stalling publishers.
const subscriberBufferSize = 256

// Bus fans out published events to every live subscriber, grounded on
// the teacher's `pkg/resource/store` eventRouter/subscriber pattern
// (single router goroutine draining an inbound channel into each
// subscriber's own channel) but without a persistent backing store: this
// bus is purely in-memory, process-lifetime event fan-out.
type Bus struct {
	logger logr.Logger

	mu     sync.RWMutex
	subs   []chan Event
	closed bool

	in chan Event
	wg sync.WaitGroup
}

// NewBus constructs and starts a Bus's routing goroutine.
func NewBus(logger logr.Logger) *Bus {
	b := &Bus{
		logger: logger.WithName("observability-events"),
		in:     make(chan Event, subscriberBufferSize),
	}
	b.wg.Add(1)
	go b.route()
	return b
}

// Subscribe returns a channel that receives every event published after
// the call, closed when Close is called.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish enqueues an event for fan-out. It never blocks the caller
// beyond filling the bus's own inbound buffer: a publisher is on the
// hot path of a crash/watchdog/trace completion and must not itself be
// made to wait on a slow subscriber (spec §4.4 "they must never block
// the scheduler" applies transitively — nothing upstream of the bus may
// stall on it).
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	select {
	case b.in <- e:
	default:
		b.logger.Info("observability event dropped: bus inbound buffer full", "tag", e.Tag)
	}
}

func (b *Bus) route() {
	defer b.wg.Done()
	for e := range b.in {
		b.mu.RLock()
		subs := make([]chan Event, len(b.subs))
		copy(subs, b.subs)
		b.mu.RUnlock()

		for _, sub := range subs {
			select {
			case sub <- e:
			default:
				b.logger.Info("observability event dropped: subscriber buffer full", "tag", e.Tag)
			}
		}
	}
}

// Close stops routing and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	close(b.in)
	b.wg.Wait()
	for _, sub := range subs {
		close(sub)
	}
}
