// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package registry

import (
	"sync"
	"sync/atomic"

	"k8s.io/client-go/util/workqueue"
)

// maxConcurrentHealthChecks bounds how many kinds are probed for
// liveness at once; health_check_all must never block the scheduler
// (spec §4.3 "they must never block the scheduler"), so probing fans
// out instead of running serially.
const maxConcurrentHealthChecks = 4

// HealthResult pairs a service kind with its liveness outcome (spec §4.3
// "health_check_all() -> list<(kind, healthy)>").
type HealthResult struct {
	Kind    Kind
	Healthy bool
}

// HealthCheckAll probes every Running service's liveness concurrently
// through a work queue drained by up to maxConcurrentHealthChecks
// workers. Each kind is queued once with Add, so the queue's rate
// limiter is never consulted. A non-live service is demoted to
// Failed, its LastHealthCheck timestamp updated, and an observability
// event emitted (spec §4.3 "Health check").
func (r *Registry) HealthCheckAll() []HealthResult {
	kinds := r.runningKinds()
	if len(kinds) == 0 {
		return nil
	}

	rateLimiter := workqueue.DefaultTypedControllerRateLimiter[Kind]()
	queue := workqueue.NewTypedRateLimitingQueueWithConfig(rateLimiter,
		workqueue.TypedRateLimitingQueueConfig[Kind]{Name: "registry-health-check"})
	for _, k := range kinds {
		queue.Add(k)
	}

	var (
		mu        sync.Mutex
		results   []HealthResult
		wg        sync.WaitGroup
		completed atomic.Int64
	)
	total := int64(len(kinds))
	workers := maxConcurrentHealthChecks
	if workers > len(kinds) {
		workers = len(kinds)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				kind, shutdown := queue.Get()
				if shutdown {
					return
				}
				healthy := r.probeOne(kind)
				queue.Forget(kind)
				queue.Done(kind)

				mu.Lock()
				results = append(results, HealthResult{Kind: kind, Healthy: healthy})
				mu.Unlock()

				// A liveness probe is idempotent and never itself
				// "fails" in the workqueue's retryable sense, so every
				// item is handed out exactly once; once the last one is
				// Done, shut the queue down so idle workers return.
				if completed.Add(1) == total {
					queue.ShutDown()
				}
			}
		}()
	}
	wg.Wait()

	return results
}

func (r *Registry) runningKinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Kind
	for k, svc := range r.services {
		if svc.Status == Running {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) probeOne(kind Kind) bool {
	r.mu.RLock()
	svc, ok := r.services[kind]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	healthy := r.live != nil && r.live.IsAlive(svc.ProcessID)

	r.mu.Lock()
	svc.LastHealthCheck = r.clock.NowNs()
	if !healthy {
		svc.Status = Failed
	}
	r.mu.Unlock()

	if !healthy {
		r.events.EmitHealthCheckFailed(kind)
	}
	return healthy
}
