// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package handle allocates the opaque 64-bit handles used to reference
// threads, channels, semaphores, shared-memory regions, services,
// watchdogs, and traces (spec §9: "Every cross-component reference is by
// opaque 64-bit handle, never by direct memory reference").
package handle

import (
	"fmt"
	"sync/atomic"
)

// T is an opaque 64-bit handle. The zero value is never issued by a
// Generator and may be used by callers as an "absent" sentinel.
type T uint64

func (h T) String() string {
	return fmt.Sprintf("0x%016x", uint64(h))
}

// Generator hands out monotonically increasing handles, never reusing one
// during the process's lifetime (spec §3: thread identifiers are
// "monotonic, never reused during a boot"; the same discipline is applied
// uniformly to every handle-addressed registry per spec §9).
type Generator struct {
	next atomic.Uint64
}

// NewGenerator returns a Generator whose first issued handle is 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the next handle, or false if the 64-bit space is exhausted.
// Exhaustion is the out-of-resources condition named in spec §4.1
// ("an attempt to create a thread when the ID space is exhausted fails
// with an out-of-resources error").
func (g *Generator) Next() (T, bool) {
	v := g.next.Add(1)
	if v == 0 {
		// wrapped all the way around; space exhausted
		return 0, false
	}
	return T(v), true
}
