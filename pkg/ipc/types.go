// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ipc is the L3 inter-process communication layer (spec §2, §4.2):
// priority-ordered channels, FIFO-fair semaphores, and shared-memory
// region bookkeeping. It produces block/unblock transitions for the L2
// scheduler but owns none of the scheduler's own state.
package ipc

import (
	"sync"

	"github.com/corelattice/kernel/pkg/handle"
)

// ThreadID addresses a scheduler thread/process; ipc never imports
// pkg/sched directly, only the Scheduler collaborator interface below.
type ThreadID = handle.T

type (
	ChannelID   = handle.T
	MessageID   = handle.T
	SemaphoreID = handle.T
	RegionID    = handle.T
)

// Scheduler is the L2 collaborator IPC drives block/unblock transitions
// through (spec §2 component table: "IPC ... Produces block/unblock
// events for L2").
type Scheduler interface {
	BlockCurrent(id ThreadID) error
	Unblock(id ThreadID) error
	YieldCurrent(id ThreadID) error
}

// Discipline is a channel's delivery policy (spec §3 "Channel").
type Discipline int

const (
	Synchronous Discipline = iota
	Asynchronous
	Broadcast
	RequestResponse
)

// Priority orders messages within a channel queue (spec §3 "Message").
// Higher numeric value is higher priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Permissions is the {read, write, subscribe} triple gating channel
// operations, or {read, write, execute} gating shared-memory attachment.
type Permissions struct {
	Read      bool
	Write     bool
	Subscribe bool
	Execute   bool
}

// Message is an opaque-payload envelope (spec §3 "Message").
type Message struct {
	ID           MessageID
	Sender       ThreadID
	Recipient    *ThreadID
	Discipline   Discipline
	Priority     Priority
	CreatedNs    uint64
	ReplyChannel *ChannelID
	ExpiresNs    *uint64 // absolute; nil means no expiration
	Payload      []byte
}

func (m *Message) expired(nowNs uint64) bool {
	return m.ExpiresNs != nil && *m.ExpiresNs < nowNs
}

// Channel is a priority-ordered bounded message queue (spec §3
// "Channel").
type Channel struct {
	ID         ChannelID
	Name       string
	Discipline Discipline
	Owner      ThreadID
	Capacity   int
	Perm       Permissions

	mu          sync.Mutex
	queue       []*Message
	subscribers map[ThreadID]struct{}
	closed      bool
}

// Semaphore is a signed counting semaphore with strict FIFO waiter
// transfer (spec §3 "Semaphore").
type Semaphore struct {
	ID    SemaphoreID
	Name  string
	Owner ThreadID
	Max   int

	mu      sync.Mutex
	count   int
	waiters []ThreadID
}

// Region is a shared-memory region's identity, ownership, and attachment
// bookkeeping; mapping pages is delegated to the memory-manager
// collaborator (spec §3 "Shared-memory region", §4.2 "Shared memory").
type Region struct {
	ID       RegionID
	Name     string
	Owner    ThreadID
	SizeB    uint64
	Perm     Permissions
	BackingP *uint64 // optional backing physical address

	mu       sync.Mutex
	attached map[ThreadID]struct{}
	destroyed bool
}
