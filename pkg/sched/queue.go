// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sched

import "container/heap"

// fifoQueue is a plain FIFO ready queue for a single non-realtime band
// (spec §4.1 "Queue structure"). Round-robin is implemented by the
// caller: pop the head, run it, and on preemption re-append it to the
// tail.
type fifoQueue struct {
	items []ThreadID
}

func (q *fifoQueue) pushBack(id ThreadID) {
	q.items = append(q.items, id)
}

func (q *fifoQueue) popFront() (ThreadID, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

func (q *fifoQueue) remove(id ThreadID) bool {
	for i, v := range q.items {
		if v == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifoQueue) len() int { return len(q.items) }

// rtQueue is the Realtime band: an EDF min-heap for PeriodicEDF threads
// plus a FIFO fallback sub-queue for plain FIFO realtime threads (spec
// §4.1 "Queue structure", "Selection algorithm"). EDF threads are always
// preferred over FIFO realtime threads when both are ready, matching "the
// head is the thread with the earliest absolute deadline" for the EDF
// sub-discipline; non-EDF realtime threads only run when no EDF thread is
// ready.
type rtQueue struct {
	edf  edfHeap
	fifo fifoQueue
}

func (q *rtQueue) pushEDF(id ThreadID, deadlineNs uint64) {
	heap.Push(&q.edf, edfEntry{id: id, deadline: deadlineNs})
}

func (q *rtQueue) pushFIFO(id ThreadID) {
	q.fifo.pushBack(id)
}

func (q *rtQueue) popNext() (ThreadID, bool) {
	if q.edf.Len() > 0 {
		e := heap.Pop(&q.edf).(edfEntry)
		return e.id, true
	}
	return q.fifo.popFront()
}

func (q *rtQueue) remove(id ThreadID) bool {
	for i, e := range q.edf {
		if e.id == id {
			heap.Remove(&q.edf, i)
			return true
		}
	}
	return q.fifo.remove(id)
}

func (q *rtQueue) len() int { return q.edf.Len() + q.fifo.len() }

type edfEntry struct {
	id       ThreadID
	deadline uint64
}

type edfHeap []edfEntry

func (h edfHeap) Len() int            { return len(h) }
func (h edfHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h edfHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *edfHeap) Push(x interface{}) { *h = append(*h, x.(edfEntry)) }
func (h *edfHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
