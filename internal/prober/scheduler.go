// Package prober schedules and runs LAN reachability tests (ICMP echo or TCP
// connect), grounded on client/doublezerod/internal/liveness/scheduler.go's
// container/heap event queue.
package prober

import (
	"container/heap"
	"time"
)

type event struct {
	when    time.Time
	network string
	seq     uint64
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// EventQueue is a time-ordered queue of pending probe events, with a
// monotonic sequence number breaking ties deterministically between events
// scheduled for the same instant.
type EventQueue struct {
	h       eventHeap
	nextSeq uint64
}

func NewEventQueue() *EventQueue {
	eq := &EventQueue{}
	heap.Init(&eq.h)
	return eq
}

func (eq *EventQueue) Push(when time.Time, network string) {
	eq.nextSeq++
	heap.Push(&eq.h, &event{when: when, network: network, seq: eq.nextSeq})
}

func (eq *EventQueue) Len() int { return eq.h.Len() }

// PopIfDue pops and returns the earliest event if it is due at or before
// now, otherwise reports ok=false without modifying the queue.
func (eq *EventQueue) PopIfDue(now time.Time) (network string, ok bool) {
	if eq.h.Len() == 0 {
		return "", false
	}
	if eq.h[0].when.After(now) {
		return "", false
	}
	e := heap.Pop(&eq.h).(*event)
	return e.network, true
}

// CountFor returns how many pending events target network, used by tests to
// assert the scheduler never double-books a probe.
func (eq *EventQueue) CountFor(network string) int {
	n := 0
	for _, e := range eq.h {
		if e.network == network {
			n++
		}
	}
	return n
}
