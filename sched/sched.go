// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package sched is the single-threaded timer queue driven by the event loop.
// Nothing in this package is safe for concurrent use; callbacks run on the
// goroutine calling RunExpired.
package sched

import (
	"container/heap"
	"time"

	"github.com/omec-project/isakmpd/logger"
)

// Clock abstracts time.Now so tests can drive the queue by hand.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Timer is the handle returned by Schedule.
type Timer struct {
	deadline time.Time
	seq      uint64
	index    int
	name     string
	fn       func()
	s        *Scheduler
}

// Cancel removes the timer from its queue. Cancelling a nil, fired or
// already cancelled timer does nothing.
func (t *Timer) Cancel() {
	if t == nil || t.s == nil {
		return
	}
	if t.index >= 0 {
		heap.Remove(&t.s.queue, t.index)
	}
	t.s = nil
}

// Pending reports whether the timer is still queued.
func (t *Timer) Pending() bool {
	return t != nil && t.s != nil
}

func (t *Timer) Deadline() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.deadline
}

func (t *Timer) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Scheduler orders timers by deadline, then by scheduling order.
type Scheduler struct {
	clock Clock
	queue timerQueue
	seq   uint64
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock}
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule arms fn to run once after delay. name only shows up in logs and
// in Dump.
func (s *Scheduler) Schedule(delay time.Duration, name string, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &Timer{
		deadline: s.clock.Now().Add(delay),
		seq:      s.seq,
		name:     name,
		fn:       fn,
		s:        s,
	}
	heap.Push(&s.queue, t)
	logger.SchedLog.Debugf("scheduled %s in %s", name, delay)
	return t
}

// NextDeadline returns the earliest pending deadline.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

// RunExpired fires, in deadline order, every timer due at now. Timers armed
// by a callback are left for the next call even when already due, so one
// pass is bounded. It returns the number of callbacks run.
func (s *Scheduler) RunExpired(now time.Time) int {
	limit := s.seq
	fired := 0
	var parked []*Timer
	for len(s.queue) > 0 {
		t := s.queue[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&s.queue)
		if t.seq > limit {
			parked = append(parked, t)
			continue
		}
		t.s = nil
		logger.SchedLog.Debugf("fire %s", t.name)
		t.fn()
		fired++
	}
	for _, t := range parked {
		// cancelled while parked
		if t.s == nil {
			continue
		}
		heap.Push(&s.queue, t)
	}
	return fired
}

// Len is the number of pending timers.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// Entry describes a pending timer.
type Entry struct {
	Name     string
	Deadline time.Time
}

// Dump lists pending timers in firing order.
func (s *Scheduler) Dump() []Entry {
	cp := make(timerQueue, len(s.queue))
	copy(cp, s.queue)
	out := make([]Entry, 0, len(cp))
	for _, t := range cp {
		out = append(out, Entry{Name: t.name, Deadline: t.deadline})
	}
	sortEntries(out, cp)
	return out
}

func sortEntries(out []Entry, ts timerQueue) {
	// insertion sort on a snapshot; Dump is an admin path only
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts.less(ts[j], ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
}

type timerQueue []*Timer

func (q timerQueue) less(a, b *Timer) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q.less(q[i], q[j]) }

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
