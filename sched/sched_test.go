// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(clock), clock
}

func TestRunExpiredOrder(t *testing.T) {
	s, clock := newTestScheduler()
	var order []string
	record := func(name string) func() {
		return func() { order = append(order, name) }
	}
	s.Schedule(3*time.Second, "c", record("c"))
	s.Schedule(1*time.Second, "a", record("a"))
	s.Schedule(2*time.Second, "b1", record("b1"))
	s.Schedule(2*time.Second, "b2", record("b2"))

	deadline, ok := s.NextDeadline()
	if !ok || !deadline.Equal(clock.now.Add(time.Second)) {
		t.Fatalf("NextDeadline = %v %v", deadline, ok)
	}
	if n := s.RunExpired(clock.advance(2 * time.Second)); n != 3 {
		t.Fatalf("fired %d timers, want 3", n)
	}
	want := []string{"a", "b1", "b2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want prefix %v", order, want)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s, clock := newTestScheduler()
	fired := false
	tm := s.Schedule(time.Second, "x", func() { fired = true })
	tm.Cancel()
	tm.Cancel()
	var nilTimer *Timer
	nilTimer.Cancel()
	s.RunExpired(clock.advance(time.Hour))
	if fired {
		t.Fatal("cancelled timer fired")
	}

	done := s.Schedule(0, "y", func() {})
	s.RunExpired(clock.now)
	if done.Pending() {
		t.Error("fired timer still pending")
	}
	done.Cancel()
	if s.Len() != 0 {
		t.Errorf("Len = %d after cancelling fired timer", s.Len())
	}
}

func TestCancelFromCallback(t *testing.T) {
	s, clock := newTestScheduler()
	var second *Timer
	secondFired := false
	s.Schedule(time.Second, "first", func() { second.Cancel() })
	second = s.Schedule(time.Second, "second", func() { secondFired = true })
	s.RunExpired(clock.advance(time.Second))
	if secondFired {
		t.Error("timer cancelled by an earlier callback still fired")
	}
}

func TestRescheduleFromCallbackWaitsForNextPass(t *testing.T) {
	s, clock := newTestScheduler()
	count := 0
	var again func()
	again = func() {
		count++
		s.Schedule(0, "again", again)
	}
	s.Schedule(0, "again", again)
	s.RunExpired(clock.now)
	if count != 1 {
		t.Fatalf("count = %d after one pass, want 1", count)
	}
	s.RunExpired(clock.now)
	if count != 2 {
		t.Fatalf("count = %d after two passes, want 2", count)
	}
}

func TestDump(t *testing.T) {
	s, _ := newTestScheduler()
	s.Schedule(5*time.Second, "late", func() {})
	s.Schedule(time.Second, "early", func() {})
	entries := s.Dump()
	if len(entries) != 2 || entries[0].Name != "early" || entries[1].Name != "late" {
		t.Errorf("Dump = %+v", entries)
	}
}

func TestCancelParkedTimer(t *testing.T) {
	s, clock := newTestScheduler()
	var parked *Timer
	fired := false
	s.Schedule(0, "arm", func() {
		parked = s.Schedule(0, "parked", func() { fired = true })
	})
	s.Schedule(0, "disarm", func() { parked.Cancel() })
	s.RunExpired(clock.now)
	s.RunExpired(clock.now)
	if fired {
		t.Error("timer cancelled during the pass that armed it still fired")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}
