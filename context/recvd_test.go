// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"bytes"
	"testing"
	"time"

	"github.com/omec-project/isakmpd/sched"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRecvdCacheReplaysReply(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := sched.New(clock)
	c := NewRecvdCache(s, 2, 10*time.Second)
	remote, local := udp("192.0.2.2", 500), udp("192.0.2.1", 500)
	pkt := []byte("first packet")

	if _, hit := c.Check(pkt, remote, local); hit {
		t.Fatal("empty cache reported a hit")
	}
	c.Add(pkt, remote, local, []byte("reply"))

	if _, hit := c.Check(pkt, udp("192.0.2.3", 500), local); hit {
		t.Fatal("a different remote must not hit")
	}
	reply, hit := c.Check(pkt, remote, local)
	if !hit || !bytes.Equal(reply, []byte("reply")) {
		t.Fatalf("Check = %q, %v", reply, hit)
	}
	if _, hit = c.Check(pkt, remote, local); !hit {
		t.Fatal("second replay should still hit")
	}
	if _, hit = c.Check(pkt, remote, local); hit {
		t.Fatal("entry should be dropped after its replay budget")
	}
}

func TestRecvdCacheAges(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := sched.New(clock)
	c := NewRecvdCache(s, 3, 10*time.Second)
	remote, local := udp("192.0.2.2", 500), udp("192.0.2.1", 500)
	c.Add([]byte("pkt"), remote, local, nil)

	clock.now = clock.now.Add(29 * time.Second)
	s.RunExpired(clock.now)
	if c.Len() != 1 {
		t.Fatal("entry aged out early")
	}
	clock.now = clock.now.Add(time.Second)
	s.RunExpired(clock.now)
	if c.Len() != 0 {
		t.Fatal("entry still present after count*interval")
	}
	if s.Len() != 0 {
		t.Errorf("scheduler still holds %d timers", s.Len())
	}
}

func TestRecvdCacheHeldUntilReply(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := sched.New(clock)
	c := NewRecvdCache(s, 3, 10*time.Second)
	remote, local := udp("192.0.2.2", 500), udp("192.0.2.1", 500)
	pkt := []byte("quick mode 1")

	k := c.Hold(pkt, remote, local)
	reply, hit := c.Check(pkt, remote, local)
	if !hit || reply != nil {
		t.Fatalf("held packet: Check = %q, %v; want a hit with nothing to replay", reply, hit)
	}

	c.SetReply(k, []byte("quick mode 2"))
	reply, hit = c.Check(pkt, remote, local)
	if !hit || !bytes.Equal(reply, []byte("quick mode 2")) {
		t.Fatalf("Check = %q, %v", reply, hit)
	}
	if c.Len() != 1 {
		t.Errorf("%d entries, want 1", c.Len())
	}
}
