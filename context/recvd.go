// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"net"
	"time"

	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/sched"
	"golang.org/x/crypto/blake2s"
)

// RecvdKey names one received datagram in a RecvdCache.
type RecvdKey struct {
	digest [blake2s.Size]byte
	remote string
	local  string
}

type recvdEntry struct {
	reply   []byte
	replays int
	timer   *sched.Timer
}

// RecvdCache remembers datagrams already processed for a (remote, local)
// pair together with the reply they produced.
type RecvdCache struct {
	entries    map[RecvdKey]*recvdEntry
	sched      *sched.Scheduler
	lifetime   time.Duration
	maxReplays int
}

// NewRecvdCache keeps each entry for count*interval and for at most count
// replays.
func NewRecvdCache(s *sched.Scheduler, count int, interval time.Duration) *RecvdCache {
	if count <= 0 {
		count = 1
	}
	return &RecvdCache{
		entries:    make(map[RecvdKey]*recvdEntry),
		sched:      s,
		lifetime:   time.Duration(count) * interval,
		maxReplays: count,
	}
}

func keyOf(pkt []byte, remote, local *net.UDPAddr) RecvdKey {
	return RecvdKey{digest: blake2s.Sum256(pkt), remote: remote.String(), local: local.String()}
}

// Check reports whether pkt was seen before and returns the reply to send
// again, which may be nil.
func (c *RecvdCache) Check(pkt []byte, remote, local *net.UDPAddr) ([]byte, bool) {
	k := keyOf(pkt, remote, local)
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	e.replays++
	reply := e.reply
	if e.replays >= c.maxReplays {
		logger.CtxLog.Debugf("dedup entry for %s exhausted its replays", remote)
		c.remove(k)
	}
	return reply, true
}

// Add records pkt and the reply it produced. Recording the same packet
// again only replaces the reply.
func (c *RecvdCache) Add(pkt []byte, remote, local *net.UDPAddr, reply []byte) {
	c.add(keyOf(pkt, remote, local), reply)
}

// Hold records pkt before its reply exists. Copies of pkt are dropped until
// SetReply gives them something to replay.
func (c *RecvdCache) Hold(pkt []byte, remote, local *net.UDPAddr) RecvdKey {
	k := keyOf(pkt, remote, local)
	c.add(k, nil)
	return k
}

// SetReply attaches the reply to a datagram recorded by Hold.
func (c *RecvdCache) SetReply(k RecvdKey, reply []byte) {
	c.add(k, reply)
}

func (c *RecvdCache) add(k RecvdKey, reply []byte) {
	if e, ok := c.entries[k]; ok {
		e.reply = reply
		return
	}
	e := &recvdEntry{reply: reply}
	e.timer = c.sched.Schedule(c.lifetime, "recvd-age", func() {
		if c.entries[k] == e {
			delete(c.entries, k)
		}
	})
	c.entries[k] = e
}

func (c *RecvdCache) remove(k RecvdKey) {
	if e, ok := c.entries[k]; ok {
		e.timer.Cancel()
		delete(c.entries, k)
	}
}

func (c *RecvdCache) Len() int {
	return len(c.entries)
}

// Flush drops every entry.
func (c *RecvdCache) Flush() {
	for k := range c.entries {
		c.remove(k)
	}
}
