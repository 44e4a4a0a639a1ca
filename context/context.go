// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"math"
	"net"

	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/sched"
	"github.com/omec-project/util/idgenerator"
)

// IsakmpContext is the state shared by the dispatcher and the handlers.
// Everything here belongs to the event loop goroutine.
type IsakmpContext struct {
	Config *factory.Configuration

	Registry *Registry
	Sched    *sched.Scheduler
	Events   *evt.Emitter
	Recvd    *RecvdCache
	Server   *IsakmpServer

	// Collaborators
	Oakley         Oakley
	Kernel         KernelSA
	Policies       PolicyDB
	Peers          PeerConfigs
	Sender         Sender
	NewReassembler func() Reassembler

	// Kernel request sequence numbers
	SeqGenerator *idgenerator.IDGenerator

	// Peers that already received INITIAL-CONTACT
	contacted map[string]struct{}

	// Datagrams sent while handling the current input
	capture   [][]byte
	capturing bool
}

func NewIsakmpContext(cfg *factory.Configuration, clock sched.Clock) *IsakmpContext {
	s := sched.New(clock)
	events := evt.NewEmitter(cfg.EventHistory, cfg.EventQueue)
	events.SetClock(s.Now)
	c := &IsakmpContext{
		Config:       cfg,
		Registry:     NewRegistry(),
		Sched:        s,
		Events:       events,
		Recvd:        NewRecvdCache(s, cfg.Retry.Count, cfg.Retry.Interval),
		Server:       NewIsakmpServer(cfg.EventQueue),
		Peers:        cfg,
		SeqGenerator: idgenerator.NewGenerator(1, math.MaxUint32),
		contacted:    make(map[string]struct{}),
	}
	return c
}

// NextSeq returns a kernel request sequence number.
func (c *IsakmpContext) NextSeq() uint32 {
	seq, err := c.SeqGenerator.Allocate()
	if err != nil {
		logger.CtxLog.Errorf("allocate kernel sequence: %+v", err)
		return 0
	}
	return uint32(seq)
}

func (c *IsakmpContext) ReleaseSeq(seq uint32) {
	if seq != 0 {
		c.SeqGenerator.FreeID(int64(seq))
	}
}

// StartCapture begins recording outbound datagrams so the dispatcher can
// remember the reply to an input.
func (c *IsakmpContext) StartCapture() {
	c.capture = c.capture[:0]
	c.capturing = true
}

func (c *IsakmpContext) Capture(pkt []byte) {
	if c.capturing {
		c.capture = append(c.capture, pkt)
	}
}

// Captured stops recording and returns the first datagram sent, if any.
func (c *IsakmpContext) Captured() []byte {
	c.capturing = false
	if len(c.capture) == 0 {
		return nil
	}
	return c.capture[0]
}

func (c *IsakmpContext) TeardownOnFailure() bool {
	return c.Config.Phase1FailurePolicy == factory.FailurePolicyTeardown
}

func (c *IsakmpContext) Contacted(ip net.IP) bool {
	_, ok := c.contacted[ip.String()]
	return ok
}

func (c *IsakmpContext) MarkContacted(ip net.IP) {
	c.contacted[ip.String()] = struct{}{}
}

// ForgetContacted lets the next Phase1 toward ip send INITIAL-CONTACT again.
func (c *IsakmpContext) ForgetContacted(ip net.IP) {
	delete(c.contacted, ip.String())
}

// EmitPhase1 records a lifecycle event for h.
func (c *IsakmpContext) EmitPhase1(typ evt.Type, h *Phase1Handle, detail string) {
	c.Events.Emit(evt.Event{
		Type:   typ,
		Local:  addrString(h.Local),
		Remote: addrString(h.Remote),
		Index:  h.Index.String(),
		Detail: detail,
	})
}

func (c *IsakmpContext) EmitPhase2(typ evt.Type, h *Phase2Handle, detail string) {
	c.Events.Emit(evt.Event{
		Type:   typ,
		Local:  addrString(h.Local),
		Remote: addrString(h.Remote),
		Index:  h.Parent.String(),
		MsgID:  h.MsgID,
		Detail: detail,
	})
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
