// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package ike

import (
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/ike/handler"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

// Dispatcher routes received datagrams to the Phase1 and Phase2 state
// machines. It runs on the event loop only.
type Dispatcher struct {
	ctx *context.IsakmpContext
}

func NewDispatcher(c *context.IsakmpContext) *Dispatcher {
	return &Dispatcher{ctx: c}
}

type datagram struct {
	data   []byte
	local  *net.UDPAddr
	remote *net.UDPAddr
}

// Dispatch handles one datagram. A completed fragment set is queued and
// handled by the same loop.
func (d *Dispatcher) Dispatch(pkt *context.ReceivePacket) {
	queue := []datagram{{data: pkt.Msg, local: pkt.LocalAddr, remote: pkt.RemoteAddr}}
	for len(queue) > 0 {
		dg := queue[0]
		queue = queue[1:]
		if whole := d.dispatchOne(dg); whole != nil {
			queue = append(queue, datagram{data: whole, local: dg.local, remote: dg.remote})
		}
	}
}

// dispatchOne returns a reassembled message when dg completed one.
func (d *Dispatcher) dispatchOne(dg datagram) []byte {
	c := d.ctx
	msg, err := message.Decode(dg.data)
	if err != nil {
		logger.IKELog.Warnf("packet from %s dropped: %+v", dg.remote, err)
		return nil
	}
	if !d.checkHeader(msg.Header, dg) {
		return nil
	}

	if reply, seen := c.Recvd.Check(dg.data, dg.remote, dg.local); seen {
		logger.IKELog.Debugf("retransmission from %s", dg.remote)
		if reply != nil {
			handler.Replay(c, reply, dg.local, dg.remote)
		}
		return nil
	}

	if len(msg.Payloads) > 0 && msg.Payloads[0].Type == message.TypeFRAG {
		return d.fragment(msg, dg)
	}

	c.StartCapture()
	handled := d.route(msg, dg)
	reply := c.Captured()
	if handled && reply != nil {
		c.Recvd.Add(dg.data, dg.remote, dg.local, reply)
	}
	return nil
}

func (d *Dispatcher) checkHeader(hdr *message.Header, dg datagram) bool {
	switch {
	case hdr.MajorVersion < message.MajorVersion:
		logger.IKELog.Warnf("invalid major version %d from %s", hdr.MajorVersion, dg.remote)
	case hdr.Flags&^message.FlagsValid != 0:
		logger.IKELog.Warnf("invalid flags 0x%02x from %s", hdr.Flags, dg.remote)
	case hdr.InitiatorCookie.IsZero():
		logger.IKELog.Warnf("zero initiator cookie from %s", dg.remote)
	case dg.remote.Port == 0:
		logger.IKELog.Warnf("packet with source port 0 from %s", dg.remote.IP)
	case hdr.IsCommit() && hdr.MessageID == 0:
		logger.IKELog.Warnf("commit bit on message ID 0 from %s", dg.remote)
		if h := d.lookup(hdr); h != nil {
			handler.NotifyPeer(d.ctx, h, message.NotifyInvalidFlags)
		}
	default:
		return true
	}
	return false
}

// lookup finds the Phase1 by full index, falling back to the initiator
// cookie alone.
func (d *Dispatcher) lookup(hdr *message.Header) *context.Phase1Handle {
	if h := d.ctx.Registry.LookupByIndex(context.IndexOf(hdr)); h != nil {
		return h
	}
	return d.ctx.Registry.LookupByIndex0(hdr.InitiatorCookie)
}

func (d *Dispatcher) fragment(msg *message.Message, dg datagram) []byte {
	c := d.ctx
	h := d.lookup(msg.Header)
	if h == nil {
		logger.IKELog.Warnf("fragment from %s matches no ISAKMP-SA", dg.remote)
		return nil
	}
	if h.Profile == nil || !h.Profile.Fragmentation {
		logger.IKELog.Warnf("%s: fragment received but fragmentation is off", h)
		return nil
	}
	f := new(message.Fragment)
	if err := message.Unmarshal(&msg.Payloads[0], f); err != nil {
		logger.IKELog.Warnf("%s: %+v", h, err)
		return nil
	}
	if h.Frags == nil {
		h.Frags = c.NewReassembler()
	}
	whole, done, err := h.Frags.Add(f)
	if err != nil {
		logger.IKELog.Warnf("%s: %+v", h, err)
		return nil
	}
	if done {
		logger.IKELog.Debugf("%s: reassembled %d bytes", h, len(whole))
	}
	return whole
}

// route hands msg to its exchange handler. It reports whether a handle
// took the message. A handle matching the full index follows the peer's
// ports whatever the exchange.
func (d *Dispatcher) route(msg *message.Message, dg datagram) bool {
	if h := d.ctx.Registry.LookupByIndex(context.IndexOf(msg.Header)); h != nil {
		handler.FloatPorts(d.ctx, h, dg.local, dg.remote)
	}
	switch msg.ExchangeType {
	case message.ExchangeIdent, message.ExchangeAggr, message.ExchangeBase:
		return d.phase1(msg, dg)
	case message.ExchangeInfo, message.ExchangeAckInfo:
		h := d.lookup(msg.Header)
		if h == nil {
			logger.IKELog.Warnf("informational from %s matches no ISAKMP-SA", dg.remote)
			return false
		}
		if !d.decrypt(h, msg) {
			return false
		}
		handler.HandleInformational(d.ctx, h, msg)
		return true
	case message.ExchangeQuick:
		return d.quick(msg, dg)
	case message.ExchangeNewGrp:
		h := d.ctx.Registry.LookupByIndex(context.IndexOf(msg.Header))
		if h == nil || !d.decrypt(h, msg) {
			return false
		}
		handler.HandleNewGroup(d.ctx, h, msg)
		return true
	}
	logger.IKELog.Warnf("exchange %s from %s not supported", msg.ExchangeType, dg.remote)
	return false
}

func (d *Dispatcher) decrypt(h *context.Phase1Handle, msg *message.Message) bool {
	if err := handler.DecodeDecrypt(d.ctx, h, msg); err != nil {
		logger.IKELog.Warnf("%s: %+v", h, err)
		return false
	}
	return true
}

func (d *Dispatcher) phase1(msg *message.Message, dg datagram) bool {
	c := d.ctx
	if msg.MessageID != 0 {
		logger.IKELog.Warnf("phase1 message from %s with message ID 0x%08x", dg.remote, msg.MessageID)
		return false
	}
	idx := context.IndexOf(msg.Header)
	h := c.Registry.LookupByIndex(idx)
	if h == nil {
		if h0 := c.Registry.LookupByIndex0(idx.Initiator); h0 != nil {
			if h0.Role != context.RoleInitiator || idx.Responder.IsZero() || !h0.Index.Responder.IsZero() {
				logger.IKELog.Debugf("%s: retransmission or stale cookie from %s", h0, dg.remote)
				return false
			}
			if err := c.Registry.SetResponderCookie(h0, idx.Responder); err != nil {
				logger.IKELog.Warnf("%s: %+v", h0, err)
				return false
			}
			h = h0
		} else {
			return d.newResponder(msg, dg)
		}
	}
	if h.Exchange != msg.ExchangeType {
		logger.IKELog.Warnf("%s: exchange %s does not match", h, msg.ExchangeType)
		return false
	}
	handler.FloatPorts(c, h, dg.local, dg.remote)
	if !d.decrypt(h, msg) {
		return false
	}
	handler.Phase1Main(c, h, msg)
	return true
}

func (d *Dispatcher) newResponder(msg *message.Message, dg datagram) bool {
	c := d.ctx
	if !msg.ResponderCookie.IsZero() {
		logger.IKELog.Warnf("unknown ISAKMP-SA %s from %s", context.IndexOf(msg.Header), dg.remote)
		return false
	}
	profile := c.Peers.ByAddress(dg.remote.IP)
	if profile == nil {
		logger.IKELog.Errorf("couldn't find configuration for %s", dg.remote)
		c.Events.Emit(evt.Event{Type: evt.NoIsakmpCfg, Local: dg.local.String(), Remote: dg.remote.String()})
		return false
	}
	if !profile.AcceptsExchange(msg.ExchangeType) {
		logger.IKELog.Warnf("exchange %s from %s not allowed by %s", msg.ExchangeType, dg.remote, profile.Name)
		return false
	}
	if msg.IsEncrypted() {
		logger.IKELog.Warnf("encrypted first message from %s", dg.remote)
		return false
	}
	h, err := handler.NewPhase1Responder(c, profile, msg.Header, dg.local, dg.remote)
	if err != nil {
		logger.IKELog.Errorf("responder for %s: %+v", dg.remote, err)
		return false
	}
	handler.Phase1Main(c, h, msg)
	return true
}

func (d *Dispatcher) quick(msg *message.Message, dg datagram) bool {
	c := d.ctx
	ph1 := c.Registry.LookupByIndex(context.IndexOf(msg.Header))
	if ph1 == nil {
		logger.IKELog.Warnf("quick mode from %s matches no ISAKMP-SA", dg.remote)
		handler.SendNotifyNoHandle(c, dg.local, dg.remote, msg.Header, message.NotifyInvalidCookie)
		return false
	}
	if !ph1.IsEstablished() {
		logger.IKELog.Warnf("%s: quick mode before phase1 is established", ph1)
		return false
	}
	if msg.MessageID == 0 {
		logger.IKELog.Warnf("%s: quick mode with message ID 0", ph1)
		return false
	}
	if !msg.IsEncrypted() {
		logger.IKELog.Warnf("%s: cleartext quick mode dropped", ph1)
		return false
	}
	if !d.decrypt(ph1, msg) {
		return false
	}

	p2 := c.Registry.LookupPhase2ByMsgID(ph1, msg.MessageID)
	if p2 == nil {
		if !c.Registry.ReserveMsgID(ph1, msg.MessageID) {
			logger.IKELog.Warnf("%s: message ID 0x%08x already used", ph1, msg.MessageID)
			return false
		}
		var err error
		if p2, err = handler.NewPhase2Responder(c, ph1, msg.MessageID); err != nil {
			logger.IKELog.Errorf("%s: %+v", ph1, err)
			return false
		}
	}
	handler.Phase2Main(c, ph1, p2, msg)
	if p2.State == context.Phase2GetSPISent && p2.Trigger == nil {
		// the reply goes out after GETSPI; copies wait for it
		k := c.Recvd.Hold(dg.data, dg.remote, dg.local)
		p2.Trigger = &k
	}
	return true
}
