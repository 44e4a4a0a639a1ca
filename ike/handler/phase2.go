// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

type phase2StepFunc func(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message) error

// phase2Step selects the quick mode step for role and state.
func phase2Step(role context.Role, state context.Phase2State) phase2StepFunc {
	if role == context.RoleInitiator {
		switch state {
		case context.Phase2Status2:
			return getSPIStep
		case context.Phase2GetSPIDone:
			return quickI1Send
		case context.Phase2Msg1Sent:
			return quickI2Recv
		case context.Phase2Status6:
			return quickI2Send
		case context.Phase2AddSA:
			return quickI3Recv
		}
		return rejectPhase2Step
	}
	switch state {
	case context.Phase2Start:
		return quickR1Recv
	case context.Phase2Status2:
		return getSPIStep
	case context.Phase2GetSPIDone:
		return quickR2Send
	case context.Phase2Msg1Sent:
		return quickR3Recv
	case context.Phase2Status6:
		return quickR3Prep
	case context.Phase2AddSA:
		return quickR3Send
	}
	return rejectPhase2Step
}

func rejectPhase2Step(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) error {
	return fmt.Errorf("%s: %w", p2, ErrNoStep)
}

// phase2AwaitsPeer reports whether p2 expects a quick mode message.
func phase2AwaitsPeer(p2 *context.Phase2Handle) bool {
	switch p2.State {
	case context.Phase2Start:
		return p2.Role == context.RoleResponder
	case context.Phase2Msg1Sent:
		return true
	case context.Phase2AddSA:
		return p2.Role == context.RoleInitiator
	}
	return false
}

// phase2Waiting reports whether p2 must wait for the kernel or the peer
// before its next step.
func phase2Waiting(p2 *context.Phase2Handle) bool {
	switch p2.State {
	case context.Phase2GetSPISent, context.Phase2Msg1Sent, context.Phase2Established, context.Phase2Expired:
		return true
	}
	return phase2AwaitsPeer(p2)
}

// Phase2Main feeds a quick mode message to p2 and runs the steps that
// follow it.
func Phase2Main(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) {
	if !phase2AwaitsPeer(p2) {
		logger.IKELog.Debugf("%s: not waiting for the peer, message dropped", p2)
		return
	}
	if msg.IsCommit() {
		p2.Flags |= message.FlagCommit
	}
	if err := phase2Step(p2.Role, p2.State)(c, ph1, p2, msg); err != nil {
		if code := notifyCode(err); code != message.NotifyInternalError {
			if nerr := sendNotify(c, ph1, code, message.ProtoESP, spiBytes(p2.OutboundSPI)); nerr != nil {
				logger.IKELog.Warnf("%s: notify %s: %+v", p2, code, nerr)
			}
		}
		phase2Failed(c, p2, err)
		return
	}
	continuePhase2(c, ph1, p2)
}

// continuePhase2 runs send steps until p2 waits again.
func continuePhase2(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle) {
	for !phase2Waiting(p2) {
		state := p2.State
		p2.StopResend()
		if err := phase2Step(p2.Role, state)(c, ph1, p2, nil); err != nil {
			phase2Failed(c, p2, err)
			return
		}
		if p2.State == state {
			logger.IKELog.Errorf("%s: step did not advance", p2)
			return
		}
	}
}

// BeginPhase2 asks for an SA toward remote covering sel. Without an
// established Phase1 the request waits, starting one when none exists.
func BeginPhase2(c *context.IsakmpContext, local, remote *net.UDPAddr, sel context.Selector, reqID,
	acquireSeq uint32,
) (*context.Phase2Handle, error) {
	profile := c.Peers.ByAddress(remote.IP)
	if profile == nil {
		logger.IKELog.Errorf("no configuration found for %s", remote.IP)
		c.Events.Emit(evt.Event{Type: evt.NoIsakmpCfg, Local: local.String(), Remote: remote.String()})
		return nil, ErrNoProfile
	}
	if profile.Passive {
		logger.IKELog.Infof("%s is passive, acquire ignored", remote.IP)
		return nil, nil
	}
	r, l := *remote, *local
	if r.Port == 0 {
		r.Port = c.Config.IsakmpPort
	}
	if l.Port == 0 {
		l.Port = c.Config.IsakmpPort
	}

	p2 := context.NewPhase2Handle(context.RoleInitiator, &l, &r, profile)
	p2.Selector = sel
	p2.ReqID = reqID
	p2.AcquireSeq = acquireSeq
	if err := c.Registry.InsertPhase2(p2); err != nil {
		return nil, err
	}

	ph1 := c.Registry.LookupByAddressPair(p2.Remote, nil, profile.NatTraversal)
	if ph1 != nil && ph1.IsEstablished() {
		if err := phase2Start(c, ph1, p2); err != nil {
			return nil, err
		}
		return p2, nil
	}

	p2.SetState(context.Phase2WaitPhase1)
	if ph1 == nil {
		if _, err := BeginPhase1(c, profile, p2.Local, p2.Remote, nil); err != nil {
			phase2Failed(c, p2, err)
			return nil, err
		}
	}
	schedulePoll(c, p2)
	return p2, nil
}

func schedulePoll(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	tick := c.Config.Retry.Tick
	if p2.Profile != nil && p2.Profile.Retry != nil {
		tick = p2.Profile.Retry.Tick
	}
	p2.PollTimer = c.Sched.Schedule(tick, "phase2-poll", func() {
		pollPhase1(c, p2)
	})
}

// pollPhase1 checks whether the Phase1 p2 waits for is up.
func pollPhase1(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	p2.PollTimer = nil
	if p2.State != context.Phase2WaitPhase1 {
		return
	}
	wildcard := p2.Profile != nil && p2.Profile.NatTraversal
	if ph1 := c.Registry.LookupByAddressPair(p2.Remote, nil, wildcard); ph1 != nil && ph1.IsEstablished() {
		if err := phase2Start(c, ph1, p2); err != nil {
			logger.IKELog.Errorf("%s: %+v", p2, err)
		}
		return
	}
	p2.CheckPhase1Retries--
	if p2.CheckPhase1Retries <= 0 {
		logger.IKELog.Errorf("%s: phase1 toward %s never came up", p2, p2.Remote)
		if p2.AcquireSeq != 0 {
			if err := c.Kernel.AcquireFailed(p2.AcquireSeq); err != nil {
				logger.IKELog.Warnf("%s: report acquire failure: %+v", p2, err)
			}
		}
		phase2Failed(c, p2, ErrPhase1Expired)
		return
	}
	schedulePoll(c, p2)
}

// resumeWaiting starts every Phase2 that waited for ph1.
func resumeWaiting(c *context.IsakmpContext, ph1 *context.Phase1Handle) {
	for _, p2 := range c.Registry.Phase2s() {
		if p2.State != context.Phase2WaitPhase1 || !p2.Remote.IP.Equal(ph1.Remote.IP) {
			continue
		}
		if p2.Local != nil && !p2.Local.IP.IsUnspecified() && !p2.Local.IP.Equal(ph1.Local.IP) {
			continue
		}
		p2.PollTimer.Cancel()
		p2.PollTimer = nil
		if err := phase2Start(c, ph1, p2); err != nil {
			logger.IKELog.Errorf("%s: %+v", p2, err)
		}
	}
}

// phase2Start binds p2 under ph1 and asks the kernel for an SPI.
func phase2Start(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle) error {
	mid, err := c.Registry.NewMsgID(ph1)
	if err != nil {
		phase2Failed(c, p2, err)
		return err
	}
	p2.MsgID = mid
	c.Registry.Bind(ph1, p2)
	l, r := *ph1.Local, *ph1.Remote
	p2.Local, p2.Remote = &l, &r
	if err = c.Oakley.NewPhase2(ph1, p2); err != nil {
		phase2Failed(c, p2, err)
		return err
	}
	p2.SetState(context.Phase2Start)
	p2.SetState(context.Phase2Status2)
	logger.IKELog.Infof("initiate new phase 2 negotiation: %s<=>%s", p2.Local, p2.Remote)
	continuePhase2(c, ph1, p2)
	return nil
}

// NewPhase2Responder creates the handle for a quick mode exchange the peer
// started under ph1.
func NewPhase2Responder(c *context.IsakmpContext, ph1 *context.Phase1Handle, msgID uint32) (*context.Phase2Handle, error) {
	p2 := context.NewPhase2Handle(context.RoleResponder, ph1.Local, ph1.Remote, ph1.Profile)
	p2.MsgID = msgID
	if err := c.Registry.InsertPhase2(p2); err != nil {
		return nil, err
	}
	c.Registry.Bind(ph1, p2)
	if err := c.Oakley.NewPhase2(ph1, p2); err != nil {
		phase2Failed(c, p2, err)
		return nil, err
	}
	p2.SetState(context.Phase2Start)
	logger.IKELog.Infof("respond new phase 2 negotiation: %s<=>%s", p2.Local, p2.Remote)
	return p2, nil
}

// GotSPI continues p2 once the kernel allocated its inbound SPI.
func GotSPI(c *context.IsakmpContext, p2 *context.Phase2Handle, spi uint32) {
	if p2.State != context.Phase2GetSPISent {
		logger.IKELog.Warnf("%s: unexpected SPI 0x%08x", p2, spi)
		return
	}
	c.ReleaseSeq(p2.Seq)
	p2.Seq = 0
	ph1 := c.Registry.Resolve(p2)
	if ph1 == nil {
		phase2Failed(c, p2, ErrPhase1Expired)
		return
	}
	p2.InboundSPI = spi
	p2.SetState(context.Phase2GetSPIDone)
	continuePhase2(c, ph1, p2)
}

// Phase2Resend repeats the last quick mode message. An expired parent
// fails the handle without touching the budget.
func Phase2Resend(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	p2.ResendTimer = nil
	if p2.SendBuf == nil {
		return
	}
	ph1 := c.Registry.Resolve(p2)
	if ph1 == nil || ph1.IsExpired() {
		phase2Failed(c, p2, ErrPhase1Expired)
		return
	}
	if p2.RetryCounter <= 0 {
		logger.IKELog.Errorf("%s: phase2 negotiation failed due to time up", p2)
		c.EmitPhase2(evt.PeerNoResponse, p2, ErrNoResponse.Error())
		phase2Failed(c, p2, ErrNoResponse)
		return
	}
	p2.RetryCounter--
	if err := sendPacket(c, ph1, ph1.Local, ph1.Remote, p2.SendBuf); err != nil {
		logger.IKELog.Errorf("%s: resend: %+v", p2, err)
	}
	p2.ResendTimer = c.Sched.Schedule(ph1.Retry().Interval, "phase2-resend", func() {
		Phase2Resend(c, p2)
	})
}

// Phase2Expire marks p2 expired and deletes it on the next tick.
func Phase2Expire(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	p2.ExpireTimer.Cancel()
	if p2.State != context.Phase2Expired {
		logger.IKELog.Infof("IPsec-SA expired %s", p2)
		if ph1 := phase1For(c, p2); ph1 != nil {
			if err := sendDeletePhase2(c, ph1, p2); err != nil {
				logger.IKELog.Warnf("%s: delete notification: %+v", p2, err)
			}
		}
		p2.StopResend()
		p2.SetState(context.Phase2Expired)
	}
	tick := c.Config.Retry.Tick
	p2.ExpireTimer = c.Sched.Schedule(tick, "phase2-delete", func() {
		deletePhase2(c, p2)
	})
}

// DropPhase2 removes p2 at once without notifying the peer, for SAs that
// already left the kernel.
func DropPhase2(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	p2.CancelTimers()
	p2.Installed = nil
	deletePhase2(c, p2)
}

// phase1For returns the bound parent, or any established Phase1 toward
// the same peer.
func phase1For(c *context.IsakmpContext, p2 *context.Phase2Handle) *context.Phase1Handle {
	if ph1 := c.Registry.Resolve(p2); ph1 != nil && ph1.IsEstablished() {
		return ph1
	}
	ph1 := c.Registry.LookupByAddressPair(p2.Remote, nil, true)
	if ph1 != nil && ph1.IsEstablished() {
		return ph1
	}
	return nil
}

// deletePhase2 removes p2 and the kernel SAs it installed.
func deletePhase2(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	if p2.Bound {
		if err := c.Registry.Unbind(p2); err != nil {
			logger.IKELog.Warnf("%s: %+v", p2, err)
		}
	}
	for i := range p2.Installed {
		if err := c.Kernel.Delete(&p2.Installed[i]); err != nil {
			logger.IKELog.Warnf("%s: delete %s: %+v", p2, p2.Installed[i], err)
		}
	}
	p2.Installed = nil
	if p2.IsEstablished() || p2.State == context.Phase2Expired {
		c.EmitPhase2(evt.Phase2Down, p2, "")
	}
	c.ReleaseSeq(p2.Seq)
	if err := c.Registry.RemovePhase2(p2); err != nil {
		logger.IKELog.Debugf("%s: %+v", p2, err)
	}
}

// phase2Failed drops a negotiation that did not complete.
func phase2Failed(c *context.IsakmpContext, p2 *context.Phase2Handle, err error) {
	logger.IKELog.Errorf("%s: phase2 negotiation failed: %+v", p2, err)
	c.EmitPhase2(evt.Phase2Failed, p2, err.Error())
	deletePhase2(c, p2)
}

func phase2Established(c *context.IsakmpContext, p2 *context.Phase2Handle) {
	p2.StopResend()
	p2.SetState(context.Phase2Established)
	// An established Phase2 no longer holds its parent alive.
	if err := c.Registry.Unbind(p2); err != nil {
		logger.IKELog.Warnf("%s: %+v", p2, err)
	}
	p2.ExpireTimer = c.Sched.Schedule(c.Oakley.Phase2Lifetime(p2), "phase2-expire", func() {
		Phase2Expire(c, p2)
	})
	logger.IKELog.Infof("IPsec-SA established %s", p2)
	c.EmitPhase2(evt.Phase2Up, p2, fmt.Sprintf("spi in 0x%08x out 0x%08x", p2.InboundSPI, p2.OutboundSPI))
}

func installPhase2(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle) error {
	in, out, err := c.Oakley.Keymat(ph1, p2)
	if err != nil {
		return err
	}
	for _, sa := range []*context.SAParams{in, out} {
		if err = c.Kernel.Install(sa); err != nil {
			return fmt.Errorf("install %s: %w", sa.SAID, err)
		}
		p2.Installed = append(p2.Installed, sa.SAID)
	}
	return nil
}

func spiBytes(spi uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return b
}

// quickPacket prefixes rest with HASH(n) and encrypts it under ph1.
func quickPacket(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle, n int,
	b *payloads,
) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	rest, err := message.EncodeChain(b.chain)
	if err != nil {
		return nil, err
	}
	hash, err := c.Oakley.QuickHash(ph1, p2, n, rest)
	if err != nil {
		return nil, err
	}
	chain := append([]message.RawPayload{{Type: message.TypeHASH, Body: hash}}, b.chain...)
	hdr := message.NewHeader(ph1.Index.Initiator, ph1.Index.Responder, message.ExchangeQuick,
		p2.Flags&message.FlagCommit, p2.MsgID)
	return EncodeEncrypt(c, ph1, hdr, chain)
}

// verifyQuickHash checks HASH(n), which must lead the chain.
func verifyQuickHash(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle, n int,
	msg *message.Message,
) error {
	if len(msg.Payloads) == 0 || msg.Payloads[0].Type != message.TypeHASH {
		return notifyErr(message.NotifyInvalidHashInformation, "HASH(%d) is not the first payload", n)
	}
	rest, err := message.EncodeChain(msg.Payloads[1:])
	if err != nil {
		return err
	}
	want, err := c.Oakley.QuickHash(ph1, p2, n, rest)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, msg.Payloads[0].Body) {
		return notifyErr(message.NotifyInvalidHashInformation, "HASH(%d) mismatch", n)
	}
	return nil
}

// addPhase2Material appends NONCE and, with PFS, KE.
func addPhase2Material(c *context.IsakmpContext, b *payloads, p2 *context.Phase2Handle) {
	nonce, err := c.Oakley.Phase2Nonce(p2)
	if err != nil {
		b.err = err
		return
	}
	b.add(&message.Nonce{NonceData: nonce})
	ke, err := c.Oakley.Phase2KE(p2)
	if err != nil {
		b.err = err
		return
	}
	if ke != nil {
		b.add(&message.KeyExchange{KeyExchangeData: ke})
	}
}

func peerPhase2Material(c *context.IsakmpContext, p2 *context.Phase2Handle, msg *message.Message) error {
	nonce, err := body(msg, message.TypeNONCE)
	if err != nil {
		return err
	}
	var ke []byte
	if p := msg.Get(message.TypeKE); p != nil {
		ke = p.Body
	}
	if err = c.Oakley.PeerPhase2(p2, nonce, ke); err != nil {
		return notifyErr(message.NotifyNoProposalChosen, "%v", err)
	}
	return nil
}

// selectorIDs returns IDci and IDcr for an outbound selector.
func selectorIDs(sel context.Selector) (idci, idcr message.RawPayload, err error) {
	if idci, err = message.Raw(networkID(sel.Src, sel.SrcPort, sel.Proto)); err != nil {
		return
	}
	idcr, err = message.Raw(networkID(sel.Dst, sel.DstPort, sel.Proto))
	return
}

func networkID(n *net.IPNet, port uint16, proto uint8) *message.Identification {
	id := &message.Identification{ProtocolID: proto, Port: port}
	ones, bits := n.Mask.Size()
	ip := n.IP.To4()
	v4 := ip != nil
	if !v4 {
		ip = n.IP.To16()
	}
	switch {
	case ones == bits && v4:
		id.IDType, id.IDData = message.IDIPv4Addr, ip
	case ones == bits:
		id.IDType, id.IDData = message.IDIPv6Addr, ip
	case v4:
		id.IDType = message.IDIPv4AddrSubnet
		id.IDData = append(append([]byte(nil), ip...), n.Mask[len(n.Mask)-net.IPv4len:]...)
	default:
		id.IDType = message.IDIPv6AddrSubnet
		id.IDData = append(append([]byte(nil), ip...), n.Mask...)
	}
	return id
}

// idNetwork parses a client ID into a prefix, port and protocol.
func idNetwork(raw *message.RawPayload) (*net.IPNet, uint16, uint8, error) {
	id := new(message.Identification)
	if err := message.Unmarshal(raw, id); err != nil {
		return nil, 0, 0, err
	}
	d := id.IDData
	switch {
	case id.IDType == message.IDIPv4Addr && len(d) == net.IPv4len:
		return &net.IPNet{IP: net.IP(d), Mask: net.CIDRMask(32, 32)}, id.Port, id.ProtocolID, nil
	case id.IDType == message.IDIPv6Addr && len(d) == net.IPv6len:
		return &net.IPNet{IP: net.IP(d), Mask: net.CIDRMask(128, 128)}, id.Port, id.ProtocolID, nil
	case id.IDType == message.IDIPv4AddrSubnet && len(d) == 2*net.IPv4len:
		return &net.IPNet{IP: net.IP(d[:4]), Mask: net.IPMask(d[4:])}, id.Port, id.ProtocolID, nil
	case id.IDType == message.IDIPv6AddrSubnet && len(d) == 2*net.IPv6len:
		return &net.IPNet{IP: net.IP(d[:16]), Mask: net.IPMask(d[16:])}, id.Port, id.ProtocolID, nil
	}
	return nil, 0, 0, notifyErr(message.NotifyInvalidIDInformation, "client ID type %d of %d bytes",
		id.IDType, len(d))
}

func hostNet(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

func getSPIStep(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	p2.Seq = c.NextSeq()
	req := &context.SPIRequest{
		Seq:   p2.Seq,
		Src:   p2.Remote.IP,
		Dst:   p2.Local.IP,
		Proto: message.ProtoESP,
		ReqID: p2.ReqID,
	}
	if err := c.Kernel.GetSPI(req); err != nil {
		return fmt.Errorf("GETSPI: %w", err)
	}
	p2.SetState(context.Phase2GetSPISent)
	return nil
}

// Initiator

func quickI1Send(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	b := new(payloads)
	sa, err := c.Oakley.Phase2Proposal(ph1, p2)
	if err != nil {
		return err
	}
	b.raw(sa)
	addPhase2Material(c, b, p2)
	if p2.Selector.Src != nil && p2.Selector.Dst != nil {
		idci, idcr, err := selectorIDs(p2.Selector)
		if err != nil {
			return err
		}
		p2.IDci, p2.IDcr = &idci, &idcr
		b.raw(idci)
		b.raw(idcr)
	}
	pkt, err := quickPacket(c, ph1, p2, 1, b)
	if err != nil {
		return err
	}
	if err = sendPhase2(c, ph1, p2, pkt, true); err != nil {
		return err
	}
	p2.SetState(context.Phase2Msg1Sent)
	return nil
}

func quickI2Recv(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) error {
	if err := verifyQuickHash(c, ph1, p2, 2, msg); err != nil {
		return err
	}
	sa := msg.Get(message.TypeSA)
	if sa == nil {
		return missing(message.TypeSA)
	}
	if err := c.Oakley.AcceptPhase2(ph1, p2, sa); err != nil {
		return err
	}
	if err := peerPhase2Material(c, p2, msg); err != nil {
		return err
	}
	if ids := msg.All(message.TypeID); len(ids) == 2 && p2.IDci != nil {
		if !bytes.Equal(ids[0].Body, p2.IDci.Body) || !bytes.Equal(ids[1].Body, p2.IDcr.Body) {
			logger.IKELog.Warnf("%s: responder returned different client IDs", p2)
		}
	}
	for _, n := range msg.All(message.TypeN) {
		logger.IKELog.Debugf("%s: notify in quick mode message 2: %x", p2, n.Body)
	}
	p2.SetState(context.Phase2Status6)
	return nil
}

func quickI2Send(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	pkt, err := quickPacket(c, ph1, p2, 3, new(payloads))
	if err != nil {
		return err
	}
	if p2.IsCommit() {
		// the responder confirms with CONNECTED before we install
		if err = sendPhase2(c, ph1, p2, pkt, true); err != nil {
			return err
		}
		p2.SetState(context.Phase2AddSA)
		return nil
	}
	if err = sendPhase2(c, ph1, p2, pkt, false); err != nil {
		return err
	}
	if err = installPhase2(c, ph1, p2); err != nil {
		return err
	}
	phase2Established(c, p2)
	return nil
}

func quickI3Recv(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) error {
	if err := verifyQuickHash(c, ph1, p2, 4, msg); err != nil {
		return err
	}
	connected := false
	for _, raw := range msg.All(message.TypeN) {
		n := new(message.Notification)
		if err := message.Unmarshal(&raw, n); err != nil {
			return err
		}
		if n.NotifyMessageType == message.NotifyConnected {
			connected = true
		}
	}
	if !connected {
		return notifyErr(message.NotifyPayloadMalformed, "commit answered without CONNECTED")
	}
	if err := installPhase2(c, ph1, p2); err != nil {
		return err
	}
	phase2Established(c, p2)
	return nil
}

// Responder

func quickR1Recv(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) error {
	if err := verifyQuickHash(c, ph1, p2, 1, msg); err != nil {
		return err
	}
	sa := msg.Get(message.TypeSA)
	if sa == nil {
		return missing(message.TypeSA)
	}
	if err := c.Oakley.SelectPhase2(ph1, p2, sa); err != nil {
		return err
	}
	if err := peerPhase2Material(c, p2, msg); err != nil {
		return err
	}

	// Our outbound selector: from our client to the initiator's.
	sel := context.Selector{Src: hostNet(ph1.Local.IP), Dst: hostNet(ph1.Remote.IP), Dir: context.DirOut}
	switch ids := msg.All(message.TypeID); len(ids) {
	case 0:
	case 2:
		dst, dport, proto, err := idNetwork(&ids[0])
		if err != nil {
			return err
		}
		src, sport, _, err := idNetwork(&ids[1])
		if err != nil {
			return err
		}
		sel = context.Selector{Src: src, Dst: dst, SrcPort: sport, DstPort: dport, Proto: proto, Dir: context.DirOut}
		p2.IDci, p2.IDcr = &ids[0], &ids[1]
	default:
		return notifyErr(message.NotifyInvalidIDInformation, "%d client IDs", len(ids))
	}
	policies, err := c.Policies.Lookup(sel)
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return notifyErr(message.NotifyInvalidIDInformation, "no policy for %s", sel)
	}
	p2.Selector = sel
	p2.ReqID = policies[0].ReqID
	p2.SetState(context.Phase2Status2)
	return nil
}

func quickR2Send(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	b := new(payloads)
	sa, err := c.Oakley.Phase2Proposal(ph1, p2)
	if err != nil {
		return err
	}
	b.raw(sa)
	addPhase2Material(c, b, p2)
	if p2.IDci != nil {
		b.raw(*p2.IDci)
		b.raw(*p2.IDcr)
	}
	if p2.Profile != nil && p2.Profile.GenerateCommit {
		p2.Flags |= message.FlagCommit
	}
	pkt, err := quickPacket(c, ph1, p2, 2, b)
	if err != nil {
		return err
	}
	if err = sendPhase2(c, ph1, p2, pkt, true); err != nil {
		return err
	}
	p2.SetState(context.Phase2Msg1Sent)
	return nil
}

func quickR3Recv(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	msg *message.Message,
) error {
	if err := verifyQuickHash(c, ph1, p2, 3, msg); err != nil {
		return err
	}
	p2.SetState(context.Phase2Status6)
	return nil
}

func quickR3Prep(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	if p2.IsCommit() {
		p2.SetState(context.Phase2AddSA)
		return nil
	}
	if err := installPhase2(c, ph1, p2); err != nil {
		return err
	}
	phase2Established(c, p2)
	return nil
}

// quickR3Send installs the SAs and confirms a commit with CONNECTED.
func quickR3Send(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	_ *message.Message,
) error {
	if err := installPhase2(c, ph1, p2); err != nil {
		return err
	}
	b := new(payloads)
	b.add(&message.Notification{
		DOI:               message.DOIIPSec,
		ProtocolID:        message.ProtoESP,
		NotifyMessageType: message.NotifyConnected,
		SPI:               spiBytes(p2.InboundSPI),
	})
	pkt, err := quickPacket(c, ph1, p2, 4, b)
	if err != nil {
		return err
	}
	if err = sendPhase2(c, ph1, p2, pkt, false); err != nil {
		return err
	}
	phase2Established(c, p2)
	return nil
}
