// SPDX-FileCopyrightText: 2025 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

// phase1StepFunc consumes msg (receive steps) or builds the next message
// (send steps, msg is nil) and advances h.
type phase1StepFunc func(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error

// phase1Step selects the step for an exchange, role and state. Every
// combination without a step resolves to rejectPhase1Step.
func phase1Step(exch message.ExchangeType, role context.Role, state context.Phase1State) phase1StepFunc {
	initiator := role == context.RoleInitiator
	switch exch {
	case message.ExchangeIdent:
		switch {
		case initiator && state == context.Phase1Start:
			return identI1Send
		case initiator && state == context.Phase1Msg1Sent:
			return identI2Recv
		case initiator && state == context.Phase1Msg2Received:
			return identI2Send
		case initiator && state == context.Phase1Msg2Sent:
			return identI3Recv
		case initiator && state == context.Phase1Msg3Received:
			return identI3Send
		case initiator && state == context.Phase1Msg3Sent:
			return identI4Recv
		case initiator && state == context.Phase1Msg4Received:
			return establishStep
		case !initiator && state == context.Phase1Start:
			return identR1Recv
		case !initiator && state == context.Phase1Msg1Received:
			return identR1Send
		case !initiator && state == context.Phase1Msg1Sent:
			return identR2Recv
		case !initiator && state == context.Phase1Msg2Received:
			return identR2Send
		case !initiator && state == context.Phase1Msg2Sent:
			return identR3Recv
		case !initiator && state == context.Phase1Msg3Received:
			return identR3Send
		}
	case message.ExchangeAggr:
		switch {
		case initiator && state == context.Phase1Start:
			return aggI1Send
		case initiator && state == context.Phase1Msg1Sent:
			return aggI2Recv
		case initiator && state == context.Phase1Msg2Received:
			return aggI2Send
		case !initiator && state == context.Phase1Start:
			return aggR1Recv
		case !initiator && state == context.Phase1Msg1Received:
			return aggR1Send
		case !initiator && state == context.Phase1Msg1Sent:
			return aggR2Recv
		case !initiator && state == context.Phase1Msg2Received:
			return establishStep
		}
	case message.ExchangeBase:
		switch {
		case initiator && state == context.Phase1Start:
			return baseI1Send
		case initiator && state == context.Phase1Msg1Sent:
			return baseI2Recv
		case initiator && state == context.Phase1Msg2Received:
			return baseI2Send
		case initiator && state == context.Phase1Msg2Sent:
			return baseI3Recv
		case initiator && state == context.Phase1Msg3Received:
			return establishStep
		case !initiator && state == context.Phase1Start:
			return baseR1Recv
		case !initiator && state == context.Phase1Msg1Received:
			return baseR1Send
		case !initiator && state == context.Phase1Msg1Sent:
			return baseR2Recv
		case !initiator && state == context.Phase1Msg2Received:
			return baseR2Send
		}
	}
	return rejectPhase1Step
}

func rejectPhase1Step(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	return fmt.Errorf("%s: %w", h, ErrNoStep)
}

// awaitsPeer reports whether h is waiting for a message from the peer.
func awaitsPeer(h *context.Phase1Handle) bool {
	switch h.State {
	case context.Phase1Start:
		return h.Role == context.RoleResponder
	case context.Phase1Msg1Sent, context.Phase1Msg2Sent, context.Phase1Msg3Sent:
		return true
	}
	return false
}

// Phase1Main runs the receive step for msg and then the send step that
// follows it.
func Phase1Main(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) {
	if h.IsEstablished() || h.IsExpired() {
		logger.IKELog.Debugf("%s: ignoring %s message", h, msg.ExchangeType)
		return
	}
	if !awaitsPeer(h) {
		logger.IKELog.Debugf("%s: not waiting for the peer, message dropped", h)
		return
	}

	recv := phase1Step(h.Exchange, h.Role, h.State)
	if err := recv(c, h, msg); err != nil {
		phase1Failed(c, h, err, c.TeardownOnFailure())
		return
	}

	h.StopResend()

	send := phase1Step(h.Exchange, h.Role, h.State)
	if err := send(c, h, nil); err != nil {
		phase1Failed(c, h, err, true)
	}
}

// phase1Failed logs err and, with teardown set, tells the peer and drops h.
func phase1Failed(c *context.IsakmpContext, h *context.Phase1Handle, err error, teardown bool) {
	if !teardown {
		logger.IKELog.Warnf("%s: step failed, keeping the handle: %+v", h, err)
		return
	}
	logger.IKELog.Errorf("%s: phase1 negotiation failed: %+v", h, err)
	if code := notifyCode(err); code != message.NotifyInternalError {
		if nerr := sendNotify(c, h, code, message.ProtoISAKMP, cookieSPI(h)); nerr != nil {
			logger.IKELog.Warnf("%s: notify %s: %+v", h, code, nerr)
		}
	}
	c.EmitPhase1(evt.Phase1Failed, h, err.Error())
	removePhase1(c, h)
}

// BeginPhase1 starts an initiator negotiation toward remote. psk, when
// given, overrides the profile's pre-shared key.
func BeginPhase1(c *context.IsakmpContext, profile *factory.RemoteConf, local, remote *net.UDPAddr,
	psk []byte,
) (*context.Phase1Handle, error) {
	if profile == nil {
		return nil, ErrNoProfile
	}
	exchanges := profile.Exchanges()
	if len(exchanges) == 0 {
		return nil, fmt.Errorf("profile %s allows no exchange", profile.Name)
	}
	r, l := *remote, *local
	if r.Port == 0 {
		r.Port = c.Config.IsakmpPort
	}
	if l.Port == 0 {
		l.Port = c.Config.IsakmpPort
	}

	h := context.NewPhase1Handle(context.RoleInitiator, exchanges[0], &l, &r, profile)
	h.PSK = psk
	if l.Port == c.Config.NattPort {
		h.NATT |= context.NATAddNonESPMarker
	}
	ck, err := c.Oakley.NewCookie(h.Local, h.Remote)
	if err != nil {
		return nil, err
	}
	h.Index = context.SessionIndex{Initiator: ck}
	if err = c.Oakley.NewPhase1(h); err != nil {
		return nil, err
	}
	if err = c.Registry.InsertPhase1(h); err != nil {
		return nil, err
	}
	h.SetState(context.Phase1Start)
	logger.IKELog.Infof("initiate new phase 1 negotiation: %s<=>%s", h.Local, h.Remote)

	if err = phase1Step(h.Exchange, h.Role, h.State)(c, h, nil); err != nil {
		phase1Failed(c, h, err, true)
		return nil, err
	}
	return h, nil
}

// NewPhase1Responder creates the handle for a first packet from remote.
func NewPhase1Responder(c *context.IsakmpContext, profile *factory.RemoteConf, hdr *message.Header,
	local, remote *net.UDPAddr,
) (*context.Phase1Handle, error) {
	h := context.NewPhase1Handle(context.RoleResponder, hdr.ExchangeType, local, remote, profile)
	ck, err := c.Oakley.NewCookie(local, remote)
	if err != nil {
		return nil, err
	}
	h.Index = context.SessionIndex{Initiator: hdr.InitiatorCookie, Responder: ck}
	if local.Port == c.Config.NattPort {
		h.NATT |= context.NATAddNonESPMarker
	}
	if err = c.Oakley.NewPhase1(h); err != nil {
		return nil, err
	}
	if err = c.Registry.InsertPhase1(h); err != nil {
		return nil, err
	}
	h.SetState(context.Phase1Start)
	logger.IKELog.Infof("respond new phase 1 negotiation: %s<=>%s", h.Local, h.Remote)
	return h, nil
}

// Phase1Resend sends the last packet again until the budget runs out.
func Phase1Resend(c *context.IsakmpContext, h *context.Phase1Handle) {
	h.ResendTimer = nil
	if h.SendBuf == nil {
		return
	}
	if h.RetryCounter <= 0 {
		logger.IKELog.Errorf("%s: phase1 negotiation failed due to time up", h)
		c.EmitPhase1(evt.PeerNoResponse, h, ErrNoResponse.Error())
		removePhase1(c, h)
		return
	}
	h.RetryCounter--
	if err := sendPacket(c, h, h.Local, h.Remote, h.SendBuf); err != nil {
		logger.IKELog.Errorf("%s: resend: %+v", h, err)
	}
	logger.IKELog.Debugf("%s: resent, %d retries left", h, h.RetryCounter)
	h.ResendTimer = c.Sched.Schedule(h.Retry().Interval, "phase1-resend", func() {
		Phase1Resend(c, h)
	})
}

// Phase1Expire marks h expired and starts the deferred delete.
func Phase1Expire(c *context.IsakmpContext, h *context.Phase1Handle) {
	h.ExpireTimer.Cancel()
	if !h.IsExpired() {
		logger.IKELog.Infof("ISAKMP-SA expired %s", h)
		if h.IsEstablished() {
			if err := sendDeletePhase1(c, h); err != nil {
				logger.IKELog.Warnf("%s: delete notification: %+v", h, err)
			}
		}
		h.StopResend()
		h.SetState(context.Phase1Expired)
	}
	h.ExpireTimer = c.Sched.Schedule(h.Retry().Tick, "phase1-delete", func() {
		Phase1Delete(c, h)
	})
}

// Phase1Delete removes h once it has no children, checking again every
// tick until then.
func Phase1Delete(c *context.IsakmpContext, h *context.Phase1Handle) {
	h.ExpireTimer = nil
	if len(h.Children) > 0 {
		logger.IKELog.Debugf("%s: %d phase2 still bound, delete postponed", h, len(h.Children))
		h.ExpireTimer = c.Sched.Schedule(h.Retry().Tick, "phase1-delete", func() {
			Phase1Delete(c, h)
		})
		return
	}
	logger.IKELog.Infof("ISAKMP-SA deleted %s", h)
	c.EmitPhase1(evt.Phase1Down, h, "")
	if err := c.Registry.RemovePhase1(h); err != nil {
		logger.IKELog.Errorf("%s: %+v", h, err)
	}
}

// PurgePhase1 tears down h on request: its negotiating children go first,
// the peer is told, and the handle is deleted on the next tick.
func PurgePhase1(c *context.IsakmpContext, h *context.Phase1Handle) {
	for _, p2 := range c.Registry.ChildrenOf(h) {
		if err := sendDeletePhase2(c, h, p2); err != nil {
			logger.IKELog.Warnf("%s: delete notification: %+v", p2, err)
		}
		deletePhase2(c, p2)
	}
	Phase1Expire(c, h)
}

// removePhase1 drops h at once together with any children.
func removePhase1(c *context.IsakmpContext, h *context.Phase1Handle) {
	for _, p2 := range c.Registry.ChildrenOf(h) {
		phase2Failed(c, p2, ErrPhase1Expired)
	}
	if err := c.Registry.RemovePhase1(h); err != nil && !errors.Is(err, context.ErrUnknownHandle) {
		logger.IKELog.Errorf("%s: %+v", h, err)
	}
}

func establishStep(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	phase1Established(c, h)
	return nil
}

func phase1Established(c *context.IsakmpContext, h *context.Phase1Handle) {
	h.StopResend()
	h.SetState(context.Phase1Established)
	h.Created = c.Sched.Now()
	h.ExpireTimer = c.Sched.Schedule(c.Oakley.Lifetime(h), "phase1-expire", func() {
		Phase1Expire(c, h)
	})
	logger.IKELog.Infof("ISAKMP-SA established %s", h)

	if h.Profile != nil && h.Profile.InitialContact && !c.Contacted(h.Remote.IP) {
		if err := sendInitialContact(c, h); err != nil {
			logger.IKELog.Warnf("%s: initial contact: %+v", h, err)
		} else {
			c.MarkContacted(h.Remote.IP)
		}
	}
	c.EmitPhase1(evt.Phase1Up, h, h.Exchange.String())
	resumeWaiting(c, h)
	startKeepalive(c, h)
}

func buildPhase1(c *context.IsakmpContext, h *context.Phase1Handle, b *payloads, encrypt bool) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	hdr := message.NewHeader(h.Index.Initiator, h.Index.Responder, h.Exchange, 0, 0)
	var keys *context.Phase1Handle
	if encrypt {
		keys = h
	}
	return EncodeEncrypt(c, keys, hdr, b.chain)
}

// keyExchange appends our KE and NONCE.
func keyExchange(c *context.IsakmpContext, b *payloads, h *context.Phase1Handle) {
	ke, nonce, err := c.Oakley.KeyExchange(h)
	if err != nil {
		b.err = err
		return
	}
	b.add(&message.KeyExchange{KeyExchangeData: ke})
	b.add(&message.Nonce{NonceData: nonce})
}

func identity(c *context.IsakmpContext, b *payloads, h *context.Phase1Handle) {
	if b.err != nil {
		return
	}
	id, err := c.Oakley.Identity(h)
	if err != nil {
		b.err = err
		return
	}
	b.raw(id)
}

func authHash(c *context.IsakmpContext, b *payloads, h *context.Phase1Handle) {
	if b.err != nil {
		return
	}
	hash, err := c.Oakley.AuthHash(h)
	if err != nil {
		b.err = err
		return
	}
	b.hash(hash)
}

func body(msg *message.Message, t message.PayloadType) ([]byte, error) {
	p := msg.Get(t)
	if p == nil {
		return nil, missing(t)
	}
	return p.Body, nil
}

// peerKeyExchange consumes KE and NONCE. Either may be skipped.
func peerKeyExchange(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message, wantKE, wantNonce bool) error {
	var ke, nonce []byte
	var err error
	if wantKE {
		if ke, err = body(msg, message.TypeKE); err != nil {
			return err
		}
	}
	if wantNonce {
		if nonce, err = body(msg, message.TypeNONCE); err != nil {
			return err
		}
	}
	if err = c.Oakley.PeerKeyExchange(h, ke, nonce); err != nil {
		return notifyErr(message.NotifyPayloadMalformed, "%v", err)
	}
	return nil
}

func peerIdentity(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	id := msg.Get(message.TypeID)
	if id == nil {
		return missing(message.TypeID)
	}
	return c.Oakley.PeerIdentity(h, id)
}

func verifyAuth(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	hash, err := body(msg, message.TypeHASH)
	if err != nil {
		return err
	}
	if err = c.Oakley.VerifyAuthHash(h, hash); err != nil {
		return fmt.Errorf("%s: %w", h.Remote, err)
	}
	return nil
}

func acceptProposal(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	sa := msg.Get(message.TypeSA)
	if sa == nil {
		return missing(message.TypeSA)
	}
	return c.Oakley.AcceptPhase1(h, sa)
}

func selectProposal(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	sa := msg.Get(message.TypeSA)
	if sa == nil {
		return missing(message.TypeSA)
	}
	chosen, err := c.Oakley.SelectPhase1(h, sa)
	if err != nil {
		return err
	}
	h.Proposal = &chosen
	return nil
}

// Identity protection (main mode)

func identI1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	sa, err := c.Oakley.Phase1Proposal(h)
	if err != nil {
		return err
	}
	b.raw(sa)
	addVendorIDs(b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func identI2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := acceptProposal(c, h, msg); err != nil {
		return err
	}
	peerVendorIDs(h, msg)
	h.SetState(context.Phase1Msg2Received)
	return nil
}

func identI2Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	keyExchange(c, b, h)
	addNATDiscovery(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Sent)
	return nil
}

func identI3Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := peerKeyExchange(c, h, msg, true, true); err != nil {
		return err
	}
	if err := natCheck(c, h, msg); err != nil {
		return err
	}
	if err := c.Oakley.DeriveKeys(h); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg3Received)
	return nil
}

func identI3Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	natFloat(c, h)
	b := new(payloads)
	identity(c, b, h)
	authHash(c, b, h)
	pkt, err := buildPhase1(c, h, b, true)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg3Sent)
	return nil
}

func identI4Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if !msg.IsEncrypted() {
		return notifyErr(message.NotifyInvalidFlags, "last main mode message is not encrypted")
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg4Received)
	return nil
}

func identR1Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	// vendor IDs first so the reply knows whether NAT-T is on
	peerVendorIDs(h, msg)
	if err := selectProposal(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Received)
	return nil
}

func identR1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	b.raw(*h.Proposal)
	addVendorIDs(b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func identR2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := peerKeyExchange(c, h, msg, true, true); err != nil {
		return err
	}
	if err := natCheck(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Received)
	return nil
}

func identR2Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	keyExchange(c, b, h)
	addNATDiscovery(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = c.Oakley.DeriveKeys(h); err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Sent)
	return nil
}

func identR3Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if !msg.IsEncrypted() {
		return notifyErr(message.NotifyInvalidFlags, "main mode message 5 is not encrypted")
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg3Received)
	return nil
}

func identR3Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	identity(c, b, h)
	authHash(c, b, h)
	pkt, err := buildPhase1(c, h, b, true)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, false); err != nil {
		return err
	}
	phase1Established(c, h)
	return nil
}

// Aggressive mode

func aggI1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	sa, err := c.Oakley.Phase1Proposal(h)
	if err != nil {
		return err
	}
	b.raw(sa)
	keyExchange(c, b, h)
	identity(c, b, h)
	addVendorIDs(b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func aggI2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := acceptProposal(c, h, msg); err != nil {
		return err
	}
	peerVendorIDs(h, msg)
	if err := peerKeyExchange(c, h, msg, true, true); err != nil {
		return err
	}
	if err := natCheck(c, h, msg); err != nil {
		return err
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	if err := c.Oakley.DeriveKeys(h); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Received)
	return nil
}

func aggI2Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	natFloat(c, h)
	b := new(payloads)
	authHash(c, b, h)
	addNATDiscovery(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, false); err != nil {
		return err
	}
	phase1Established(c, h)
	return nil
}

func aggR1Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	peerVendorIDs(h, msg)
	if err := selectProposal(c, h, msg); err != nil {
		return err
	}
	if err := peerKeyExchange(c, h, msg, true, true); err != nil {
		return err
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Received)
	return nil
}

func aggR1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	b.raw(*h.Proposal)
	keyExchange(c, b, h)
	if b.err == nil {
		b.err = c.Oakley.DeriveKeys(h)
	}
	identity(c, b, h)
	authHash(c, b, h)
	addVendorIDs(b, h)
	addNATDiscovery(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func aggR2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := natCheck(c, h, msg); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Received)
	return nil
}

// Base mode

func baseI1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	sa, err := c.Oakley.Phase1Proposal(h)
	if err != nil {
		return err
	}
	b.raw(sa)
	_, nonce, err := c.Oakley.KeyExchange(h)
	if err != nil {
		return err
	}
	b.add(&message.Nonce{NonceData: nonce})
	identity(c, b, h)
	addVendorIDs(b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func baseI2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := acceptProposal(c, h, msg); err != nil {
		return err
	}
	peerVendorIDs(h, msg)
	if err := peerKeyExchange(c, h, msg, false, true); err != nil {
		return err
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Received)
	return nil
}

func baseI2Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	ke, _, err := c.Oakley.KeyExchange(h)
	if err != nil {
		return err
	}
	b.add(&message.KeyExchange{KeyExchangeData: ke})
	authHash(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Sent)
	return nil
}

func baseI3Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := peerKeyExchange(c, h, msg, true, false); err != nil {
		return err
	}
	if err := c.Oakley.DeriveKeys(h); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg3Received)
	return nil
}

func baseR1Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	peerVendorIDs(h, msg)
	if err := selectProposal(c, h, msg); err != nil {
		return err
	}
	if err := peerKeyExchange(c, h, msg, false, true); err != nil {
		return err
	}
	if err := peerIdentity(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Received)
	return nil
}

func baseR1Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	b.raw(*h.Proposal)
	_, nonce, err := c.Oakley.KeyExchange(h)
	if err != nil {
		return err
	}
	b.add(&message.Nonce{NonceData: nonce})
	identity(c, b, h)
	addVendorIDs(b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, true); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg1Sent)
	return nil
}

func baseR2Recv(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if err := peerKeyExchange(c, h, msg, true, false); err != nil {
		return err
	}
	if err := verifyAuth(c, h, msg); err != nil {
		return err
	}
	h.SetState(context.Phase1Msg2Received)
	return nil
}

func baseR2Send(c *context.IsakmpContext, h *context.Phase1Handle, _ *message.Message) error {
	b := new(payloads)
	ke, _, err := c.Oakley.KeyExchange(h)
	if err != nil {
		return err
	}
	b.add(&message.KeyExchange{KeyExchangeData: ke})
	if err = c.Oakley.DeriveKeys(h); err != nil {
		return err
	}
	authHash(c, b, h)
	pkt, err := buildPhase1(c, h, b, false)
	if err != nil {
		return err
	}
	if err = sendPhase1(c, h, pkt, false); err != nil {
		return err
	}
	phase1Established(c, h)
	return nil
}
