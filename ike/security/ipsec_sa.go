// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	ctx "github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/ike/security/dh"
	"github.com/omec-project/isakmpd/ike/security/encr"
	"github.com/omec-project/isakmpd/ike/security/integ"
)

// IPsecSAKey holds the quick mode algorithms and exchange material.
type IPsecSAKey struct {
	// ESP transform
	EncrInfo  encr.ENCRType
	IntegInfo integ.INTEGType
	// DhInfo is nil without PFS
	DhInfo    dh.DHType
	Lifetime  time.Duration
	EncapMode uint16

	secret   *big.Int
	GXi, GXr []byte
	Ni, Nr   []byte
}

func phase2Key(h *ctx.Phase2Handle) (*IPsecSAKey, error) {
	k, ok := h.Crypto.(*IPsecSAKey)
	if !ok || k == nil {
		return nil, fmt.Errorf("%s has no IPsec SA key", h)
	}
	return k, nil
}

func encapModeFor(p *factory.RemoteConf, nat bool) uint16 {
	transport := p.SAInfo.Mode == "transport"
	switch {
	case nat && transport:
		return message.EncapUDPTransport
	case nat:
		return message.EncapUDPTunnel
	case transport:
		return message.EncapTransport
	}
	return message.EncapTunnel
}

func (s *Suite) NewPhase2(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle) error {
	p := h.Profile
	if p == nil {
		p = ph1.Profile
	}
	if p == nil {
		return fmt.Errorf("%s: no peer profile", h)
	}
	k := &IPsecSAKey{
		EncrInfo:  encr.StrToType(p.SAInfo.Encryption, p.SAInfo.KeyLength),
		IntegInfo: integ.StrToType(p.SAInfo.Authentication),
		Lifetime:  p.SAInfo.Lifetime,
		EncapMode: encapModeFor(p, ph1.HasNAT(ctx.NATDetected)),
	}
	if p.SAInfo.PFSGroup != 0 {
		k.DhInfo = dh.ByGroup(uint16(p.SAInfo.PFSGroup))
	}
	if k.EncrInfo == nil || k.IntegInfo == nil {
		return fmt.Errorf("profile %s: unsupported phase2 proposal", p.Name)
	}
	h.Crypto = k
	return nil
}

// ToTransform builds the ESP transform describing the key.
func (k *IPsecSAKey) ToTransform() *message.Transform {
	attrs := []message.Attribute{
		message.BasicAttribute(message.AttrSALifeType, message.LifeTypeSeconds),
		message.LongAttribute(message.AttrSALifeDuration, uint32(k.Lifetime/time.Second)),
	}
	if k.DhInfo != nil {
		attrs = append(attrs, message.BasicAttribute(message.AttrGroupDescPFS, k.DhInfo.GroupDescription()))
	}
	attrs = append(attrs,
		message.BasicAttribute(message.AttrEncapMode, k.EncapMode),
		integ.ToAttribute(k.IntegInfo),
		message.BasicAttribute(message.AttrSAKeyLength, uint16(k.EncrInfo.GetKeyLength()*8)),
	)
	return &message.Transform{Number: 1, ID: k.EncrInfo.ESPTransformID(), Attributes: attrs}
}

func spiBytes(spi uint32) []byte {
	return uint32Bytes(spi)
}

// Phase2Proposal builds our SA payload: the full offer on the initiator,
// the accepted transform on the responder. Both carry our inbound SPI.
func (s *Suite) Phase2Proposal(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle) (message.RawPayload, error) {
	k, err := phase2Key(h)
	if err != nil {
		return message.RawPayload{}, err
	}
	if h.InboundSPI == 0 {
		return message.RawPayload{}, fmt.Errorf("%s: no inbound SPI yet", h)
	}
	sa := &message.SecurityAssociation{
		DOI:       message.DOIIPSec,
		Situation: message.SituationIdentityOnly,
		Proposals: []*message.Proposal{{
			Number:     1,
			ProtocolID: message.ProtoESP,
			SPI:        spiBytes(h.InboundSPI),
			Transforms: []*message.Transform{k.ToTransform()},
		}},
	}
	h.Proposal = sa
	return message.Raw(sa)
}

type espChoice struct {
	encr     encr.ENCRType
	integ    integ.INTEGType
	group    dh.DHType
	pfs      bool
	lifetime time.Duration
	encap    uint16
}

func decodeESPTransform(t *message.Transform) (espChoice, bool) {
	c := espChoice{
		encr:     encr.DecodeESPTransform(t),
		integ:    integ.DecodeTransform(t),
		lifetime: factory.DefaultPhase2Lifetime,
		encap:    message.EncapTunnel,
	}
	if a, ok := t.Attribute(message.AttrSALifeDuration); ok {
		c.lifetime = time.Duration(a.Uint()) * time.Second
	}
	if a, ok := t.Attribute(message.AttrGroupDescPFS); ok {
		c.pfs = true
		c.group = dh.ByGroup(uint16(a.Uint()))
	}
	if a, ok := t.Attribute(message.AttrEncapMode); ok {
		c.encap = uint16(a.Uint())
	}
	ok := c.encr != nil && c.integ != nil && (!c.pfs || c.group != nil)
	return c, ok
}

// sameEncap treats the RFC and draft UDP encapsulation values alike.
func sameEncap(a, b uint16) bool {
	norm := func(m uint16) uint16 {
		switch m {
		case message.EncapUDPTunnelDft:
			return message.EncapUDPTunnel
		case message.EncapUDPTransDft:
			return message.EncapUDPTransport
		}
		return m
	}
	return norm(a) == norm(b)
}

func (k *IPsecSAKey) matches(c espChoice) bool {
	if c.encr != k.EncrInfo || c.integ != k.IntegInfo || !sameEncap(c.encap, k.EncapMode) {
		return false
	}
	if k.DhInfo != nil {
		return c.group == k.DhInfo
	}
	return true
}

// SelectPhase2 records the first acceptable ESP transform and the peer's
// SPI. A PFS group offered by the peer is adopted when our profile has none.
func (s *Suite) SelectPhase2(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle, offered *message.RawPayload) error {
	k, err := phase2Key(h)
	if err != nil {
		return err
	}
	sa := new(message.SecurityAssociation)
	if err = message.Unmarshal(offered, sa); err != nil {
		return err
	}
	for _, p := range sa.Proposals {
		if p.ProtocolID != message.ProtoESP || len(p.SPI) != 4 {
			continue
		}
		for _, t := range p.Transforms {
			c, ok := decodeESPTransform(t)
			if !ok {
				continue
			}
			want := *k
			if want.DhInfo == nil {
				want.DhInfo = c.group
			}
			if !want.matches(c) {
				continue
			}
			k.DhInfo = want.DhInfo
			k.Lifetime = min(k.Lifetime, c.lifetime)
			h.OutboundSPI = binary.BigEndian.Uint32(p.SPI)
			return nil
		}
	}
	return ErrNoProposalChosen
}

// AcceptPhase2 checks the responder's answer and takes its SPI.
func (s *Suite) AcceptPhase2(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle, chosen *message.RawPayload) error {
	k, err := phase2Key(h)
	if err != nil {
		return err
	}
	sa := new(message.SecurityAssociation)
	if err = message.Unmarshal(chosen, sa); err != nil {
		return err
	}
	if len(sa.Proposals) != 1 || len(sa.Proposals[0].Transforms) != 1 {
		return fmt.Errorf("responder returned %d proposals: %w", len(sa.Proposals), ErrNoProposalChosen)
	}
	p := sa.Proposals[0]
	if p.ProtocolID != message.ProtoESP || len(p.SPI) != 4 {
		return fmt.Errorf("responder proposal protocol %d spi size %d: %w", p.ProtocolID, len(p.SPI),
			ErrNoProposalChosen)
	}
	c, ok := decodeESPTransform(p.Transforms[0])
	if !ok || !k.matches(c) {
		return fmt.Errorf("responder chose a transform never offered: %w", ErrNoProposalChosen)
	}
	k.Lifetime = min(k.Lifetime, c.lifetime)
	h.OutboundSPI = binary.BigEndian.Uint32(p.SPI)
	return nil
}

func (s *Suite) Phase2Nonce(h *ctx.Phase2Handle) ([]byte, error) {
	k, err := phase2Key(h)
	if err != nil {
		return nil, err
	}
	own := &k.Ni
	if h.Role == ctx.RoleResponder {
		own = &k.Nr
	}
	if *own == nil {
		if *own, err = GenerateNonce(NonceLength); err != nil {
			return nil, err
		}
	}
	return *own, nil
}

func (s *Suite) Phase2KE(h *ctx.Phase2Handle) ([]byte, error) {
	k, err := phase2Key(h)
	if err != nil {
		return nil, err
	}
	if k.DhInfo == nil {
		return nil, nil
	}
	own := &k.GXi
	if h.Role == ctx.RoleResponder {
		own = &k.GXr
	}
	if k.secret == nil {
		if k.secret, err = GenerateRandomNumber(); err != nil {
			return nil, err
		}
		*own = k.DhInfo.GetPublicValue(k.secret)
	}
	return *own, nil
}

// PeerPhase2 stores the peer's nonce and, with PFS, its public value.
func (s *Suite) PeerPhase2(h *ctx.Phase2Handle, nonce, ke []byte) error {
	k, err := phase2Key(h)
	if err != nil {
		return err
	}
	if len(nonce) < 8 || len(nonce) > 256 {
		return fmt.Errorf("nonce length %d out of range", len(nonce))
	}
	if k.DhInfo != nil && ke == nil {
		return ErrMissingKE
	}
	peer, peerNonce := &k.GXr, &k.Nr
	if h.Role == ctx.RoleResponder {
		peer, peerNonce = &k.GXi, &k.Ni
	}
	*peerNonce = append([]byte(nil), nonce...)
	if ke != nil {
		*peer = append([]byte(nil), ke...)
	}
	return nil
}

// QuickHash computes HASH(n) of quick mode. HASH(4) protects the CONNECTED
// notify and is built like HASH(1).
func (s *Suite) QuickHash(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle, n int, rest []byte) ([]byte, error) {
	k1, err := phase1Key(ph1)
	if err != nil {
		return nil, err
	}
	if k1.SKEYID_a == nil {
		return nil, ErrNoKeys
	}
	k, err := phase2Key(h)
	if err != nil {
		return nil, err
	}
	mac := k1.PrfInfo.Init
	mid := uint32Bytes(h.MsgID)
	switch n {
	case 1, 4:
		return prfOf(mac, k1.SKEYID_a, mid, rest), nil
	case 2:
		return prfOf(mac, k1.SKEYID_a, mid, k.Ni, rest), nil
	case 3:
		return prfOf(mac, k1.SKEYID_a, []byte{0}, mid, k.Ni, k.Nr), nil
	}
	return nil, fmt.Errorf("no quick mode HASH(%d)", n)
}

// Keymat derives both directions. The inbound SA carries our SPI, the
// outbound one the peer's.
func (s *Suite) Keymat(ph1 *ctx.Phase1Handle, h *ctx.Phase2Handle) (in, out *ctx.SAParams, err error) {
	k1, err := phase1Key(ph1)
	if err != nil {
		return nil, nil, err
	}
	if k1.SKEYID_d == nil {
		return nil, nil, ErrNoKeys
	}
	k, err := phase2Key(h)
	if err != nil {
		return nil, nil, err
	}
	if k.Ni == nil || k.Nr == nil || h.InboundSPI == 0 || h.OutboundSPI == 0 {
		return nil, nil, fmt.Errorf("%s: quick mode material incomplete", h)
	}
	var gxy []byte
	if k.DhInfo != nil {
		peer := k.GXr
		if h.Role == ctx.RoleResponder {
			peer = k.GXi
		}
		if k.secret == nil || peer == nil {
			return nil, nil, ErrMissingKE
		}
		gxy = k.DhInfo.GetSharedKey(k.secret, new(big.Int).SetBytes(peer))
	}

	encLen, authLen := k.EncrInfo.GetKeyLength(), k.IntegInfo.GetKeyLength()
	derive := func(spi uint32) (encKey, authKey []byte) {
		seed := make([]byte, 0, len(gxy)+5+len(k.Ni)+len(k.Nr))
		seed = append(seed, gxy...)
		seed = append(seed, message.ProtoESP)
		seed = append(seed, spiBytes(spi)...)
		seed = append(seed, k.Ni...)
		seed = append(seed, k.Nr...)
		mac := k1.PrfInfo.Init
		keymat := expand(mac, k1.SKEYID_d, prfOf(mac, k1.SKEYID_d, seed), seed, encLen+authLen)
		return keymat[:encLen], keymat[encLen:]
	}

	tunnel := k.EncapMode == message.EncapTunnel || k.EncapMode == message.EncapUDPTunnel ||
		k.EncapMode == message.EncapUDPTunnelDft
	nat := ph1.HasNAT(ctx.NATDetected)
	in = &ctx.SAParams{
		SAID:      ctx.SAID{Src: h.Remote.IP, Dst: h.Local.IP, Proto: message.ProtoESP, SPI: h.InboundSPI},
		ReqID:     h.ReqID,
		Tunnel:    tunnel,
		EncAlg:    k.EncrInfo.XfrmName(),
		AuthAlg:   k.IntegInfo.XfrmName(),
		Lifetime:  k.Lifetime,
		Selector:  h.Selector.Reverse(),
		Initiator: h.Role == ctx.RoleInitiator,
	}
	in.EncKey, in.AuthKey = derive(h.InboundSPI)
	out = &ctx.SAParams{
		SAID:      ctx.SAID{Src: h.Local.IP, Dst: h.Remote.IP, Proto: message.ProtoESP, SPI: h.OutboundSPI},
		ReqID:     h.ReqID,
		Tunnel:    tunnel,
		EncAlg:    in.EncAlg,
		AuthAlg:   in.AuthAlg,
		Lifetime:  k.Lifetime,
		Selector:  h.Selector,
		Initiator: in.Initiator,
	}
	out.EncKey, out.AuthKey = derive(h.OutboundSPI)
	if nat {
		in.EncapSrc, in.EncapDst = ph1.Remote.Port, ph1.Local.Port
		out.EncapSrc, out.EncapDst = ph1.Local.Port, ph1.Remote.Port
	}
	return in, out, nil
}

func (s *Suite) Phase2Lifetime(h *ctx.Phase2Handle) time.Duration {
	k, err := phase2Key(h)
	if err != nil || k.Lifetime == 0 {
		return factory.DefaultPhase2Lifetime
	}
	return k.Lifetime
}
