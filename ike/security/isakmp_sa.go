// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"time"

	ctx "github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/ike/security/dh"
	"github.com/omec-project/isakmpd/ike/security/encr"
	"github.com/omec-project/isakmpd/ike/security/prf"
	"github.com/omec-project/isakmpd/logger"
)

// ISAKMPSAKey holds the Phase1 algorithms and keying material.
type ISAKMPSAKey struct {
	// ISAKMP SA transform
	DhInfo   dh.DHType
	EncrInfo encr.ENCRType
	PrfInfo  prf.PRFType
	Lifetime time.Duration

	secret *big.Int
	// Exchange material, indexed by role rather than by ours/theirs
	GXi, GXr []byte
	Ni, Nr   []byte
	SAi      []byte
	IDi, IDr []byte
	GXY      []byte

	SKEYID   []byte
	SKEYID_d []byte
	SKEYID_a []byte
	SKEYID_e []byte
	EncKey   []byte

	crypto *encr.EncrAesCbcCrypto
	iv     []byte
	ivs    map[uint32][]byte
}

func (k *ISAKMPSAKey) String() string {
	return fmt.Sprintf(`\nEncryption: %d\nHash: %d\nGroup: %d\nSKEYID_d: %s\nSKEYID_a: %s\nSKEYID_e: %s\n`,
		k.EncrInfo.AlgorithmID(),
		k.PrfInfo.HashAlgorithm(),
		k.DhInfo.GroupDescription(),
		hex.EncodeToString(k.SKEYID_d),
		hex.EncodeToString(k.SKEYID_a),
		hex.EncodeToString(k.SKEYID_e),
	)
}

func phase1Key(h *ctx.Phase1Handle) (*ISAKMPSAKey, error) {
	k, ok := h.Crypto.(*ISAKMPSAKey)
	if !ok || k == nil {
		return nil, fmt.Errorf("%s has no ISAKMP SA key", h)
	}
	return k, nil
}

func (s *Suite) NewPhase1(h *ctx.Phase1Handle) error {
	k := &ISAKMPSAKey{ivs: make(map[uint32][]byte)}
	if h.Role == ctx.RoleInitiator {
		if err := k.fromProfile(h.Profile); err != nil {
			return err
		}
	}
	h.Crypto = k
	return nil
}

func (k *ISAKMPSAKey) fromProfile(p *factory.RemoteConf) error {
	if p == nil {
		return fmt.Errorf("no peer profile")
	}
	k.EncrInfo = encr.StrToType(p.Proposal.Encryption, p.Proposal.KeyLength)
	k.PrfInfo = prf.StrToType(p.Proposal.Hash)
	k.DhInfo = dh.ByGroup(uint16(p.Proposal.DHGroup))
	k.Lifetime = p.Proposal.Lifetime
	if k.EncrInfo == nil || k.PrfInfo == nil || k.DhInfo == nil {
		return fmt.Errorf("profile %s: unsupported phase1 proposal", p.Name)
	}
	return nil
}

// ToTransform builds the single ISAKMP transform naming the key's algorithms.
func (k *ISAKMPSAKey) ToTransform() *message.Transform {
	attrs := encr.ToAttributes(k.EncrInfo)
	attrs = append(attrs,
		prf.ToAttribute(k.PrfInfo),
		message.BasicAttribute(message.AttrAuthMethod, message.AuthMethodPSK),
		message.BasicAttribute(message.AttrGroupDesc, k.DhInfo.GroupDescription()),
		message.BasicAttribute(message.AttrLifeType, message.LifeTypeSeconds),
		message.LongAttribute(message.AttrLifeDuration, uint32(k.Lifetime/time.Second)),
	)
	return &message.Transform{Number: 1, ID: message.TransformKeyIKE, Attributes: attrs}
}

func isakmpSA(t *message.Transform) *message.SecurityAssociation {
	return &message.SecurityAssociation{
		DOI:       message.DOIIPSec,
		Situation: message.SituationIdentityOnly,
		Proposals: []*message.Proposal{{
			Number:     1,
			ProtocolID: message.ProtoISAKMP,
			Transforms: []*message.Transform{t},
		}},
	}
}

func (s *Suite) Phase1Proposal(h *ctx.Phase1Handle) (message.RawPayload, error) {
	k, err := phase1Key(h)
	if err != nil {
		return message.RawPayload{}, err
	}
	raw, err := message.Raw(isakmpSA(k.ToTransform()))
	if err != nil {
		return message.RawPayload{}, err
	}
	k.SAi = raw.Body
	return raw, nil
}

// decodeISAKMPTransform reads a pre-shared key transform. It returns nil
// algorithms for anything this suite does not implement.
func decodeISAKMPTransform(t *message.Transform) (encr.ENCRType, prf.PRFType, dh.DHType, time.Duration, bool) {
	if t.ID != message.TransformKeyIKE {
		return nil, nil, nil, 0, false
	}
	if a, ok := t.Attribute(message.AttrAuthMethod); !ok || a.Uint() != uint32(message.AuthMethodPSK) {
		return nil, nil, nil, 0, false
	}
	e := encr.DecodeTransform(t)
	var p prf.PRFType
	if a, ok := t.Attribute(message.AttrHashAlg); ok {
		p = prf.DecodeAttribute(uint16(a.Uint()))
	}
	var g dh.DHType
	if a, ok := t.Attribute(message.AttrGroupDesc); ok {
		g = dh.ByGroup(uint16(a.Uint()))
	}
	life := factory.DefaultPhase1Lifetime
	if a, ok := t.Attribute(message.AttrLifeDuration); ok {
		life = time.Duration(a.Uint()) * time.Second
	}
	return e, p, g, life, e != nil && p != nil && g != nil
}

// SelectPhase1 picks the first offered transform matching the profile. The
// shorter of both lifetimes wins.
func (s *Suite) SelectPhase1(h *ctx.Phase1Handle, offered *message.RawPayload) (message.RawPayload, error) {
	k, err := phase1Key(h)
	if err != nil {
		return message.RawPayload{}, err
	}
	want := new(ISAKMPSAKey)
	if err = want.fromProfile(h.Profile); err != nil {
		return message.RawPayload{}, err
	}
	sa := new(message.SecurityAssociation)
	if err = message.Unmarshal(offered, sa); err != nil {
		return message.RawPayload{}, err
	}
	if sa.DOI != message.DOIIPSec {
		return message.RawPayload{}, fmt.Errorf("DOI %d: %w", sa.DOI, ErrNoProposalChosen)
	}
	for _, p := range sa.Proposals {
		if p.ProtocolID != message.ProtoISAKMP {
			continue
		}
		for _, t := range p.Transforms {
			e, f, g, life, ok := decodeISAKMPTransform(t)
			if !ok || e != want.EncrInfo || f != want.PrfInfo || g != want.DhInfo {
				logger.IKELog.Debugf("skip phase1 transform %d of proposal %d", t.Number, p.Number)
				continue
			}
			k.EncrInfo, k.PrfInfo, k.DhInfo = e, f, g
			k.Lifetime = min(life, want.Lifetime)
			k.SAi = offered.Body
			chosen := &message.SecurityAssociation{
				DOI:       sa.DOI,
				Situation: sa.Situation,
				Proposals: []*message.Proposal{{
					Number:     p.Number,
					ProtocolID: p.ProtocolID,
					Transforms: []*message.Transform{t},
				}},
			}
			return message.Raw(chosen)
		}
	}
	return message.RawPayload{}, ErrNoProposalChosen
}

// AcceptPhase1 checks the responder's choice against what we proposed.
func (s *Suite) AcceptPhase1(h *ctx.Phase1Handle, chosen *message.RawPayload) error {
	k, err := phase1Key(h)
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
	e, f, g, life, ok := decodeISAKMPTransform(sa.Proposals[0].Transforms[0])
	if !ok || e != k.EncrInfo || f != k.PrfInfo || g != k.DhInfo {
		return fmt.Errorf("responder chose a transform never offered: %w", ErrNoProposalChosen)
	}
	if life < k.Lifetime {
		k.Lifetime = life
	}
	return nil
}

// KeyExchange returns our public value and nonce, creating them on first use.
func (s *Suite) KeyExchange(h *ctx.Phase1Handle) (ke, nonce []byte, err error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, nil, err
	}
	if k.DhInfo == nil {
		return nil, nil, fmt.Errorf("key exchange before the proposal is settled")
	}
	own, ownNonce := &k.GXi, &k.Ni
	if h.Role == ctx.RoleResponder {
		own, ownNonce = &k.GXr, &k.Nr
	}
	if k.secret == nil {
		if k.secret, err = GenerateRandomNumber(); err != nil {
			return nil, nil, err
		}
		*own = k.DhInfo.GetPublicValue(k.secret)
	}
	if *ownNonce == nil {
		if *ownNonce, err = GenerateNonce(NonceLength); err != nil {
			return nil, nil, err
		}
	}
	return *own, *ownNonce, nil
}

// PeerKeyExchange stores whatever the peer sent; nil arguments are left
// untouched since base mode splits nonce and KE across messages.
func (s *Suite) PeerKeyExchange(h *ctx.Phase1Handle, ke, nonce []byte) error {
	k, err := phase1Key(h)
	if err != nil {
		return err
	}
	peer, peerNonce := &k.GXr, &k.Nr
	if h.Role == ctx.RoleResponder {
		peer, peerNonce = &k.GXi, &k.Ni
	}
	if ke != nil {
		if k.DhInfo != nil && len(ke) != k.DhInfo.PublicValueLength() {
			return fmt.Errorf("KE length %d, want %d", len(ke), k.DhInfo.PublicValueLength())
		}
		*peer = append([]byte(nil), ke...)
	}
	if nonce != nil {
		if len(nonce) < 8 || len(nonce) > 256 {
			return fmt.Errorf("nonce length %d out of range", len(nonce))
		}
		*peerNonce = append([]byte(nil), nonce...)
	}
	return nil
}

// Identity returns our ID payload: the configured identifier, else the
// local address.
func (s *Suite) Identity(h *ctx.Phase1Handle) (message.RawPayload, error) {
	k, err := phase1Key(h)
	if err != nil {
		return message.RawPayload{}, err
	}
	id := &message.Identification{}
	if h.Profile != nil && h.Profile.Identifier != nil && h.Profile.Identifier.Type != "address" {
		switch h.Profile.Identifier.Type {
		case "fqdn":
			id.IDType = message.IDFQDN
		case "user_fqdn":
			id.IDType = message.IDUserFQDN
		default:
			id.IDType = message.IDKeyID
		}
		id.IDData = []byte(h.Profile.Identifier.Value)
	} else {
		ip := h.Local.IP
		if h.Profile != nil && h.Profile.Identifier != nil && h.Profile.Identifier.Value != "" {
			ip = net.ParseIP(h.Profile.Identifier.Value)
		}
		addressID(id, ip)
	}
	raw, err := message.Raw(id)
	if err != nil {
		return message.RawPayload{}, err
	}
	if h.Role == ctx.RoleInitiator {
		k.IDi = raw.Body
	} else {
		k.IDr = raw.Body
	}
	return raw, nil
}

func addressID(id *message.Identification, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		id.IDType, id.IDData = message.IDIPv4Addr, v4
		return
	}
	id.IDType, id.IDData = message.IDIPv6Addr, ip.To16()
}

// PeerIdentity records the peer's ID. An address ID must name the peer
// unless a NAT may sit in between.
func (s *Suite) PeerIdentity(h *ctx.Phase1Handle, raw *message.RawPayload) error {
	k, err := phase1Key(h)
	if err != nil {
		return err
	}
	id := new(message.Identification)
	if err = message.Unmarshal(raw, id); err != nil {
		return err
	}
	switch id.IDType {
	case message.IDIPv4Addr, message.IDIPv6Addr:
		if len(id.IDData) != net.IPv4len && len(id.IDData) != net.IPv6len {
			return fmt.Errorf("address ID of %d bytes: %w", len(id.IDData), ErrInvalidID)
		}
		behindNAT := h.HasNAT(ctx.NATDetected) || (h.Profile != nil && h.Profile.NatTraversal)
		if !behindNAT && !net.IP(id.IDData).Equal(h.Remote.IP) {
			return fmt.Errorf("peer %s identified as %s: %w", h.Remote.IP, net.IP(id.IDData), ErrInvalidID)
		}
	case message.IDFQDN, message.IDUserFQDN, message.IDKeyID:
		if len(id.IDData) == 0 {
			return fmt.Errorf("empty ID: %w", ErrInvalidID)
		}
	default:
		return fmt.Errorf("ID type %d: %w", id.IDType, ErrInvalidID)
	}
	if h.Role == ctx.RoleInitiator {
		k.IDr = raw.Body
	} else {
		k.IDi = raw.Body
	}
	return nil
}

// DeriveKeys computes SKEYID and its children, the cipher key and the first
// Phase1 IV.
func (s *Suite) DeriveKeys(h *ctx.Phase1Handle) error {
	k, err := phase1Key(h)
	if err != nil {
		return err
	}
	if k.secret == nil || k.GXi == nil || k.GXr == nil || k.Ni == nil || k.Nr == nil {
		return ErrMissingKE
	}
	psk := h.PreSharedKey()
	if len(psk) == 0 {
		return fmt.Errorf("no pre-shared key for %s", h.Remote.IP)
	}
	peer := k.GXr
	if h.Role == ctx.RoleResponder {
		peer = k.GXi
	}
	k.GXY = k.DhInfo.GetSharedKey(k.secret, new(big.Int).SetBytes(peer))

	ci, cr := h.Index.Initiator[:], h.Index.Responder[:]
	mac := k.PrfInfo.Init
	k.SKEYID = prfOf(mac, psk, k.Ni, k.Nr)
	k.SKEYID_d = prfOf(mac, k.SKEYID, k.GXY, ci, cr, []byte{0})
	k.SKEYID_a = prfOf(mac, k.SKEYID, k.SKEYID_d, k.GXY, ci, cr, []byte{1})
	k.SKEYID_e = prfOf(mac, k.SKEYID, k.SKEYID_a, k.GXY, ci, cr, []byte{2})

	keyLen := k.EncrInfo.GetKeyLength()
	if len(k.SKEYID_e) >= keyLen {
		k.EncKey = append([]byte(nil), k.SKEYID_e[:keyLen]...)
	} else {
		k.EncKey = expand(mac, k.SKEYID_e, prfOf(mac, k.SKEYID_e, []byte{0}), nil, keyLen)
	}
	if k.crypto, err = k.EncrInfo.NewCrypto(k.EncKey); err != nil {
		return err
	}

	hh := k.PrfInfo.New()
	hh.Write(k.GXi)
	hh.Write(k.GXr)
	k.iv = hh.Sum(nil)[:k.EncrInfo.BlockSize()]
	logger.IKELog.Debugf("%s keys:%s", h, k)
	return nil
}

func (s *Suite) HasKeys(h *ctx.Phase1Handle) bool {
	k, err := phase1Key(h)
	return err == nil && k.crypto != nil
}

func (k *ISAKMPSAKey) hashI(h *ctx.Phase1Handle) []byte {
	ci, cr := h.Index.Initiator[:], h.Index.Responder[:]
	if h.Exchange == message.ExchangeBase {
		return prfOf(k.PrfInfo.Init, k.SKEYID, k.GXi, ci, cr, k.SAi, k.IDi)
	}
	return prfOf(k.PrfInfo.Init, k.SKEYID, k.GXi, k.GXr, ci, cr, k.SAi, k.IDi)
}

func (k *ISAKMPSAKey) hashR(h *ctx.Phase1Handle) []byte {
	ci, cr := h.Index.Initiator[:], h.Index.Responder[:]
	return prfOf(k.PrfInfo.Init, k.SKEYID, k.GXr, k.GXi, cr, ci, k.SAi, k.IDr)
}

// ensureSKEYID computes SKEYID from the nonces alone. Base mode needs it
// for HASH_I before the responder's public value has arrived.
func (k *ISAKMPSAKey) ensureSKEYID(h *ctx.Phase1Handle) error {
	if k.SKEYID != nil {
		return nil
	}
	psk := h.PreSharedKey()
	if k.Ni == nil || k.Nr == nil || len(psk) == 0 || k.PrfInfo == nil {
		return ErrNoKeys
	}
	k.SKEYID = prfOf(k.PrfInfo.Init, psk, k.Ni, k.Nr)
	return nil
}

// AuthHash returns HASH_I or HASH_R depending on our role.
func (s *Suite) AuthHash(h *ctx.Phase1Handle) ([]byte, error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, err
	}
	if err = k.ensureSKEYID(h); err != nil {
		return nil, err
	}
	if h.Role == ctx.RoleInitiator {
		return k.hashI(h), nil
	}
	return k.hashR(h), nil
}

func (s *Suite) VerifyAuthHash(h *ctx.Phase1Handle, got []byte) error {
	k, err := phase1Key(h)
	if err != nil {
		return err
	}
	if err = k.ensureSKEYID(h); err != nil {
		return err
	}
	want := k.hashR(h)
	if h.Role == ctx.RoleResponder {
		want = k.hashI(h)
	}
	if !hmac.Equal(want, got) {
		return ErrHashMismatch
	}
	return nil
}

// NATDiscovery hashes CKY-I | CKY-R | IP | port with the negotiated hash.
func (s *Suite) NATDiscovery(h *ctx.Phase1Handle, addr *net.UDPAddr) ([]byte, error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, err
	}
	if k.PrfInfo == nil {
		return nil, fmt.Errorf("NAT-D before the hash is negotiated")
	}
	ip := addr.IP.To4()
	if ip == nil {
		ip = addr.IP.To16()
	}
	hh := k.PrfInfo.New()
	hh.Write(h.Index.Initiator[:])
	hh.Write(h.Index.Responder[:])
	hh.Write(ip)
	hh.Write([]byte{byte(addr.Port >> 8), byte(addr.Port)})
	return hh.Sum(nil), nil
}

func (s *Suite) Lifetime(h *ctx.Phase1Handle) time.Duration {
	k, err := phase1Key(h)
	if err != nil || k.Lifetime == 0 {
		return factory.DefaultPhase1Lifetime
	}
	return k.Lifetime
}

// ivFor returns the running IV of an exchange. Message ID zero is Phase1
// itself; others start from hash(last Phase1 IV | M-ID).
func (k *ISAKMPSAKey) ivFor(msgID uint32) []byte {
	if msgID == 0 {
		return k.iv
	}
	if iv, ok := k.ivs[msgID]; ok {
		return iv
	}
	hh := k.PrfInfo.New()
	hh.Write(k.iv)
	hh.Write(uint32Bytes(msgID))
	iv := hh.Sum(nil)[:k.EncrInfo.BlockSize()]
	k.ivs[msgID] = iv
	return iv
}

func (k *ISAKMPSAKey) setIV(msgID uint32, cipherText []byte) {
	bs := k.EncrInfo.BlockSize()
	last := append([]byte(nil), cipherText[len(cipherText)-bs:]...)
	if msgID == 0 {
		k.iv = last
		return
	}
	k.ivs[msgID] = last
}

func (s *Suite) Encrypt(h *ctx.Phase1Handle, msgID uint32, plain []byte) ([]byte, error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, err
	}
	if k.crypto == nil {
		return nil, ErrNoKeys
	}
	cipherText, err := k.crypto.Encrypt(k.ivFor(msgID), plain)
	if err != nil {
		return nil, err
	}
	k.setIV(msgID, cipherText)
	return cipherText, nil
}

func (s *Suite) Decrypt(h *ctx.Phase1Handle, msgID uint32, body []byte) ([]byte, error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, err
	}
	if k.crypto == nil {
		return nil, ErrNoKeys
	}
	plain, err := k.crypto.Decrypt(k.ivFor(msgID), body)
	if err != nil {
		return nil, err
	}
	k.setIV(msgID, body)
	return plain, nil
}

// InfoHash is HASH(1) of an informational exchange: prf(SKEYID_a, M-ID | rest).
func (s *Suite) InfoHash(h *ctx.Phase1Handle, msgID uint32, rest []byte) ([]byte, error) {
	k, err := phase1Key(h)
	if err != nil {
		return nil, err
	}
	if k.SKEYID_a == nil {
		return nil, ErrNoKeys
	}
	return prfOf(k.PrfInfo.Init, k.SKEYID_a, uint32Bytes(msgID), rest), nil
}
