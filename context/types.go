// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"net"
	"time"

	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
)

type Cookie = message.Cookie

// SessionIndex identifies a Phase1 negotiation. The responder half stays
// zero until the responder has answered.
type SessionIndex struct {
	Initiator Cookie
	Responder Cookie
}

func IndexOf(h *message.Header) SessionIndex {
	return SessionIndex{Initiator: h.InitiatorCookie, Responder: h.ResponderCookie}
}

// Index0 drops the responder cookie.
func (i SessionIndex) Index0() SessionIndex {
	return SessionIndex{Initiator: i.Initiator}
}

func (i SessionIndex) IsComplete() bool {
	return !i.Initiator.IsZero() && !i.Responder.IsZero()
}

func (i SessionIndex) String() string {
	return i.Initiator.String() + ":" + i.Responder.String()
}

type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Phase1State values are ordered; a handle only moves forward.
type Phase1State uint8

const (
	Phase1Spawn Phase1State = iota
	Phase1Start
	Phase1Msg1Received
	Phase1Msg1Sent
	Phase1Msg2Received
	Phase1Msg2Sent
	Phase1Msg3Received
	Phase1Msg3Sent
	Phase1Msg4Received
	Phase1Established
	Phase1Expired
)

var phase1StateNames = [...]string{
	"spawn", "start", "msg1received", "msg1sent", "msg2received", "msg2sent",
	"msg3received", "msg3sent", "msg4received", "established", "expired",
}

func (s Phase1State) String() string {
	if int(s) < len(phase1StateNames) {
		return phase1StateNames[s]
	}
	return fmt.Sprintf("phase1state(%d)", uint8(s))
}

type Phase2State uint8

const (
	Phase2Spawn Phase2State = iota
	Phase2WaitPhase1
	Phase2Start
	Phase2Status2
	Phase2GetSPISent
	Phase2GetSPIDone
	Phase2Msg1Sent
	Phase2Status6
	Phase2AddSA
	Phase2Established
	Phase2Expired
)

var phase2StateNames = [...]string{
	"spawn", "waitphase1", "start", "status2", "getspisent", "getspidone",
	"msg1sent", "status6", "addsa", "established", "expired",
}

func (s Phase2State) String() string {
	if int(s) < len(phase2StateNames) {
		return phase2StateNames[s]
	}
	return fmt.Sprintf("phase2state(%d)", uint8(s))
}

// NAT-T flags kept on a Phase1 handle.
const (
	NATEnabled         uint8 = 1 << iota // peer announced RFC 3947 support
	NATDetectedMe                        // we are behind a NAT
	NATDetectedPeer                      // peer is behind a NAT
	NATPortsChanged                      // ports floated, no further floating
	NATAddNonESPMarker                   // prepend the non-ESP marker on send
)

const NATDetected = NATDetectedMe | NATDetectedPeer

// PolicyDir is the traffic direction of a policy entry.
type PolicyDir uint8

const (
	DirOut PolicyDir = iota
	DirIn
	DirFwd
)

func (d PolicyDir) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirFwd:
		return "fwd"
	}
	return fmt.Sprintf("dir(%d)", uint8(d))
}

// Selector describes the traffic a Phase2 protects.
type Selector struct {
	Src     *net.IPNet
	Dst     *net.IPNet
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Dir     PolicyDir
}

func (s Selector) String() string {
	return fmt.Sprintf("%v[%d] -> %v[%d] proto %d %s", s.Src, s.SrcPort, s.Dst, s.DstPort, s.Proto, s.Dir)
}

// Reverse swaps source and destination and flips the direction.
func (s Selector) Reverse() Selector {
	r := Selector{Src: s.Dst, Dst: s.Src, SrcPort: s.DstPort, DstPort: s.SrcPort, Proto: s.Proto, Dir: DirIn}
	if s.Dir == DirIn {
		r.Dir = DirOut
	}
	return r
}

// Policy is one SPD entry.
type Policy struct {
	Selector Selector
	ReqID    uint32
	Proto    uint8 // ESP or AH
	Tunnel   bool
	Priority int
}

// SPIRequest asks the kernel for a fresh inbound SPI.
type SPIRequest struct {
	Seq   uint32
	Src   net.IP
	Dst   net.IP
	Proto uint8
	ReqID uint32
}

// SAID names one kernel SA.
type SAID struct {
	Src   net.IP `yaml:"src"`
	Dst   net.IP `yaml:"dst"`
	Proto uint8  `yaml:"proto"`
	SPI   uint32 `yaml:"spi"`
}

func (id SAID) String() string {
	return fmt.Sprintf("%s->%s proto %d spi 0x%08x", id.Src, id.Dst, id.Proto, id.SPI)
}

// SAParams is what the kernel needs to install one direction of an IPsec SA.
type SAParams struct {
	SAID
	ReqID     uint32
	Tunnel    bool
	EncAlg    string
	EncKey    []byte
	AuthAlg   string
	AuthKey   []byte
	Lifetime  time.Duration
	EncapSrc  int // zero when not UDP encapsulated
	EncapDst  int
	Selector  Selector
	Initiator bool
}

// SAInfo is one row of a kernel SA dump.
type SAInfo struct {
	SAID     `yaml:",inline"`
	ReqID    uint32 `yaml:"reqid"`
	Mode     string `yaml:"mode"`
	EncAlg   string `yaml:"enc,omitempty"`
	AuthAlg  string `yaml:"auth,omitempty"`
	Bytes    uint64 `yaml:"bytes"`
	Packets  uint64 `yaml:"packets"`
	Encap    bool   `yaml:"encap,omitempty"`
	AddTime  uint64 `yaml:"addtime,omitempty"`
	Lifetime uint64 `yaml:"lifetime,omitempty"`
}

// Oakley owns the keying material of both phases. Handles carry its state
// in their Crypto field. SA and ID payloads travel as raw bodies so hashes
// cover exactly the bytes on the wire.
type Oakley interface {
	NewCookie(local, remote *net.UDPAddr) (Cookie, error)

	NewPhase1(h *Phase1Handle) error
	Phase1Proposal(h *Phase1Handle) (message.RawPayload, error)
	SelectPhase1(h *Phase1Handle, offered *message.RawPayload) (message.RawPayload, error)
	AcceptPhase1(h *Phase1Handle, chosen *message.RawPayload) error
	KeyExchange(h *Phase1Handle) (ke, nonce []byte, err error)
	PeerKeyExchange(h *Phase1Handle, ke, nonce []byte) error
	Identity(h *Phase1Handle) (message.RawPayload, error)
	PeerIdentity(h *Phase1Handle, id *message.RawPayload) error
	DeriveKeys(h *Phase1Handle) error
	HasKeys(h *Phase1Handle) bool
	AuthHash(h *Phase1Handle) ([]byte, error)
	VerifyAuthHash(h *Phase1Handle, hash []byte) error
	NATDiscovery(h *Phase1Handle, addr *net.UDPAddr) ([]byte, error)
	Lifetime(h *Phase1Handle) time.Duration
	Encrypt(h *Phase1Handle, msgID uint32, plain []byte) ([]byte, error)
	Decrypt(h *Phase1Handle, msgID uint32, body []byte) ([]byte, error)
	InfoHash(h *Phase1Handle, msgID uint32, rest []byte) ([]byte, error)

	NewPhase2(ph1 *Phase1Handle, h *Phase2Handle) error
	Phase2Proposal(ph1 *Phase1Handle, h *Phase2Handle) (message.RawPayload, error)
	SelectPhase2(ph1 *Phase1Handle, h *Phase2Handle, offered *message.RawPayload) error
	AcceptPhase2(ph1 *Phase1Handle, h *Phase2Handle, chosen *message.RawPayload) error
	Phase2Nonce(h *Phase2Handle) ([]byte, error)
	// Phase2KE returns nil when the profile asks for no PFS.
	Phase2KE(h *Phase2Handle) ([]byte, error)
	PeerPhase2(h *Phase2Handle, nonce, ke []byte) error
	QuickHash(ph1 *Phase1Handle, h *Phase2Handle, n int, rest []byte) ([]byte, error)
	Keymat(ph1 *Phase1Handle, h *Phase2Handle) (in, out *SAParams, err error)
	Phase2Lifetime(h *Phase2Handle) time.Duration
}

// KernelSA installs and removes IPsec SAs. GetSPI answers through a
// KernelGetSPI event carrying the request sequence number.
type KernelSA interface {
	GetSPI(req *SPIRequest) error
	Install(sa *SAParams) error
	Delete(id *SAID) error
	Flush(proto uint8) error
	Dump(proto uint8) ([]SAInfo, error)
	AcquireFailed(seq uint32) error
	Events() <-chan *KernelEvent
}

type PolicyDB interface {
	Lookup(sel Selector) ([]Policy, error)
}

type PeerConfigs interface {
	ByAddress(ip net.IP) *factory.RemoteConf
	ByName(name string) *factory.RemoteConf
}

// Reassembler collects the fragments of one message. Add returns the
// complete datagram once the last missing fragment arrives.
type Reassembler interface {
	Add(frag *message.Fragment) ([]byte, bool, error)
	Reset()
}

type Sender interface {
	Send(pkt []byte, local, remote *net.UDPAddr) error
}
