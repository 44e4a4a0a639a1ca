// SPDX-FileCopyrightText: 2025 Intel Corporation
// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/sched"
)

// Phase1Handle is one ISAKMP SA negotiation.
type Phase1Handle struct {
	ID       int64
	Index    SessionIndex
	Role     Role
	Exchange message.ExchangeType
	State    Phase1State

	Local  *net.UDPAddr
	Remote *net.UDPAddr

	Profile *factory.RemoteConf
	// Inline pre-shared key given with an admin request; overrides the
	// profile for this negotiation only.
	PSK []byte

	// Chosen SA as sent back to the initiator
	Proposal *message.RawPayload

	NATT              uint8
	PeerFragmentation bool
	FragID            uint16

	RetryCounter int
	SendBuf      []byte
	ResendTimer  *sched.Timer
	ExpireTimer  *sched.Timer
	KeepAlive    *sched.Timer

	// Children holds Phase2 handle IDs, never pointers.
	Children map[int64]struct{}
	msgIDs   map[uint32]struct{}

	Created time.Time
	Crypto  any
	Frags   Reassembler
}

func NewPhase1Handle(role Role, exch message.ExchangeType, local, remote *net.UDPAddr,
	profile *factory.RemoteConf,
) *Phase1Handle {
	h := &Phase1Handle{
		Role:     role,
		Exchange: exch,
		State:    Phase1Spawn,
		Local:    cloneUDPAddr(local),
		Remote:   cloneUDPAddr(remote),
		Profile:  profile,
		Children: make(map[int64]struct{}),
		msgIDs:   make(map[uint32]struct{}),
	}
	if profile != nil && profile.Retry != nil {
		h.RetryCounter = profile.Retry.Count
	}
	return h
}

// SetState advances the handle. Moving backwards is refused.
func (h *Phase1Handle) SetState(s Phase1State) bool {
	if s < h.State {
		logger.CtxLog.Errorf("phase1 %d: refusing state change %s -> %s", h.ID, h.State, s)
		return false
	}
	h.State = s
	return true
}

func (h *Phase1Handle) IsEstablished() bool {
	return h.State == Phase1Established
}

func (h *Phase1Handle) IsExpired() bool {
	return h.State == Phase1Expired
}

// Negotiating reports whether the handle is still between start and
// established.
func (h *Phase1Handle) Negotiating() bool {
	return h.State > Phase1Spawn && h.State < Phase1Established
}

func (h *Phase1Handle) HasNAT(flag uint8) bool {
	return h.NATT&flag != 0
}

// PreSharedKey returns the inline key if one was given, else the profile's.
func (h *Phase1Handle) PreSharedKey() []byte {
	if h.PSK != nil {
		return h.PSK
	}
	if h.Profile != nil {
		return []byte(h.Profile.PreSharedKey)
	}
	return nil
}

// Retry returns the retry settings in force for this peer.
func (h *Phase1Handle) Retry() factory.Retry {
	if h.Profile != nil && h.Profile.Retry != nil {
		return *h.Profile.Retry
	}
	return factory.Retry{
		Count:       factory.DefaultRetryCount,
		Interval:    factory.DefaultRetryInterval,
		PerSend:     factory.DefaultRetryPerSend,
		CheckPhase1: factory.DefaultRetryCheckPh1,
		Tick:        factory.DefaultTick,
	}
}

// ChildIDs returns the child Phase2 IDs in ascending order.
func (h *Phase1Handle) ChildIDs() []int64 {
	ids := make([]int64, 0, len(h.Children))
	for id := range h.Children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StopResend cancels the resend timer and forgets the last packet.
func (h *Phase1Handle) StopResend() {
	h.ResendTimer.Cancel()
	h.ResendTimer = nil
	h.SendBuf = nil
}

// CancelTimers cancels every outstanding timer of the handle.
func (h *Phase1Handle) CancelTimers() {
	h.ResendTimer.Cancel()
	h.ExpireTimer.Cancel()
	h.KeepAlive.Cancel()
	h.ResendTimer, h.ExpireTimer, h.KeepAlive = nil, nil, nil
}

func (h *Phase1Handle) String() string {
	return fmt.Sprintf("phase1 %d %s %s %s %s %s<->%s", h.ID, h.Index, h.Exchange, h.Role, h.State,
		h.Local, h.Remote)
}

func cloneUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	c := *a
	c.IP = append(net.IP(nil), a.IP...)
	return &c
}

// SameHost compares addresses, ignoring the zone. Ports are compared unless
// wildcard is set.
func SameHost(a, b *net.UDPAddr, wildcard bool) bool {
	if a == nil || b == nil {
		return false
	}
	if !a.IP.Equal(b.IP) {
		return false
	}
	return wildcard || a.Port == b.Port
}
