// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/sched"
)

// Phase2Handle is one quick mode negotiation. Its parent is referenced by
// SessionIndex and resolved through the Registry on every use.
type Phase2Handle struct {
	ID    int64
	MsgID uint32
	Role  Role
	State Phase2State
	Flags uint8

	Parent SessionIndex
	Bound  bool

	Local  *net.UDPAddr
	Remote *net.UDPAddr

	Profile  *factory.RemoteConf
	Selector Selector
	Proposal *message.SecurityAssociation
	// Client IDs as carried in the first message, nil for host to host
	IDci, IDcr *message.RawPayload

	Seq         uint32
	AcquireSeq  uint32 // kernel ACQUIRE that started us, zero otherwise
	InboundSPI  uint32
	OutboundSPI uint32
	ReqID       uint32

	RetryCounter       int
	CheckPhase1Retries int
	SendBuf            []byte
	ResendTimer        *sched.Timer
	ExpireTimer        *sched.Timer
	PollTimer          *sched.Timer
	// received datagram answered once the kernel returns our SPI
	Trigger *RecvdKey

	Crypto    any
	Installed []SAID
}

func NewPhase2Handle(role Role, local, remote *net.UDPAddr, profile *factory.RemoteConf) *Phase2Handle {
	h := &Phase2Handle{
		Role:    role,
		State:   Phase2Spawn,
		Local:   cloneUDPAddr(local),
		Remote:  cloneUDPAddr(remote),
		Profile: profile,
	}
	if profile != nil && profile.Retry != nil {
		h.RetryCounter = profile.Retry.Count
		h.CheckPhase1Retries = profile.Retry.CheckPhase1
	}
	return h
}

func (h *Phase2Handle) SetState(s Phase2State) bool {
	if s < h.State {
		logger.CtxLog.Errorf("phase2 %d: refusing state change %s -> %s", h.ID, h.State, s)
		return false
	}
	h.State = s
	return true
}

func (h *Phase2Handle) IsEstablished() bool {
	return h.State == Phase2Established
}

func (h *Phase2Handle) IsCommit() bool {
	return h.Flags&message.FlagCommit != 0
}

func (h *Phase2Handle) StopResend() {
	h.ResendTimer.Cancel()
	h.ResendTimer = nil
	h.SendBuf = nil
}

func (h *Phase2Handle) CancelTimers() {
	h.ResendTimer.Cancel()
	h.ExpireTimer.Cancel()
	h.PollTimer.Cancel()
	h.ResendTimer, h.ExpireTimer, h.PollTimer = nil, nil, nil
}

func (h *Phase2Handle) String() string {
	return fmt.Sprintf("phase2 %d msgid 0x%08x %s %s parent %s", h.ID, h.MsgID, h.Role, h.State, h.Parent)
}
