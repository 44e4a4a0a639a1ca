// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike/frag"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

// sendPacket hands pkt to the sender, fragmenting it and prepending the
// non-ESP marker as the Phase1 handle requires. ph1 may be nil.
func sendPacket(c *context.IsakmpContext, ph1 *context.Phase1Handle, local, remote *net.UDPAddr,
	pkt []byte,
) error {
	c.Capture(pkt)

	// As specified in RFC 3948 section 2.2, IKE messages on the NAT-T port
	// carry a 4 byte zero marker
	marker := local.Port == c.Config.NattPort
	perSend := c.Config.Retry.PerSend
	pkts := [][]byte{pkt}
	if ph1 != nil {
		marker = ph1.HasNAT(context.NATAddNonESPMarker)
		perSend = ph1.Retry().PerSend
		if ph1.PeerFragmentation && ph1.Profile != nil && ph1.Profile.Fragmentation &&
			len(pkt) > c.Config.Fragmentation.MaxLen {
			ph1.FragID++
			frags, err := frag.Split(pkt, c.Config.Fragmentation.MaxLen, ph1.FragID)
			if err != nil {
				return fmt.Errorf("fragment %d bytes: %w", len(pkt), err)
			}
			logger.IKELog.Debugf("%s: sending %d bytes as %d fragments", ph1, len(pkt), len(frags))
			pkts = frags
		}
	}
	if marker {
		for i, p := range pkts {
			pkts[i] = append(make([]byte, 4, 4+len(p)), p...)
		}
	}

	for range max(perSend, 1) {
		for _, p := range pkts {
			if err := c.Sender.Send(p, local, remote); err != nil {
				return fmt.Errorf("send to %s: %w", remote, err)
			}
		}
	}
	return nil
}

// sendPhase1 sends pkt for h. With resend set the packet is kept and the
// resend timer armed with a fresh budget.
func sendPhase1(c *context.IsakmpContext, h *context.Phase1Handle, pkt []byte, resend bool) error {
	if err := sendPacket(c, h, h.Local, h.Remote, pkt); err != nil {
		return err
	}
	if !resend {
		return nil
	}
	retry := h.Retry()
	h.SendBuf = pkt
	h.RetryCounter = retry.Count
	h.ResendTimer.Cancel()
	h.ResendTimer = c.Sched.Schedule(retry.Interval, "phase1-resend", func() {
		Phase1Resend(c, h)
	})
	return nil
}

func sendPhase2(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle,
	pkt []byte, resend bool,
) error {
	if err := sendPacket(c, ph1, ph1.Local, ph1.Remote, pkt); err != nil {
		return err
	}
	if p2.Trigger != nil {
		c.Recvd.SetReply(*p2.Trigger, pkt)
		p2.Trigger = nil
	}
	if !resend {
		return nil
	}
	retry := ph1.Retry()
	p2.SendBuf = pkt
	p2.RetryCounter = retry.Count
	p2.ResendTimer.Cancel()
	p2.ResendTimer = c.Sched.Schedule(retry.Interval, "phase2-resend", func() {
		Phase2Resend(c, p2)
	})
	return nil
}

// Replay sends a reply remembered by the received packet cache again.
func Replay(c *context.IsakmpContext, reply []byte, local, remote *net.UDPAddr) {
	var ph1 *context.Phase1Handle
	if hdr, _, err := message.ParseHeader(reply); err == nil {
		ph1 = c.Registry.LookupByIndex(context.IndexOf(hdr))
		if ph1 == nil {
			ph1 = c.Registry.LookupByIndex0(hdr.InitiatorCookie)
		}
	}
	if err := sendPacket(c, ph1, local, remote, reply); err != nil {
		logger.IKELog.Errorf("replay to %s: %+v", remote, err)
	}
}
