// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/logger"
)

// HandleKernelEvent reacts to a notification from the kernel SA layer.
func HandleKernelEvent(c *context.IsakmpContext, ev *context.KernelEvent) {
	logger.KernelLog.Debugf("kernel %s seq %d %s", ev.Kind, ev.Seq, ev.SA)
	switch ev.Kind {
	case context.KernelAcquire:
		handleAcquire(c, ev)
	case context.KernelGetSPI:
		p2 := c.Registry.LookupPhase2BySeq(ev.Seq)
		if p2 == nil || ev.Seq == 0 {
			logger.KernelLog.Warnf("GETSPI answer for unknown seq %d", ev.Seq)
			return
		}
		if ev.Err != nil {
			phase2Failed(c, p2, fmt.Errorf("GETSPI: %w", ev.Err))
			return
		}
		GotSPI(c, p2, ev.SA.SPI)
	case context.KernelExpire:
		handleSAExpire(c, ev)
	case context.KernelDelete:
		if p2 := c.Registry.LookupPhase2BySPI(ev.SA.SPI); p2 != nil {
			logger.KernelLog.Infof("%s: SA %s deleted by the kernel", p2, ev.SA)
			deletePhase2(c, p2)
		}
	default:
		logger.KernelLog.Warnf("unhandled kernel event %s", ev.Kind)
	}
}

// handleAcquire starts a negotiation for traffic that hit a policy without
// an SA, unless one is already under way.
func handleAcquire(c *context.IsakmpContext, ev *context.KernelEvent) {
	for _, p2 := range c.Registry.Phase2s() {
		if p2.IsEstablished() || p2.State == context.Phase2Expired {
			continue
		}
		if p2.ReqID == ev.ReqID && p2.Remote.IP.Equal(ev.SA.Dst) {
			logger.KernelLog.Debugf("%s: acquire for reqid %d already in progress", p2, ev.ReqID)
			return
		}
	}
	local := &net.UDPAddr{IP: ev.SA.Src}
	remote := &net.UDPAddr{IP: ev.SA.Dst}
	if _, err := BeginPhase2(c, local, remote, ev.Selector, ev.ReqID, ev.Seq); err != nil {
		logger.KernelLog.Errorf("acquire %s: %+v", ev.SA, err)
		if ferr := c.Kernel.AcquireFailed(ev.Seq); ferr != nil {
			logger.KernelLog.Warnf("report acquire failure: %+v", ferr)
		}
	}
}

// handleSAExpire rekeys on a soft expire of an SA we initiated and drops
// the handle on a hard one.
func handleSAExpire(c *context.IsakmpContext, ev *context.KernelEvent) {
	p2 := c.Registry.LookupPhase2BySPI(ev.SA.SPI)
	if p2 == nil {
		logger.KernelLog.Debugf("expire for unknown SA %s", ev.SA)
		return
	}
	if ev.Hard {
		logger.KernelLog.Infof("%s: hard expire", p2)
		p2.SetState(context.Phase2Expired)
		deletePhase2(c, p2)
		return
	}
	if p2.Role != context.RoleInitiator || !p2.IsEstablished() {
		return
	}
	logger.KernelLog.Infof("%s: soft expire, rekeying", p2)
	if _, err := BeginPhase2(c, p2.Local, p2.Remote, p2.Selector, p2.ReqID, 0); err != nil {
		logger.KernelLog.Errorf("%s: rekey: %+v", p2, err)
	}
}
