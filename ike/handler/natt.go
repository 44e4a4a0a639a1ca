// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"encoding/hex"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

// Vendor IDs we send and recognize
var (
	vendorIDNATT = mustHex("4a131c81070358455c5728f20e95452f") // RFC 3947
	vendorIDFrag = mustHex("4048b7d56ebce88525e7de7f00d6c2d3") // IKE fragmentation
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// NAT keepalive datagram (RFC 3948 2.3)
var natKeepalive = []byte{0xff}

// addVendorIDs appends the vendor IDs for h. A responder only announces
// NAT-T back to a peer that announced it.
func addVendorIDs(b *payloads, h *context.Phase1Handle) {
	if h.Profile == nil {
		return
	}
	if h.Profile.NatTraversal && (h.Role == context.RoleInitiator || h.HasNAT(context.NATEnabled)) {
		b.add(&message.VendorID{VendorIDData: vendorIDNATT})
	}
	if h.Profile.Fragmentation {
		b.add(&message.VendorID{VendorIDData: vendorIDFrag})
	}
}

// peerVendorIDs records the capabilities the peer announced.
func peerVendorIDs(h *context.Phase1Handle, msg *message.Message) {
	for _, raw := range msg.All(message.TypeVID) {
		switch {
		case bytes.Equal(raw.Body, vendorIDNATT):
			if h.Profile != nil && h.Profile.NatTraversal {
				h.NATT |= context.NATEnabled
			}
		case bytes.Equal(raw.Body, vendorIDFrag):
			h.PeerFragmentation = true
		default:
			logger.IKELog.Debugf("%s: unknown vendor ID %x", h, raw.Body)
		}
	}
}

// addNATDiscovery appends the peer's address hash followed by ours.
func addNATDiscovery(c *context.IsakmpContext, b *payloads, h *context.Phase1Handle) {
	if !h.HasNAT(context.NATEnabled) || b.err != nil {
		return
	}
	for _, addr := range []*net.UDPAddr{h.Remote, h.Local} {
		d, err := c.Oakley.NATDiscovery(h, addr)
		if err != nil {
			b.err = err
			return
		}
		b.add(&message.NATDiscovery{HashData: d})
	}
}

// natCheck compares received NAT-D payloads with our view of the addresses.
// The first hash names us as the peer sees us; the rest are the peer's own.
func natCheck(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if !h.HasNAT(context.NATEnabled) {
		return nil
	}
	natd := msg.All(message.TypeNATD)
	if len(natd) < 2 {
		logger.IKELog.Warnf("%s: NAT-T announced but %d NAT-D payloads received", h, len(natd))
		return nil
	}
	mine, err := c.Oakley.NATDiscovery(h, h.Local)
	if err != nil {
		return err
	}
	if !bytes.Equal(natd[0].Body, mine) {
		h.NATT |= context.NATDetectedMe
	}
	peer, err := c.Oakley.NATDiscovery(h, h.Remote)
	if err != nil {
		return err
	}
	h.NATT |= context.NATDetectedPeer
	for _, d := range natd[1:] {
		if bytes.Equal(d.Body, peer) {
			h.NATT &^= context.NATDetectedPeer
			break
		}
	}
	if h.HasNAT(context.NATDetected) {
		logger.IKELog.Infof("%s: NAT detected (me %t, peer %t)", h,
			h.HasNAT(context.NATDetectedMe), h.HasNAT(context.NATDetectedPeer))
	}
	return nil
}

// natFloat moves an initiator to the NAT-T port once a NAT was detected.
func natFloat(c *context.IsakmpContext, h *context.Phase1Handle) {
	if !h.HasNAT(context.NATDetected) || h.HasNAT(context.NATPortsChanged) {
		return
	}
	// fresh addresses: a Phase2 may still hold the old ones
	l, r := *h.Local, *h.Remote
	l.Port, r.Port = c.Config.NattPort, c.Config.NattPort
	h.Local, h.Remote = &l, &r
	h.NATT |= context.NATPortsChanged | context.NATAddNonESPMarker
	logger.IKELog.Infof("%s: floated to NAT-T port %d", h, c.Config.NattPort)
}

// FloatPorts follows a peer whose address or port changed. It happens once
// per handle; later changes are only logged.
func FloatPorts(c *context.IsakmpContext, h *context.Phase1Handle, local, remote *net.UDPAddr) {
	if context.SameHost(h.Remote, remote, false) && context.SameHost(h.Local, local, false) {
		return
	}
	if !h.HasNAT(context.NATEnabled) {
		return
	}
	if h.HasNAT(context.NATPortsChanged) {
		logger.IKELog.Warnf("%s: packet from %s to %s after ports were locked", h, remote, local)
		return
	}
	r, l := *remote, *local
	h.Remote, h.Local = &r, &l
	h.NATT |= context.NATPortsChanged | context.NATAddNonESPMarker
	logger.IKELog.Infof("%s: NAT-T floated to %s", h, remote)
	if h.IsEstablished() {
		startKeepalive(c, h)
	}
}

// startKeepalive keeps the NAT mapping alive while we are behind one.
func startKeepalive(c *context.IsakmpContext, h *context.Phase1Handle) {
	if !h.HasNAT(context.NATDetectedMe) || c.Config.NatKeepalive <= 0 {
		return
	}
	h.KeepAlive.Cancel()
	h.KeepAlive = c.Sched.Schedule(c.Config.NatKeepalive, "natt-keepalive", func() {
		if err := c.Sender.Send(natKeepalive, h.Local, h.Remote); err != nil {
			logger.IKELog.Warnf("%s: NAT keepalive: %+v", h, err)
		}
		startKeepalive(c, h)
	})
}
