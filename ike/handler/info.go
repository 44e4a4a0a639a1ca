// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"crypto/hmac"
	"encoding/binary"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

// sendInfo sends chain in an informational exchange under h. With keys the
// message is protected by a leading HASH and a fresh message ID.
func sendInfo(c *context.IsakmpContext, h *context.Phase1Handle, b *payloads) error {
	if b.err != nil {
		return b.err
	}
	if !c.Oakley.HasKeys(h) {
		hdr := message.NewHeader(h.Index.Initiator, h.Index.Responder, message.ExchangeInfo, 0, 0)
		pkt, err := EncodeEncrypt(c, nil, hdr, b.chain)
		if err != nil {
			return err
		}
		return sendPacket(c, h, h.Local, h.Remote, pkt)
	}

	mid, err := c.Registry.NewMsgID(h)
	if err != nil {
		return err
	}
	rest, err := message.EncodeChain(b.chain)
	if err != nil {
		return err
	}
	hash, err := c.Oakley.InfoHash(h, mid, rest)
	if err != nil {
		return err
	}
	chain := append([]message.RawPayload{{Type: message.TypeHASH, Body: hash}}, b.chain...)
	hdr := message.NewHeader(h.Index.Initiator, h.Index.Responder, message.ExchangeInfo, 0, mid)
	pkt, err := EncodeEncrypt(c, h, hdr, chain)
	if err != nil {
		return err
	}
	return sendPacket(c, h, h.Local, h.Remote, pkt)
}

func sendNotify(c *context.IsakmpContext, h *context.Phase1Handle, code message.NotifyType, proto uint8,
	spi []byte,
) error {
	b := new(payloads)
	b.add(&message.Notification{
		DOI:               message.DOIIPSec,
		ProtocolID:        proto,
		NotifyMessageType: code,
		SPI:               spi,
	})
	logger.IKELog.Infof("%s: sending notify %s", h, code)
	return sendInfo(c, h, b)
}

// cookieSPI is the ISAKMP SA's SPI: both cookies.
func cookieSPI(h *context.Phase1Handle) []byte {
	spi := make([]byte, 0, 16)
	spi = append(spi, h.Index.Initiator[:]...)
	return append(spi, h.Index.Responder[:]...)
}

func sendDeletePhase1(c *context.IsakmpContext, h *context.Phase1Handle) error {
	b := new(payloads)
	b.add(&message.Delete{
		DOI:        message.DOIIPSec,
		ProtocolID: message.ProtoISAKMP,
		SPISize:    16,
		SPIs:       [][]byte{cookieSPI(h)},
	})
	return sendInfo(c, h, b)
}

// sendDeletePhase2 names the SA by our inbound SPI, the one the peer sends
// with.
func sendDeletePhase2(c *context.IsakmpContext, ph1 *context.Phase1Handle, p2 *context.Phase2Handle) error {
	if p2.InboundSPI == 0 {
		return nil
	}
	b := new(payloads)
	b.add(&message.Delete{
		DOI:        message.DOIIPSec,
		ProtocolID: message.ProtoESP,
		SPISize:    4,
		SPIs:       [][]byte{spiBytes(p2.InboundSPI)},
	})
	return sendInfo(c, ph1, b)
}

func sendInitialContact(c *context.IsakmpContext, h *context.Phase1Handle) error {
	return sendNotify(c, h, message.NotifyInitialContact, message.ProtoISAKMP, cookieSPI(h))
}

// SendNotifyNoHandle answers a packet that matches no usable handle. The
// reply is never encrypted.
func SendNotifyNoHandle(c *context.IsakmpContext, local, remote *net.UDPAddr, hdr *message.Header,
	code message.NotifyType,
) {
	b := new(payloads)
	b.add(&message.Notification{
		DOI:               message.DOIIPSec,
		ProtocolID:        message.ProtoISAKMP,
		NotifyMessageType: code,
	})
	if b.err != nil {
		logger.IKELog.Errorf("notify %s: %+v", code, b.err)
		return
	}
	out := message.NewHeader(hdr.InitiatorCookie, hdr.ResponderCookie, message.ExchangeInfo, 0, 0)
	pkt, err := EncodeEncrypt(c, nil, out, b.chain)
	if err != nil {
		logger.IKELog.Errorf("notify %s: %+v", code, err)
		return
	}
	logger.IKELog.Infof("sending notify %s to %s", code, remote)
	if err = sendPacket(c, nil, local, remote, pkt); err != nil {
		logger.IKELog.Errorf("notify %s: %+v", code, err)
	}
}

// verifyInfoHash checks the HASH(1) leading an encrypted informational.
func verifyInfoHash(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) error {
	if len(msg.Payloads) == 0 || msg.Payloads[0].Type != message.TypeHASH {
		return notifyErr(message.NotifyInvalidHashInformation, "informational without HASH")
	}
	rest, err := message.EncodeChain(msg.Payloads[1:])
	if err != nil {
		return err
	}
	want, err := c.Oakley.InfoHash(h, msg.MessageID, rest)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, msg.Payloads[0].Body) {
		return notifyErr(message.NotifyInvalidHashInformation, "informational HASH mismatch")
	}
	return nil
}

// HandleInformational processes an informational exchange received under h.
func HandleInformational(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) {
	authenticated := msg.IsEncrypted()
	if authenticated {
		if err := verifyInfoHash(c, h, msg); err != nil {
			logger.IKELog.Warnf("%s: informational dropped: %+v", h, err)
			return
		}
	} else if c.Oakley.HasKeys(h) {
		logger.IKELog.Warnf("%s: cleartext informational after keying, dropped", h)
		return
	}

	for i := range msg.Payloads {
		raw := &msg.Payloads[i]
		switch raw.Type {
		case message.TypeHASH:
		case message.TypeN:
			n := new(message.Notification)
			if err := message.Unmarshal(raw, n); err != nil {
				logger.IKELog.Warnf("%s: %+v", h, err)
				return
			}
			handleNotify(c, h, n, authenticated)
		case message.TypeD:
			d := new(message.Delete)
			if err := message.Unmarshal(raw, d); err != nil {
				logger.IKELog.Warnf("%s: %+v", h, err)
				return
			}
			if !authenticated {
				logger.IKELog.Warnf("%s: unauthenticated delete ignored", h)
				continue
			}
			handleDelete(c, h, d)
		default:
			logger.IKELog.Warnf("%s: unexpected %s payload in informational", h, raw.Type)
		}
	}
}

func handleNotify(c *context.IsakmpContext, h *context.Phase1Handle, n *message.Notification, authenticated bool) {
	logger.IKELog.Infof("%s: notify %s received (protocol %d spi %x)", h, n.NotifyMessageType,
		n.ProtocolID, n.SPI)
	if !authenticated {
		return
	}
	switch {
	case n.NotifyMessageType == message.NotifyInitialContact:
		initialContact(c, h)
	case !n.NotifyMessageType.IsStatus() && len(n.SPI) == 4:
		if p2 := c.Registry.LookupPhase2BySPI(binary.BigEndian.Uint32(n.SPI)); p2 != nil && !p2.IsEstablished() {
			phase2Failed(c, p2, notifyErr(n.NotifyMessageType, "peer refused"))
		}
	}
}

// initialContact forgets every other SA shared with the peer, which has
// just rebooted.
func initialContact(c *context.IsakmpContext, h *context.Phase1Handle) {
	for _, other := range c.Registry.Phase1s() {
		if other == h || !other.Remote.IP.Equal(h.Remote.IP) || other.IsExpired() {
			continue
		}
		logger.IKELog.Infof("%s: purged after INITIAL-CONTACT", other)
		PurgePhase1(c, other)
	}
	for _, p2 := range c.Registry.Phase2s() {
		if !p2.IsEstablished() || !p2.Remote.IP.Equal(h.Remote.IP) {
			continue
		}
		deletePhase2(c, p2)
	}
}

func handleDelete(c *context.IsakmpContext, h *context.Phase1Handle, d *message.Delete) {
	switch d.ProtocolID {
	case message.ProtoISAKMP:
		logger.IKELog.Infof("%s: peer deleted the ISAKMP-SA", h)
		c.EmitPhase1(evt.PeerDelete, h, "")
		// no delete goes back for an SA the peer already dropped
		h.StopResend()
		h.SetState(context.Phase1Expired)
		Phase1Expire(c, h)
	case message.ProtoESP, message.ProtoAH:
		for _, spi := range d.SPIs {
			if len(spi) != 4 {
				continue
			}
			p2 := c.Registry.LookupPhase2BySPI(binary.BigEndian.Uint32(spi))
			if p2 == nil {
				logger.IKELog.Debugf("%s: delete for unknown spi %x", h, spi)
				continue
			}
			c.EmitPhase2(evt.PeerDelete, p2, "")
			deletePhase2(c, p2)
		}
	default:
		logger.IKELog.Warnf("%s: delete for protocol %d ignored", h, d.ProtocolID)
	}
}

// HandleNewGroup answers a new group exchange. Private groups are not
// negotiated, so an authenticated request is refused.
func HandleNewGroup(c *context.IsakmpContext, h *context.Phase1Handle, msg *message.Message) {
	if !h.IsEstablished() {
		logger.IKELog.Warnf("%s: new group mode before establishment, dropped", h)
		return
	}
	if err := verifyInfoHash(c, h, msg); err != nil {
		logger.IKELog.Warnf("%s: new group dropped: %+v", h, err)
		return
	}
	if sa := msg.Get(message.TypeSA); sa != nil {
		s := new(message.SecurityAssociation)
		if err := message.Unmarshal(sa, s); err != nil {
			logger.IKELog.Warnf("%s: new group SA: %+v", h, err)
		}
	}
	logger.IKELog.Warnf("%s: new group mode is not supported", h)
	if err := sendNotify(c, h, message.NotifyAttributesNotSupported, message.ProtoISAKMP, cookieSPI(h)); err != nil {
		logger.IKELog.Warnf("%s: notify: %+v", h, err)
	}
}

// NotifyPeer sends an ISAKMP notify under h, logging a failure.
func NotifyPeer(c *context.IsakmpContext, h *context.Phase1Handle, code message.NotifyType) {
	if err := sendNotify(c, h, code, message.ProtoISAKMP, cookieSPI(h)); err != nil {
		logger.IKELog.Warnf("%s: notify %s: %+v", h, code, err)
	}
}
