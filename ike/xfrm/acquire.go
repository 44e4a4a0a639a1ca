// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package xfrm

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/omec-project/isakmpd/context"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// linux/xfrm.h
const (
	xfrmGroupAcquire uint = 1
	xfrmGroupSA      uint = 3
	xfrmMsgDelSA          = 0x11
	xfrmMsgAcquire        = 0x17
	xfrmaTmpl             = 5
	xfrmaSA               = 6

	sizeofXfrmAddr = 16
	sizeofUserTmpl = 64
	tmplReqIDOff   = 44
	xfrmIDProtoOff = 20

	// struct xfrm_user_acquire
	acquireIDOff    = 0
	acquireSaddrOff = 24
	acquireSelOff   = 40
	acquireSeqOff   = 276
	sizeofAcquire   = 280

	// struct xfrm_usersa_id
	usersaIDSPIOff    = 16
	usersaIDFamilyOff = 20
	usersaIDProtoOff  = 22
	sizeofUsersaID    = 24
	// saddr of struct xfrm_usersa_info, after the selector and xfrm_id
	usersaInfoSaddrOff = 80

	// struct xfrm_selector
	selDportOff   = 32
	selSportOff   = 36
	selFamilyOff  = 40
	selPrefixDOff = 42
	selPrefixSOff = 43
	selProtoOff   = 44

	nlaAlign = 4
)

// parseAcquire decodes an XFRM_MSG_ACQUIRE body: the SA the kernel wants,
// the selector of the triggering packet and the reqid of the first
// template.
func parseAcquire(b []byte) (*context.KernelEvent, error) {
	if len(b) < sizeofAcquire {
		return nil, fmt.Errorf("acquire message of %d bytes is short", len(b))
	}
	sel := b[acquireSelOff:]
	family := binary.NativeEndian.Uint16(sel[selFamilyOff:])
	ev := &context.KernelEvent{
		Kind: context.KernelAcquire,
		Seq:  binary.NativeEndian.Uint32(b[acquireSeqOff:]),
		SA: context.SAID{
			Src:   xfrmAddr(b[acquireSaddrOff:], family),
			Dst:   xfrmAddr(b[acquireIDOff:], family),
			Proto: isakmpProto(netlink.Proto(b[acquireIDOff+xfrmIDProtoOff])),
		},
		Selector: context.Selector{
			Dst:     prefix(xfrmAddr(sel, family), int(sel[selPrefixDOff])),
			Src:     prefix(xfrmAddr(sel[sizeofXfrmAddr:], family), int(sel[selPrefixSOff])),
			DstPort: binary.BigEndian.Uint16(sel[selDportOff:]),
			SrcPort: binary.BigEndian.Uint16(sel[selSportOff:]),
			Proto:   sel[selProtoOff],
			Dir:     context.DirOut,
		},
	}

	attrs, err := nl.ParseRouteAttr(b[nlAlignOf(sizeofAcquire):])
	if err != nil {
		return nil, fmt.Errorf("acquire attributes: %w", err)
	}
	for _, a := range attrs {
		if a.Attr.Type == xfrmaTmpl && len(a.Value) >= sizeofUserTmpl {
			ev.ReqID = binary.NativeEndian.Uint32(a.Value[tmplReqIDOff:])
			break
		}
	}
	return ev, nil
}

// parseDelSA decodes an XFRM_MSG_DELSA notification. The source address
// travels in the XFRMA_SA copy of the state.
func parseDelSA(b []byte) (*context.KernelEvent, error) {
	if len(b) < sizeofUsersaID {
		return nil, fmt.Errorf("delsa message of %d bytes is short", len(b))
	}
	family := binary.NativeEndian.Uint16(b[usersaIDFamilyOff:])
	ev := &context.KernelEvent{
		Kind: context.KernelDelete,
		SA: context.SAID{
			Dst:   xfrmAddr(b, family),
			Proto: isakmpProto(netlink.Proto(b[usersaIDProtoOff])),
			SPI:   binary.BigEndian.Uint32(b[usersaIDSPIOff:]),
		},
	}
	attrs, err := nl.ParseRouteAttr(b[nlAlignOf(sizeofUsersaID):])
	if err != nil {
		return nil, fmt.Errorf("delsa attributes: %w", err)
	}
	for _, a := range attrs {
		if a.Attr.Type == xfrmaSA && len(a.Value) >= usersaInfoSaddrOff+sizeofXfrmAddr {
			ev.SA.Src = xfrmAddr(a.Value[usersaInfoSaddrOff:], family)
			break
		}
	}
	return ev, nil
}

func xfrmAddr(b []byte, family uint16) net.IP {
	if family == unix.AF_INET {
		return net.IP(append([]byte(nil), b[:4]...))
	}
	return net.IP(append([]byte(nil), b[:sizeofXfrmAddr]...))
}

func prefix(ip net.IP, bits int) *net.IPNet {
	size := len(ip) * 8
	if bits > size {
		bits = size
	}
	return &net.IPNet{IP: ip.Mask(net.CIDRMask(bits, size)), Mask: net.CIDRMask(bits, size)}
}

func nlAlignOf(n int) int {
	return (n + nlaAlign - 1) &^ (nlaAlign - 1)
}
