// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package xfrm

import (
	"fmt"
	"net"
	"sort"

	"github.com/omec-project/isakmpd/context"
	"github.com/vishvananda/netlink"
)

// PolicyDB answers selector lookups from the kernel SPD.
type PolicyDB struct {
	list func(family int) ([]netlink.XfrmPolicy, error)
}

func NewPolicyDB() *PolicyDB {
	return &PolicyDB{list: netlink.XfrmPolicyList}
}

// Lookup returns the IPsec policies covering sel, most specific priority
// first.
func (db *PolicyDB) Lookup(sel context.Selector) ([]context.Policy, error) {
	policies, err := db.list(netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list XFRM policies: %w", err)
	}
	return matchPolicies(policies, sel), nil
}

func matchPolicies(policies []netlink.XfrmPolicy, sel context.Selector) []context.Policy {
	var out []context.Policy
	for i := range policies {
		p := &policies[i]
		if p.Action != netlink.XFRM_POLICY_ALLOW || len(p.Tmpls) == 0 {
			continue
		}
		if p.Dir != xfrmDir(sel.Dir) {
			continue
		}
		if !covers(p.Src, sel.Src) || !covers(p.Dst, sel.Dst) {
			continue
		}
		if !portMatch(p.SrcPort, sel.SrcPort) || !portMatch(p.DstPort, sel.DstPort) {
			continue
		}
		if p.Proto != 0 && sel.Proto != 0 && uint8(p.Proto) != sel.Proto {
			continue
		}
		tmpl := p.Tmpls[0]
		out = append(out, context.Policy{
			Selector: context.Selector{
				Src:     p.Src,
				Dst:     p.Dst,
				SrcPort: uint16(p.SrcPort),
				DstPort: uint16(p.DstPort),
				Proto:   uint8(p.Proto),
				Dir:     sel.Dir,
			},
			ReqID:    uint32(tmpl.Reqid),
			Proto:    isakmpProto(tmpl.Proto),
			Tunnel:   tmpl.Mode == netlink.XFRM_MODE_TUNNEL,
			Priority: p.Priority,
		})
	}
	// lower value wins in the kernel
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func xfrmDir(d context.PolicyDir) netlink.Dir {
	switch d {
	case context.DirIn:
		return netlink.XFRM_DIR_IN
	case context.DirFwd:
		return netlink.XFRM_DIR_FWD
	}
	return netlink.XFRM_DIR_OUT
}

// covers reports whether policy prefix p contains the selector prefix s. A
// nil policy prefix is a wildcard.
func covers(p, s *net.IPNet) bool {
	if p == nil {
		return true
	}
	if s == nil {
		return false
	}
	pOnes, pBits := p.Mask.Size()
	sOnes, sBits := s.Mask.Size()
	if pBits != sBits {
		return false
	}
	return pOnes <= sOnes && p.Contains(s.IP)
}

func portMatch(policy int, sel uint16) bool {
	return policy == 0 || int(sel) == policy
}
