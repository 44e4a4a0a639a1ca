// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike/handler"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
)

// SARequest is the YAML body of establish-sa and delete-sa. Phase1 requests
// name a remote profile or an address pair; IPsec requests add a selector
// or, for deletion, an SPI.
type SARequest struct {
	Name   string `yaml:"name,omitempty"`
	Local  string `yaml:"local,omitempty"`
	Remote string `yaml:"remote,omitempty"`
	PSK    string `yaml:"psk,omitempty"`

	Src     string `yaml:"src,omitempty"`
	Dst     string `yaml:"dst,omitempty"`
	ULProto uint8  `yaml:"ulproto,omitempty"`
	SPI     uint32 `yaml:"spi,omitempty"`
}

type Phase1Info struct {
	Index    string    `yaml:"index"`
	Local    string    `yaml:"local"`
	Remote   string    `yaml:"remote"`
	Role     string    `yaml:"role"`
	Exchange string    `yaml:"exchange"`
	State    string    `yaml:"state"`
	Created  time.Time `yaml:"created,omitempty"`
	Phase2s  int       `yaml:"phase2s"`
}

type Phase2Info struct {
	Parent      string `yaml:"parent"`
	MsgID       uint32 `yaml:"msgid"`
	Local       string `yaml:"local"`
	Remote      string `yaml:"remote"`
	Role        string `yaml:"role"`
	State       string `yaml:"state"`
	Selector    string `yaml:"selector"`
	ReqID       uint32 `yaml:"reqid"`
	InboundSPI  uint32 `yaml:"inbound"`
	OutboundSPI uint32 `yaml:"outbound"`
}

type SchedEntry struct {
	Name     string        `yaml:"name"`
	Deadline time.Time     `yaml:"deadline"`
	In       time.Duration `yaml:"in"`
}

// Loop runs a function on the event loop goroutine and returns its error.
type Loop interface {
	Submit(fn func() error) error
}

// Commands executes admin requests against the daemon state.
type Commands struct {
	ctx  *context.IsakmpContext
	loop Loop
}

func NewCommands(c *context.IsakmpContext, loop Loop) *Commands {
	return &Commands{ctx: c, loop: loop}
}

// Execute runs one request and returns the reply body.
func (x *Commands) Execute(h *Header, body []byte) ([]byte, error) {
	logger.AdminLog.Infof("%s %s", h.Cmd, h.Proto)
	switch h.Cmd {
	case CmdShowSched:
		return x.showSched()
	case CmdShowSA:
		return x.showSA(h.Proto)
	case CmdFlushSA:
		return nil, x.flushSA(h.Proto)
	case CmdDeleteSA:
		req, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		return nil, x.deleteSA(h.Proto, req)
	case CmdDeleteAllSADst:
		req, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		return nil, x.deleteAllSADst(req)
	case CmdEstablishSA:
		req, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		return nil, x.establishSA(h.Proto, req)
	}
	return nil, fmt.Errorf("%s: %w", h.Cmd, unix.EOPNOTSUPP)
}

func decodeRequest(body []byte) (*SARequest, error) {
	req := new(SARequest)
	if err := yaml.UnmarshalStrict(body, req); err != nil {
		return nil, fmt.Errorf("request body: %v: %w", err, unix.EINVAL)
	}
	return req, nil
}

func (x *Commands) showSched() ([]byte, error) {
	var out []SchedEntry
	err := x.loop.Submit(func() error {
		now := x.ctx.Sched.Now()
		for _, e := range x.ctx.Sched.Dump() {
			out = append(out, SchedEntry{Name: e.Name, Deadline: e.Deadline, In: e.Deadline.Sub(now)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(out)
}

func (x *Commands) showSA(proto Proto) ([]byte, error) {
	switch proto {
	case ProtoISAKMP:
		var out []Phase1Info
		err := x.loop.Submit(func() error {
			for _, h := range x.ctx.Registry.Phase1s() {
				out = append(out, Phase1Info{
					Index:    h.Index.String(),
					Local:    h.Local.String(),
					Remote:   h.Remote.String(),
					Role:     h.Role.String(),
					Exchange: h.Exchange.String(),
					State:    h.State.String(),
					Created:  h.Created,
					Phase2s:  len(h.Children),
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(out)
	case ProtoInternal:
		var out []Phase2Info
		err := x.loop.Submit(func() error {
			for _, p2 := range x.ctx.Registry.Phase2s() {
				out = append(out, Phase2Info{
					Parent:      p2.Parent.String(),
					MsgID:       p2.MsgID,
					Local:       addrString(p2.Local),
					Remote:      addrString(p2.Remote),
					Role:        p2.Role.String(),
					State:       p2.State.String(),
					Selector:    p2.Selector.String(),
					ReqID:       p2.ReqID,
					InboundSPI:  p2.InboundSPI,
					OutboundSPI: p2.OutboundSPI,
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(out)
	case ProtoIPsec, ProtoESP, ProtoAH:
		// netlink is safe to call off the loop
		sas, err := x.ctx.Kernel.Dump(kernelProto(proto))
		if err != nil {
			return nil, err
		}
		return yaml.Marshal(sas)
	}
	return nil, fmt.Errorf("show-sa %s: %w", proto, unix.EINVAL)
}

func (x *Commands) flushSA(proto Proto) error {
	switch proto {
	case ProtoISAKMP:
		return x.loop.Submit(func() error {
			for _, h := range x.ctx.Registry.Phase1s() {
				if !h.IsExpired() {
					handler.PurgePhase1(x.ctx, h)
				}
			}
			return nil
		})
	case ProtoIPsec, ProtoESP, ProtoAH:
		kp := kernelProto(proto)
		if err := x.ctx.Kernel.Flush(kp); err != nil {
			return err
		}
		return x.loop.Submit(func() error {
			for _, p2 := range x.ctx.Registry.Phase2s() {
				if kp == 0 || kp == message.ProtoESP {
					handler.DropPhase2(x.ctx, p2)
				}
			}
			return nil
		})
	}
	return fmt.Errorf("flush-sa %s: %w", proto, unix.EINVAL)
}

func (x *Commands) establishSA(proto Proto, req *SARequest) error {
	c := x.ctx
	local, remote, err := x.endpoints(req)
	if err != nil {
		return err
	}
	switch proto {
	case ProtoISAKMP:
		return x.loop.Submit(func() error {
			profile := c.Peers.ByAddress(remote.IP)
			if req.Name != "" {
				profile = c.Peers.ByName(req.Name)
			}
			if profile == nil {
				return fmt.Errorf("no remote profile for %s: %w", remote.IP, unix.ENOENT)
			}
			if h := c.Registry.LookupByAddressPair(remote, local, true); h != nil && !h.IsExpired() {
				return fmt.Errorf("%s: %w", h, unix.EEXIST)
			}
			var psk []byte
			if req.PSK != "" {
				psk = []byte(req.PSK)
			}
			_, berr := handler.BeginPhase1(c, profile, local, remote, psk)
			return berr
		})
	case ProtoIPsec, ProtoESP, ProtoAH:
		if c.Policies == nil {
			return fmt.Errorf("no policy database: %w", unix.EOPNOTSUPP)
		}
		sel, err := requestSelector(req, local, remote)
		if err != nil {
			return err
		}
		policies, err := c.Policies.Lookup(sel)
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			return fmt.Errorf("no policy for %s: %w", sel, unix.ENOENT)
		}
		reqID := policies[0].ReqID
		return x.loop.Submit(func() error {
			_, berr := handler.BeginPhase2(c, local, remote, sel, reqID, 0)
			if errors.Is(berr, handler.ErrNoProfile) {
				return fmt.Errorf("%v: %w", berr, unix.ENOENT)
			}
			return berr
		})
	}
	return fmt.Errorf("establish-sa %s: %w", proto, unix.EINVAL)
}

func (x *Commands) deleteSA(proto Proto, req *SARequest) error {
	c := x.ctx
	switch proto {
	case ProtoISAKMP:
		local, remote, err := x.endpoints(req)
		if err != nil {
			return err
		}
		return x.loop.Submit(func() error {
			h := c.Registry.LookupByAddressPair(remote, local, true)
			if h == nil || h.IsExpired() {
				return fmt.Errorf("no ISAKMP-SA %s<=>%s: %w", local.IP, remote.IP, unix.ENOENT)
			}
			handler.PurgePhase1(c, h)
			return nil
		})
	case ProtoIPsec, ProtoESP, ProtoAH:
		if req.SPI == 0 {
			return fmt.Errorf("delete-sa needs an spi: %w", unix.EINVAL)
		}
		return x.loop.Submit(func() error {
			if p2 := c.Registry.LookupPhase2BySPI(req.SPI); p2 != nil {
				handler.Phase2Expire(c, p2)
				return nil
			}
			// an SA we hold no handle for
			local, remote, err := x.endpoints(req)
			if err != nil {
				return err
			}
			return c.Kernel.Delete(&context.SAID{Src: local.IP, Dst: remote.IP, Proto: message.ProtoESP, SPI: req.SPI})
		})
	}
	return fmt.Errorf("delete-sa %s: %w", proto, unix.EINVAL)
}

// deleteAllSADst tears down everything shared with one peer and lets the
// next negotiation send INITIAL-CONTACT again.
func (x *Commands) deleteAllSADst(req *SARequest) error {
	c := x.ctx
	ip := net.ParseIP(req.Remote)
	if ip == nil {
		return fmt.Errorf("remote %q: %w", req.Remote, unix.EINVAL)
	}
	sas, err := c.Kernel.Dump(0)
	if err != nil {
		return err
	}
	return x.loop.Submit(func() error {
		for _, p2 := range c.Registry.Phase2s() {
			if p2.Remote != nil && p2.Remote.IP.Equal(ip) {
				handler.Phase2Expire(c, p2)
			}
		}
		for _, h := range c.Registry.Phase1s() {
			if h.Remote.IP.Equal(ip) && !h.IsExpired() {
				handler.PurgePhase1(c, h)
			}
		}
		for i := range sas {
			if sas[i].Dst.Equal(ip) || sas[i].Src.Equal(ip) {
				if derr := c.Kernel.Delete(&sas[i].SAID); derr != nil {
					logger.AdminLog.Warnf("delete %s: %+v", sas[i].SAID, derr)
				}
			}
		}
		c.ForgetContacted(ip)
		return nil
	})
}

// endpoints resolves the request's address pair. Without a local address
// the first listen address is used; ports default to the ISAKMP port.
func (x *Commands) endpoints(req *SARequest) (local, remote *net.UDPAddr, err error) {
	cfg := x.ctx.Config
	remoteStr := req.Remote
	if remoteStr == "" && req.Name != "" {
		if p := x.ctx.Peers.ByName(req.Name); p != nil {
			remoteStr = p.Address
		}
	}
	if remote, err = parseEndpoint(remoteStr, cfg.IsakmpPort); err != nil {
		return nil, nil, fmt.Errorf("remote: %w", err)
	}
	localStr := req.Local
	if localStr == "" && len(cfg.Listen) > 0 {
		localStr = cfg.Listen[0]
	}
	if local, err = parseEndpoint(localStr, cfg.IsakmpPort); err != nil {
		return nil, nil, fmt.Errorf("local: %w", err)
	}
	return local, remote, nil
}

func parseEndpoint(s string, defPort int) (*net.UDPAddr, error) {
	if ip := net.ParseIP(s); ip != nil {
		return &net.UDPAddr{IP: ip, Port: defPort}, nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil || addr.IP == nil {
		return nil, fmt.Errorf("address %q: %w", s, unix.EINVAL)
	}
	return addr, nil
}

func requestSelector(req *SARequest, local, remote *net.UDPAddr) (context.Selector, error) {
	sel := context.Selector{
		Src:   hostNet(local.IP),
		Dst:   hostNet(remote.IP),
		Proto: req.ULProto,
		Dir:   context.DirOut,
	}
	for _, f := range []struct {
		s   string
		dst **net.IPNet
	}{{req.Src, &sel.Src}, {req.Dst, &sel.Dst}} {
		if f.s == "" {
			continue
		}
		_, n, err := net.ParseCIDR(f.s)
		if err != nil {
			if ip := net.ParseIP(f.s); ip != nil {
				n = hostNet(ip)
			} else {
				return sel, fmt.Errorf("selector %q: %w", f.s, unix.EINVAL)
			}
		}
		*f.dst = n
	}
	return sel, nil
}

func hostNet(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

func kernelProto(p Proto) uint8 {
	switch p {
	case ProtoESP:
		return message.ProtoESP
	case ProtoAH:
		return message.ProtoAH
	}
	return 0
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// errnoOf maps a command error onto the reply errno.
func errnoOf(err error) int16 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int16(errno)
	}
	return int16(unix.EIO)
}
