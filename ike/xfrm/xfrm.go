// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package xfrm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/util"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const eventQueueLen = 64

// Kernel is the Linux XFRM implementation of context.KernelSA.
type Kernel struct {
	events chan *context.KernelEvent
	done   chan struct{}
	once   sync.Once

	mu sync.Mutex
	// SPIs allocated by GETSPI whose larval state still waits for keys
	larval map[uint32]struct{}
}

func NewKernel() *Kernel {
	return &Kernel{
		events: make(chan *context.KernelEvent, eventQueueLen),
		done:   make(chan struct{}),
		larval: make(map[uint32]struct{}),
	}
}

func (k *Kernel) Events() <-chan *context.KernelEvent {
	return k.events
}

// Start subscribes to ACQUIRE, EXPIRE and DELSA notifications.
func (k *Kernel) Start(g *errgroup.Group) error {
	expireCh := make(chan netlink.XfrmMsg, eventQueueLen)
	errCh := make(chan error, 1)
	if err := netlink.XfrmMonitor(expireCh, k.done, errCh, nl.XFRM_MSG_EXPIRE); err != nil {
		return fmt.Errorf("xfrm monitor: %w", err)
	}
	notify, err := nl.Subscribe(unix.NETLINK_XFRM, xfrmGroupAcquire, xfrmGroupSA)
	if err != nil {
		return fmt.Errorf("subscribe to xfrm notifications: %w", err)
	}
	g.Go(func() error { return k.expireLoop(expireCh, errCh) })
	g.Go(func() error { return k.notifyLoop(notify) })
	go func() {
		<-k.done
		notify.Close()
	}()
	return nil
}

func (k *Kernel) Close() {
	k.once.Do(func() { close(k.done) })
}

func (k *Kernel) post(ev *context.KernelEvent) {
	select {
	case k.events <- ev:
	case <-k.done:
	}
}

func (k *Kernel) expireLoop(ch <-chan netlink.XfrmMsg, errCh <-chan error) (err error) {
	defer util.RecoverToError(logger.KernelLog, &err)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			exp, ok := msg.(*netlink.XfrmMsgExpire)
			if !ok || exp.XfrmState == nil {
				continue
			}
			st := exp.XfrmState
			k.post(&context.KernelEvent{
				Kind:  context.KernelExpire,
				SA:    context.SAID{Src: st.Src, Dst: st.Dst, Proto: isakmpProto(st.Proto), SPI: uint32(st.Spi)},
				ReqID: uint32(st.Reqid),
				Hard:  exp.Hard,
			})
		case merr, ok := <-errCh:
			if ok && merr != nil {
				logger.KernelLog.Warnf("xfrm monitor: %+v", merr)
			}
		case <-k.done:
			return nil
		}
	}
}

// notifyLoop reads ACQUIRE requests and DELSA notifications. Other SA
// group messages are ignored.
func (k *Kernel) notifyLoop(s *nl.NetlinkSocket) (err error) {
	defer util.RecoverToError(logger.KernelLog, &err)
	for {
		msgs, _, rerr := s.Receive()
		if rerr != nil {
			select {
			case <-k.done:
				return nil
			default:
			}
			logger.KernelLog.Errorf("receive xfrm notification: %+v", rerr)
			return rerr
		}
		for _, m := range msgs {
			var ev *context.KernelEvent
			var perr error
			switch m.Header.Type {
			case xfrmMsgAcquire:
				ev, perr = parseAcquire(m.Data)
			case xfrmMsgDelSA:
				ev, perr = parseDelSA(m.Data)
			default:
				continue
			}
			if perr != nil {
				logger.KernelLog.Warnf("xfrm message 0x%x: %+v", m.Header.Type, perr)
				continue
			}
			k.post(ev)
		}
	}
}

// GetSPI reserves an inbound SPI. The answer comes back as a KernelGetSPI
// event carrying req.Seq.
func (k *Kernel) GetSPI(req *context.SPIRequest) error {
	proto, err := xfrmProto(req.Proto)
	if err != nil {
		return err
	}
	go func() {
		st, aerr := netlink.XfrmStateAllocSpi(&netlink.XfrmState{
			Src:   req.Src,
			Dst:   req.Dst,
			Proto: proto,
			Mode:  netlink.XFRM_MODE_TUNNEL,
			Reqid: int(req.ReqID),
		})
		ev := &context.KernelEvent{
			Kind: context.KernelGetSPI,
			Seq:  req.Seq,
			SA:   context.SAID{Src: req.Src, Dst: req.Dst, Proto: req.Proto},
		}
		if aerr != nil {
			ev.Err = aerr
		} else {
			ev.SA.SPI = uint32(st.Spi)
			k.mu.Lock()
			k.larval[ev.SA.SPI] = struct{}{}
			k.mu.Unlock()
		}
		k.post(ev)
	}()
	return nil
}

// Install adds sa, completing the larval state when GetSPI allocated its SPI.
func (k *Kernel) Install(sa *context.SAParams) error {
	st, err := buildXfrmState(sa)
	if err != nil {
		return err
	}
	k.mu.Lock()
	_, larval := k.larval[sa.SPI]
	delete(k.larval, sa.SPI)
	k.mu.Unlock()

	if larval {
		err = netlink.XfrmStateUpdate(st)
	} else {
		err = netlink.XfrmStateAdd(st)
	}
	if err != nil {
		return fmt.Errorf("add XFRM state %s: %w", sa.SAID, err)
	}
	logger.KernelLog.Infof("installed SA %s reqid %d", sa.SAID, sa.ReqID)
	return nil
}

func (k *Kernel) Delete(id *context.SAID) error {
	proto, err := xfrmProto(id.Proto)
	if err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.larval, id.SPI)
	k.mu.Unlock()
	err = netlink.XfrmStateDel(&netlink.XfrmState{Src: id.Src, Dst: id.Dst, Proto: proto, Spi: int(id.SPI)})
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("delete XFRM state %s: %w", id, err)
	}
	return nil
}

// Flush removes every SA of proto, or all of them for proto 0.
func (k *Kernel) Flush(proto uint8) error {
	var p netlink.Proto
	if proto != 0 {
		var err error
		if p, err = xfrmProto(proto); err != nil {
			return err
		}
	}
	if err := netlink.XfrmStateFlush(p); err != nil {
		return fmt.Errorf("flush XFRM states: %w", err)
	}
	k.mu.Lock()
	clear(k.larval)
	k.mu.Unlock()
	return nil
}

func (k *Kernel) Dump(proto uint8) ([]context.SAInfo, error) {
	states, err := netlink.XfrmStateList(netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list XFRM states: %w", err)
	}
	return saInfos(states, proto), nil
}

// AcquireFailed gives up on an acquire. XFRM has no negative answer; the
// larval state times out by itself, so this only logs.
func (k *Kernel) AcquireFailed(seq uint32) error {
	logger.KernelLog.Infof("acquire seq %d failed", seq)
	return nil
}

func saInfos(states []netlink.XfrmState, proto uint8) []context.SAInfo {
	out := make([]context.SAInfo, 0, len(states))
	for i := range states {
		st := &states[i]
		p := isakmpProto(st.Proto)
		if proto != 0 && p != proto {
			continue
		}
		info := context.SAInfo{
			SAID:     context.SAID{Src: st.Src, Dst: st.Dst, Proto: p, SPI: uint32(st.Spi)},
			ReqID:    uint32(st.Reqid),
			Mode:     st.Mode.String(),
			Encap:    st.Encap != nil,
			Lifetime: st.Limits.TimeHard,
		}
		if st.Crypt != nil {
			info.EncAlg = st.Crypt.Name
		}
		if st.Auth != nil {
			info.AuthAlg = st.Auth.Name
		}
		out = append(out, info)
	}
	return out
}

func buildXfrmState(sa *context.SAParams) (*netlink.XfrmState, error) {
	proto, err := xfrmProto(sa.Proto)
	if err != nil {
		return nil, err
	}
	st := &netlink.XfrmState{
		Src:   sa.Src,
		Dst:   sa.Dst,
		Proto: proto,
		Mode:  netlink.XFRM_MODE_TRANSPORT,
		Spi:   int(sa.SPI),
		Reqid: int(sa.ReqID),
	}
	if sa.Tunnel {
		st.Mode = netlink.XFRM_MODE_TUNNEL
	}
	if sa.EncAlg != "" {
		st.Crypt = &netlink.XfrmStateAlgo{Name: sa.EncAlg, Key: sa.EncKey}
	}
	if sa.AuthAlg != "" {
		st.Auth = &netlink.XfrmStateAlgo{
			Name:        sa.AuthAlg,
			Key:         sa.AuthKey,
			TruncateLen: truncateLength(sa.AuthAlg),
		}
	}
	if sa.EncapSrc != 0 && sa.EncapDst != 0 {
		st.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: sa.EncapSrc,
			DstPort: sa.EncapDst,
		}
	}
	if secs := uint64(sa.Lifetime.Seconds()); secs > 0 {
		// rekey before the hard limit, as racoon does at 80%
		st.Limits.TimeHard = secs
		st.Limits.TimeSoft = secs * 8 / 10
	}
	return st, nil
}

func truncateLength(alg string) int {
	switch alg {
	case "hmac(sha256)":
		return 128
	default:
		return 96
	}
}

func xfrmProto(p uint8) (netlink.Proto, error) {
	switch p {
	case message.ProtoESP:
		return netlink.XFRM_PROTO_ESP, nil
	case message.ProtoAH:
		return netlink.XFRM_PROTO_AH, nil
	case message.ProtoIPComp:
		return netlink.XFRM_PROTO_COMP, nil
	}
	return 0, fmt.Errorf("protocol %d has no XFRM counterpart", p)
}

func isakmpProto(p netlink.Proto) uint8 {
	switch p {
	case netlink.XFRM_PROTO_ESP:
		return message.ProtoESP
	case netlink.XFRM_PROTO_AH:
		return message.ProtoAH
	case netlink.XFRM_PROTO_COMP:
		return message.ProtoIPComp
	}
	return 0
}
