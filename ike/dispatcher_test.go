// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package ike

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/frag"
	"github.com/omec-project/isakmpd/ike/handler"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/ike/security"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type datagramOut struct {
	pkt           []byte
	local, remote *net.UDPAddr
}

type fakeKernel struct {
	context.KernelSA
	nextSPI   uint32
	pending   []*context.SPIRequest
	installed []*context.SAParams
}

func (k *fakeKernel) GetSPI(req *context.SPIRequest) error {
	k.pending = append(k.pending, req)
	return nil
}

func (k *fakeKernel) Install(sa *context.SAParams) error {
	k.installed = append(k.installed, sa)
	return nil
}

func (k *fakeKernel) Delete(id *context.SAID) error { return nil }

func (k *fakeKernel) AcquireFailed(seq uint32) error { return nil }

type allowAll struct{}

func (allowAll) Lookup(sel context.Selector) ([]context.Policy, error) {
	return []context.Policy{{Selector: sel, ReqID: 21, Proto: message.ProtoESP, Tunnel: true}}, nil
}

// peer is one daemon: its context, dispatcher and what it sent.
type peer struct {
	ip     net.IP
	c      *context.IsakmpContext
	d      *Dispatcher
	kernel *fakeKernel
	out    []datagramOut
	// exchange of every ISAKMP datagram sent
	exchanges []message.ExchangeType
}

func (p *peer) Send(pkt []byte, local, remote *net.UDPAddr) error {
	p.out = append(p.out, datagramOut{pkt: append([]byte(nil), pkt...), local: local, remote: remote})
	body := pkt
	if len(body) >= 4 && bytes.Equal(body[:4], []byte{0, 0, 0, 0}) {
		body = body[4:]
	}
	if hdr, _, err := message.ParseHeader(body); err == nil {
		p.exchanges = append(p.exchanges, hdr.ExchangeType)
	}
	return nil
}

type peerOpts struct {
	remote        string
	modes         []string
	nat           bool
	fragmentation bool
	commit        bool
	pfs           int
	maxLen        int
}

func newPeer(t *testing.T, clock *fakeClock, ip string, o peerOpts) *peer {
	t.Helper()
	cfg := &factory.Configuration{
		Retry:         factory.Retry{Count: 3, Interval: 10 * time.Second, Tick: time.Second},
		Fragmentation: factory.Fragmentation{MaxLen: o.maxLen},
		Remotes: []*factory.RemoteConf{{
			Name:           "peer",
			Address:        o.remote,
			ExchangeModes:  o.modes,
			Proposal:       factory.Proposal{DHGroup: 2},
			SAInfo:         factory.SAInfo{PFSGroup: o.pfs},
			PreSharedKey:   "shared secret",
			NatTraversal:   o.nat,
			Fragmentation:  o.fragmentation,
			GenerateCommit: o.commit,
		}},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	suite, err := security.NewSuite()
	if err != nil {
		t.Fatalf("NewSuite: %v", err)
	}
	p := &peer{ip: net.ParseIP(ip).To4()}
	// distinct SPI ranges per peer
	p.kernel = &fakeKernel{nextSPI: uint32(p.ip[3]) << 16}
	p.c = context.NewIsakmpContext(cfg, clock)
	p.c.Oakley = suite
	p.c.Kernel = p.kernel
	p.c.Policies = allowAll{}
	p.c.Sender = p
	p.c.NewReassembler = func() context.Reassembler { return frag.New(p.c.Sched.Now, time.Minute) }
	p.d = NewDispatcher(p.c)
	return p
}

// answerSPIs completes every outstanding GETSPI.
func (p *peer) answerSPIs() bool {
	if len(p.kernel.pending) == 0 {
		return false
	}
	reqs := p.kernel.pending
	p.kernel.pending = nil
	for _, req := range reqs {
		p.kernel.nextSPI++
		handler.HandleKernelEvent(p.c, &context.KernelEvent{
			Kind: context.KernelGetSPI,
			Seq:  req.Seq,
			SA:   context.SAID{Src: req.Src, Dst: req.Dst, Proto: req.Proto, SPI: p.kernel.nextSPI},
		})
	}
	return true
}

// wire connects an initiator a to a responder b, optionally with a NAT in
// front of a that maps each source port to port+10000 on natIP.
type wire struct {
	t     *testing.T
	clock *fakeClock
	a, b  *peer
	natIP net.IP
}

func (w *wire) translateOut(src *net.UDPAddr) *net.UDPAddr {
	if w.natIP == nil {
		return src
	}
	return &net.UDPAddr{IP: w.natIP, Port: src.Port + 10000}
}

func (w *wire) translateIn(dst *net.UDPAddr) *net.UDPAddr {
	if w.natIP == nil || !dst.IP.Equal(w.natIP) {
		return dst
	}
	return &net.UDPAddr{IP: w.a.ip, Port: dst.Port - 10000}
}

// receive strips what the service strips before dispatch.
func receive(t *testing.T, to *peer, natt int, local, remote *net.UDPAddr, pkt []byte) {
	t.Helper()
	if len(pkt) == 1 && pkt[0] == 0xff {
		return
	}
	if local.Port == natt {
		if len(pkt) < 4 || !bytes.Equal(pkt[:4], []byte{0, 0, 0, 0}) {
			t.Fatalf("datagram to NAT-T port without non-ESP marker")
		}
		pkt = pkt[4:]
	}
	to.d.Dispatch(&context.ReceivePacket{LocalAddr: local, RemoteAddr: remote, Msg: pkt})
}

// flush delivers everything queued in both directions.
func (w *wire) flush() bool {
	moved := false
	for len(w.a.out) > 0 || len(w.b.out) > 0 {
		moved = true
		if len(w.a.out) > 0 {
			dg := w.a.out[0]
			w.a.out = w.a.out[1:]
			receive(w.t, w.b, w.b.c.Config.NattPort, dg.remote, w.translateOut(dg.local), dg.pkt)
			continue
		}
		dg := w.b.out[0]
		w.b.out = w.b.out[1:]
		receive(w.t, w.a, w.a.c.Config.NattPort, w.translateIn(dg.remote), dg.local, dg.pkt)
	}
	return moved
}

func (w *wire) settle() {
	for i := 0; i < 64; i++ {
		moved := w.flush()
		spis := w.a.answerSPIs()
		spis = w.b.answerSPIs() || spis
		if !moved && !spis {
			return
		}
	}
	w.t.Fatal("exchange did not settle")
}

func newWire(t *testing.T, ao, bo peerOpts) *wire {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	if ao.remote == "" {
		ao.remote = "192.0.2.2"
	}
	if bo.remote == "" {
		bo.remote = "192.0.2.1"
	}
	return &wire{
		t:     t,
		clock: clock,
		a:     newPeer(t, clock, "192.0.2.1", ao),
		b:     newPeer(t, clock, "192.0.2.2", bo),
	}
}

func (w *wire) start(t *testing.T) *context.Phase1Handle {
	t.Helper()
	h, err := handler.BeginPhase1(w.a.c, w.a.c.Config.Remotes[0],
		&net.UDPAddr{IP: w.a.ip}, &net.UDPAddr{IP: w.b.ip}, nil)
	if err != nil {
		t.Fatalf("BeginPhase1: %v", err)
	}
	return h
}

func onlyPhase1(t *testing.T, p *peer) *context.Phase1Handle {
	t.Helper()
	hs := p.c.Registry.Phase1s()
	if len(hs) != 1 {
		t.Fatalf("%d phase1 handles, want 1", len(hs))
	}
	return hs[0]
}

func hostSelector(src, dst net.IP) context.Selector {
	return context.Selector{
		Src: &net.IPNet{IP: src, Mask: net.CIDRMask(32, 32)},
		Dst: &net.IPNet{IP: dst, Mask: net.CIDRMask(32, 32)},
		Dir: context.DirOut,
	}
}

func TestPhase1Exchanges(t *testing.T) {
	for _, mode := range []string{"main", "aggressive", "base"} {
		t.Run(mode, func(t *testing.T) {
			w := newWire(t, peerOpts{modes: []string{mode}}, peerOpts{modes: []string{mode}})
			w.start(t)
			w.settle()

			ha, hb := onlyPhase1(t, w.a), onlyPhase1(t, w.b)
			if !ha.IsEstablished() || !hb.IsEstablished() {
				t.Fatalf("initiator %s, responder %s; both should be established", ha.State, hb.State)
			}
			if ha.Index != hb.Index {
				t.Errorf("index %s on the initiator, %s on the responder", ha.Index, hb.Index)
			}
			if hb.Role != context.RoleResponder {
				t.Errorf("responder handle has role %s", hb.Role)
			}
		})
	}
}

func TestQuickMode(t *testing.T) {
	for _, tc := range []struct {
		name   string
		commit bool
		pfs    int
	}{
		{name: "plain"},
		{name: "pfs", pfs: 2},
		{name: "commit", commit: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := newWire(t, peerOpts{pfs: tc.pfs}, peerOpts{pfs: tc.pfs, commit: tc.commit})
			p2, err := handler.BeginPhase2(w.a.c, &net.UDPAddr{IP: w.a.ip}, &net.UDPAddr{IP: w.b.ip},
				hostSelector(w.a.ip, w.b.ip), 21, 0)
			if err != nil {
				t.Fatalf("BeginPhase2: %v", err)
			}
			w.settle()

			if !p2.IsEstablished() {
				t.Fatalf("initiator %s", p2)
			}
			resp := w.b.c.Registry.Phase2s()
			if len(resp) != 1 || !resp[0].IsEstablished() {
				t.Fatalf("responder phase2 handles: %v", resp)
			}
			if p2.Bound || resp[0].Bound {
				t.Error("established phase2 still bound to its phase1")
			}
			if tc.commit {
				// CONNECTED travels in a fourth quick mode message
				quick := 0
				for _, x := range w.b.exchanges {
					if x == message.ExchangeQuick {
						quick++
					}
				}
				if quick != 2 || w.b.exchanges[len(w.b.exchanges)-1] != message.ExchangeQuick {
					t.Errorf("responder sent %v, want two quick mode messages ending the exchange", w.b.exchanges)
				}
			}
			if p2.OutboundSPI != resp[0].InboundSPI || p2.InboundSPI != resp[0].OutboundSPI {
				t.Errorf("SPIs do not pair up: %s / %s", p2, resp[0])
			}
			if len(w.a.kernel.installed) != 2 || len(w.b.kernel.installed) != 2 {
				t.Fatalf("installed %d and %d SAs, want 2 each",
					len(w.a.kernel.installed), len(w.b.kernel.installed))
			}
			for _, out := range w.a.kernel.installed {
				var in *context.SAParams
				for _, sa := range w.b.kernel.installed {
					if sa.SPI == out.SPI {
						in = sa
					}
				}
				if in == nil {
					t.Fatalf("no SA on the responder for spi 0x%08x", out.SPI)
				}
				if !bytes.Equal(in.EncKey, out.EncKey) || !bytes.Equal(in.AuthKey, out.AuthKey) {
					t.Errorf("keys for spi 0x%08x differ between the peers", out.SPI)
				}
			}
		})
	}
}

func TestFirstPacketCreatesOneResponder(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	w.start(t)
	first := w.a.out[0]
	w.a.out = nil

	for i := 0; i < 3; i++ {
		receive(t, w.b, 4500, first.remote, first.local, first.pkt)
	}
	if n, _ := w.b.c.Registry.Len(); n != 1 {
		t.Fatalf("%d responder handles, want 1", n)
	}
	if len(w.b.out) != 3 {
		t.Fatalf("%d replies, want the answer and two replays", len(w.b.out))
	}
	for i := 1; i < 3; i++ {
		if !bytes.Equal(w.b.out[i].pkt, w.b.out[0].pkt) {
			t.Errorf("replay %d differs from the original reply", i)
		}
	}
	if h := onlyPhase1(t, w.b); h.State != context.Phase1Msg1Sent {
		t.Errorf("responder state %s, want msg1sent", h.State)
	}
}

func TestNATTraversalFloatsOnce(t *testing.T) {
	w := newWire(t, peerOpts{nat: true}, peerOpts{remote: "anonymous", nat: true})
	w.natIP = net.ParseIP("203.0.113.9").To4()
	w.start(t)
	w.settle()

	ha, hb := onlyPhase1(t, w.a), onlyPhase1(t, w.b)
	if !ha.IsEstablished() || !hb.IsEstablished() {
		t.Fatalf("initiator %s, responder %s", ha.State, hb.State)
	}
	if !ha.HasNAT(context.NATDetectedMe) || !hb.HasNAT(context.NATDetectedPeer) {
		t.Errorf("NAT flags 0x%02x / 0x%02x", ha.NATT, hb.NATT)
	}
	if ha.Local.Port != 4500 || ha.Remote.Port != 4500 {
		t.Errorf("initiator did not move to the NAT-T port: %s -> %s", ha.Local, ha.Remote)
	}
	want := &net.UDPAddr{IP: w.natIP, Port: 14500}
	if !context.SameHost(hb.Remote, want, false) || !hb.HasNAT(context.NATPortsChanged) {
		t.Fatalf("responder follows %s, want %s", hb.Remote, want)
	}

	// the ports are locked now
	handler.FloatPorts(w.b.c, hb, hb.Local, &net.UDPAddr{IP: w.natIP, Port: 20000})
	if !context.SameHost(hb.Remote, want, false) {
		t.Errorf("responder floated a second time to %s", hb.Remote)
	}

	p2, err := handler.BeginPhase2(w.a.c, &net.UDPAddr{IP: w.a.ip}, &net.UDPAddr{IP: w.b.ip},
		hostSelector(w.a.ip, w.b.ip), 21, 0)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	w.settle()
	if !p2.IsEstablished() {
		t.Fatalf("quick mode over NAT-T: %s", p2)
	}
	for _, sa := range w.a.kernel.installed {
		if sa.EncapSrc == 0 || sa.EncapDst == 0 {
			t.Errorf("SA %s installed without UDP encapsulation", sa.SAID)
		}
	}
}

func TestFragmentedExchange(t *testing.T) {
	o := peerOpts{fragmentation: true, maxLen: 120}
	w := newWire(t, o, o)
	w.start(t)

	fragments := 0
	for i := 0; i < 64; i++ {
		for _, dg := range append(append([]datagramOut(nil), w.a.out...), w.b.out...) {
			if hdr, _, err := message.ParseHeader(dg.pkt); err == nil && hdr.NextPayload == message.TypeFRAG {
				fragments++
			}
		}
		if !w.flush() {
			break
		}
	}
	if fragments == 0 {
		t.Fatal("no message was fragmented")
	}
	ha, hb := onlyPhase1(t, w.a), onlyPhase1(t, w.b)
	if !ha.IsEstablished() || !hb.IsEstablished() {
		t.Fatalf("initiator %s, responder %s", ha.State, hb.State)
	}
}

func TestDispatchRejectsBadHeaders(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	w.start(t)
	good := w.a.out[0].pkt
	from := &net.UDPAddr{IP: w.a.ip, Port: 500}
	to := &net.UDPAddr{IP: w.b.ip, Port: 500}

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}
	for _, tc := range []struct {
		name string
		pkt  []byte
		from *net.UDPAddr
	}{
		{name: "zero icookie", pkt: mutate(func(b []byte) []byte { copy(b[:8], make([]byte, 8)); return b })},
		{name: "major version 0", pkt: mutate(func(b []byte) []byte { b[17] = 0x00; return b })},
		{name: "unknown flag", pkt: mutate(func(b []byte) []byte { b[19] |= 0x80; return b })},
		{name: "commit on message 0", pkt: mutate(func(b []byte) []byte { b[19] |= message.FlagCommit; return b })},
		{name: "length 0x10000", pkt: mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[24:28], 0x10000)
			return b
		})},
		{name: "truncated", pkt: good[:len(good)-1]},
		{name: "source port 0", pkt: good, from: &net.UDPAddr{IP: w.a.ip}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := from
			if tc.from != nil {
				src = tc.from
			}
			receive(t, w.b, 4500, to, src, tc.pkt)
			if n, _ := w.b.c.Registry.Len(); n != 0 {
				t.Errorf("%d handles created", n)
			}
			if len(w.b.out) != 0 {
				t.Errorf("%d packets sent", len(w.b.out))
			}
		})
	}
}

func TestCommitOnMessageZeroNotifiesKnownPeer(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	w.start(t)
	w.settle()
	hb := onlyPhase1(t, w.b)

	hdr := message.NewHeader(hb.Index.Initiator, hb.Index.Responder, message.ExchangeInfo, message.FlagCommit, 0)
	pkt, err := hdr.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	receive(t, w.b, 4500, hb.Local, hb.Remote, pkt)
	if len(w.b.out) != 1 {
		t.Fatalf("%d packets sent, want one INVALID-FLAGS notify", len(w.b.out))
	}
	out, err := message.Decode(w.b.out[0].pkt)
	if err != nil {
		t.Fatal(err)
	}
	if out.ExchangeType != message.ExchangeInfo || !out.IsEncrypted() {
		t.Errorf("notify sent as %s flags 0x%02x, want an encrypted informational", out.ExchangeType, out.Flags)
	}
}

func TestQuickModeWithoutPhase1(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	hdr := message.NewHeader(context.Cookie{1, 2, 3}, context.Cookie{4, 5, 6}, message.ExchangeQuick,
		message.FlagEncryption, 0x1234)
	pkt, err := hdr.Marshal(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	receive(t, w.b, 4500, &net.UDPAddr{IP: w.b.ip, Port: 500}, &net.UDPAddr{IP: w.a.ip, Port: 500}, pkt)
	if len(w.b.out) != 1 {
		t.Fatalf("%d packets sent, want one INVALID-COOKIE notify", len(w.b.out))
	}
	out, err := message.Decode(w.b.out[0].pkt)
	if err != nil {
		t.Fatal(err)
	}
	n := new(message.Notification)
	if err = message.Unmarshal(out.Get(message.TypeN), n); err != nil {
		t.Fatal(err)
	}
	if n.NotifyMessageType != message.NotifyInvalidCookie {
		t.Errorf("notify %s, want %s", n.NotifyMessageType, message.NotifyInvalidCookie)
	}
}

func TestPeerDeleteTearsDownPhase2(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	p2, err := handler.BeginPhase2(w.a.c, &net.UDPAddr{IP: w.a.ip}, &net.UDPAddr{IP: w.b.ip},
		hostSelector(w.a.ip, w.b.ip), 21, 0)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	w.settle()
	if !p2.IsEstablished() {
		t.Fatalf("%s", p2)
	}

	handler.Phase2Expire(w.a.c, p2)
	w.settle()
	if _, n := w.b.c.Registry.Len(); n != 0 {
		t.Errorf("responder kept %d phase2 handles after the peer's delete", n)
	}
	w.clock.now = w.clock.now.Add(time.Second)
	w.a.c.Sched.RunExpired(w.clock.now)
	if _, n := w.a.c.Registry.Len(); n != 0 {
		t.Errorf("initiator kept %d phase2 handles after expiry", n)
	}
}

func TestHigherMajorVersionAccepted(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	w.start(t)
	first := w.a.out[0]
	pkt := append([]byte(nil), first.pkt...)
	pkt[17] = 0x20

	receive(t, w.b, 4500, first.remote, first.local, pkt)
	if n, _ := w.b.c.Registry.Len(); n != 1 {
		t.Fatalf("%d responder handles, want 1", n)
	}
}

func TestQuickModeRetransmissionAfterGetSPI(t *testing.T) {
	w := newWire(t, peerOpts{}, peerOpts{})
	p2, err := handler.BeginPhase2(w.a.c, &net.UDPAddr{IP: w.a.ip}, &net.UDPAddr{IP: w.b.ip},
		hostSelector(w.a.ip, w.b.ip), 21, 0)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	w.flush()
	if !w.a.answerSPIs() {
		t.Fatal("initiator never asked for an SPI")
	}
	if len(w.a.out) != 1 {
		t.Fatalf("initiator queued %d datagrams, want quick mode message 1", len(w.a.out))
	}
	qm1 := w.a.out[0]
	w.flush()
	if len(w.b.kernel.pending) != 1 {
		t.Fatalf("responder has %d GETSPI requests, want 1", len(w.b.kernel.pending))
	}

	// a copy before the kernel answered is swallowed
	receive(t, w.b, 4500, qm1.remote, qm1.local, qm1.pkt)
	if len(w.b.out) != 0 || len(w.b.kernel.pending) != 1 {
		t.Fatalf("early copy produced %d datagrams and %d GETSPI requests", len(w.b.out), len(w.b.kernel.pending))
	}

	w.b.answerSPIs()
	if len(w.b.out) != 1 {
		t.Fatalf("responder sent %d datagrams after the SPI, want quick mode message 2", len(w.b.out))
	}
	qm2 := w.b.out[0].pkt
	w.b.out = nil

	receive(t, w.b, 4500, qm1.remote, qm1.local, qm1.pkt)
	if len(w.b.out) != 1 {
		t.Fatalf("retransmission answered with %d datagrams, want 1", len(w.b.out))
	}
	if !bytes.Equal(w.b.out[0].pkt, qm2) {
		t.Error("retransmission not answered with the earlier reply")
	}
	if _, n := w.b.c.Registry.Len(); n != 1 {
		t.Errorf("responder holds %d phase2 handles, want 1", n)
	}

	w.settle()
	if !p2.IsEstablished() {
		t.Fatalf("initiator %s", p2)
	}
	if resp := w.b.c.Registry.Phase2s(); len(resp) != 1 || !resp[0].IsEstablished() {
		t.Fatalf("responder phase2 handles: %v", resp)
	}
}

func TestInformationalFloatsPorts(t *testing.T) {
	w := newWire(t, peerOpts{nat: true}, peerOpts{nat: true})
	ha := w.start(t)
	w.settle()
	hb := onlyPhase1(t, w.b)
	if !ha.IsEstablished() || !hb.IsEstablished() {
		t.Fatalf("initiator %s, responder %s", ha.State, hb.State)
	}
	if !hb.HasNAT(context.NATEnabled) || hb.HasNAT(context.NATPortsChanged) {
		t.Fatalf("responder NAT flags 0x%02x", hb.NATT)
	}

	handler.NotifyPeer(w.a.c, ha, message.NotifyInvalidFlags)
	if len(w.a.out) != 1 {
		t.Fatalf("%d datagrams queued, want the informational", len(w.a.out))
	}
	dg := w.a.out[0]
	w.a.out = nil
	moved := &net.UDPAddr{IP: w.a.ip, Port: 4500}
	receive(t, w.b, 4500, dg.remote, moved, dg.pkt)

	if !context.SameHost(hb.Remote, moved, false) || !hb.HasNAT(context.NATPortsChanged) {
		t.Errorf("responder still sends to %s, want %s", hb.Remote, moved)
	}
}
