// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type sentPacket struct {
	pkt           []byte
	local, remote *net.UDPAddr
}

type fakeSender struct{ out []sentPacket }

func (s *fakeSender) Send(pkt []byte, local, remote *net.UDPAddr) error {
	s.out = append(s.out, sentPacket{pkt: pkt, local: local, remote: remote})
	return nil
}

// fakeOakley covers what the state machine needs without any keying.
// Methods it does not override panic through the nil embedded interface.
type fakeOakley struct {
	context.Oakley
	cookies uint8
	keyed   bool
}

func (o *fakeOakley) NewCookie(local, remote *net.UDPAddr) (context.Cookie, error) {
	o.cookies++
	var ck context.Cookie
	ck[0], ck[7] = 0xc0, o.cookies
	return ck, nil
}

func (o *fakeOakley) NewPhase1(h *context.Phase1Handle) error { return nil }

func (o *fakeOakley) Phase1Proposal(h *context.Phase1Handle) (message.RawPayload, error) {
	return message.RawPayload{Type: message.TypeSA, Body: []byte{0, 0, 0, 1, 0, 0, 0, 1}}, nil
}

func (o *fakeOakley) SelectPhase1(h *context.Phase1Handle, offered *message.RawPayload) (message.RawPayload, error) {
	return *offered, nil
}

func (o *fakeOakley) HasKeys(h *context.Phase1Handle) bool { return o.keyed }

func (o *fakeOakley) Lifetime(h *context.Phase1Handle) time.Duration { return time.Hour }

func (o *fakeOakley) NewPhase2(ph1 *context.Phase1Handle, h *context.Phase2Handle) error { return nil }

func (o *fakeOakley) Phase2Lifetime(h *context.Phase2Handle) time.Duration { return time.Hour }

var fakeInfoHash = []byte{0x11, 0x22, 0x33, 0x44}

func (o *fakeOakley) InfoHash(h *context.Phase1Handle, msgID uint32, rest []byte) ([]byte, error) {
	return fakeInfoHash, nil
}

type fakeKernel struct {
	context.KernelSA
	spiReqs       []*context.SPIRequest
	installed     []*context.SAParams
	deleted       []context.SAID
	acquireFailed []uint32
}

func (k *fakeKernel) GetSPI(req *context.SPIRequest) error {
	k.spiReqs = append(k.spiReqs, req)
	return nil
}

func (k *fakeKernel) Install(sa *context.SAParams) error {
	k.installed = append(k.installed, sa)
	return nil
}

func (k *fakeKernel) Delete(id *context.SAID) error {
	k.deleted = append(k.deleted, *id)
	return nil
}

func (k *fakeKernel) AcquireFailed(seq uint32) error {
	k.acquireFailed = append(k.acquireFailed, seq)
	return nil
}

type testEnv struct {
	c      *context.IsakmpContext
	clock  *fakeClock
	sender *fakeSender
	oakley *fakeOakley
	kernel *fakeKernel
}

var (
	localAddr  = &net.UDPAddr{IP: net.ParseIP("192.0.2.1").To4(), Port: 500}
	remoteAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.2").To4(), Port: 500}
)

func newTestEnv(t *testing.T, policy string) *testEnv {
	t.Helper()
	cfg := &factory.Configuration{
		Phase1FailurePolicy: policy,
		Retry: factory.Retry{
			Count: 3, Interval: 10 * time.Second, CheckPhase1: 4, Tick: time.Second,
		},
		Remotes: []*factory.RemoteConf{{
			Name: "peer", Address: "192.0.2.2", PreSharedKey: "secret",
		}},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	e := &testEnv{
		clock:  &fakeClock{now: time.Unix(1700000000, 0)},
		sender: new(fakeSender),
		oakley: new(fakeOakley),
		kernel: new(fakeKernel),
	}
	e.c = context.NewIsakmpContext(cfg, e.clock)
	e.c.Oakley = e.oakley
	e.c.Kernel = e.kernel
	e.c.Sender = e.sender
	return e
}

func (e *testEnv) profile() *factory.RemoteConf {
	return e.c.Config.Remotes[0]
}

func (e *testEnv) advance(d time.Duration) {
	e.clock.now = e.clock.now.Add(d)
	e.c.Sched.RunExpired(e.clock.now)
}

func (e *testEnv) hasEvent(typ evt.Type) bool {
	for _, ev := range e.c.Events.Recent() {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// newPhase1 registers a Phase1 toward remoteAddr under cookies ick/ick+1.
func (e *testEnv) newPhase1(t *testing.T, ick byte) *context.Phase1Handle {
	t.Helper()
	h := context.NewPhase1Handle(context.RoleInitiator, message.ExchangeIdent, localAddr, remoteAddr, e.profile())
	h.Index = context.SessionIndex{Initiator: context.Cookie{ick}, Responder: context.Cookie{ick + 1}}
	if err := e.c.Registry.InsertPhase1(h); err != nil {
		t.Fatalf("InsertPhase1: %v", err)
	}
	return h
}

// establishedPhase1 registers a Phase1 that already completed.
func (e *testEnv) establishedPhase1(t *testing.T) *context.Phase1Handle {
	t.Helper()
	h := e.newPhase1(t, 1)
	h.SetState(context.Phase1Established)
	return h
}

// boundPhase2 registers a negotiating initiator Phase2 under ph1.
func (e *testEnv) boundPhase2(t *testing.T, ph1 *context.Phase1Handle, spi uint32) *context.Phase2Handle {
	t.Helper()
	p2 := context.NewPhase2Handle(context.RoleInitiator, localAddr, remoteAddr, e.profile())
	if err := e.c.Registry.InsertPhase2(p2); err != nil {
		t.Fatalf("InsertPhase2: %v", err)
	}
	e.c.Registry.Bind(ph1, p2)
	p2.InboundSPI = spi
	p2.SetState(context.Phase2Msg1Sent)
	return p2
}

// sentInfo decodes the i-th datagram sent as a cleartext informational.
func (e *testEnv) sentInfo(t *testing.T, i int) *message.Message {
	t.Helper()
	if i >= len(e.sender.out) {
		t.Fatalf("%d datagrams sent, want at least %d", len(e.sender.out), i+1)
	}
	out, err := message.Decode(e.sender.out[i].pkt)
	if err != nil {
		t.Fatalf("decode datagram %d: %v", i, err)
	}
	if out.ExchangeType != message.ExchangeInfo {
		t.Fatalf("datagram %d is %s, want an informational", i, out.ExchangeType)
	}
	return out
}

func TestPhase1ResendBudget(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	h, err := BeginPhase1(e.c, e.profile(), localAddr, remoteAddr, nil)
	if err != nil {
		t.Fatalf("BeginPhase1: %v", err)
	}
	if h.State != context.Phase1Msg1Sent {
		t.Fatalf("state %s, want msg1sent", h.State)
	}
	if len(e.sender.out) != 1 {
		t.Fatalf("%d packets after start, want 1", len(e.sender.out))
	}

	for i := 1; i <= 3; i++ {
		e.advance(10 * time.Second)
		if got := len(e.sender.out); got != 1+i {
			t.Fatalf("after resend %d: %d packets sent, want %d", i, got, 1+i)
		}
		if e.c.Registry.LookupPhase1ByID(h.ID) != h {
			t.Fatalf("handle removed after %d resends", i)
		}
	}

	e.advance(10 * time.Second)
	if got := len(e.sender.out); got != 4 {
		t.Errorf("%d packets sent once the budget ran out, want 4", got)
	}
	if e.c.Registry.LookupPhase1ByID(h.ID) != nil {
		t.Error("handle still registered after the budget ran out")
	}
	if !e.hasEvent(evt.PeerNoResponse) {
		t.Error("no peer-no-response event")
	}
}

func TestPhase1FailurePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy   string
		kept     bool
		notifies int
	}{
		{policy: factory.FailurePolicyIgnore, kept: true},
		{policy: factory.FailurePolicyTeardown, kept: false, notifies: 1},
	} {
		t.Run(tc.policy, func(t *testing.T) {
			e := newTestEnv(t, tc.policy)
			hdr := message.NewHeader(context.Cookie{9}, context.Cookie{}, message.ExchangeIdent, 0, 0)
			h, err := NewPhase1Responder(e.c, e.profile(), hdr, localAddr, remoteAddr)
			if err != nil {
				t.Fatalf("NewPhase1Responder: %v", err)
			}
			// first message without an SA payload
			msg := &message.Message{Header: hdr, Payloads: []message.RawPayload{
				{Type: message.TypeVID, Body: []byte("unknown vendor")},
			}}
			Phase1Main(e.c, h, msg)

			kept := e.c.Registry.LookupPhase1ByID(h.ID) == h
			if kept != tc.kept {
				t.Errorf("handle kept = %t, want %t", kept, tc.kept)
			}
			if len(e.sender.out) != tc.notifies {
				t.Fatalf("%d packets sent, want %d", len(e.sender.out), tc.notifies)
			}
			if tc.notifies == 0 {
				if h.State != context.Phase1Start {
					t.Errorf("state %s, want start", h.State)
				}
				return
			}
			out, err := message.Decode(e.sender.out[0].pkt)
			if err != nil {
				t.Fatalf("decode notify: %v", err)
			}
			if out.ExchangeType != message.ExchangeInfo {
				t.Fatalf("sent %s, want an informational", out.ExchangeType)
			}
			n := new(message.Notification)
			if err = message.Unmarshal(out.Get(message.TypeN), n); err != nil {
				t.Fatalf("notify payload: %v", err)
			}
			if n.NotifyMessageType != message.NotifyPayloadMalformed {
				t.Errorf("notify %s, want %s", n.NotifyMessageType, message.NotifyPayloadMalformed)
			}
			if !e.hasEvent(evt.Phase1Failed) {
				t.Error("no phase1-failed event")
			}
		})
	}
}

func TestPhase1DeleteWaitsForChildren(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	h := e.establishedPhase1(t)
	p2 := context.NewPhase2Handle(context.RoleInitiator, localAddr, remoteAddr, e.profile())
	if err := e.c.Registry.InsertPhase2(p2); err != nil {
		t.Fatalf("InsertPhase2: %v", err)
	}
	e.c.Registry.Bind(h, p2)
	p2.SetState(context.Phase2Msg1Sent)

	Phase1Expire(e.c, h)
	if !h.IsExpired() {
		t.Fatalf("state %s, want expired", h.State)
	}
	for i := 0; i < 3; i++ {
		e.advance(time.Second)
		if e.c.Registry.LookupPhase1ByID(h.ID) != h {
			t.Fatalf("phase1 removed on tick %d while a child is bound", i+1)
		}
	}

	deletePhase2(e.c, p2)
	e.advance(time.Second)
	if e.c.Registry.LookupPhase1ByID(h.ID) != nil {
		t.Error("phase1 still registered after its last child went away")
	}
	if !e.hasEvent(evt.Phase1Down) {
		t.Error("no phase1-down event")
	}
}

func TestPhase2WaitsForPhase1(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	sel := context.Selector{
		Src: &net.IPNet{IP: localAddr.IP, Mask: net.CIDRMask(32, 32)},
		Dst: &net.IPNet{IP: remoteAddr.IP, Mask: net.CIDRMask(32, 32)},
	}
	p2, err := BeginPhase2(e.c, &net.UDPAddr{IP: localAddr.IP}, &net.UDPAddr{IP: remoteAddr.IP}, sel, 9, 0)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	if p2.State != context.Phase2WaitPhase1 {
		t.Fatalf("state %s, want waitphase1", p2.State)
	}
	phase1s := e.c.Registry.Phase1s()
	if len(phase1s) != 1 {
		t.Fatalf("%d phase1 handles, want the one started for the phase2", len(phase1s))
	}
	ph1 := phase1s[0]

	e.advance(time.Second)
	if p2.State != context.Phase2WaitPhase1 || len(e.kernel.spiReqs) != 0 {
		t.Fatalf("phase2 moved on before phase1 was up: %s", p2.State)
	}

	phase1Established(e.c, ph1)
	if p2.State != context.Phase2GetSPISent {
		t.Fatalf("state %s, want getspisent", p2.State)
	}
	if e.c.Registry.Resolve(p2) != ph1 {
		t.Error("phase2 not bound to the established phase1")
	}
	if len(e.kernel.spiReqs) != 1 {
		t.Fatalf("%d GETSPI requests, want 1", len(e.kernel.spiReqs))
	}
	req := e.kernel.spiReqs[0]
	if req.ReqID != 9 || !req.Src.Equal(remoteAddr.IP) || req.Seq != p2.Seq {
		t.Errorf("GETSPI request %+v does not match %s", req, p2)
	}
	if p2.PollTimer.Pending() {
		t.Error("poll timer still armed")
	}
}

func TestPhase2GivesUpWithoutPhase1(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	sel := context.Selector{
		Src: &net.IPNet{IP: localAddr.IP, Mask: net.CIDRMask(32, 32)},
		Dst: &net.IPNet{IP: remoteAddr.IP, Mask: net.CIDRMask(32, 32)},
	}
	p2, err := BeginPhase2(e.c, localAddr, remoteAddr, sel, 3, 77)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	for i := 0; i < 4; i++ {
		e.advance(time.Second)
	}
	if e.c.Registry.LookupPhase2(p2.ID) != nil {
		t.Error("phase2 still registered after the phase1 checks ran out")
	}
	if len(e.kernel.acquireFailed) != 1 || e.kernel.acquireFailed[0] != 77 {
		t.Errorf("acquire failures reported %v, want [77]", e.kernel.acquireFailed)
	}
	if !e.hasEvent(evt.Phase2Failed) {
		t.Error("no phase2-failed event")
	}
}

func TestBeginPhase2WithoutProfile(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	_, err := BeginPhase2(e.c, localAddr, &net.UDPAddr{IP: net.ParseIP("198.51.100.7")}, context.Selector{}, 1, 0)
	if !errors.Is(err, ErrNoProfile) {
		t.Fatalf("expected ErrNoProfile, got %v", err)
	}
	if !e.hasEvent(evt.NoIsakmpCfg) {
		t.Error("no no-isakmp-cfg event")
	}
	if _, n := e.c.Registry.Len(); n != 0 {
		t.Errorf("%d phase2 handles registered, want 0", n)
	}
}

func TestKernelAcquireStartsOneNegotiation(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	ev := &context.KernelEvent{
		Kind:  context.KernelAcquire,
		Seq:   11,
		ReqID: 4,
		SA:    context.SAID{Src: localAddr.IP, Dst: remoteAddr.IP, Proto: message.ProtoESP},
		Selector: context.Selector{
			Src: &net.IPNet{IP: localAddr.IP, Mask: net.CIDRMask(32, 32)},
			Dst: &net.IPNet{IP: remoteAddr.IP, Mask: net.CIDRMask(32, 32)},
		},
	}
	HandleKernelEvent(e.c, ev)
	HandleKernelEvent(e.c, ev)

	ph1, ph2 := e.c.Registry.Len()
	if ph1 != 1 || ph2 != 1 {
		t.Errorf("registry holds %d phase1 and %d phase2 handles, want 1 and 1", ph1, ph2)
	}
}

func TestGetSPIFailure(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	ph1 := e.establishedPhase1(t)
	sel := context.Selector{
		Src: &net.IPNet{IP: localAddr.IP, Mask: net.CIDRMask(32, 32)},
		Dst: &net.IPNet{IP: remoteAddr.IP, Mask: net.CIDRMask(32, 32)},
	}
	p2, err := BeginPhase2(e.c, localAddr, remoteAddr, sel, 2, 0)
	if err != nil {
		t.Fatalf("BeginPhase2: %v", err)
	}
	if e.c.Registry.Resolve(p2) != ph1 || p2.State != context.Phase2GetSPISent {
		t.Fatalf("%s did not start under the established phase1", p2)
	}
	HandleKernelEvent(e.c, &context.KernelEvent{
		Kind: context.KernelGetSPI,
		Seq:  p2.Seq,
		Err:  errors.New("no SPI left"),
	})
	if e.c.Registry.LookupPhase2(p2.ID) != nil {
		t.Error("phase2 kept after GETSPI failed")
	}
	if len(ph1.Children) != 0 {
		t.Errorf("phase1 still has %d children", len(ph1.Children))
	}
}

func TestSelectorIDRoundTrip(t *testing.T) {
	for _, cidr := range []string{"10.1.0.0/16", "192.0.2.9/32", "2001:db8::/48", "2001:db8::1/128"} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := message.Raw(networkID(n, 500, 17))
		if err != nil {
			t.Fatalf("%s: %v", cidr, err)
		}
		got, port, proto, err := idNetwork(&raw)
		if err != nil {
			t.Fatalf("%s: %v", cidr, err)
		}
		if got.String() != n.String() || port != 500 || proto != 17 {
			t.Errorf("%s came back as %s port %d proto %d", cidr, got, port, proto)
		}
	}
}

func TestPhase2ResendStops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		expire  bool
		resends int
		noResp  bool
	}{
		{name: "parent expired", expire: true},
		{name: "budget spent", resends: 3, noResp: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, factory.FailurePolicyIgnore)
			ph1 := e.establishedPhase1(t)
			p2 := e.boundPhase2(t, ph1, 0)
			if err := sendPhase2(e.c, ph1, p2, []byte("quick mode 1"), true); err != nil {
				t.Fatalf("sendPhase2: %v", err)
			}
			if tc.expire {
				ph1.SetState(context.Phase1Expired)
			}

			for i := 1; i <= tc.resends; i++ {
				e.advance(10 * time.Second)
				if got := len(e.sender.out); got != 1+i {
					t.Fatalf("after resend %d: %d packets sent, want %d", i, got, 1+i)
				}
			}
			e.advance(10 * time.Second)
			if got := len(e.sender.out); got != 1+tc.resends {
				t.Errorf("%d packets sent, want %d", got, 1+tc.resends)
			}
			if e.c.Registry.LookupPhase2(p2.ID) != nil {
				t.Error("phase2 still registered")
			}
			if tc.expire && p2.RetryCounter != 3 {
				t.Errorf("retry budget %d after an expired parent, want 3", p2.RetryCounter)
			}
			if e.hasEvent(evt.PeerNoResponse) != tc.noResp {
				t.Errorf("peer-no-response event = %t, want %t", !tc.noResp, tc.noResp)
			}
			if !e.hasEvent(evt.Phase2Failed) {
				t.Error("no phase2-failed event")
			}
			if len(ph1.Children) != 0 {
				t.Errorf("phase1 still has %d children", len(ph1.Children))
			}
		})
	}
}

func TestInitialContactSentOncePerPeer(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	e.profile().InitialContact = true

	first := e.newPhase1(t, 1)
	phase1Established(e.c, first)
	if len(e.sender.out) != 1 {
		t.Fatalf("%d packets sent, want one INITIAL-CONTACT", len(e.sender.out))
	}
	n := new(message.Notification)
	if err := message.Unmarshal(e.sentInfo(t, 0).Get(message.TypeN), n); err != nil {
		t.Fatalf("notify payload: %v", err)
	}
	if n.NotifyMessageType != message.NotifyInitialContact {
		t.Errorf("notify %s, want %s", n.NotifyMessageType, message.NotifyInitialContact)
	}
	if !e.c.Contacted(remoteAddr.IP) {
		t.Error("peer not marked contacted")
	}

	second := e.newPhase1(t, 5)
	phase1Established(e.c, second)
	if len(e.sender.out) != 1 {
		t.Errorf("%d packets sent, INITIAL-CONTACT repeated for a known peer", len(e.sender.out))
	}
}

func TestInitialContactPurgesStaleSAs(t *testing.T) {
	for _, tc := range []struct {
		name          string
		authenticated bool
	}{
		{name: "authenticated", authenticated: true},
		{name: "cleartext"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, factory.FailurePolicyIgnore)
			stale := e.newPhase1(t, 1)
			stale.SetState(context.Phase1Established)
			p2 := e.boundPhase2(t, stale, 0x100)
			p2.SetState(context.Phase2Established)
			if err := e.c.Registry.Unbind(p2); err != nil {
				t.Fatalf("Unbind: %v", err)
			}
			fresh := e.newPhase1(t, 5)
			fresh.SetState(context.Phase1Established)

			handleNotify(e.c, fresh, &message.Notification{
				DOI:               message.DOIIPSec,
				ProtocolID:        message.ProtoISAKMP,
				NotifyMessageType: message.NotifyInitialContact,
			}, tc.authenticated)

			if stale.IsExpired() != tc.authenticated {
				t.Errorf("stale phase1 expired = %t, want %t", stale.IsExpired(), tc.authenticated)
			}
			if fresh.IsExpired() {
				t.Error("the phase1 carrying INITIAL-CONTACT was purged")
			}
			if gone := e.c.Registry.LookupPhase2(p2.ID) == nil; gone != tc.authenticated {
				t.Errorf("stale phase2 removed = %t, want %t", gone, tc.authenticated)
			}
			e.advance(time.Second)
			if gone := e.c.Registry.LookupPhase1ByID(stale.ID) == nil; gone != tc.authenticated {
				t.Errorf("stale phase1 removed = %t, want %t", gone, tc.authenticated)
			}
		})
	}
}

func TestHandleNewGroup(t *testing.T) {
	for _, tc := range []struct {
		name        string
		established bool
		hash        []byte
		refused     bool
	}{
		{name: "before establishment", hash: fakeInfoHash},
		{name: "bad hash", established: true, hash: []byte{0xde, 0xad}},
		{name: "refused", established: true, hash: fakeInfoHash, refused: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, factory.FailurePolicyIgnore)
			h := e.newPhase1(t, 1)
			if tc.established {
				h.SetState(context.Phase1Established)
			}
			hdr := message.NewHeader(h.Index.Initiator, h.Index.Responder, message.ExchangeNewGrp,
				message.FlagEncryption, 7)
			msg := &message.Message{Header: hdr, Payloads: []message.RawPayload{
				{Type: message.TypeHASH, Body: tc.hash},
				{Type: message.TypeSA, Body: []byte{0, 0, 0, 1, 0, 0, 0, 1}},
			}}
			HandleNewGroup(e.c, h, msg)

			if !tc.refused {
				if len(e.sender.out) != 0 {
					t.Errorf("%d packets sent, want none", len(e.sender.out))
				}
				return
			}
			if len(e.sender.out) != 1 {
				t.Fatalf("%d packets sent, want one notify", len(e.sender.out))
			}
			n := new(message.Notification)
			if err := message.Unmarshal(e.sentInfo(t, 0).Get(message.TypeN), n); err != nil {
				t.Fatalf("notify payload: %v", err)
			}
			if n.NotifyMessageType != message.NotifyAttributesNotSupported {
				t.Errorf("notify %s, want %s", n.NotifyMessageType, message.NotifyAttributesNotSupported)
			}
			if !h.IsEstablished() {
				t.Errorf("state %s after new group, want established", h.State)
			}
		})
	}
}

func TestPurgePhase1(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	h := e.establishedPhase1(t)
	p2 := e.boundPhase2(t, h, 0x200)

	PurgePhase1(e.c, h)
	if e.c.Registry.LookupPhase2(p2.ID) != nil {
		t.Error("negotiating phase2 survived the purge")
	}
	if !h.IsExpired() {
		t.Fatalf("state %s, want expired", h.State)
	}
	want := []uint8{message.ProtoESP, message.ProtoISAKMP}
	if len(e.sender.out) != len(want) {
		t.Fatalf("%d packets sent, want %d deletes", len(e.sender.out), len(want))
	}
	for i, proto := range want {
		d := new(message.Delete)
		if err := message.Unmarshal(e.sentInfo(t, i).Get(message.TypeD), d); err != nil {
			t.Fatalf("delete payload %d: %v", i, err)
		}
		if d.ProtocolID != proto {
			t.Errorf("delete %d for protocol %d, want %d", i, d.ProtocolID, proto)
		}
	}

	e.advance(time.Second)
	if e.c.Registry.LookupPhase1ByID(h.ID) != nil {
		t.Error("phase1 still registered a tick after the purge")
	}
	if !e.hasEvent(evt.Phase1Down) {
		t.Error("no phase1-down event")
	}
}

func TestPeerDeleteStopsResend(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	h, err := BeginPhase1(e.c, e.profile(), localAddr, remoteAddr, nil)
	if err != nil {
		t.Fatalf("BeginPhase1: %v", err)
	}
	handleDelete(e.c, h, &message.Delete{
		DOI:        message.DOIIPSec,
		ProtocolID: message.ProtoISAKMP,
		SPISize:    16,
		SPIs:       [][]byte{cookieSPI(h)},
	})
	if !h.IsExpired() {
		t.Fatalf("state %s, want expired", h.State)
	}
	if h.ResendTimer.Pending() || h.SendBuf != nil {
		t.Error("resend timer still armed next to the delete timer")
	}
	if !h.ExpireTimer.Pending() {
		t.Error("delete timer not armed")
	}

	e.advance(10 * time.Second)
	if len(e.sender.out) != 1 {
		t.Errorf("%d packets sent, want only the first message", len(e.sender.out))
	}
	if e.c.Registry.LookupPhase1ByID(h.ID) != nil {
		t.Error("phase1 still registered after the peer deleted it")
	}
}

func TestPhase2ResponderKeepsAddressesWhenParentFloats(t *testing.T) {
	e := newTestEnv(t, factory.FailurePolicyIgnore)
	ph1 := e.establishedPhase1(t)
	ph1.NATT |= context.NATEnabled | context.NATDetectedPeer
	p2, err := NewPhase2Responder(e.c, ph1, 0x77)
	if err != nil {
		t.Fatalf("NewPhase2Responder: %v", err)
	}

	natFloat(e.c, ph1)
	if ph1.Remote.Port != e.c.Config.NattPort {
		t.Fatalf("phase1 did not float: %s", ph1.Remote)
	}
	if p2.Local.Port != localAddr.Port || p2.Remote.Port != remoteAddr.Port {
		t.Errorf("phase2 addresses moved with the parent: %s <=> %s", p2.Local, p2.Remote)
	}
	if localAddr.Port != 500 || remoteAddr.Port != 500 {
		t.Errorf("shared test addresses changed: %s, %s", localAddr, remoteAddr)
	}
}
