// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/ike/security"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 17, 0xffff - HeaderLen, 70000} {
		body := bytes.Repeat([]byte{0xab}, size)
		var buf bytes.Buffer
		h := &Header{Cmd: CmdShowSA, Proto: ProtoESP}
		if err := WriteFrame(&buf, h, body); err != nil {
			t.Fatalf("%d bytes: WriteFrame: %v", size, err)
		}
		flagged := Command(binary.NativeEndian.Uint16(buf.Bytes()[2:]))&FlagLongReply != 0
		if long := size+HeaderLen > 0xffff; long != flagged {
			t.Errorf("%d bytes: long reply flag is %v", size, flagged)
		}
		got, gotBody, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("%d bytes: ReadFrame: %v", size, err)
		}
		if got.Cmd != CmdShowSA || got.Proto != ProtoESP || got.Errno != 0 {
			t.Errorf("%d bytes: header %+v", size, got)
		}
		if !bytes.Equal(gotBody, body) {
			t.Errorf("%d bytes: body of %d bytes", size, len(gotBody))
		}
	}
}

func TestFrameErrors(t *testing.T) {
	if _, err := (&Header{Errno: 2}).Marshal(make([]byte, 0x10000)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("long reply with errno: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, &Header{Cmd: CmdShowSched}, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()
	if _, _, err := ReadFrame(bytes.NewReader(full[:len(full)-1]), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated body: %v", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(full[:3]), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated header: %v", err)
	}
	if _, _, err := ReadFrame(bytes.NewReader(full), 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("frame over the limit: %v", err)
	}
}

// directLoop runs submitted functions in the caller under a lock, standing
// in for the event loop goroutine.
type directLoop struct {
	mu      sync.Mutex
	stopped bool
}

func (l *directLoop) Submit(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return errors.New("stopped")
	}
	return fn()
}

type fakeSender struct{ sent int }

func (s *fakeSender) Send(pkt []byte, local, remote *net.UDPAddr) error {
	s.sent++
	return nil
}

type fakeKernel struct {
	context.KernelSA
	sas     []context.SAInfo
	deleted []context.SAID
	flushed []uint8
}

func (k *fakeKernel) Dump(proto uint8) ([]context.SAInfo, error) {
	var out []context.SAInfo
	for _, sa := range k.sas {
		if proto == 0 || sa.Proto == proto {
			out = append(out, sa)
		}
	}
	return out, nil
}

func (k *fakeKernel) Delete(id *context.SAID) error {
	k.deleted = append(k.deleted, *id)
	return nil
}

func (k *fakeKernel) Flush(proto uint8) error {
	k.flushed = append(k.flushed, proto)
	return nil
}

func (k *fakeKernel) GetSPI(req *context.SPIRequest) error { return nil }

type testEnv struct {
	c      *context.IsakmpContext
	loop   *directLoop
	kernel *fakeKernel
	sender *fakeSender
	cmds   *Commands
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &factory.Configuration{
		Listen:      []string{"192.0.2.1"},
		AdminSocket: filepath.Join(t.TempDir(), "isakmpd.sock"),
		Remotes: []*factory.RemoteConf{{
			Name:         "branch",
			Address:      "198.51.100.7",
			Proposal:     factory.Proposal{DHGroup: 2},
			PreSharedKey: "from config",
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
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	e := &testEnv{
		c:      context.NewIsakmpContext(cfg, clock),
		loop:   new(directLoop),
		kernel: new(fakeKernel),
		sender: new(fakeSender),
	}
	e.c.Oakley = suite
	e.c.Kernel = e.kernel
	e.c.Sender = e.sender
	e.cmds = NewCommands(e.c, e.loop)
	return e
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (e *testEnv) exec(t *testing.T, cmd Command, proto Proto, req *SARequest) ([]byte, error) {
	t.Helper()
	var body []byte
	if req != nil {
		var err error
		if body, err = yaml.Marshal(req); err != nil {
			t.Fatal(err)
		}
	}
	return e.cmds.Execute(&Header{Cmd: cmd, Proto: proto}, body)
}

func TestEstablishAndDeletePhase1(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.exec(t, CmdEstablishSA, ProtoISAKMP, &SARequest{Name: "branch", PSK: "inline"}); err != nil {
		t.Fatalf("establish-sa: %v", err)
	}
	if e.sender.sent != 1 {
		t.Errorf("sent %d datagrams, want the first main mode message", e.sender.sent)
	}
	phase1s := e.c.Registry.Phase1s()
	if len(phase1s) != 1 {
		t.Fatalf("%d phase1 handles", len(phase1s))
	}
	if got := string(phase1s[0].PreSharedKey()); got != "inline" {
		t.Errorf("pre-shared key %q, want the inline one", got)
	}
	if !phase1s[0].Local.IP.Equal(net.ParseIP("192.0.2.1")) || phase1s[0].Remote.Port != 500 {
		t.Errorf("endpoints %s <=> %s", phase1s[0].Local, phase1s[0].Remote)
	}

	_, err := e.exec(t, CmdEstablishSA, ProtoISAKMP, &SARequest{Remote: "198.51.100.7"})
	if errnoOf(err) != int16(unix.EEXIST) {
		t.Errorf("second establish-sa: %v", err)
	}

	out, err := e.exec(t, CmdShowSA, ProtoISAKMP, nil)
	if err != nil {
		t.Fatalf("show-sa: %v", err)
	}
	var infos []Phase1Info
	if err = yaml.Unmarshal(out, &infos); err != nil {
		t.Fatalf("show-sa body: %v\n%s", err, out)
	}
	if len(infos) != 1 || infos[0].Role != "initiator" || infos[0].Remote != "198.51.100.7:500" {
		t.Errorf("show-sa %+v", infos)
	}

	if _, err = e.exec(t, CmdDeleteSA, ProtoISAKMP, &SARequest{Remote: "198.51.100.7"}); err != nil {
		t.Fatalf("delete-sa: %v", err)
	}
	if !phase1s[0].IsExpired() {
		t.Errorf("state %s after delete-sa", phase1s[0].State)
	}
	_, err = e.exec(t, CmdDeleteSA, ProtoISAKMP, &SARequest{Remote: "198.51.100.7"})
	if errnoOf(err) != int16(unix.ENOENT) {
		t.Errorf("delete-sa of an expired handle: %v", err)
	}
}

func TestEstablishWithoutProfile(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.exec(t, CmdEstablishSA, ProtoISAKMP, &SARequest{Remote: "203.0.113.1"})
	if errnoOf(err) != int16(unix.ENOENT) {
		t.Errorf("establish-sa toward an unknown peer: %v", err)
	}
	if _, err = e.exec(t, CmdEstablishSA, ProtoISAKMP, &SARequest{Remote: "not an address"}); errnoOf(err) != int16(unix.EINVAL) {
		t.Errorf("establish-sa with a bad address: %v", err)
	}
}

func TestRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.cmds.Execute(&Header{Cmd: 0x0999, Proto: ProtoISAKMP}, nil); errnoOf(err) != int16(unix.EOPNOTSUPP) {
		t.Errorf("unknown command: %v", err)
	}
	if _, err := e.cmds.Execute(&Header{Cmd: CmdDeleteSA, Proto: ProtoISAKMP}, []byte("bogus: 1")); errnoOf(err) != int16(unix.EINVAL) {
		t.Errorf("unknown request field: %v", err)
	}
	if _, err := e.exec(t, CmdFlushSA, ProtoInternal, nil); errnoOf(err) != int16(unix.EINVAL) {
		t.Errorf("flush-sa internal: %v", err)
	}
	if errnoOf(errors.New("plain")) != int16(unix.EIO) {
		t.Error("untyped errors should map to EIO")
	}
}

func TestKernelSACommands(t *testing.T) {
	e := newTestEnv(t)
	peer := net.ParseIP("198.51.100.7").To4()
	e.kernel.sas = []context.SAInfo{
		{SAID: context.SAID{Src: net.ParseIP("192.0.2.1").To4(), Dst: peer, Proto: message.ProtoESP, SPI: 0x1001}},
		{SAID: context.SAID{Src: peer, Dst: net.ParseIP("192.0.2.1").To4(), Proto: message.ProtoESP, SPI: 0x1002}},
		{SAID: context.SAID{Src: net.ParseIP("192.0.2.1").To4(), Dst: net.ParseIP("203.0.113.9").To4(), Proto: message.ProtoAH, SPI: 0x2001}},
	}

	out, err := e.exec(t, CmdShowSA, ProtoESP, nil)
	if err != nil {
		t.Fatalf("show-sa esp: %v", err)
	}
	var sas []context.SAInfo
	if err = yaml.Unmarshal(out, &sas); err != nil {
		t.Fatalf("show-sa body: %v", err)
	}
	if len(sas) != 2 || sas[0].SPI != 0x1001 {
		t.Errorf("show-sa esp %+v", sas)
	}

	if _, err = e.exec(t, CmdFlushSA, ProtoIPsec, nil); err != nil {
		t.Fatalf("flush-sa: %v", err)
	}
	if len(e.kernel.flushed) != 1 || e.kernel.flushed[0] != 0 {
		t.Errorf("flushed %v", e.kernel.flushed)
	}

	if _, err = e.exec(t, CmdDeleteSA, ProtoESP, &SARequest{Remote: "198.51.100.7", SPI: 0x1001}); err != nil {
		t.Fatalf("delete-sa esp: %v", err)
	}
	if len(e.kernel.deleted) != 1 || e.kernel.deleted[0].SPI != 0x1001 || !e.kernel.deleted[0].Dst.Equal(peer) {
		t.Errorf("deleted %v", e.kernel.deleted)
	}

	e.kernel.deleted = nil
	e.c.MarkContacted(peer)
	if _, err = e.exec(t, CmdDeleteAllSADst, ProtoIPsec, &SARequest{Remote: "198.51.100.7"}); err != nil {
		t.Fatalf("delete-all-sa-dst: %v", err)
	}
	if len(e.kernel.deleted) != 2 {
		t.Errorf("deleted %v, want both directions toward the peer", e.kernel.deleted)
	}
	if e.c.Contacted(peer) {
		t.Error("peer still marked as contacted")
	}
}

func TestShowSched(t *testing.T) {
	e := newTestEnv(t)
	e.c.Sched.Schedule(30*time.Second, "phase1-resend", func() {})
	out, err := e.exec(t, CmdShowSched, ProtoInternal, nil)
	if err != nil {
		t.Fatalf("show-sched: %v", err)
	}
	var entries []SchedEntry
	if err = yaml.Unmarshal(out, &entries); err != nil {
		t.Fatalf("show-sched body: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "phase1-resend" || entries[0].In != 30*time.Second {
		t.Errorf("show-sched %+v", entries)
	}
}

func request(t *testing.T, conn net.Conn, cmd Command, proto Proto, req *SARequest) (*Header, []byte) {
	t.Helper()
	var body []byte
	if req != nil {
		var err error
		if body, err = yaml.Marshal(req); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteFrame(conn, &Header{Cmd: cmd, Proto: proto}, body); err != nil {
		t.Fatalf("write %s: %v", cmd, err)
	}
	h, reply, err := ReadFrame(conn, 0)
	if err != nil {
		t.Fatalf("read %s reply: %v", cmd, err)
	}
	return h, reply
}

func TestServeConn(t *testing.T) {
	e := newTestEnv(t)
	s := NewServer(e.c, e.loop)
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.serveConn(server)
		close(done)
	}()

	h, _ := request(t, client, CmdEstablishSA, ProtoISAKMP, &SARequest{Name: "branch"})
	if h.Errno != 0 || h.Cmd != CmdEstablishSA {
		t.Errorf("establish-sa reply %+v", h)
	}
	h, body := request(t, client, CmdDeleteSA, ProtoISAKMP, &SARequest{Remote: "203.0.113.1"})
	if h.Errno != int16(unix.ENOENT) || len(body) != 0 {
		t.Errorf("delete-sa reply %+v with %d bytes", h, len(body))
	}

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serveConn did not return after the client hung up")
	}
}

func TestShowEventStreams(t *testing.T) {
	e := newTestEnv(t)
	e.c.Events.Emit(evt.Event{Type: evt.Phase1Up, Remote: "198.51.100.7:500"})
	s := NewServer(e.c, e.loop)
	client, server := net.Pipe()
	defer client.Close()
	go s.serveConn(server)

	h, body := request(t, client, CmdShowEvt, ProtoInternal, nil)
	if h.Cmd != CmdShowEvt {
		t.Fatalf("reply %+v", h)
	}
	var history []map[string]any
	if err := yaml.Unmarshal(body, &history); err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0]["type"] != "phase1-up" {
		t.Errorf("history %v", history)
	}

	go func() {
		_ = e.loop.Submit(func() error {
			e.c.Events.Emit(evt.Event{Type: evt.Phase2Up, MsgID: 7})
			return nil
		})
	}()
	h, body, err := ReadFrame(client, 0)
	if err != nil {
		t.Fatalf("streamed event: %v", err)
	}
	var ev map[string]any
	if err = yaml.Unmarshal(body, &ev); err != nil {
		t.Fatalf("event body: %v", err)
	}
	if h.Cmd != CmdShowEvt || ev["type"] != "phase2-up" || ev["msgid"] != 7 {
		t.Errorf("event %+v %v", h, ev)
	}
}

func TestServerRunAndStop(t *testing.T) {
	e := newTestEnv(t)
	s := NewServer(e.c, e.loop)
	var g errgroup.Group
	if err := s.Run(&g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conn, err := net.Dial("unix", e.c.Config.AdminSocket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h, _ := request(t, conn, CmdShowSched, ProtoInternal, nil)
	if h.Errno != 0 {
		t.Errorf("show-sched errno %d", h.Errno)
	}

	// a second daemon must not steal the socket
	if err = NewServer(e.c, e.loop).Run(new(errgroup.Group)); err == nil {
		t.Error("second Run on a live socket succeeded")
	}

	s.Stop()
	s.Stop()
	if err = g.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if _, _, err = ReadFrame(conn, 0); err == nil {
		t.Error("connection still open after Stop")
	}
}
