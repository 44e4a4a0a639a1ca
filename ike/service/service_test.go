// SPDX-FileCopyrightText: 2026 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/factory"
	"golang.org/x/sync/errgroup"
)

func TestStripNonESPMarker(t *testing.T) {
	ikeMsg := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	for _, tc := range []struct {
		name    string
		in      []byte
		want    []byte
		wantErr bool
	}{
		{name: "keepalive", in: []byte{0xff}},
		{name: "too short", in: []byte{0, 0}, wantErr: true},
		{name: "esp", in: []byte{0x00, 0x00, 0x10, 0x01, 0xaa, 0xbb}},
		{name: "ike", in: append([]byte{0, 0, 0, 0}, ikeMsg...), want: ikeMsg},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := stripNonESPMarker(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("got %x, want %x", got, tc.want)
			}
		})
	}
}

func newTestContext(t *testing.T) *context.IsakmpContext {
	t.Helper()
	cfg := &factory.Configuration{Listen: []string{"127.0.0.1"}, IsakmpPort: 1, NattPort: 2}
	cfg.SetDefaults()
	return context.NewIsakmpContext(cfg, nil)
}

func TestListenerLearnsLocalAddress(t *testing.T) {
	l, err := listen(net.IPv4zero, 0, false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.conn.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer: %v", err)
	}
	defer peer.Close()

	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.port}
	if _, err = peer.WriteToUDP([]byte("ping"), to); err != nil {
		t.Fatal(err)
	}
	if err = l.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, local, remote, err := l.read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("read %q", buf[:n])
	}
	if !local.IP.Equal(to.IP) || local.Port != l.port {
		t.Errorf("local address %s, want %s", local, to)
	}
	if remote.Port != peer.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("remote address %s", remote)
	}

	// the reply leaves from the address the request came to
	if err = l.write([]byte("pong"), local, remote); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err = peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "pong" || !from.IP.Equal(to.IP) || from.Port != l.port {
		t.Errorf("peer got %q from %s", buf[:n], from)
	}
}

func TestPickPrefersBoundAddress(t *testing.T) {
	s := NewServer(newTestContext(t))
	wild := &listener{ip: net.IPv4zero, port: 500, v4: true}
	bound := &listener{ip: net.IPv4(192, 0, 2, 1).To4(), port: 500, v4: true}
	natt := &listener{ip: net.IPv4zero, port: 4500, v4: true}
	s.listeners = []*listener{wild, bound, natt}
	remote := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 500}

	if got := s.pick(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 500}, remote); got != bound {
		t.Errorf("picked %s for the bound address", got)
	}
	if got := s.pick(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 500}, remote); got != wild {
		t.Errorf("picked %s for another address", got)
	}
	if got := s.pick(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 9), Port: 4500}, remote); got != natt {
		t.Errorf("picked %s for the NAT-T port", got)
	}
	if got := s.pick(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 500},
		&net.UDPAddr{IP: net.ParseIP("2001:db8::2")}); got != nil {
		t.Errorf("picked %s for IPv6 without an IPv6 socket", got)
	}
}

func TestEventLoopRunsRequestsAndTimers(t *testing.T) {
	c := newTestContext(t)
	s := NewServer(c)
	var g errgroup.Group
	g.Go(s.eventLoop)

	fired := make(chan struct{})
	if err := s.Submit(func() error {
		c.Sched.Schedule(10*time.Millisecond, "test", func() { close(fired) })
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	want := errors.New("refused")
	if err := s.Submit(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Submit returned %v, want %v", err, want)
	}

	s.Stop()
	s.Stop()
	if err := g.Wait(); err != nil {
		t.Errorf("event loop: %v", err)
	}
	if err := s.Submit(func() error { return nil }); !errors.Is(err, errStopped) {
		t.Errorf("Submit after Stop returned %v", err)
	}
}

func BenchmarkStripNonESPMarker(b *testing.B) {
	msg := append([]byte{0, 0, 0, 0}, make([]byte, 300)...)
	for b.Loop() {
		if _, err := stripNonESPMarker(msg); err != nil {
			b.Fatal(err)
		}
	}
}
