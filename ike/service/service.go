// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bytes"
	stdctx "context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike"
	"github.com/omec-project/isakmpd/ike/handler"
	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/util"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Largest UDP payload; the ISAKMP length field caps messages at the same.
const maxDatagram = 0xffff

var nonESPMarker = []byte{0, 0, 0, 0}

// Server owns the ISAKMP sockets and the event loop goroutine. It is also
// the context's Sender.
type Server struct {
	ctx        *context.IsakmpContext
	dispatcher *ike.Dispatcher

	mu        sync.RWMutex
	listeners []*listener
	stopOnce  sync.Once
	// closed when the event loop returns
	loopDone chan struct{}
}

func NewServer(c *context.IsakmpContext) *Server {
	s := &Server{ctx: c, dispatcher: ike.NewDispatcher(c), loopDone: make(chan struct{})}
	c.Sender = s
	return s
}

// Run binds the ISAKMP and NAT-T ports on every listen address and starts
// the receivers and the event loop in g.
func (s *Server) Run(g *errgroup.Group) error {
	cfg := s.ctx.Config
	for _, addr := range cfg.Listen {
		ip := net.ParseIP(addr)
		for _, port := range []int{cfg.IsakmpPort, cfg.NattPort} {
			l, err := listen(ip, port, port == cfg.NattPort)
			if err != nil {
				s.closeListeners()
				return fmt.Errorf("listen %s: %w", net.JoinHostPort(addr, strconv.Itoa(port)), err)
			}
			s.addListener(l)
			logger.IKELog.Infof("listening on %s", l)
		}
	}

	s.mu.RLock()
	for _, l := range s.listeners {
		g.Go(func() error { return s.receiver(l) })
	}
	s.mu.RUnlock()
	g.Go(s.eventLoop)
	return nil
}

func (s *Server) addListener(l *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	s.ctx.Server.Listener[l.String()] = l.conn
}

// Stop closes the sockets and ends the event loop. It is safe to call more
// than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		logger.IKELog.Infoln("close ISAKMP server")
		s.closeListeners()
		close(s.ctx.Server.StopServer)
	})
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if err := l.conn.Close(); err != nil {
			logger.IKELog.Errorf("stop ISAKMP server: %s error: %+v", l, err)
		}
		delete(s.ctx.Server.Listener, l.String())
	}
	s.listeners = nil
}

// Send writes pkt from local to remote on the socket bound to local.
func (s *Server) Send(pkt []byte, local, remote *net.UDPAddr) error {
	l := s.pick(local, remote)
	if l == nil {
		return fmt.Errorf("no socket for %s", local)
	}
	return l.write(pkt, local, remote)
}

// pick prefers a socket bound to local's address and falls back to a
// wildcard socket on the same port and family.
func (s *Server) pick(local, remote *net.UDPAddr) *listener {
	port := s.ctx.Config.IsakmpPort
	if local != nil && local.Port != 0 {
		port = local.Port
	}
	v4 := remote.IP.To4() != nil

	s.mu.RLock()
	defer s.mu.RUnlock()
	var wildcard *listener
	for _, l := range s.listeners {
		if l.port != port || l.v4 != v4 {
			continue
		}
		if local != nil && l.ip.Equal(local.IP) {
			return l
		}
		if l.ip.IsUnspecified() && wildcard == nil {
			wildcard = l
		}
	}
	return wildcard
}

// receiver forwards datagrams from l to the event loop until the socket is
// closed.
func (s *Server) receiver(l *listener) (err error) {
	defer util.RecoverToError(logger.IKELog, &err)
	defer logger.IKELog.Infof("receiver %s stopped", l)

	natt := l.port == s.ctx.Config.NattPort
	buf := make([]byte, maxDatagram)
	for {
		n, local, remote, rerr := l.read(buf)
		if rerr != nil {
			if errors.Is(rerr, net.ErrClosed) {
				return nil
			}
			logger.IKELog.Errorf("read from %s failed: %+v", l, rerr)
			return rerr
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if natt {
			if data, rerr = stripNonESPMarker(data); rerr != nil {
				logger.IKELog.Warnf("datagram from %s: %v", remote, rerr)
				continue
			}
			if data == nil {
				continue
			}
		}
		if len(data) < message.HEADER_LEN {
			logger.IKELog.Warnf("received ISAKMP message is too short from %s", remote)
			continue
		}

		pkt := &context.ReceivePacket{
			Listener:   l.conn,
			LocalAddr:  local,
			RemoteAddr: remote,
			Msg:        data,
		}
		select {
		case s.ctx.Server.RcvPktCh <- pkt:
		case <-s.ctx.Server.StopServer:
			return nil
		}
	}
}

// stripNonESPMarker returns the ISAKMP message inside a NAT-T datagram, or
// nil for keepalives and ESP, which the kernel decapsulates on its own.
func stripNonESPMarker(msg []byte) ([]byte, error) {
	// RFC 3948 section 2.3
	if len(msg) == 1 && msg[0] == 0xff {
		return nil, nil
	}
	if len(msg) < len(nonESPMarker) {
		return nil, fmt.Errorf("received msg is too short")
	}
	if !bytes.Equal(msg[:len(nonESPMarker)], nonESPMarker) {
		logger.IKELog.Debugf("ESP packet with SPI %x on the NAT-T socket dropped", msg[:4])
		return nil, nil
	}
	return msg[len(nonESPMarker):], nil
}

// eventLoop is the only goroutine touching handles, the registry and the
// scheduler.
func (s *Server) eventLoop() (err error) {
	defer close(s.loopDone)
	defer util.RecoverToError(logger.IKELog, &err)
	defer logger.IKELog.Infoln("ISAKMP event loop stopped")

	c := s.ctx
	var kernelCh <-chan *context.KernelEvent
	if c.Kernel != nil {
		kernelCh = c.Kernel.Events()
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.arm(timer)
		select {
		case pkt := <-c.Server.RcvPktCh:
			s.dispatcher.Dispatch(pkt)
		case ev := <-c.Server.RcvEventCh:
			s.handleLoopEvt(ev)
		case kev, ok := <-kernelCh:
			if !ok {
				logger.KernelLog.Warnln("kernel event channel closed")
				kernelCh = nil
				continue
			}
			handler.HandleKernelEvent(c, kev)
		case <-timer.C:
		case <-c.Server.StopServer:
			return nil
		}
		c.Sched.RunExpired(c.Sched.Now())
	}
}

// arm points timer at the scheduler's next deadline.
func (s *Server) arm(timer *time.Timer) {
	deadline, ok := s.ctx.Sched.NextDeadline()
	if !ok {
		timer.Stop()
		return
	}
	timer.Reset(max(deadline.Sub(s.ctx.Sched.Now()), 0))
}

func (s *Server) handleLoopEvt(ev context.LoopEvt) {
	switch ev.Type() {
	case context.KernelNotify:
		handler.HandleKernelEvent(s.ctx, ev.(*context.KernelEvent))
	case context.AdminCommand:
		req := ev.(*context.AdminRequest)
		req.Done <- req.Run()
	default:
		logger.IKELog.Errorf("unknown loop event type %d", ev.Type())
	}
}

// Submit runs fn on the event loop and waits for its result.
func (s *Server) Submit(fn func() error) error {
	req := context.NewAdminRequest(fn)
	select {
	case s.ctx.Server.RcvEventCh <- req:
	case <-s.ctx.Server.StopServer:
		return errStopped
	case <-s.loopDone:
		return errStopped
	}
	select {
	case err := <-req.Done:
		return err
	case <-s.ctx.Server.StopServer:
		return errStopped
	case <-s.loopDone:
		return errStopped
	}
}

var errStopped = errors.New("ISAKMP server stopped")

// listener is one bound UDP socket. Wildcard sockets learn each datagram's
// destination from the packet info control message and pin the source of
// replies the same way.
type listener struct {
	conn *net.UDPConn
	ip   net.IP
	port int
	v4   bool
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn
}

func listen(ip net.IP, port int, natt bool) (*listener, error) {
	network := "udp6"
	if ip.To4() != nil {
		ip = ip.To4()
		network = "udp4"
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			if err := rc.Control(func(fd uintptr) {
				serr = setSockopts(int(fd), natt)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(stdctx.Background(), network, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	l := &listener{
		conn: conn,
		ip:   ip,
		port: conn.LocalAddr().(*net.UDPAddr).Port,
		v4:   network == "udp4",
	}
	if l.v4 {
		l.pc4 = ipv4.NewPacketConn(conn)
		err = l.pc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
	} else {
		l.pc6 = ipv6.NewPacketConn(conn)
		err = l.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	}
	if err != nil {
		logger.IKELog.Warnf("packet info on %s: %+v", l, err)
	}
	return l, nil
}

// setSockopts lets a restart rebind at once and, on the NAT-T port, asks the
// kernel to decapsulate ESP in UDP (RFC 3948).
func setSockopts(fd int, natt bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if natt {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP); err != nil {
			logger.IKELog.Warnf("UDP_ENCAP_ESPINUDP: %+v", err)
		}
	}
	return nil
}

func (l *listener) String() string {
	return net.JoinHostPort(l.ip.String(), strconv.Itoa(l.port))
}

func (l *listener) read(buf []byte) (int, *net.UDPAddr, *net.UDPAddr, error) {
	local := &net.UDPAddr{IP: l.ip, Port: l.port}
	var (
		n   int
		src net.Addr
		err error
	)
	if l.pc4 != nil {
		var cm *ipv4.ControlMessage
		n, cm, src, err = l.pc4.ReadFrom(buf)
		if cm != nil && cm.Dst != nil {
			local.IP = cm.Dst
		}
	} else {
		var cm *ipv6.ControlMessage
		n, cm, src, err = l.pc6.ReadFrom(buf)
		if cm != nil && cm.Dst != nil {
			local.IP = cm.Dst
		}
	}
	if err != nil {
		return 0, nil, nil, err
	}
	remote, ok := src.(*net.UDPAddr)
	if !ok {
		return 0, nil, nil, fmt.Errorf("unexpected peer address %v", src)
	}
	return n, local, remote, nil
}

func (l *listener) write(pkt []byte, local, remote *net.UDPAddr) error {
	pin := l.ip.IsUnspecified() && local != nil && local.IP != nil && !local.IP.IsUnspecified()
	var err error
	if l.pc4 != nil {
		var cm *ipv4.ControlMessage
		if pin {
			cm = &ipv4.ControlMessage{Src: local.IP}
		}
		_, err = l.pc4.WriteTo(pkt, cm, remote)
	} else {
		var cm *ipv6.ControlMessage
		if pin {
			cm = &ipv6.ControlMessage{Src: local.IP}
		}
		_, err = l.pc6.WriteTo(pkt, cm, remote)
	}
	if err != nil {
		return fmt.Errorf("write to %s: %w", remote, err)
	}
	return nil
}
