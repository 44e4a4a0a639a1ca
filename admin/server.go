// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/evt"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/util"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

// maxRequest bounds request frames; only replies use long frames.
const maxRequest = 0xffff

// Server accepts admin connections on a unix stream socket.
type Server struct {
	ctx  *context.IsakmpContext
	loop Loop
	cmds *Commands
	path string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewServer(c *context.IsakmpContext, loop Loop) *Server {
	return &Server{
		ctx:   c,
		loop:  loop,
		cmds:  NewCommands(c, loop),
		path:  c.Config.AdminSocket,
		conns: make(map[net.Conn]struct{}),
	}
}

// Run binds the socket and serves it from g.
func (s *Server) Run(g *errgroup.Group) error {
	if err := removeStale(s.path); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		logger.AdminLog.Errorf("failed to listen on %s: %+v", s.path, err)
		return err
	}
	if err = os.Chmod(s.path, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	logger.AdminLog.Infof("admin socket listening on %s", s.path)

	g.Go(func() error {
		s.listenAndServe(g)
		return nil
	})
	return nil
}

// removeStale deletes a socket file left behind by a previous run. A socket
// somebody still answers on is not touched.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, derr := net.Dial("unix", path); derr == nil {
		_ = conn.Close()
		return fmt.Errorf("%s is in use", path)
	}
	return os.Remove(path)
}

func (s *Server) listenAndServe(g *errgroup.Group) {
	defer util.RecoverWithLog(logger.AdminLog)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.AdminLog.Errorf("admin accept failed: %+v. Closing the listener", err)
			}
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		logger.AdminLog.Debugln("admin connection accepted")
		g.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serveConn answers requests until the peer hangs up. A show-event request
// hands the connection to the event emitter.
func (s *Server) serveConn(conn net.Conn) {
	defer util.RecoverWithLog(logger.AdminLog)
	owned := true
	defer func() {
		if owned {
			s.untrack(conn)
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.AdminLog.Warnf("error closing admin connection: %+v", err)
			}
		}
	}()

	for {
		h, body, err := ReadFrame(conn, maxRequest)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.AdminLog.Warnf("admin request: %+v", err)
			}
			return
		}
		if h.Cmd == CmdShowEvt {
			if err = s.subscribe(conn, h); err != nil {
				logger.AdminLog.Errorf("show-event: %+v", err)
				return
			}
			owned = false
			return
		}

		reply, err := s.cmds.Execute(h, body)
		rh := &Header{Cmd: h.Cmd, Proto: h.Proto, Errno: errnoOf(err)}
		if err != nil {
			logger.AdminLog.Warnf("%s %s: %+v", h.Cmd, h.Proto, err)
			reply = nil
		}
		if err = WriteFrame(conn, rh, reply); err != nil {
			logger.AdminLog.Warnf("admin reply: %+v", err)
			return
		}
	}
}

// gatedSink holds subscriber writes until the history reply is out.
type gatedSink struct {
	io.WriteCloser
	ready chan struct{}
}

func (g *gatedSink) Write(p []byte) (int, error) {
	<-g.ready
	return g.WriteCloser.Write(p)
}

// subscribe sends the retained history as one reply, then streams every
// later event as its own frame.
func (s *Server) subscribe(conn net.Conn, h *Header) error {
	sink := &gatedSink{WriteCloser: &trackedConn{Conn: conn, s: s}, ready: make(chan struct{})}
	defer close(sink.ready)

	var history []evt.Event
	err := s.loop.Submit(func() error {
		history = s.ctx.Events.Recent()
		s.ctx.Events.Subscribe(sink, func(ev evt.Event) ([]byte, error) {
			b, err := yaml.Marshal(ev)
			if err != nil {
				return nil, err
			}
			return (&Header{Cmd: CmdShowEvt, Proto: h.Proto}).Marshal(b)
		})
		return nil
	})
	if err != nil {
		return err
	}
	body, err := yaml.Marshal(history)
	if err != nil {
		return err
	}
	return WriteFrame(conn, &Header{Cmd: CmdShowEvt, Proto: h.Proto}, body)
}

// trackedConn forgets the connection when the emitter closes it.
type trackedConn struct {
	net.Conn
	s *Server
}

func (t *trackedConn) Close() error {
	t.s.untrack(t.Conn)
	return t.Conn.Close()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	logger.AdminLog.Infoln("closing admin server")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logger.AdminLog.Errorf("error stopping admin server: %+v", err)
		}
	}
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.AdminLog.Warnf("error closing admin connection: %+v", err)
		}
	}
	s.conns = make(map[net.Conn]struct{})
}
