// SPDX-FileCopyrightText: 2025 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package context

import (
	"net"
)

// IsakmpServer holds the UDP listeners, keyed by bound address, and the
// channels feeding the event loop.
type IsakmpServer struct {
	Listener   map[string]*net.UDPConn
	RcvPktCh   chan *ReceivePacket
	RcvEventCh chan LoopEvt
	StopServer chan struct{}
}

func NewIsakmpServer(queueLen int) *IsakmpServer {
	return &IsakmpServer{
		Listener:   make(map[string]*net.UDPConn),
		RcvPktCh:   make(chan *ReceivePacket, queueLen),
		RcvEventCh: make(chan LoopEvt, queueLen),
		StopServer: make(chan struct{}),
	}
}

// ReceivePacket is one datagram as read from a listener, NAT-T marker
// already removed.
type ReceivePacket struct {
	Listener   *net.UDPConn
	LocalAddr  *net.UDPAddr
	RemoteAddr *net.UDPAddr
	Msg        []byte
}

// LoopEventType enumerates the non-packet inputs of the event loop.
type LoopEventType int64

const (
	KernelNotify LoopEventType = iota
	AdminCommand
)

// LoopEvt is anything besides a datagram that the event loop handles.
type LoopEvt interface {
	Type() LoopEventType
}

type KernelEventKind uint8

const (
	KernelAcquire KernelEventKind = iota
	KernelGetSPI
	KernelExpire
	KernelDelete
)

func (k KernelEventKind) String() string {
	switch k {
	case KernelAcquire:
		return "acquire"
	case KernelGetSPI:
		return "getspi"
	case KernelExpire:
		return "expire"
	case KernelDelete:
		return "delete"
	}
	return "unknown"
}

// KernelEvent is an asynchronous notification from the kernel SA layer.
type KernelEvent struct {
	Kind     KernelEventKind
	Seq      uint32
	SA       SAID
	ReqID    uint32
	Hard     bool
	Selector Selector
	Err      error
}

func (e *KernelEvent) Type() LoopEventType {
	return KernelNotify
}

// AdminRequest runs Run on the event loop and reports its error on Done.
type AdminRequest struct {
	Run  func() error
	Done chan error
}

func (e *AdminRequest) Type() LoopEventType {
	return AdminCommand
}

func NewAdminRequest(run func() error) *AdminRequest {
	return &AdminRequest{Run: run, Done: make(chan error, 1)}
}
