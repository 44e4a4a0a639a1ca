// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package evt records negotiation lifecycle events and fans them out to
// admin subscribers.
package evt

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/util"
)

type Type int

const (
	Unspec Type = iota
	Phase1Up
	Phase1Down
	Phase1Failed
	Phase2Up
	Phase2Down
	Phase2Failed
	PeerNoResponse
	PeerDelete
	NoIsakmpCfg
	Quit
	Overflow
)

var typeNames = map[Type]string{
	Unspec:         "unspec",
	Phase1Up:       "phase1-up",
	Phase1Down:     "phase1-down",
	Phase1Failed:   "phase1-failed",
	Phase2Up:       "phase2-up",
	Phase2Down:     "phase2-down",
	Phase2Failed:   "phase2-failed",
	PeerNoResponse: "peer-no-response",
	PeerDelete:     "peer-delete",
	NoIsakmpCfg:    "no-isakmp-cfg",
	Quit:           "quit",
	Overflow:       "overflow",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("evt(%d)", int(t))
}

func (t Type) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// Event is one lifecycle record.
type Event struct {
	Type      Type      `yaml:"type"`
	Timestamp time.Time `yaml:"timestamp"`
	Local     string    `yaml:"local,omitempty"`
	Remote    string    `yaml:"remote,omitempty"`
	Index     string    `yaml:"index,omitempty"`
	MsgID     uint32    `yaml:"msgid,omitempty"`
	Detail    string    `yaml:"detail,omitempty"`
}

// Sink is the writable side of a subscribed admin connection.
type Sink = io.WriteCloser

// Encoder frames an event for a sink.
type Encoder func(Event) ([]byte, error)

type subscriber struct {
	id     int
	sink   Sink
	encode Encoder
	queue  chan []byte
	dead   atomic.Bool
}

// Emitter keeps a bounded history and the subscriber set. Emit, Subscribe,
// Recent and Close belong to the event loop goroutine; only the per
// subscriber writers run elsewhere.
type Emitter struct {
	history  []Event
	next     int
	full     bool
	queueLen int
	subs     map[int]*subscriber
	lastID   int
	now      func() time.Time
}

func NewEmitter(historySize, queueLen int) *Emitter {
	if historySize <= 0 {
		historySize = 1
	}
	if queueLen <= 0 {
		queueLen = 1
	}
	return &Emitter{
		history:  make([]Event, historySize),
		queueLen: queueLen,
		subs:     make(map[int]*subscriber),
		now:      time.Now,
	}
}

// SetClock replaces the timestamp source.
func (e *Emitter) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	logger.EvtLog.Infof("%s %s -> %s %s", ev.Type, ev.Local, ev.Remote, ev.Detail)

	e.history[e.next] = ev
	e.next = (e.next + 1) % len(e.history)
	if e.next == 0 {
		e.full = true
	}

	for id, sub := range e.subs {
		if sub.dead.Load() {
			e.drop(id)
			continue
		}
		b, err := sub.encode(ev)
		if err != nil {
			logger.EvtLog.Errorf("encode event for subscriber %d: %+v", id, err)
			continue
		}
		if len(sub.queue) >= e.queueLen {
			logger.EvtLog.Warnf("subscriber %d overflowed, dropping it", id)
			if ob, err := sub.encode(Event{Type: Overflow, Timestamp: ev.Timestamp}); err == nil {
				sub.queue <- ob
			}
			e.drop(id)
			continue
		}
		sub.queue <- b
	}
}

// Subscribe attaches sink to future events and returns its id.
func (e *Emitter) Subscribe(sink Sink, encode Encoder) int {
	e.lastID++
	sub := &subscriber{
		id:     e.lastID,
		sink:   sink,
		encode: encode,
		// one spare slot for the overflow record
		queue: make(chan []byte, e.queueLen+1),
	}
	e.subs[sub.id] = sub
	go sub.run()
	logger.EvtLog.Infof("subscriber %d attached", sub.id)
	return sub.id
}

func (e *Emitter) Unsubscribe(id int) {
	e.drop(id)
}

func (e *Emitter) drop(id int) {
	sub, ok := e.subs[id]
	if !ok {
		return
	}
	delete(e.subs, id)
	close(sub.queue)
}

// Subscribers is the number of live subscribers.
func (e *Emitter) Subscribers() int {
	return len(e.subs)
}

// Recent returns the retained history, oldest first.
func (e *Emitter) Recent() []Event {
	if !e.full {
		return append([]Event(nil), e.history[:e.next]...)
	}
	out := make([]Event, 0, len(e.history))
	out = append(out, e.history[e.next:]...)
	return append(out, e.history[:e.next]...)
}

// Close emits Quit and detaches every subscriber.
func (e *Emitter) Close() {
	e.Emit(Event{Type: Quit})
	for id := range e.subs {
		e.drop(id)
	}
}

func (s *subscriber) run() {
	defer util.RecoverWithLog(logger.EvtLog)
	defer s.sink.Close()
	for b := range s.queue {
		if s.dead.Load() {
			continue
		}
		if _, err := s.sink.Write(b); err != nil {
			logger.EvtLog.Infof("subscriber %d went away: %v", s.id, err)
			s.dead.Store(true)
		}
	}
}
