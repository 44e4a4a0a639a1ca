// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package frag splits outbound messages into FRAG payloads and puts
// inbound fragment sets back together.
package frag

import (
	"errors"
	"fmt"
	"time"

	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/logger"
)

const (
	// MaxFragments bounds one reassembly set.
	MaxFragments = 32
	// overhead of a fragment datagram besides its data
	overhead = message.HEADER_LEN + message.PAYLOAD_HEADER_LEN + 4
)

var (
	ErrDuplicate   = errors.New("duplicate fragment")
	ErrBadFragment = errors.New("invalid fragment")
)

// Queue reassembles the fragments of one message at a time. A fragment
// carrying a new ID discards the set in progress, and so does one arriving
// more than maxAge after the set began.
type Queue struct {
	id      uint16
	parts   map[uint8][]byte
	last    uint8
	started time.Time

	now    func() time.Time
	maxAge time.Duration
}

// New returns an empty queue reading time from now. A zero maxAge keeps
// partial sets until a new ID arrives.
func New(now func() time.Time, maxAge time.Duration) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{parts: make(map[uint8][]byte), now: now, maxAge: maxAge}
}

// Add stores f and returns the whole message once every index from 1 up to
// the one flagged last is present.
func (q *Queue) Add(f *message.Fragment) ([]byte, bool, error) {
	if f.Index == 0 || f.Index > MaxFragments {
		return nil, false, fmt.Errorf("%w: index %d", ErrBadFragment, f.Index)
	}
	now := q.now()
	switch {
	case len(q.parts) == 0:
	case f.ID != q.id:
		logger.IKELog.Debugf("fragment id %d replaces unfinished set %d", f.ID, q.id)
		q.Reset()
	case q.maxAge > 0 && now.Sub(q.started) > q.maxAge:
		logger.IKELog.Debugf("unfinished fragment set %d timed out", q.id)
		q.Reset()
	}
	if len(q.parts) == 0 {
		q.started = now
	}
	q.id = f.ID
	if _, ok := q.parts[f.Index]; ok {
		return nil, false, fmt.Errorf("%w: id %d index %d", ErrDuplicate, f.ID, f.Index)
	}
	if f.IsLast() {
		if q.last != 0 {
			return nil, false, fmt.Errorf("%w: second last fragment %d", ErrBadFragment, f.Index)
		}
		q.last = f.Index
	}
	if q.last != 0 && f.Index > q.last {
		return nil, false, fmt.Errorf("%w: index %d beyond last %d", ErrBadFragment, f.Index, q.last)
	}
	q.parts[f.Index] = append([]byte(nil), f.Data...)

	if q.last == 0 || len(q.parts) != int(q.last) {
		return nil, false, nil
	}
	size := 0
	for _, p := range q.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i := uint8(1); i <= q.last; i++ {
		out = append(out, q.parts[i]...)
	}
	q.Reset()
	return out, true, nil
}

func (q *Queue) Reset() {
	clear(q.parts)
	q.last = 0
}

// Split cuts pkt into datagrams of at most maxLen bytes, each a bare ISAKMP
// header followed by one FRAG payload.
func Split(pkt []byte, maxLen int, id uint16) ([][]byte, error) {
	h, _, err := message.ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	chunk := maxLen - overhead
	if chunk <= 0 {
		return nil, fmt.Errorf("fragment size %d too small", maxLen)
	}
	n := (len(pkt) + chunk - 1) / chunk
	if n > MaxFragments {
		return nil, fmt.Errorf("message of %d bytes needs %d fragments", len(pkt), n)
	}

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*chunk, len(pkt))
		f := &message.Fragment{ID: id, Index: uint8(i + 1), Data: pkt[i*chunk : end]}
		if i == n-1 {
			f.Flags = message.FragmentLast
		}
		raw, err := message.Raw(f)
		if err != nil {
			return nil, err
		}
		fh := message.NewHeader(h.InitiatorCookie, h.ResponderCookie, h.ExchangeType,
			h.Flags&^message.FlagEncryption, h.MessageID)
		b, err := message.NewMessage(fh, []message.RawPayload{raw}).Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
