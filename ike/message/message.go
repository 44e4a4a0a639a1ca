// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/binary"
	"fmt"

	"github.com/omec-project/isakmpd/logger"
)

// RawPayload is one element of a generic payload chain. Body excludes the
// 4-byte generic payload header.
type RawPayload struct {
	Type     PayloadType
	Reserved uint8
	Body     []byte
}

// Message is a decoded ISAKMP datagram. Payloads is nil while the body is
// still encrypted.
type Message struct {
	*Header
	Body     []byte
	Payloads []RawPayload
}

// NewMessage builds an outbound message around an already ordered chain.
func NewMessage(h *Header, payloads []RawPayload) *Message {
	return &Message{Header: h, Payloads: payloads}
}

// Decode parses the header and, for cleartext messages, the payload chain.
func Decode(b []byte) (*Message, error) {
	h, body, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: h, Body: body}
	if h.IsEncrypted() {
		return msg, nil
	}
	if msg.Payloads, err = DecodeChain(h.NextPayload, body); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode serializes the header and the payload chain in cleartext.
func (msg *Message) Encode() ([]byte, error) {
	body, err := EncodeChain(msg.Payloads)
	if err != nil {
		return nil, err
	}
	msg.Header.NextPayload = FirstType(msg.Payloads)
	msg.Body = body
	return msg.Header.Marshal(body)
}

// Get returns the first payload of type t.
func (msg *Message) Get(t PayloadType) *RawPayload {
	for i := range msg.Payloads {
		if msg.Payloads[i].Type == t {
			return &msg.Payloads[i]
		}
	}
	return nil
}

// All returns every payload of type t in chain order.
func (msg *Message) All(t PayloadType) []RawPayload {
	var out []RawPayload
	for _, p := range msg.Payloads {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// FirstType is the next-payload value a header carries for the chain.
func FirstType(chain []RawPayload) PayloadType {
	if len(chain) == 0 {
		return NoNext
	}
	return chain[0].Type
}

// DecodeChain walks a generic payload chain starting with payload type first.
// Each payload length is checked against the remaining buffer before the body
// is sliced. The walk ends at NoNext; bytes after the last payload (cipher
// padding) are ignored.
func DecodeChain(first PayloadType, data []byte) ([]RawPayload, error) {
	var chain []RawPayload
	r := newReader(data)
	for np := first; np != NoNext; {
		next, ok := r.uint8()
		if !ok {
			return nil, fmt.Errorf("%w: no sufficient bytes to decode %s payload header", ErrMalformed, np)
		}
		reserved, _ := r.uint8()
		length, ok := r.uint16()
		if !ok {
			return nil, fmt.Errorf("%w: no sufficient bytes to decode %s payload header", ErrMalformed, np)
		}
		if int(length) < PAYLOAD_HEADER_LEN {
			return nil, fmt.Errorf("%w: illegal %s payload length %d", ErrMalformed, np, length)
		}
		body, ok := r.bytes(int(length) - PAYLOAD_HEADER_LEN)
		if !ok {
			return nil, fmt.Errorf("%w: %s payload length %d exceeds remaining %d bytes",
				ErrMalformed, np, length, r.remaining()+PAYLOAD_HEADER_LEN)
		}
		logger.IKELog.Debugf("decoded payload %s (%d bytes)", np, length)
		chain = append(chain, RawPayload{Type: np, Reserved: reserved, Body: body})
		np = PayloadType(next)
	}
	return chain, nil
}

// EncodeChain is the inverse of DecodeChain.
func EncodeChain(chain []RawPayload) ([]byte, error) {
	size := 0
	for _, p := range chain {
		size += PAYLOAD_HEADER_LEN + len(p.Body)
	}
	if size > MAX_MESSAGE_LEN {
		return nil, fmt.Errorf("payload chain length %d exceeds %d", size, MAX_MESSAGE_LEN)
	}
	out := make([]byte, 0, size)
	for i, p := range chain {
		next := NoNext
		if i+1 < len(chain) {
			next = chain[i+1].Type
		}
		var hdr [PAYLOAD_HEADER_LEN]byte
		hdr[0] = byte(next)
		hdr[1] = p.Reserved
		binary.BigEndian.PutUint16(hdr[2:], uint16(PAYLOAD_HEADER_LEN+len(p.Body)))
		out = append(out, hdr[:]...)
		out = append(out, p.Body...)
	}
	return out, nil
}
