// Copyright 2020 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HEADER_LEN         int = 28
	PAYLOAD_HEADER_LEN int = 4
	MAX_MESSAGE_LEN    int = 0xffff
)

// ErrMalformed wraps every decoding failure of an inbound datagram.
var ErrMalformed = errors.New("malformed ISAKMP message")

// Cookie is one half of an ISAKMP session index.
type Cookie [8]byte

func (c Cookie) IsZero() bool {
	return c == Cookie{}
}

func (c Cookie) String() string {
	return fmt.Sprintf("%x", c[:])
}

// Header is the fixed ISAKMP header (RFC 2408 3.1).
type Header struct {
	InitiatorCookie Cookie
	ResponderCookie Cookie
	NextPayload     PayloadType
	MajorVersion    uint8
	MinorVersion    uint8
	ExchangeType    ExchangeType
	Flags           uint8
	MessageID       uint32
	Length          uint32
}

// NewHeader creates a version 1.0 header.
func NewHeader(iCookie, rCookie Cookie, exchgType ExchangeType, flags uint8, mID uint32) *Header {
	return &Header{
		InitiatorCookie: iCookie,
		ResponderCookie: rCookie,
		MajorVersion:    MajorVersion,
		MinorVersion:    MinorVersion,
		ExchangeType:    exchgType,
		Flags:           flags,
		MessageID:       mID,
	}
}

// Marshal serializes the header followed by body, filling in the total length.
func (h *Header) Marshal(body []byte) ([]byte, error) {
	totalLen := HEADER_LEN + len(body)
	if totalLen > MAX_MESSAGE_LEN {
		return nil, fmt.Errorf("message length %d exceeds %d", totalLen, MAX_MESSAGE_LEN)
	}
	b := make([]byte, HEADER_LEN, totalLen)
	copy(b[0:8], h.InitiatorCookie[:])
	copy(b[8:16], h.ResponderCookie[:])
	b[16] = byte(h.NextPayload)
	b[17] = (h.MajorVersion << 4) | (h.MinorVersion & 0x0F)
	b[18] = byte(h.ExchangeType)
	b[19] = h.Flags
	binary.BigEndian.PutUint32(b[20:24], h.MessageID)
	binary.BigEndian.PutUint32(b[24:HEADER_LEN], uint32(totalLen))
	h.Length = uint32(totalLen)
	return append(b, body...), nil
}

func (h *Header) IsEncrypted() bool {
	return h.Flags&FlagEncryption != 0
}

func (h *Header) IsCommit() bool {
	return h.Flags&FlagCommit != 0
}

// ParseHeader decodes the fixed header and returns the body slice bounded by the
// declared length. The declared length is validated against the 0xffff ceiling
// and the received buffer before anything is sliced or allocated.
func ParseHeader(b []byte) (*Header, []byte, error) {
	r := newReader(b)
	h := new(Header)
	var ok bool
	if ok = r.copyInto(h.InitiatorCookie[:]) && r.copyInto(h.ResponderCookie[:]); !ok {
		return nil, nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformed, len(b))
	}
	np, _ := r.uint8()
	ver, _ := r.uint8()
	etype, _ := r.uint8()
	flags, _ := r.uint8()
	mid, _ := r.uint32()
	length, ok := r.uint32()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformed, len(b))
	}
	h.NextPayload = PayloadType(np)
	h.MajorVersion = ver >> 4
	h.MinorVersion = ver & 0x0F
	h.ExchangeType = ExchangeType(etype)
	h.Flags = flags
	h.MessageID = mid
	h.Length = length

	if length < uint32(HEADER_LEN) {
		return nil, nil, fmt.Errorf("%w: declared length %d < header length %d", ErrMalformed, length, HEADER_LEN)
	}
	if length > uint32(MAX_MESSAGE_LEN) {
		return nil, nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformed, length, MAX_MESSAGE_LEN)
	}
	if uint32(len(b)) < length {
		return nil, nil, fmt.Errorf("%w: received %d bytes, header declares %d", ErrMalformed, len(b), length)
	}
	return h, b[HEADER_LEN:length], nil
}
