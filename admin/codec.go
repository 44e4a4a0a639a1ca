// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderLen is the size of the fixed frame header.
const HeaderLen = 8

// Command codes, as racoonctl sends them.
type Command uint16

const (
	CmdShowSched      Command = 0x0101
	CmdShowEvt        Command = 0x0102
	CmdShowSA         Command = 0x0201
	CmdFlushSA        Command = 0x0202
	CmdDeleteAllSADst Command = 0x0204
	CmdDeleteSA       Command = 0x0301
	CmdEstablishSA    Command = 0x0302

	// set on replies whose length does not fit in 16 bits; the upper half
	// travels in the errno field
	FlagLongReply Command = 0x4000
)

func (c Command) String() string {
	switch c &^ FlagLongReply {
	case CmdShowSched:
		return "show-schedule"
	case CmdShowEvt:
		return "show-event"
	case CmdShowSA:
		return "show-sa"
	case CmdFlushSA:
		return "flush-sa"
	case CmdDeleteAllSADst:
		return "delete-all-sa-dst"
	case CmdDeleteSA:
		return "delete-sa"
	case CmdEstablishSA:
		return "establish-sa"
	}
	return fmt.Sprintf("command(0x%04x)", uint16(c))
}

// Proto selects which SAs a command applies to.
type Proto uint16

const (
	ProtoISAKMP   Proto = 0x01ff
	ProtoIPsec    Proto = 0x02ff
	ProtoAH       Proto = 0x0203
	ProtoESP      Proto = 0x0303
	ProtoInternal Proto = 0x0301
)

func (p Proto) String() string {
	switch p {
	case ProtoISAKMP:
		return "isakmp"
	case ProtoIPsec:
		return "ipsec"
	case ProtoAH:
		return "ah"
	case ProtoESP:
		return "esp"
	case ProtoInternal:
		return "internal"
	}
	return fmt.Sprintf("proto(0x%04x)", uint16(p))
}

// Header is the fixed part of every request and reply. It travels in host
// byte order since both ends share the machine.
type Header struct {
	Len   uint16
	Cmd   Command
	Errno int16
	Proto Proto
}

var ErrFrameTooLarge = errors.New("admin frame too large")

// Marshal frames body behind h. Replies longer than 16 bits of length carry
// the upper half in Errno under FlagLongReply.
func (h *Header) Marshal(body []byte) ([]byte, error) {
	total := HeaderLen + len(body)
	if uint64(total) > math.MaxUint32 {
		return nil, ErrFrameTooLarge
	}
	cmd, errno := h.Cmd, h.Errno
	if total > 0xffff {
		if errno != 0 {
			return nil, fmt.Errorf("%w: %d bytes with errno %d", ErrFrameTooLarge, total, errno)
		}
		cmd |= FlagLongReply
		errno = int16(uint16(total >> 16))
	}
	b := make([]byte, HeaderLen, total)
	binary.NativeEndian.PutUint16(b[0:], uint16(total))
	binary.NativeEndian.PutUint16(b[2:], uint16(cmd))
	binary.NativeEndian.PutUint16(b[4:], uint16(errno))
	binary.NativeEndian.PutUint16(b[6:], uint16(h.Proto))
	h.Len = uint16(total)
	return append(b, body...), nil
}

// ReadFrame reads one frame from r and returns its header and body. Frames
// longer than limit are refused before the body is read; zero means no
// limit.
func ReadFrame(r io.Reader, limit int) (*Header, []byte, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}
	h := &Header{
		Len:   binary.NativeEndian.Uint16(hb[0:]),
		Cmd:   Command(binary.NativeEndian.Uint16(hb[2:])),
		Errno: int16(binary.NativeEndian.Uint16(hb[4:])),
		Proto: Proto(binary.NativeEndian.Uint16(hb[6:])),
	}
	total := int(h.Len)
	if h.Cmd&FlagLongReply != 0 {
		total |= int(uint16(h.Errno)) << 16
		h.Cmd &^= FlagLongReply
		h.Errno = 0
	}
	if total < HeaderLen {
		return nil, nil, fmt.Errorf("admin frame length %d is shorter than its header", total)
	}
	if limit > 0 && total > limit {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	body := make([]byte, total-HeaderLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, fmt.Errorf("admin frame body: %w", err)
	}
	return h, body, nil
}

// WriteFrame marshals and writes one frame.
func WriteFrame(w io.Writer, h *Header, body []byte) error {
	b, err := h.Marshal(body)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
