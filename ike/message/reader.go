// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package message

import "encoding/binary"

// reader is a bounds-checked cursor over a wire buffer. Every accessor
// reports false instead of panicking when the buffer runs short.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) uint8() (uint8, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	v := r.buf[r.off]
	r.off++
	return v, true
}

func (r *reader) uint16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *reader) uint32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

// bytes returns the next n bytes without copying.
func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, true
}

func (r *reader) copyInto(dst []byte) bool {
	v, ok := r.bytes(len(dst))
	if !ok {
		return false
	}
	copy(dst, v)
	return true
}

// rest returns an owned copy of the unread bytes.
func (r *reader) rest() []byte {
	v := append([]byte(nil), r.buf[r.off:]...)
	r.off = len(r.buf)
	return v
}
