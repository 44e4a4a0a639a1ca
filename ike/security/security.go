// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net"
	"strings"
	"time"

	ctx "github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/logger"
	"golang.org/x/crypto/blake2s"
)

// Errors the handlers translate into notify codes.
var (
	ErrNoProposalChosen = errors.New("no proposal chosen")
	ErrInvalidID        = errors.New("invalid identification")
	ErrHashMismatch     = errors.New("hash verification failed")
	ErrNoKeys           = errors.New("keying material not derived yet")
	ErrMissingKE        = errors.New("key exchange data missing")
)

const (
	NonceLength = 16

	cookieLength = 8
)

// General data
var (
	randomNumberMaximum big.Int
	randomNumberMinimum big.Int
)

func init() {
	randomNumberMaximum.SetString(strings.Repeat("F", 512), 16)
	randomNumberMinimum.SetString(strings.Repeat("F", 32), 16)
}

// GenerateRandomNumber returns a random big.Int between randomNumberMinimum and randomNumberMaximum
func GenerateRandomNumber() (*big.Int, error) {
	for {
		number, err := rand.Int(rand.Reader, &randomNumberMaximum)
		if err != nil {
			logger.IKELog.Errorf("error occurs when generate random number: %+v", err)
			return nil, fmt.Errorf("error occurs when generate random number: %+v", err)
		}
		if number.Cmp(&randomNumberMinimum) == 1 {
			return number, nil
		}
	}
}

// GenerateNonce returns n random bytes.
func GenerateNonce(n int) ([]byte, error) {
	nonce := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		logger.IKELog.Errorf("read random failed: %+v", err)
		return nil, fmt.Errorf("read random failed: %+v", err)
	}
	return nonce, nil
}

var _ ctx.Oakley = &Suite{}

// Suite is the pre-shared key Oakley implementation. It keeps no per
// negotiation state of its own; that lives in the handles' Crypto field.
type Suite struct {
	cookieKey [blake2s.Size]byte
	counter   uint64
	now       func() time.Time
}

func NewSuite() (*Suite, error) {
	s := &Suite{now: time.Now}
	if _, err := io.ReadFull(rand.Reader, s.cookieKey[:]); err != nil {
		return nil, fmt.Errorf("cookie secret: %w", err)
	}
	return s, nil
}

// NewCookie derives a cookie from the address pair, the time and a counter
// under a secret local key.
func (s *Suite) NewCookie(local, remote *net.UDPAddr) (ctx.Cookie, error) {
	var ck ctx.Cookie
	for ck.IsZero() {
		mac, err := blake2s.New256(s.cookieKey[:])
		if err != nil {
			return ck, fmt.Errorf("cookie mac: %w", err)
		}
		var buf [16]byte
		s.counter++
		binary.BigEndian.PutUint64(buf[:8], uint64(s.now().UnixNano()))
		binary.BigEndian.PutUint64(buf[8:], s.counter)
		mac.Write([]byte(remote.String()))
		mac.Write([]byte(local.String()))
		mac.Write(buf[:])
		copy(ck[:], mac.Sum(nil)[:cookieLength])
	}
	return ck, nil
}

// prfOf computes prf(key, parts...).
func prfOf(newMAC func([]byte) hash.Hash, key []byte, parts ...[]byte) []byte {
	h := newMAC(key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// expand stretches a prf output to n bytes: K1 = prf(key, seed), then
// Kn = prf(key, Kn-1 | seed).
func expand(newMAC func([]byte) hash.Hash, key, first, seed []byte, n int) []byte {
	out := append([]byte(nil), first...)
	last := first
	for len(out) < n {
		last = prfOf(newMAC, key, last, seed)
		out = append(out, last...)
	}
	return out[:n]
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
