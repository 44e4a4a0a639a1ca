// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package prf

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/omec-project/isakmpd/ike/message"
)

const (
	PRF_HMAC_MD5      string = "md5"
	PRF_HMAC_SHA1     string = "sha1"
	PRF_HMAC_SHA2_256 string = "sha256"
)

var (
	prfNameToType = map[string]PRFType{
		PRF_HMAC_MD5:      &hmacPRF{id: message.OakleyHashMD5, size: md5.Size, hash: md5.New},
		PRF_HMAC_SHA1:     &hmacPRF{id: message.OakleyHashSHA, size: sha1.Size, hash: sha1.New},
		PRF_HMAC_SHA2_256: &hmacPRF{id: message.OakleyHashSHA256, size: sha256.Size, hash: sha256.New},
	}
	prfIDToType = make(map[uint16]PRFType)
)

func init() {
	for _, t := range prfNameToType {
		prfIDToType[t.HashAlgorithm()] = t
	}
}

// StrToType returns the PRFType for a configured hash name.
func StrToType(algo string) PRFType {
	return prfNameToType[algo]
}

// DecodeAttribute returns the PRFType for an Oakley hash algorithm value.
func DecodeAttribute(value uint16) PRFType {
	return prfIDToType[value]
}

// ToAttribute returns the Oakley hash algorithm attribute for prfType.
func ToAttribute(prfType PRFType) message.Attribute {
	return message.BasicAttribute(message.AttrHashAlg, prfType.HashAlgorithm())
}

// PRFType is an Oakley hash algorithm and the HMAC built on it.
type PRFType interface {
	HashAlgorithm() uint16
	GetOutputLength() int
	// Init returns the keyed HMAC.
	Init(key []byte) hash.Hash
	// New returns the bare hash, used for IV derivation.
	New() hash.Hash
}

type hmacPRF struct {
	id   uint16
	size int
	hash func() hash.Hash
}

func (t *hmacPRF) HashAlgorithm() uint16 { return t.id }

func (t *hmacPRF) GetOutputLength() int { return t.size }

func (t *hmacPRF) Init(key []byte) hash.Hash { return hmac.New(t.hash, key) }

func (t *hmacPRF) New() hash.Hash { return t.hash() }
