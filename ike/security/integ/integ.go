// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package integ

import (
	"github.com/omec-project/isakmpd/ike/message"
)

const (
	AUTH_HMAC_MD5_96       string = "hmac-md5"
	AUTH_HMAC_SHA1_96      string = "hmac-sha1"
	AUTH_HMAC_SHA2_256_128 string = "hmac-sha256"
)

var (
	integNameToType = map[string]INTEGType{
		AUTH_HMAC_MD5_96:       &hmacAuth{id: message.AuthAlgHMACMD5, xfrm: "hmac(md5)", keyLen: 16, outputLen: 12},
		AUTH_HMAC_SHA1_96:      &hmacAuth{id: message.AuthAlgHMACSHA, xfrm: "hmac(sha1)", keyLen: 20, outputLen: 12},
		AUTH_HMAC_SHA2_256_128: &hmacAuth{id: message.AuthAlgHMACSHA2_256, xfrm: "hmac(sha256)", keyLen: 32, outputLen: 16},
	}
	integIDToType = make(map[uint16]INTEGType)
)

func init() {
	for _, t := range integNameToType {
		integIDToType[t.AuthAlgorithm()] = t
	}
}

func StrToType(algo string) INTEGType {
	return integNameToType[algo]
}

// DecodeTransform reads the authentication algorithm attribute of an ESP
// transform.
func DecodeTransform(transform *message.Transform) INTEGType {
	a, ok := transform.Attribute(message.AttrAuthAlg)
	if !ok {
		return nil
	}
	return integIDToType[uint16(a.Uint())]
}

func ToAttribute(integType INTEGType) message.Attribute {
	return message.BasicAttribute(message.AttrAuthAlg, integType.AuthAlgorithm())
}

// INTEGType is an ESP authentication algorithm as the kernel sees it.
type INTEGType interface {
	AuthAlgorithm() uint16
	XfrmName() string
	GetKeyLength() int
	GetOutputLength() int
}

type hmacAuth struct {
	id        uint16
	xfrm      string
	keyLen    int
	outputLen int
}

func (a *hmacAuth) AuthAlgorithm() uint16 { return a.id }
func (a *hmacAuth) XfrmName() string      { return a.xfrm }
func (a *hmacAuth) GetKeyLength() int     { return a.keyLen }
func (a *hmacAuth) GetOutputLength() int  { return a.outputLen }
