// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package encr

import (
	"fmt"

	"github.com/omec-project/isakmpd/ike/message"
)

var encrTypes map[string]ENCRType

func init() {
	encrTypes = map[string]ENCRType{
		ENCR_AES_CBC_128: &EncrAesCbc{keyLength: 16},
		ENCR_AES_CBC_192: &EncrAesCbc{keyLength: 24},
		ENCR_AES_CBC_256: &EncrAesCbc{keyLength: 32},
	}
}

// StrToType maps a configured cipher name and key length in bits.
func StrToType(name string, keyBits int) ENCRType {
	switch name {
	case "aes", "aes-cbc":
		return encrTypes[fmt.Sprintf("ENCR_AES_CBC_%d", keyBits)]
	}
	return nil
}

// DecodeTransform reads the Oakley encryption and key length attributes of
// a Phase1 transform.
func DecodeTransform(transform *message.Transform) ENCRType {
	alg, ok := transform.Attribute(message.AttrEncryptionAlg)
	if !ok || alg.Uint() != uint32(message.OakleyEncAES) {
		return nil
	}
	return decodeKeyLength(transform, message.AttrKeyLength)
}

// DecodeESPTransform reads an IPsec DOI ESP transform.
func DecodeESPTransform(transform *message.Transform) ENCRType {
	if transform.ID != message.ESPTransformAES {
		return nil
	}
	return decodeKeyLength(transform, message.AttrSAKeyLength)
}

func decodeKeyLength(transform *message.Transform, attr uint16) ENCRType {
	kl, ok := transform.Attribute(attr)
	if !ok {
		return encrTypes[ENCR_AES_CBC_128]
	}
	return encrTypes[fmt.Sprintf("ENCR_AES_CBC_%d", kl.Uint())]
}

// ToAttributes returns the Phase1 attributes naming encrType.
func ToAttributes(encrType ENCRType) []message.Attribute {
	return []message.Attribute{
		message.BasicAttribute(message.AttrEncryptionAlg, encrType.AlgorithmID()),
		message.BasicAttribute(message.AttrKeyLength, uint16(encrType.GetKeyLength()*8)),
	}
}

type ENCRType interface {
	AlgorithmID() uint16
	ESPTransformID() uint8
	XfrmName() string
	GetKeyLength() int
	BlockSize() int
	NewCrypto(key []byte) (*EncrAesCbcCrypto, error)
}
