// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package encr

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/omec-project/isakmpd/ike/message"
)

const (
	ENCR_AES_CBC_128 string = "ENCR_AES_CBC_128"
	ENCR_AES_CBC_192 string = "ENCR_AES_CBC_192"
	ENCR_AES_CBC_256 string = "ENCR_AES_CBC_256"
)

var _ ENCRType = &EncrAesCbc{}

type EncrAesCbc struct {
	keyLength int
}

func (t *EncrAesCbc) AlgorithmID() uint16 {
	return message.OakleyEncAES
}

func (t *EncrAesCbc) ESPTransformID() uint8 {
	return message.ESPTransformAES
}

func (t *EncrAesCbc) XfrmName() string {
	return "cbc(aes)"
}

func (t *EncrAesCbc) GetKeyLength() int {
	return t.keyLength
}

func (t *EncrAesCbc) BlockSize() int {
	return aes.BlockSize
}

func (t *EncrAesCbc) NewCrypto(key []byte) (*EncrAesCbcCrypto, error) {
	if len(key) != t.keyLength {
		return nil, fmt.Errorf("EncrAesCbc init error: unexpected key length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("EncrAesCbc init: failed to create cipher: %v", err)
	}
	return &EncrAesCbcCrypto{Block: block}, nil
}

// EncrAesCbcCrypto encrypts ISAKMP bodies. The IV is supplied by the caller
// since IKEv1 chains it across messages; padding is zeros, the payload chain
// itself tells where the data ends.
type EncrAesCbcCrypto struct {
	Block cipher.Block
}

func (encr *EncrAesCbcCrypto) Encrypt(iv, plainText []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("Encrypt: IV must be %d bytes", aes.BlockSize)
	}
	padLen := (aes.BlockSize - len(plainText)%aes.BlockSize) % aes.BlockSize
	cipherText := make([]byte, len(plainText)+padLen)
	copy(cipherText, plainText)
	cipher.NewCBCEncrypter(encr.Block, iv).CryptBlocks(cipherText, cipherText)
	return cipherText, nil
}

func (encr *EncrAesCbcCrypto) Decrypt(iv, cipherText []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("Decrypt: IV must be %d bytes", aes.BlockSize)
	}
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("Decrypt: cipher text not multiple of block size")
	}
	plainText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(encr.Block, iv).CryptBlocks(plainText, cipherText)
	return plainText, nil
}
