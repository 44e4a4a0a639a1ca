// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package dh

import (
	"math/big"

	"github.com/omec-project/isakmpd/logger"
)

// Oakley group descriptions
const (
	MODP1024 uint16 = 2
	MODP2048 uint16 = 14
)

// RFC 2409 section 6.2 and RFC 3526 section 3
const (
	group2Prime = "FFFFFFFFFFFFFFFFC90FDAA22168C234" +
		"C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6" +
		"F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE65381FFFFFFFFFFFFFFFF"
	group14Prime = "FFFFFFFFFFFFFFFFC90FDAA22168C234" +
		"C4C6628B80DC1CD129024E088A67CC74" +
		"020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F1437" +
		"4FE1356D6D51C245E485B576625E7EC6" +
		"F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE45B3DC2007CB8A163BF05" +
		"98DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB" +
		"9ED529077096966D670C354E4ABC9804" +
		"F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28F" +
		"B5C55DF06F4C52C9DE2BCBF695581718" +
		"3995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
	modpGenerator = 2
)

var dhTypes = make(map[uint16]DHType)

func init() {
	for group, hex := range map[uint16]string{MODP1024: group2Prime, MODP2048: group14Prime} {
		prime, ok := new(big.Int).SetString(hex, 16)
		if !ok {
			logger.IKELog.Errorf("Diffie Hellman group %d failed to init", group)
			continue
		}
		dhTypes[group] = &modpGroup{
			group:     group,
			prime:     prime,
			generator: big.NewInt(modpGenerator),
			size:      len(prime.Bytes()),
		}
	}
}

// ByGroup returns the DHType for an Oakley group description, or nil.
func ByGroup(group uint16) DHType {
	return dhTypes[group]
}

// DHType interface for Diffie-Hellman groups
type DHType interface {
	GroupDescription() uint16
	PublicValueLength() int
	GetSharedKey(secret, peerPublicValue *big.Int) []byte
	GetPublicValue(secret *big.Int) []byte
}

// modpGroup is a MODP group. Values are left padded to the prime length
// as the KE payload and SKEYID derivation expect.
type modpGroup struct {
	group     uint16
	prime     *big.Int
	generator *big.Int
	size      int
}

func (d *modpGroup) GroupDescription() uint16 {
	return d.group
}

func (d *modpGroup) PublicValueLength() int {
	return d.size
}

// GetSharedKey computes g^xy.
func (d *modpGroup) GetSharedKey(secret, peerPublicValue *big.Int) []byte {
	return leftPad(new(big.Int).Exp(peerPublicValue, secret, d.prime).Bytes(), d.size)
}

func (d *modpGroup) GetPublicValue(secret *big.Int) []byte {
	return leftPad(new(big.Int).Exp(d.generator, secret, d.prime).Bytes(), d.size)
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
