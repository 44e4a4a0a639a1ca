// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package message

import "fmt"

// PayloadType is the ISAKMP next-payload value.
type PayloadType uint8

// ISAKMP payload types (RFC 2408 3.1, RFC 3947, fragmentation vendor extension)
const (
	NoNext      PayloadType = 0
	TypeSA      PayloadType = 1
	TypeP       PayloadType = 2
	TypeT       PayloadType = 3
	TypeKE      PayloadType = 4
	TypeID      PayloadType = 5
	TypeCERT    PayloadType = 6
	TypeCR      PayloadType = 7
	TypeHASH    PayloadType = 8
	TypeSIG     PayloadType = 9
	TypeNONCE   PayloadType = 10
	TypeN       PayloadType = 11
	TypeD       PayloadType = 12
	TypeVID     PayloadType = 13
	TypeATTR    PayloadType = 14
	TypeNATD    PayloadType = 20
	TypeNATOA   PayloadType = 21
	TypeFRAG    PayloadType = 132
	TypeNATDDft PayloadType = 130
	TypeNATOAOd PayloadType = 131
)

var payloadNames = map[PayloadType]string{
	NoNext:      "NONE",
	TypeSA:      "SA",
	TypeP:       "P",
	TypeT:       "T",
	TypeKE:      "KE",
	TypeID:      "ID",
	TypeCERT:    "CERT",
	TypeCR:      "CR",
	TypeHASH:    "HASH",
	TypeSIG:     "SIG",
	TypeNONCE:   "NONCE",
	TypeN:       "N",
	TypeD:       "D",
	TypeVID:     "VID",
	TypeATTR:    "ATTR",
	TypeNATD:    "NAT-D",
	TypeNATOA:   "NAT-OA",
	TypeFRAG:    "FRAG",
	TypeNATDDft: "NAT-D(draft)",
	TypeNATOAOd: "NAT-OA(draft)",
}

func (t PayloadType) String() string {
	if s, ok := payloadNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PAYLOAD(%d)", uint8(t))
}

// ExchangeType is the ISAKMP exchange type.
type ExchangeType uint8

const (
	ExchangeNone    ExchangeType = 0
	ExchangeBase    ExchangeType = 1
	ExchangeIdent   ExchangeType = 2
	ExchangeAuth    ExchangeType = 3
	ExchangeAggr    ExchangeType = 4
	ExchangeInfo    ExchangeType = 5
	ExchangeCfg     ExchangeType = 6
	ExchangeQuick   ExchangeType = 32
	ExchangeNewGrp  ExchangeType = 33
	ExchangeAckInfo ExchangeType = 34
)

func (e ExchangeType) String() string {
	switch e {
	case ExchangeNone:
		return "none"
	case ExchangeBase:
		return "base"
	case ExchangeIdent:
		return "main"
	case ExchangeAuth:
		return "auth"
	case ExchangeAggr:
		return "aggressive"
	case ExchangeInfo:
		return "info"
	case ExchangeCfg:
		return "cfg"
	case ExchangeQuick:
		return "quick"
	case ExchangeNewGrp:
		return "newgroup"
	case ExchangeAckInfo:
		return "ackinfo"
	}
	return fmt.Sprintf("exchange(%d)", uint8(e))
}

// ExchangeByName maps a configuration keyword onto a Phase1 exchange type.
func ExchangeByName(name string) (ExchangeType, bool) {
	switch name {
	case "main", "ident":
		return ExchangeIdent, true
	case "aggressive", "aggr":
		return ExchangeAggr, true
	case "base":
		return ExchangeBase, true
	}
	return ExchangeNone, false
}

// Header flags
const (
	FlagEncryption     uint8 = 0x01
	FlagCommit         uint8 = 0x02
	FlagAuthentication uint8 = 0x04
	FlagsValid               = FlagEncryption | FlagCommit | FlagAuthentication
)

const (
	MajorVersion uint8 = 1
	MinorVersion uint8 = 0
	Version      uint8 = MajorVersion<<4 | MinorVersion
)

// DOI and protocol identifiers
const (
	DOIIPSec uint32 = 1

	SituationIdentityOnly uint32 = 1

	ProtoISAKMP uint8 = 1
	ProtoAH     uint8 = 2
	ProtoESP    uint8 = 3
	ProtoIPComp uint8 = 4

	TransformKeyIKE uint8 = 1
)

// Identification types (RFC 2407 4.6.2.1)
const (
	IDIPv4Addr       uint8 = 1
	IDFQDN           uint8 = 2
	IDUserFQDN       uint8 = 3
	IDIPv4AddrSubnet uint8 = 4
	IDIPv6Addr       uint8 = 5
	IDIPv6AddrSubnet uint8 = 6
	IDIPv4AddrRange  uint8 = 7
	IDIPv6AddrRange  uint8 = 8
	IDDerAsn1DN      uint8 = 9
	IDKeyID          uint8 = 11
)

// Oakley phase1 attribute classes (RFC 2409 Appendix A)
const (
	AttrEncryptionAlg uint16 = 1
	AttrHashAlg       uint16 = 2
	AttrAuthMethod    uint16 = 3
	AttrGroupDesc     uint16 = 4
	AttrLifeType      uint16 = 11
	AttrLifeDuration  uint16 = 12
	AttrKeyLength     uint16 = 14
)

// IPsec DOI SA attributes (RFC 2407 4.5)
const (
	AttrSALifeType     uint16 = 1
	AttrSALifeDuration uint16 = 2
	AttrGroupDescPFS   uint16 = 3
	AttrEncapMode      uint16 = 4
	AttrAuthAlg        uint16 = 5
	AttrSAKeyLength    uint16 = 6
)

// Oakley and IPsec DOI attribute values
const (
	OakleyEncAES        uint16 = 7
	OakleyHashMD5       uint16 = 1
	OakleyHashSHA       uint16 = 2
	OakleyHashSHA256    uint16 = 4
	ESPTransformAES     uint8  = 12
	AuthAlgHMACMD5      uint16 = 1
	AuthAlgHMACSHA      uint16 = 2
	AuthAlgHMACSHA2_256 uint16 = 5
)

const (
	LifeTypeSeconds uint16 = 1

	AuthMethodPSK uint16 = 1

	EncapTunnel       uint16 = 1
	EncapTransport    uint16 = 2
	EncapUDPTunnel    uint16 = 3
	EncapUDPTransport uint16 = 4
	EncapUDPTunnelDft uint16 = 61443
	EncapUDPTransDft  uint16 = 61444

	attributeFormatTV uint16 = 0x8000
	attributeTypeMask uint16 = 0x7fff
)

// NotifyType is the ISAKMP notify message type.
type NotifyType uint16

const (
	NotifyInvalidPayloadType     NotifyType = 1
	NotifyDOINotSupported        NotifyType = 2
	NotifySituationNotSupported  NotifyType = 3
	NotifyInvalidCookie          NotifyType = 4
	NotifyInvalidMajorVersion    NotifyType = 5
	NotifyInvalidMinorVersion    NotifyType = 6
	NotifyInvalidExchangeType    NotifyType = 7
	NotifyInvalidFlags           NotifyType = 8
	NotifyInvalidMessageID       NotifyType = 9
	NotifyInvalidProtocolID      NotifyType = 10
	NotifyInvalidSPI             NotifyType = 11
	NotifyInvalidTransformID     NotifyType = 12
	NotifyAttributesNotSupported NotifyType = 13
	NotifyNoProposalChosen       NotifyType = 14
	NotifyBadProposalSyntax      NotifyType = 15
	NotifyPayloadMalformed       NotifyType = 16
	NotifyInvalidKeyInformation  NotifyType = 17
	NotifyInvalidIDInformation   NotifyType = 18
	NotifyInvalidCertEncoding    NotifyType = 19
	NotifyInvalidCertificate     NotifyType = 20
	NotifyInvalidHashInformation NotifyType = 23
	NotifyAuthenticationFailed   NotifyType = 24
	NotifyInvalidSignature       NotifyType = 25
	NotifyAddressNotification    NotifyType = 26
	NotifyUnequalPayloadLengths  NotifyType = 30

	NotifyConnected         NotifyType = 16384
	NotifyResponderLifetime NotifyType = 24576
	NotifyReplayStatus      NotifyType = 24577
	NotifyInitialContact    NotifyType = 24578

	// NotifyInternalError never goes on the wire.
	NotifyInternalError NotifyType = 0xffff
)

// IsStatus reports whether the notify is a status rather than an error.
func (n NotifyType) IsStatus() bool {
	return n >= 16384
}

func (n NotifyType) String() string {
	switch n {
	case NotifyInvalidCookie:
		return "INVALID-COOKIE"
	case NotifyInvalidFlags:
		return "INVALID-FLAGS"
	case NotifyInvalidMessageID:
		return "INVALID-MESSAGE-ID"
	case NotifyNoProposalChosen:
		return "NO-PROPOSAL-CHOSEN"
	case NotifyPayloadMalformed:
		return "PAYLOAD-MALFORMED"
	case NotifyInvalidExchangeType:
		return "INVALID-EXCHANGE-TYPE"
	case NotifyInvalidIDInformation:
		return "INVALID-ID-INFORMATION"
	case NotifyAuthenticationFailed:
		return "AUTHENTICATION-FAILED"
	case NotifyInvalidHashInformation:
		return "INVALID-HASH-INFORMATION"
	case NotifyConnected:
		return "CONNECTED"
	case NotifyResponderLifetime:
		return "RESPONDER-LIFETIME"
	case NotifyReplayStatus:
		return "REPLAY-STATUS"
	case NotifyInitialContact:
		return "INITIAL-CONTACT"
	case NotifyInternalError:
		return "INTERNAL-ERROR"
	}
	return fmt.Sprintf("NOTIFY(%d)", uint16(n))
}

// FragmentLast marks the final fragment of a message.
const FragmentLast uint8 = 0x01
