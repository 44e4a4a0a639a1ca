// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Payload is a typed ISAKMP payload body.
type Payload interface {
	Type() PayloadType

	marshal() ([]byte, error)
	unmarshal(rawData []byte) error
}

// PayloadContainer is an ordered list of typed payloads.
type PayloadContainer []Payload

// Encode converts typed payloads into a raw chain.
func (container PayloadContainer) Encode() ([]RawPayload, error) {
	chain := make([]RawPayload, 0, len(container))
	for _, p := range container {
		body, err := p.marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
		}
		chain = append(chain, RawPayload{Type: p.Type(), Body: body})
	}
	return chain, nil
}

// Raw marshals a single typed payload.
func Raw(p Payload) (RawPayload, error) {
	body, err := p.marshal()
	if err != nil {
		return RawPayload{}, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	return RawPayload{Type: p.Type(), Body: body}, nil
}

// Unmarshal decodes the body of raw into p. The payload type must match.
func Unmarshal(raw *RawPayload, p Payload) error {
	if raw == nil {
		return fmt.Errorf("%w: missing %s payload", ErrMalformed, p.Type())
	}
	if raw.Type != p.Type() {
		return fmt.Errorf("payload type %s does not match %s", raw.Type, p.Type())
	}
	if err := p.unmarshal(raw.Body); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, p.Type(), err)
	}
	return nil
}

// Definition of Security Association
var _ Payload = &SecurityAssociation{}

type SecurityAssociation struct {
	DOI       uint32
	Situation uint32
	Proposals []*Proposal
}

type Proposal struct {
	Number     uint8
	ProtocolID uint8
	SPI        []byte
	Transforms []*Transform
}

type Transform struct {
	Number     uint8
	ID         uint8
	Attributes []Attribute
}

// Attribute is a data attribute. Basic (TV) attributes carry Value; variable
// (TLV) attributes carry Data.
type Attribute struct {
	Type  uint16
	Basic bool
	Value uint16
	Data  []byte
}

// BasicAttribute builds a TV attribute.
func BasicAttribute(t, v uint16) Attribute {
	return Attribute{Type: t, Basic: true, Value: v}
}

// LongAttribute builds a TLV attribute holding v as a big-endian integer.
func LongAttribute(t uint16, v uint32) Attribute {
	if v <= math.MaxUint16 {
		return BasicAttribute(t, uint16(v))
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return Attribute{Type: t, Data: data}
}

// Uint returns the attribute value regardless of its encoding.
func (a Attribute) Uint() uint32 {
	if a.Basic {
		return uint32(a.Value)
	}
	var v uint32
	for _, b := range a.Data {
		v = v<<8 | uint32(b)
	}
	return v
}

// Attribute returns the first attribute of the given type.
func (t *Transform) Attribute(typ uint16) (Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Type == typ {
			return a, true
		}
	}
	return Attribute{}, false
}

func (sa *SecurityAssociation) Type() PayloadType { return TypeSA }

func (sa *SecurityAssociation) marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], sa.DOI)
	binary.BigEndian.PutUint32(b[4:8], sa.Situation)

	for i, proposal := range sa.Proposals {
		if len(proposal.Transforms) == 0 {
			return nil, errors.New("one proposal has no any transform")
		}
		if len(proposal.SPI) > math.MaxUint8 || len(proposal.Transforms) > math.MaxUint8 {
			return nil, fmt.Errorf("proposal %d: too many SPI bytes or transforms", proposal.Number)
		}
		proposalData := make([]byte, 8)
		if i+1 < len(sa.Proposals) {
			proposalData[0] = byte(TypeP)
		}
		proposalData[4] = proposal.Number
		proposalData[5] = proposal.ProtocolID
		proposalData[6] = uint8(len(proposal.SPI))
		proposalData[7] = uint8(len(proposal.Transforms))
		proposalData = append(proposalData, proposal.SPI...)

		for j, transform := range proposal.Transforms {
			transformData := make([]byte, 8)
			if j+1 < len(proposal.Transforms) {
				transformData[0] = byte(TypeT)
			}
			transformData[4] = transform.Number
			transformData[5] = transform.ID
			for _, attr := range transform.Attributes {
				a, err := attr.marshal()
				if err != nil {
					return nil, err
				}
				transformData = append(transformData, a...)
			}
			if len(transformData) > math.MaxUint16 {
				return nil, fmt.Errorf("transform data length exceeds uint16 limit: %d", len(transformData))
			}
			binary.BigEndian.PutUint16(transformData[2:4], uint16(len(transformData)))
			proposalData = append(proposalData, transformData...)
		}

		if len(proposalData) > math.MaxUint16 {
			return nil, fmt.Errorf("proposal data length exceeds uint16 limit: %d", len(proposalData))
		}
		binary.BigEndian.PutUint16(proposalData[2:4], uint16(len(proposalData)))
		b = append(b, proposalData...)
	}
	return b, nil
}

func (sa *SecurityAssociation) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	var ok bool
	if sa.DOI, ok = r.uint32(); !ok {
		return errors.New("no sufficient bytes for DOI")
	}
	if sa.Situation, ok = r.uint32(); !ok {
		return errors.New("no sufficient bytes for situation")
	}
	for np := TypeP; np == TypeP; {
		hdr, body, err := subPayload(r)
		if err != nil {
			return fmt.Errorf("proposal: %w", err)
		}
		np = PayloadType(hdr)
		pr := newReader(body)
		proposal := new(Proposal)
		var spiSize, count uint8
		proposal.Number, _ = pr.uint8()
		proposal.ProtocolID, _ = pr.uint8()
		spiSize, _ = pr.uint8()
		if count, ok = pr.uint8(); !ok {
			return errors.New("proposal: truncated header")
		}
		spi, ok := pr.bytes(int(spiSize))
		if !ok {
			return errors.New("proposal: truncated SPI")
		}
		proposal.SPI = append([]byte(nil), spi...)
		for i := 0; i < int(count); i++ {
			_, tbody, err := subPayload(pr)
			if err != nil {
				return fmt.Errorf("transform: %w", err)
			}
			tr := newReader(tbody)
			transform := new(Transform)
			transform.Number, _ = tr.uint8()
			transform.ID, _ = tr.uint8()
			if _, ok = tr.uint16(); !ok {
				return errors.New("transform: truncated header")
			}
			for tr.remaining() > 0 {
				attr, err := unmarshalAttribute(tr)
				if err != nil {
					return err
				}
				transform.Attributes = append(transform.Attributes, attr)
			}
			proposal.Transforms = append(proposal.Transforms, transform)
		}
		sa.Proposals = append(sa.Proposals, proposal)
		if r.remaining() == 0 {
			break
		}
	}
	return nil
}

// subPayload reads one nested generic header and its body.
func subPayload(r *reader) (uint8, []byte, error) {
	next, ok := r.uint8()
	if !ok {
		return 0, nil, errors.New("no sufficient bytes for header")
	}
	r.uint8()
	length, ok := r.uint16()
	if !ok || int(length) < PAYLOAD_HEADER_LEN {
		return 0, nil, fmt.Errorf("illegal length %d", length)
	}
	body, ok := r.bytes(int(length) - PAYLOAD_HEADER_LEN)
	if !ok {
		return 0, nil, fmt.Errorf("length %d exceeds remaining bytes", length)
	}
	return next, body, nil
}

func (a Attribute) marshal() ([]byte, error) {
	b := make([]byte, 4)
	if a.Basic {
		binary.BigEndian.PutUint16(b[0:2], attributeFormatTV|(a.Type&attributeTypeMask))
		binary.BigEndian.PutUint16(b[2:4], a.Value)
		return b, nil
	}
	if len(a.Data) > math.MaxUint16 {
		return nil, fmt.Errorf("attribute %d length exceeds uint16 limit", a.Type)
	}
	binary.BigEndian.PutUint16(b[0:2], a.Type&attributeTypeMask)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(a.Data)))
	return append(b, a.Data...), nil
}

func unmarshalAttribute(r *reader) (Attribute, error) {
	ft, ok := r.uint16()
	if !ok {
		return Attribute{}, errors.New("attribute: truncated type")
	}
	v, ok := r.uint16()
	if !ok {
		return Attribute{}, errors.New("attribute: truncated value")
	}
	attr := Attribute{Type: ft & attributeTypeMask}
	if ft&attributeFormatTV != 0 {
		attr.Basic = true
		attr.Value = v
		return attr, nil
	}
	data, ok := r.bytes(int(v))
	if !ok {
		return Attribute{}, fmt.Errorf("attribute %d: length %d exceeds transform", attr.Type, v)
	}
	attr.Data = append([]byte(nil), data...)
	return attr, nil
}

// Definition of Key Exchange
var _ Payload = &KeyExchange{}

type KeyExchange struct {
	KeyExchangeData []byte
}

func (ke *KeyExchange) Type() PayloadType { return TypeKE }

func (ke *KeyExchange) marshal() ([]byte, error) {
	return append([]byte(nil), ke.KeyExchangeData...), nil
}

func (ke *KeyExchange) unmarshal(rawData []byte) error {
	if len(rawData) == 0 {
		return errors.New("empty key exchange data")
	}
	ke.KeyExchangeData = append([]byte(nil), rawData...)
	return nil
}

// Definition of Identification
var _ Payload = &Identification{}

type Identification struct {
	IDType     uint8
	ProtocolID uint8
	Port       uint16
	IDData     []byte
}

func (id *Identification) Type() PayloadType { return TypeID }

func (id *Identification) marshal() ([]byte, error) {
	b := make([]byte, 4, 4+len(id.IDData))
	b[0] = id.IDType
	b[1] = id.ProtocolID
	binary.BigEndian.PutUint16(b[2:4], id.Port)
	return append(b, id.IDData...), nil
}

func (id *Identification) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	id.IDType, _ = r.uint8()
	id.ProtocolID, _ = r.uint8()
	port, ok := r.uint16()
	if !ok {
		return errors.New("no sufficient bytes for identification header")
	}
	id.Port = port
	id.IDData = r.rest()
	return nil
}

// Definition of Certificate and Certificate Request
var (
	_ Payload = &Certificate{}
	_ Payload = &CertificateRequest{}
)

type Certificate struct {
	Encoding uint8
	Data     []byte
}

func (c *Certificate) Type() PayloadType { return TypeCERT }

func (c *Certificate) marshal() ([]byte, error) {
	return append([]byte{c.Encoding}, c.Data...), nil
}

func (c *Certificate) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	enc, ok := r.uint8()
	if !ok {
		return errors.New("no sufficient bytes for certificate encoding")
	}
	c.Encoding = enc
	c.Data = r.rest()
	return nil
}

type CertificateRequest struct {
	Encoding  uint8
	Authority []byte
}

func (c *CertificateRequest) Type() PayloadType { return TypeCR }

func (c *CertificateRequest) marshal() ([]byte, error) {
	return append([]byte{c.Encoding}, c.Authority...), nil
}

func (c *CertificateRequest) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	enc, ok := r.uint8()
	if !ok {
		return errors.New("no sufficient bytes for certificate request encoding")
	}
	c.Encoding = enc
	c.Authority = r.rest()
	return nil
}

// Opaque payloads whose whole body is one value.
var (
	_ Payload = &Hash{}
	_ Payload = &Signature{}
	_ Payload = &Nonce{}
	_ Payload = &VendorID{}
	_ Payload = &NATDiscovery{}
)

type Hash struct{ Data []byte }

func (h *Hash) Type() PayloadType              { return TypeHASH }
func (h *Hash) marshal() ([]byte, error)       { return append([]byte(nil), h.Data...), nil }
func (h *Hash) unmarshal(rawData []byte) error { return opaque(&h.Data, rawData, "hash") }

type Signature struct{ Data []byte }

func (s *Signature) Type() PayloadType              { return TypeSIG }
func (s *Signature) marshal() ([]byte, error)       { return append([]byte(nil), s.Data...), nil }
func (s *Signature) unmarshal(rawData []byte) error { return opaque(&s.Data, rawData, "signature") }

type Nonce struct{ NonceData []byte }

func (n *Nonce) Type() PayloadType        { return TypeNONCE }
func (n *Nonce) marshal() ([]byte, error) { return append([]byte(nil), n.NonceData...), nil }
func (n *Nonce) unmarshal(rawData []byte) error {
	// RFC 2409 5: nonce length is between 8 and 256 bytes
	if len(rawData) < 8 || len(rawData) > 256 {
		return fmt.Errorf("nonce length %d out of range", len(rawData))
	}
	n.NonceData = append([]byte(nil), rawData...)
	return nil
}

type VendorID struct{ VendorIDData []byte }

func (v *VendorID) Type() PayloadType        { return TypeVID }
func (v *VendorID) marshal() ([]byte, error) { return append([]byte(nil), v.VendorIDData...), nil }
func (v *VendorID) unmarshal(rawData []byte) error {
	return opaque(&v.VendorIDData, rawData, "vendor ID")
}

type NATDiscovery struct{ HashData []byte }

func (n *NATDiscovery) Type() PayloadType        { return TypeNATD }
func (n *NATDiscovery) marshal() ([]byte, error) { return append([]byte(nil), n.HashData...), nil }
func (n *NATDiscovery) unmarshal(rawData []byte) error {
	return opaque(&n.HashData, rawData, "NAT discovery")
}

func opaque(dst *[]byte, rawData []byte, what string) error {
	if len(rawData) == 0 {
		return fmt.Errorf("empty %s", what)
	}
	*dst = append([]byte(nil), rawData...)
	return nil
}

// Definition of Notification
var _ Payload = &Notification{}

type Notification struct {
	DOI               uint32
	ProtocolID        uint8
	NotifyMessageType NotifyType
	SPI               []byte
	NotificationData  []byte
}

func (n *Notification) Type() PayloadType { return TypeN }

func (n *Notification) marshal() ([]byte, error) {
	if len(n.SPI) > math.MaxUint8 {
		return nil, fmt.Errorf("SPI size exceeds uint8 limit: %d", len(n.SPI))
	}
	b := make([]byte, 8, 8+len(n.SPI)+len(n.NotificationData))
	binary.BigEndian.PutUint32(b[0:4], n.DOI)
	b[4] = n.ProtocolID
	b[5] = uint8(len(n.SPI))
	binary.BigEndian.PutUint16(b[6:8], uint16(n.NotifyMessageType))
	b = append(b, n.SPI...)
	return append(b, n.NotificationData...), nil
}

func (n *Notification) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	n.DOI, _ = r.uint32()
	n.ProtocolID, _ = r.uint8()
	spiSize, _ := r.uint8()
	t, ok := r.uint16()
	if !ok {
		return errors.New("no sufficient bytes to decode notification")
	}
	n.NotifyMessageType = NotifyType(t)
	spi, ok := r.bytes(int(spiSize))
	if !ok {
		return errors.New("no sufficient bytes to get SPI according to the length specified in header")
	}
	n.SPI = append([]byte(nil), spi...)
	n.NotificationData = r.rest()
	return nil
}

// Definition of Delete
var _ Payload = &Delete{}

type Delete struct {
	DOI        uint32
	ProtocolID uint8
	SPISize    uint8
	SPIs       [][]byte
}

func (d *Delete) Type() PayloadType { return TypeD }

func (d *Delete) marshal() ([]byte, error) {
	if len(d.SPIs) > math.MaxUint16 {
		return nil, errors.New("number of SPI not correct")
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], d.DOI)
	b[4] = d.ProtocolID
	b[5] = d.SPISize
	binary.BigEndian.PutUint16(b[6:8], uint16(len(d.SPIs)))
	for _, spi := range d.SPIs {
		if len(spi) != int(d.SPISize) {
			return nil, fmt.Errorf("SPI length %d does not match SPI size %d", len(spi), d.SPISize)
		}
		b = append(b, spi...)
	}
	return b, nil
}

func (d *Delete) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	d.DOI, _ = r.uint32()
	d.ProtocolID, _ = r.uint8()
	d.SPISize, _ = r.uint8()
	count, ok := r.uint16()
	if !ok {
		return errors.New("no sufficient bytes to decode delete")
	}
	for i := 0; i < int(count); i++ {
		spi, ok := r.bytes(int(d.SPISize))
		if !ok {
			return errors.New("no sufficient bytes to get SPIs according to the length specified in header")
		}
		d.SPIs = append(d.SPIs, append([]byte(nil), spi...))
	}
	return nil
}

// Definition of Fragment
var _ Payload = &Fragment{}

type Fragment struct {
	ID    uint16
	Index uint8
	Flags uint8
	Data  []byte
}

func (f *Fragment) Type() PayloadType { return TypeFRAG }

func (f *Fragment) IsLast() bool { return f.Flags&FragmentLast != 0 }

func (f *Fragment) marshal() ([]byte, error) {
	b := make([]byte, 4, 4+len(f.Data))
	binary.BigEndian.PutUint16(b[0:2], f.ID)
	b[2] = f.Index
	b[3] = f.Flags
	return append(b, f.Data...), nil
}

func (f *Fragment) unmarshal(rawData []byte) error {
	r := newReader(rawData)
	f.ID, _ = r.uint16()
	f.Index, _ = r.uint8()
	flags, ok := r.uint8()
	if !ok {
		return errors.New("no sufficient bytes to decode fragment header")
	}
	f.Flags = flags
	f.Data = r.rest()
	return nil
}
