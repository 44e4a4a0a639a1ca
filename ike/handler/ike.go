// SPDX-FileCopyrightText: 2025 Intel Corporation
// Copyright 2021 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"fmt"

	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/ike/message"
)

// EncodeEncrypt serializes chain behind hdr. With a Phase1 handle the body
// is encrypted under its keys and the E flag is set.
func EncodeEncrypt(c *context.IsakmpContext, ph1 *context.Phase1Handle, hdr *message.Header,
	chain []message.RawPayload,
) ([]byte, error) {
	body, err := message.EncodeChain(chain)
	if err != nil {
		return nil, fmt.Errorf("ISAKMP encode: %w", err)
	}
	hdr.NextPayload = message.FirstType(chain)
	if ph1 != nil {
		if body, err = c.Oakley.Encrypt(ph1, hdr.MessageID, body); err != nil {
			return nil, fmt.Errorf("ISAKMP encode encrypt: %w", err)
		}
		hdr.Flags |= message.FlagEncryption
	}
	pkt, err := hdr.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ISAKMP encode: %w", err)
	}
	return pkt, nil
}

// DecodeDecrypt fills msg.Payloads of an encrypted message.
func DecodeDecrypt(c *context.IsakmpContext, ph1 *context.Phase1Handle, msg *message.Message) error {
	if !msg.IsEncrypted() || msg.Payloads != nil {
		return nil
	}
	if ph1 == nil || !c.Oakley.HasKeys(ph1) {
		return errors.New("ISAKMP decode decrypt: no keys to decrypt")
	}
	plain, err := c.Oakley.Decrypt(ph1, msg.MessageID, msg.Body)
	if err != nil {
		return fmt.Errorf("ISAKMP decode decrypt: %w", err)
	}
	chain, err := message.DecodeChain(msg.NextPayload, plain)
	if err != nil {
		return fmt.Errorf("ISAKMP decode decrypt: %w", err)
	}
	msg.Payloads = chain
	return nil
}

// payloads accumulates an outbound chain, keeping the first error.
type payloads struct {
	chain []message.RawPayload
	err   error
}

func (b *payloads) raw(p message.RawPayload) {
	b.chain = append(b.chain, p)
}

func (b *payloads) add(p message.Payload) {
	if b.err != nil {
		return
	}
	raw, err := message.Raw(p)
	if err != nil {
		b.err = err
		return
	}
	b.chain = append(b.chain, raw)
}

func (b *payloads) hash(data []byte) {
	b.raw(message.RawPayload{Type: message.TypeHASH, Body: data})
}
