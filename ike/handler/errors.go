// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"errors"
	"fmt"

	"github.com/omec-project/isakmpd/ike/message"
	"github.com/omec-project/isakmpd/ike/security"
)

var (
	ErrNoProfile     = errors.New("no peer profile")
	ErrPhase1Expired = errors.New("phase1 expired or gone")
	ErrNoStep        = errors.New("no step for this state")
	ErrNoResponse    = errors.New("peer did not respond")
)

// NotifyError is a step failure the peer should hear about.
type NotifyError struct {
	Code message.NotifyType
	Err  error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

func notifyErr(code message.NotifyType, format string, args ...any) error {
	return &NotifyError{Code: code, Err: fmt.Errorf(format, args...)}
}

func missing(t message.PayloadType) error {
	return notifyErr(message.NotifyPayloadMalformed, "missing %s payload", t)
}

// notifyCode returns the code to report for err, NotifyInternalError when
// nothing goes on the wire.
func notifyCode(err error) message.NotifyType {
	var ne *NotifyError
	switch {
	case errors.As(err, &ne):
		return ne.Code
	case errors.Is(err, security.ErrNoProposalChosen):
		return message.NotifyNoProposalChosen
	case errors.Is(err, security.ErrInvalidID):
		return message.NotifyInvalidIDInformation
	case errors.Is(err, security.ErrHashMismatch):
		return message.NotifyInvalidHashInformation
	case errors.Is(err, message.ErrMalformed):
		return message.NotifyPayloadMalformed
	}
	return message.NotifyInternalError
}
