// SPDX-FileCopyrightText: 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoverWithLog recovers from panic and logs the error and stack trace using the provided logger
func RecoverWithLog(logger *zap.SugaredLogger) {
	if p := recover(); p != nil {
		logger.Errorw("panic recovered", "error", p, "stack", string(debug.Stack()))
	}
}

// RecoverToError is RecoverWithLog for goroutines run under an errgroup: the
// panic is logged and handed back through errp so the group shuts down.
func RecoverToError(logger *zap.SugaredLogger, errp *error) {
	if p := recover(); p != nil {
		logger.Errorw("panic recovered", "error", p, "stack", string(debug.Stack()))
		if errp != nil && *errp == nil {
			*errp = fmt.Errorf("panic: %v", p)
		}
	}
}
