// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log         *zap.Logger
	AppLog      *zap.SugaredLogger
	InitLog     *zap.SugaredLogger
	CfgLog      *zap.SugaredLogger
	CtxLog      *zap.SugaredLogger
	IKELog      *zap.SugaredLogger
	SchedLog    *zap.SugaredLogger
	EvtLog      *zap.SugaredLogger
	KernelLog   *zap.SugaredLogger
	AdminLog    *zap.SugaredLogger
	UtilLog     *zap.SugaredLogger
	atomicLevel zap.AtomicLevel
)

func init() {
	atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	config := zap.Config{
		Level:            atomicLevel,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	encCfg := &config.EncoderConfig
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.LevelKey = "level"
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = "caller"
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	encCfg.MessageKey = "message"
	encCfg.StacktraceKey = ""

	var err error
	log, err = config.Build()
	if err != nil {
		panic(err)
	}

	AppLog = log.Sugar().With("component", "ISAKMPD", "category", "App")
	InitLog = log.Sugar().With("component", "ISAKMPD", "category", "Init")
	CfgLog = log.Sugar().With("component", "ISAKMPD", "category", "CFG")
	CtxLog = log.Sugar().With("component", "ISAKMPD", "category", "Context")
	IKELog = log.Sugar().With("component", "ISAKMPD", "category", "IKE")
	SchedLog = log.Sugar().With("component", "ISAKMPD", "category", "Sched")
	EvtLog = log.Sugar().With("component", "ISAKMPD", "category", "Evt")
	KernelLog = log.Sugar().With("component", "ISAKMPD", "category", "Kernel")
	AdminLog = log.Sugar().With("component", "ISAKMPD", "category", "Admin")
	UtilLog = log.Sugar().With("component", "ISAKMPD", "category", "Util")
}

// GetLogger returns the base zap.Logger
func GetLogger() *zap.Logger {
	return log
}

// SetLogLevel sets the log level (panic|fatal|error|warn|info|debug)
func SetLogLevel(level zapcore.Level) {
	InitLog.Infoln("set log level:", level)
	atomicLevel.SetLevel(level)
}
