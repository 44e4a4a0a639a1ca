// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	stdctx "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/omec-project/isakmpd/admin"
	"github.com/omec-project/isakmpd/context"
	"github.com/omec-project/isakmpd/factory"
	"github.com/omec-project/isakmpd/ike/frag"
	"github.com/omec-project/isakmpd/ike/security"
	ikeService "github.com/omec-project/isakmpd/ike/service"
	"github.com/omec-project/isakmpd/ike/xfrm"
	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/util"
	utilLogger "github.com/omec-project/util/logger"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// ISAKMPD main struct
type ISAKMPD struct {
	ctx    *context.IsakmpContext
	server *ikeService.Server
	kernel *xfrm.Kernel
	admin  *admin.Server
}

// Config holds configuration file path
type Config struct {
	cfg string
}

var config Config

var isakmpdCli = []cli.Flag{
	cli.StringFlag{
		Name:     "cfg",
		Usage:    "isakmpd config file",
		Required: true,
	},
}

func (*ISAKMPD) GetCliCmd() (flags []cli.Flag) {
	return isakmpdCli
}

// Initialize loads config and sets log levels
func (d *ISAKMPD) Initialize(c *cli.Context) error {
	config = Config{cfg: c.String("cfg")}
	absPath, err := filepath.Abs(config.cfg)
	if err != nil {
		logger.CfgLog.Errorln(err)
		return err
	}
	if err := factory.InitConfigFactory(absPath); err != nil {
		return err
	}
	if err := factory.CheckConfigVersion(); err != nil {
		return err
	}
	d.setLogLevel()
	return nil
}

// setLogLevel configures log levels for all modules
func (d *ISAKMPD) setLogLevel() {
	cfgLogger := factory.IsakmpdConfig.Logger
	if cfgLogger == nil {
		logger.InitLog.Warnln("ISAKMPD config without log level setting")
		return
	}
	setModuleLogLevel(cfgLogger.ISAKMPD, logger.InitLog, logger.SetLogLevel, "ISAKMPD")
	setModuleLogLevel(cfgLogger.Util, utilLogger.UtilLog, utilLogger.SetLogLevel, "Util (idgenerator, etc.)")
}

// setModuleLogLevel is a helper to reduce repetition in log level setup
func setModuleLogLevel(moduleCfg *utilLogger.LogSetting, logObj *zap.SugaredLogger, setLevel func(zapcore.Level), moduleName string) {
	if moduleCfg == nil || moduleCfg.DebugLevel == "" {
		logObj.Warnf("%s Log level not set. Default set to [info] level", moduleName)
		setLevel(zap.InfoLevel)
		return
	}
	level, err := zapcore.ParseLevel(moduleCfg.DebugLevel)
	if err != nil {
		logObj.Warnf("%s Log level [%s] is invalid, set to [info] level", moduleName, moduleCfg.DebugLevel)
		setLevel(zap.InfoLevel)
		return
	}
	logObj.Infof("%s Log level is set to [%s] level", moduleName, level)
	setLevel(level)
}

// FilterCli returns CLI args for flags
func (d *ISAKMPD) FilterCli(c *cli.Context) (args []string) {
	for _, flag := range d.GetCliCmd() {
		name := flag.GetName()
		value := fmt.Sprint(c.Generic(name))
		if value == "" {
			continue
		}
		args = append(args, "--"+name, value)
	}
	return args
}

// newContext wires the collaborators of the negotiation core.
func (d *ISAKMPD) newContext(cfg *factory.Configuration) error {
	suite, err := security.NewSuite()
	if err != nil {
		return err
	}
	d.ctx = context.NewIsakmpContext(cfg, nil)
	d.kernel = xfrm.NewKernel()
	d.ctx.Oakley = suite
	d.ctx.Kernel = d.kernel
	d.ctx.Policies = xfrm.NewPolicyDB()
	// a peer gives up on a message after its whole retry budget
	fragAge := time.Duration(cfg.Retry.Count) * cfg.Retry.Interval
	d.ctx.NewReassembler = func() context.Reassembler { return frag.New(d.ctx.Sched.Now, fragAge) }
	d.server = ikeService.NewServer(d.ctx)
	d.admin = admin.NewServer(d.ctx, d.server)
	return nil
}

// Start launches all services and blocks until a signal or a fatal error
// stops them.
func (d *ISAKMPD) Start() error {
	logger.InitLog.Infoln("server started")
	if err := d.newContext(factory.IsakmpdConfig.Configuration); err != nil {
		logger.InitLog.Errorf("initializing context failed: %+v", err)
		return err
	}

	g, gctx := errgroup.WithContext(stdctx.Background())
	if err := d.kernel.Start(g); err != nil {
		logger.InitLog.Errorf("start XFRM monitor failed: %+v", err)
		return err
	}
	logger.InitLog.Infoln("XFRM monitor running")
	if err := d.server.Run(g); err != nil {
		logger.InitLog.Errorf("start ISAKMP service failed: %+v", err)
		d.kernel.Close()
		return err
	}
	logger.InitLog.Infoln("ISAKMP service running")
	if err := d.admin.Run(g); err != nil {
		logger.InitLog.Errorf("start admin service failed: %+v", err)
		d.server.Stop()
		d.kernel.Close()
		return err
	}
	logger.InitLog.Infoln("admin service running")
	logger.InitLog.Infoln("ISAKMPD running")

	g.Go(func() error {
		d.ListenShutdownEvent(gctx)
		return nil
	})
	err := g.Wait()
	if err != nil && !errors.Is(err, stdctx.Canceled) {
		logger.InitLog.Errorf("ISAKMPD stopped: %+v", err)
		return err
	}
	logger.InitLog.Infoln("ISAKMPD stopped")
	return nil
}

// ListenShutdownEvent waits for a signal or for a failing service and stops
// everything else.
func (d *ISAKMPD) ListenShutdownEvent(ctx stdctx.Context) {
	defer util.RecoverWithLog(logger.InitLog)
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChannel)
	select {
	case sig := <-signalChannel:
		logger.InitLog.Infof("received %s", sig)
	case <-ctx.Done():
	}
	d.Terminate()
}

// Terminate tells subscribers the daemon is going away and stops all
// services.
func (d *ISAKMPD) Terminate() {
	logger.InitLog.Infoln("stopping service created by ISAKMPD")
	if err := d.server.Submit(func() error {
		d.ctx.Events.Close()
		return nil
	}); err != nil {
		logger.InitLog.Debugf("event emitter: %+v", err)
	}
	d.admin.Stop()
	d.server.Stop()
	d.kernel.Close()
}
