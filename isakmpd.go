// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/omec-project/isakmpd/logger"
	"github.com/omec-project/isakmpd/service"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

var ISAKMPD = &service.ISAKMPD{}

var appLog *zap.SugaredLogger

func init() {
	appLog = logger.AppLog
}

func main() {
	app := cli.NewApp()
	app.Name = "isakmpd"
	appLog.Infoln(app.Name)
	app.Usage = "-cfg isakmpd configuration file"
	app.Action = action
	app.Flags = ISAKMPD.GetCliCmd()
	if err := app.Run(os.Args); err != nil {
		appLog.Errorf("ISAKMPD run Error: %v", err)
		os.Exit(1)
	}
}

func action(c *cli.Context) error {
	if err := ISAKMPD.Initialize(c); err != nil {
		logger.CfgLog.Errorf("%+v", err)
		return fmt.Errorf("failed to initialize")
	}

	return ISAKMPD.Start()
}
