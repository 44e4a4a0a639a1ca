// SPDX-FileCopyrightText: 2024 Intel Corporation
// Copyright 2019 free5GC.org
//
// SPDX-License-Identifier: Apache-2.0

package factory

import (
	"fmt"
	"os"

	"github.com/omec-project/isakmpd/logger"
	"gopkg.in/yaml.v2"
)

var IsakmpdConfig Config

func InitConfigFactory(f string) error {
	content, err := os.ReadFile(f)
	if err != nil {
		return err
	}

	IsakmpdConfig = Config{}
	if err = yaml.Unmarshal(content, &IsakmpdConfig); err != nil {
		return err
	}
	if IsakmpdConfig.Configuration == nil {
		return fmt.Errorf("config %s has no configuration section", f)
	}
	IsakmpdConfig.Configuration.SetDefaults()
	if err = IsakmpdConfig.Configuration.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func CheckConfigVersion() error {
	currentVersion := IsakmpdConfig.getVersion()

	if currentVersion != ISAKMPD_EXPECTED_CONFIG_VERSION {
		return fmt.Errorf("config version is [%s], but expected is [%s]",
			currentVersion, ISAKMPD_EXPECTED_CONFIG_VERSION)
	}

	logger.CfgLog.Infof("config version [%s]", currentVersion)

	return nil
}
