// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package genesis

import (
	"errors"

	"github.com/spf13/pflag"
)

const (
	ConfigKey = "config"
	OutputKey = "output"
)

var errConfigRequired = errors.New("--config is required")

func AddFlags(flags *pflag.FlagSet) {
	flags.String(ConfigKey, "", "Path to the JSON genesis description (required)")
	flags.String(OutputKey, "genesis.bin", "Path the serialized genesis state is written to")
}

type Config struct {
	ConfigPath string
	OutputPath string
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	configPath, err := flags.GetString(ConfigKey)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		return nil, errConfigRequired
	}

	outputPath, err := flags.GetString(OutputKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		ConfigPath: configPath,
		OutputPath: outputPath,
	}, nil
}
