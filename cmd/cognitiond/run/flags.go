// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/config"
)

const (
	HTTPAddrKey     = "http-addr"
	DBDirKey        = "db-dir"
	EphemeralKey    = "ephemeral"
	GenesisKey      = "genesis"
	NodeIDKey       = "node-id"
	ParamsKey       = "params"
	EvalIntervalKey = "eval-interval"
	ProfileDirKey   = "profile-dir"
	ProfileFreqKey  = "profile-freq"
)

var (
	errGenesisRequired = errors.New("--genesis is required")
	errNodeIDRequired  = errors.New("--node-id is required")
	errDBDirRequired   = errors.New("--db-dir is required unless --ephemeral is set")
)

func AddFlags(flags *pflag.FlagSet) {
	flags.String(HTTPAddrKey, ":9650", "Address the HTTP server listens on")
	flags.String(DBDirKey, "", "Directory holding the chain database")
	flags.Bool(EphemeralKey, false, "Keep chain state in memory instead of on disk")
	flags.String(GenesisKey, "", "Path to the serialized genesis state (required)")
	flags.String(NodeIDKey, "", "Node ID this daemon votes as (required)")
	flags.String(ParamsKey, "", "Path to a JSON file overriding the default protocol parameters")
	flags.Duration(EvalIntervalKey, 0, "How often pending clusters and law decay are re-evaluated")
	flags.String(ProfileDirKey, "", "Directory continuous profiles are written to; profiling is off when empty")
	flags.Duration(ProfileFreqKey, 15*time.Minute, "How often the continuous profiler rotates")
}

type Config struct {
	HTTPAddr     string
	DBDir        string
	Ephemeral    bool
	GenesisPath  string
	NodeID       ids.NodeID
	Params       config.Params
	EvalInterval time.Duration
	ProfileDir   string
	ProfileFreq  time.Duration
}

func ParseFlags(flags *pflag.FlagSet, args []string) (*Config, error) {
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	httpAddr, err := flags.GetString(HTTPAddrKey)
	if err != nil {
		return nil, err
	}

	dbDir, err := flags.GetString(DBDirKey)
	if err != nil {
		return nil, err
	}

	ephemeral, err := flags.GetBool(EphemeralKey)
	if err != nil {
		return nil, err
	}
	if dbDir == "" && !ephemeral {
		return nil, errDBDirRequired
	}

	genesisPath, err := flags.GetString(GenesisKey)
	if err != nil {
		return nil, err
	}
	if genesisPath == "" {
		return nil, errGenesisRequired
	}

	nodeIDStr, err := flags.GetString(NodeIDKey)
	if err != nil {
		return nil, err
	}
	if nodeIDStr == "" {
		return nil, errNodeIDRequired
	}
	nodeID, err := ids.NodeIDFromString(nodeIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid node ID: %w", err)
	}

	paramsPath, err := flags.GetString(ParamsKey)
	if err != nil {
		return nil, err
	}
	params, err := loadParams(paramsPath)
	if err != nil {
		return nil, err
	}

	evalInterval, err := flags.GetDuration(EvalIntervalKey)
	if err != nil {
		return nil, err
	}

	profileDir, err := flags.GetString(ProfileDirKey)
	if err != nil {
		return nil, err
	}

	profileFreq, err := flags.GetDuration(ProfileFreqKey)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPAddr:     httpAddr,
		DBDir:        dbDir,
		Ephemeral:    ephemeral,
		GenesisPath:  genesisPath,
		NodeID:       nodeID,
		Params:       params,
		EvalInterval: evalInterval,
		ProfileDir:   profileDir,
		ProfileFreq:  profileFreq,
	}, nil
}

// loadParams starts from the defaults and overlays the JSON file at [path],
// so an override file only needs to name the parameters it changes.
func loadParams(path string) (config.Params, error) {
	params := config.DefaultParams()
	if path == "" {
		return params, nil
	}

	paramsBytes, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("failed to read params: %w", err)
	}
	if err := json.Unmarshal(paramsBytes, &params); err != nil {
		return params, fmt.Errorf("failed to parse params: %w", err)
	}
	return params, params.Validate()
}
