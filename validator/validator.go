// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package validator tracks validator identity, role, stake, and uptime, and
// computes the deterministic proposer rotation.
package validator

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/config"
)

// Role defines what a validator does on the network. A validator holds
// exactly one role at a time; role changes replace the previous role.
type Role uint8

const (
	// RoleMiner runs rule discovery and submits rule commits.
	RoleMiner Role = iota
	// RoleValidator votes in block consensus rounds.
	RoleValidator
	// RoleResolver arbitrates law conflicts.
	RoleResolver
	// RoleWatchdog monitors for equivocation and submits offense evidence.
	RoleWatchdog
)

func (r Role) String() string {
	switch r {
	case RoleMiner:
		return "miner"
	case RoleValidator:
		return "validator"
	case RoleResolver:
		return "resolver"
	case RoleWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// MinStake returns the registration minimum for the role.
func (r Role) MinStake(params config.ValidatorParams) uint64 {
	switch r {
	case RoleMiner:
		return params.MinStakeMiner
	case RoleValidator:
		return params.MinStakeValidator
	case RoleResolver:
		return params.MinStakeResolver
	case RoleWatchdog:
		return params.MinStakeWatchdog
	default:
		return 0
	}
}

// Validator is one registered node. Records are deactivated, never deleted.
type Validator struct {
	NodeID     ids.NodeID `json:"nodeId"`
	Role       Role       `json:"role"`
	Stake      uint64     `json:"stake"`
	Active     bool       `json:"active"`
	Uptime     float64    `json:"uptime"`
	Offenses   uint32     `json:"offenses"`
	LastActive int64      `json:"lastActive"`
	CreatedAt  int64      `json:"createdAt"`
}

// Power is the validator's consensus weight.
func (v *Validator) Power() uint64 {
	if !v.Active {
		return 0
	}
	return v.Stake
}
