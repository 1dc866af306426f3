// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
}

func TestPoCParamsValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*PoCParams)
		expected error
	}{
		{
			name:     "too few agents",
			mutate:   func(p *PoCParams) { p.MinAgents = 1 },
			expected: ErrInvalidMinAgents,
		},
		{
			name:     "confidence above one",
			mutate:   func(p *PoCParams) { p.MinConfidence = 1.5 },
			expected: ErrInvalidConfidence,
		},
		{
			name:     "zero independence",
			mutate:   func(p *PoCParams) { p.MinIndependence = 0 },
			expected: ErrInvalidIndependence,
		},
		{
			name:     "ttl below window",
			mutate:   func(p *PoCParams) { p.ClusterTTL = time.Hour },
			expected: ErrInvalidTTL,
		},
		{
			name:     "negative weight",
			mutate:   func(p *PoCParams) { p.Gamma = -0.1 },
			expected: ErrInvalidWeights,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPoCParams()
			tt.mutate(&p)
			require.ErrorIs(t, p.Validate(), tt.expected)
		})
	}
}

func TestConsensusParamsValidate(t *testing.T) {
	require := require.New(t)

	p := DefaultConsensusParams()
	require.NoError(p.Validate())

	// A quorum at or below half loses Byzantine safety.
	p.QuorumNum = 1
	p.QuorumDen = 2
	require.ErrorIs(p.Validate(), ErrInvalidQuorum)

	p = DefaultConsensusParams()
	p.RoundTimeout = time.Second
	require.ErrorIs(p.Validate(), ErrInvalidTimeout)

	p = DefaultConsensusParams()
	p.ActivationPath = ActivationPath(42)
	require.ErrorIs(p.Validate(), ErrInvalidActivationPath)
}

func TestValidatorParamsValidate(t *testing.T) {
	require := require.New(t)

	p := DefaultValidatorParams()
	p.MinStakeWatchdog = 0
	require.ErrorIs(p.Validate(), ErrInvalidStake)

	p = DefaultValidatorParams()
	p.UptimeFloor = 1.2
	require.ErrorIs(p.Validate(), ErrInvalidUptime)

	p = DefaultValidatorParams()
	p.SlashFraction = 0
	require.ErrorIs(p.Validate(), ErrInvalidSlashFraction)
}

func TestActivationPathString(t *testing.T) {
	require := require.New(t)
	require.Equal("poc", ActivationPoC.String())
	require.Equal("supermajority", ActivationSupermajority.String())
	require.Equal("either", ActivationEither.String())
	require.Equal("unknown", ActivationPath(9).String())
}
