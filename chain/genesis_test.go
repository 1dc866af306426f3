// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/validator"
)

func TestGenesisRoundTrip(t *testing.T) {
	require := require.New(t)

	g := &Genesis{
		Timestamp: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC).Unix(),
		Validators: []GenesisValidator{
			{
				NodeID: ids.GenerateTestNodeID(),
				Role:   validator.RoleValidator,
				Stake:  1000,
			},
			{
				NodeID: ids.GenerateTestNodeID(),
				Role:   validator.RoleWatchdog,
				Stake:  500,
			},
		},
		Laws: []GenesisLaw{
			{
				Type:       law.TypeGoverned,
				Expression: "IF spend > limit THEN reject",
				Context:    "treasury",
				Confidence: 900_000,
			},
		},
	}

	genesisBytes, err := BuildGenesis(g)
	require.NoError(err)

	parsed, err := ParseGenesis(genesisBytes)
	require.NoError(err)
	require.Equal(g, parsed)
}

func TestGenesisRejectsEmptyValidators(t *testing.T) {
	require := require.New(t)

	_, err := BuildGenesis(&Genesis{Timestamp: 1})
	require.ErrorIs(err, ErrEmptyGenesis)

	_, err = ParseGenesis(nil)
	require.Error(err)

	_, err = ParseGenesis([]byte("not a genesis"))
	require.Error(err)
}

func TestGenesisAppliedOnce(t *testing.T) {
	require := require.New(t)

	db := memdb.New()
	nodeID := ids.GenerateTestNodeID()
	genesisBytes, err := BuildGenesis(&Genesis{
		Timestamp: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC).Unix(),
		Validators: []GenesisValidator{
			{
				NodeID: nodeID,
				Role:   validator.RoleValidator,
				Stake:  1000,
			},
		},
		Laws: []GenesisLaw{
			{
				Type:       law.TypeGoverned,
				Expression: "IF spend > limit THEN reject",
				Context:    "treasury",
				Confidence: 900_000,
			},
		},
	})
	require.NoError(err)

	cfg := Config{
		Params:     testParams(),
		NodeID:     nodeID,
		Log:        log.NoLog{},
		DB:         db,
		Registerer: metric.NewRegistry(),
		Genesis:    genesisBytes,
	}
	c, err := New(cfg)
	require.NoError(err)
	c.Shutdown()

	v, err := c.GetValidator(nodeID)
	require.NoError(err)
	require.True(v.Active)
	require.Equal(uint64(1000), v.Stake)

	seeded, err := c.GetLaw(law.ComputeID("IF spend > limit THEN reject", "treasury"))
	require.NoError(err)
	require.Equal(law.StatusActive, seeded.Status)
	require.InDelta(0.9, seeded.Confidence, 1e-6)

	// A restart over the same database must not re-register anything.
	cfg.Registerer = metric.NewRegistry()
	restarted, err := New(cfg)
	require.NoError(err)
	restarted.Shutdown()

	active, err := restarted.ActiveValidators()
	require.NoError(err)
	require.Len(active, 1)
}
