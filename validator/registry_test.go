// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(memdb.New(), config.DefaultValidatorParams())
}

func registerActive(t *testing.T, r *Registry, role Role, stake uint64) ids.NodeID {
	t.Helper()
	nodeID := ids.GenerateTestNodeID()
	_, err := r.Register(nodeID, role, stake, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, r.Activate(nodeID))
	return nodeID
}

func TestRegisterEnforcesMinStake(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	now := time.Unix(1700000000, 0)

	_, err := r.Register(ids.GenerateTestNodeID(), RoleResolver, 1499, now)
	require.ErrorIs(err, ErrInsufficientStake)

	v, err := r.Register(ids.GenerateTestNodeID(), RoleResolver, 1500, now)
	require.NoError(err)
	require.False(v.Active)
	require.Equal(float64(1), v.Uptime)

	// Watchdogs have a lower minimum.
	_, err = r.Register(ids.GenerateTestNodeID(), RoleWatchdog, 500, now)
	require.NoError(err)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	now := time.Unix(1700000000, 0)

	nodeID := ids.GenerateTestNodeID()
	_, err := r.Register(nodeID, RoleValidator, 1000, now)
	require.NoError(err)
	_, err = r.Register(nodeID, RoleValidator, 2000, now)
	require.ErrorIs(err, ErrAlreadyRegistered)
}

func TestActivationGatesPower(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	now := time.Unix(1700000000, 0)

	nodeID := ids.GenerateTestNodeID()
	_, err := r.Register(nodeID, RoleValidator, 1000, now)
	require.NoError(err)

	// Registration alone grants no power.
	require.Zero(r.Power(nodeID))
	total, err := r.TotalPower()
	require.NoError(err)
	require.Zero(total)

	require.NoError(r.Activate(nodeID))
	require.Equal(uint64(1000), r.Power(nodeID))
	total, err = r.TotalPower()
	require.NoError(err)
	require.Equal(uint64(1000), total)
}

func TestProposerRotationDeterministic(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	var nodeIDs []ids.NodeID
	for i := 0; i < 4; i++ {
		nodeIDs = append(nodeIDs, registerActive(t, r, RoleValidator, 1000))
	}

	p0, err := r.ProposerForRound(10, 0)
	require.NoError(err)
	p1, err := r.ProposerForRound(10, 1)
	require.NoError(err)
	require.NotEqual(p0, p1)

	// Same inputs, same proposer, including after a cache rebuild.
	again, err := r.ProposerForRound(10, 0)
	require.NoError(err)
	require.Equal(p0, again)

	r2 := NewRegistry(r.db, config.DefaultValidatorParams())
	restarted, err := r2.ProposerForRound(10, 0)
	require.NoError(err)
	require.Equal(p0, restarted)

	// The rotation wraps over the set size.
	wrapped, err := r.ProposerForRound(10, 4)
	require.NoError(err)
	require.Equal(p0, wrapped)

	// Every registered node appears somewhere in the rotation.
	seen := make(map[ids.NodeID]struct{})
	for round := uint32(0); round < 4; round++ {
		p, err := r.ProposerForRound(10, round)
		require.NoError(err)
		seen[p] = struct{}{}
	}
	require.Len(seen, len(nodeIDs))
}

func TestProposerForRoundNoActiveSet(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	_, err := r.ProposerForRound(1, 0)
	require.ErrorIs(err, ErrNoActiveValidators)
}

func TestRecordActivityEMA(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	now := time.Unix(1700000000, 0)

	nodeID := registerActive(t, r, RoleValidator, 1000)

	crossed, err := r.RecordActivity(nodeID, true, now)
	require.NoError(err)
	require.False(crossed)

	v, err := r.Get(nodeID)
	require.NoError(err)
	require.Equal(float64(1), v.Uptime)

	// Repeated misses erode uptime until the floor deactivates the node.
	for i := 0; i < 6; i++ {
		crossed, err = r.RecordActivity(nodeID, false, now)
		require.NoError(err)
	}
	require.False(crossed)

	crossed, err = r.RecordActivity(nodeID, false, now)
	require.NoError(err)
	require.True(crossed)

	v, err = r.Get(nodeID)
	require.NoError(err)
	require.False(v.Active)
	require.Less(v.Uptime, 0.5)
	require.Zero(r.Power(nodeID))

	// Crossing is reported once; further misses are not a new crossing.
	crossed, err = r.RecordActivity(nodeID, false, now)
	require.NoError(err)
	require.False(crossed)
}

func TestSlashOffenses(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := registerActive(t, r, RoleValidator, 100000)

	v, err := r.Slash(nodeID, 0.5)
	require.NoError(err)
	require.Equal(uint64(50000), v.Stake)
	require.Equal(uint32(1), v.Offenses)
	require.True(v.Active)

	_, err = r.Slash(nodeID, 0.5)
	require.NoError(err)

	// Third offense deactivates regardless of remaining stake.
	v, err = r.Slash(nodeID, 0.5)
	require.NoError(err)
	require.Equal(uint32(3), v.Offenses)
	require.False(v.Active)
}

func TestSlashBelowMinimumDeactivates(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := registerActive(t, r, RoleValidator, 1000)

	// One slash leaves 500, under the 1000 role minimum.
	v, err := r.Slash(nodeID, 0.5)
	require.NoError(err)
	require.Equal(uint64(500), v.Stake)
	require.False(v.Active)
}

func TestSetRole(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)

	nodeID := registerActive(t, r, RoleValidator, 1000)

	// Resolver requires 1500; refuse the change.
	require.ErrorIs(r.SetRole(nodeID, RoleResolver), ErrInsufficientStake)

	require.NoError(r.SetRole(nodeID, RoleWatchdog))
	v, err := r.Get(nodeID)
	require.NoError(err)
	require.Equal(RoleWatchdog, v.Role)
}

func TestGetUnknownValidator(t *testing.T) {
	require := require.New(t)
	r := newTestRegistry(t)
	_, err := r.Get(ids.GenerateTestNodeID())
	require.ErrorIs(err, ErrValidatorNotFound)
}
