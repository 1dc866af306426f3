// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestVoteSetFirstVoteWins(t *testing.T) {
	require := require.New(t)

	vs := NewVoteSet(PhasePrevote)
	nodeID := ids.GenerateTestNodeID()
	blockA := ids.GenerateTestID()
	blockB := ids.GenerateTestID()

	added, err := vs.Add(&Vote{NodeID: nodeID, BlockID: blockA, Phase: PhasePrevote}, 100)
	require.NoError(err)
	require.True(added)

	// An identical duplicate is a silent no-op.
	added, err = vs.Add(&Vote{NodeID: nodeID, BlockID: blockA, Phase: PhasePrevote}, 100)
	require.NoError(err)
	require.False(added)
	require.Equal(uint64(100), vs.PowerFor(blockA))

	// A conflicting vote is equivocation; the tally is unchanged and the
	// validator is flagged.
	added, err = vs.Add(&Vote{NodeID: nodeID, BlockID: blockB, Phase: PhasePrevote}, 100)
	require.ErrorIs(err, ErrEquivocation)
	require.False(added)
	require.Equal(uint64(100), vs.PowerFor(blockA))
	require.Zero(vs.PowerFor(blockB))
	require.Equal([]ids.NodeID{nodeID}, vs.Flagged())

	// Replaying the original vote after the equivocation stays a no-op.
	added, err = vs.Add(&Vote{NodeID: nodeID, BlockID: blockA, Phase: PhasePrevote}, 100)
	require.NoError(err)
	require.False(added)
}

func TestVoteSetRejectsWrongPhase(t *testing.T) {
	require := require.New(t)
	vs := NewVoteSet(PhasePrevote)
	_, err := vs.Add(&Vote{NodeID: ids.GenerateTestNodeID(), Phase: PhasePrecommit}, 1)
	require.ErrorIs(err, ErrWrongPhase)
}

func TestVoteSetLeader(t *testing.T) {
	require := require.New(t)

	vs := NewVoteSet(PhasePrevote)
	blockA := ids.GenerateTestID()
	blockB := ids.GenerateTestID()

	mustAdd := func(blockID ids.ID, power uint64) {
		_, err := vs.Add(&Vote{NodeID: ids.GenerateTestNodeID(), BlockID: blockID, Phase: PhasePrevote}, power)
		require.NoError(err)
	}
	mustAdd(blockA, 100)
	mustAdd(blockB, 250)
	mustAdd(blockA, 100)
	mustAdd(ids.Empty, 1000) // nil votes never lead

	leader, power := vs.Leader()
	require.Equal(blockB, leader)
	require.Equal(uint64(250), power)
	require.Equal(uint64(200), vs.PowerFor(blockA))
	require.Equal(uint64(1000), vs.PowerFor(ids.Empty))
}

func TestQuorumIntegerArithmetic(t *testing.T) {
	require := require.New(t)

	// 2/3 of 3000: 2000 exactly reaches quorum.
	require.True(Quorum(2000, 3000, 2, 3))
	require.False(Quorum(1999, 3000, 2, 3))

	// 2/3 of 4000 is 2666.66...; 2666 must not round up into a quorum.
	require.False(Quorum(2666, 4000, 2, 3))
	require.True(Quorum(2667, 4000, 2, 3))

	require.False(Quorum(0, 0, 2, 3))
}

func TestVoteID(t *testing.T) {
	require := require.New(t)

	v := &Vote{
		NodeID:  ids.GenerateTestNodeID(),
		BlockID: ids.GenerateTestID(),
		Phase:   PhasePrevote,
		Height:  10,
		Round:   2,
	}
	require.Equal(v.ID(), v.ID())

	other := *v
	other.Round = 3
	require.NotEqual(v.ID(), other.ID())

	require.False(v.Nil())
	require.True((&Vote{}).Nil())
}
