// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
)

func buildChain(t *testing.T, length int) []*consensus.Block {
	t.Helper()
	require := require.New(t)

	proposer := ids.GenerateTestNodeID()
	parentID := ids.ID{1}
	var blocks []*consensus.Block
	for i := 0; i < length; i++ {
		expr := "expr-" + string(rune('a'+i))
		block, err := consensus.NewBlock(
			uint64(i+1),
			parentID,
			proposer,
			int64(1700000000+i),
			[]consensus.LawDelta{{
				LawID:      law.ComputeID(expr, "ctx"),
				Status:     law.StatusProposed,
				Expression: expr,
				Context:    "ctx",
			}},
			nil,
			nil,
		)
		require.NoError(err)
		blocks = append(blocks, block)
		parentID = block.ID()
	}
	return blocks
}

func TestLedgerAppendAndGet(t *testing.T) {
	require := require.New(t)
	l, err := New(memdb.New())
	require.NoError(err)

	_, _, err = l.LastAccepted()
	require.ErrorIs(err, ErrEmptyLedger)

	blocks := buildChain(t, 3)
	for _, block := range blocks {
		require.NoError(l.Append(block))
	}

	height, tipID, err := l.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(3), height)
	require.Equal(blocks[2].ID(), tipID)

	// Round-trips through compression byte-identically.
	got, err := l.GetBlock(2)
	require.NoError(err)
	require.Equal(blocks[1].ID(), got.ID())
	require.Equal(blocks[1].Bytes(), got.Bytes())

	_, err = l.GetBlock(9)
	require.ErrorIs(err, ErrBlockNotFound)
}

func TestLedgerRefusesForks(t *testing.T) {
	require := require.New(t)
	l, err := New(memdb.New())
	require.NoError(err)

	blocks := buildChain(t, 2)
	require.NoError(l.Append(blocks[0]))

	// Skipping a height is refused.
	skip, err := consensus.NewBlock(3, blocks[0].ID(), ids.GenerateTestNodeID(), 1, []consensus.LawDelta{{
		LawID: law.ComputeID("x", "c"), Expression: "x", Context: "c",
	}}, nil, nil)
	require.NoError(err)
	require.ErrorIs(l.Append(skip), ErrNonContiguous)

	// A sibling at the right height with the wrong parent is refused.
	fork, err := consensus.NewBlock(2, ids.GenerateTestID(), ids.GenerateTestNodeID(), 1, []consensus.LawDelta{{
		LawID: law.ComputeID("x", "c"), Expression: "x", Context: "c",
	}}, nil, nil)
	require.NoError(err)
	require.ErrorIs(l.Append(fork), ErrParentMismatch)

	require.NoError(l.Append(blocks[1]))
}

func TestLedgerLawIndex(t *testing.T) {
	require := require.New(t)
	l, err := New(memdb.New())
	require.NoError(err)

	blocks := buildChain(t, 3)
	for _, block := range blocks {
		require.NoError(l.Append(block))
	}

	lawID := blocks[1].LawDeltas[0].LawID
	height, err := l.LastModified(lawID)
	require.NoError(err)
	require.Equal(uint64(2), height)

	_, err = l.LastModified(ids.GenerateTestID())
	require.ErrorIs(err, ErrBlockNotFound)
}

func TestLedgerReplay(t *testing.T) {
	require := require.New(t)
	l, err := New(memdb.New())
	require.NoError(err)

	blocks := buildChain(t, 5)
	for _, block := range blocks {
		require.NoError(l.Append(block))
	}

	var replayed []uint64
	require.NoError(l.Replay(2, func(b *consensus.Block) error {
		replayed = append(replayed, b.Height())
		return nil
	}))
	require.Equal([]uint64{2, 3, 4, 5}, replayed)

	require.ErrorIs(l.Replay(6, func(*consensus.Block) error { return nil }), ErrReplayOutOfRange)

	// Callback errors stop the stream.
	sentinel := errors.New("stop")
	count := 0
	err = l.Replay(1, func(*consensus.Block) error {
		count++
		if count == 2 {
			return sentinel
		}
		return nil
	})
	require.ErrorIs(err, sentinel)
	require.Equal(2, count)
}

// A restarted node resumes from its last committed height.
func TestLedgerReopen(t *testing.T) {
	require := require.New(t)
	db := memdb.New()

	l, err := New(db)
	require.NoError(err)
	blocks := buildChain(t, 3)
	for _, block := range blocks {
		require.NoError(l.Append(block))
	}

	reopened, err := New(db)
	require.NoError(err)

	height, tipID, err := reopened.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(3), height)
	require.Equal(blocks[2].ID(), tipID)

	// Appending continues from the tip, and replay sees the whole chain.
	next, err := consensus.NewBlock(4, blocks[2].ID(), ids.GenerateTestNodeID(), 1700000100, []consensus.LawDelta{{
		LawID: law.ComputeID("y", "c"), Expression: "y", Context: "c",
	}}, nil, nil)
	require.NoError(err)
	require.NoError(reopened.Append(next))

	var heights []uint64
	require.NoError(reopened.Replay(1, func(b *consensus.Block) error {
		heights = append(heights, b.Height())
		return nil
	}))
	require.Equal([]uint64{1, 2, 3, 4}, heights)
}
