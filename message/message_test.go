// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestRuleCommitRoundTrip(t *testing.T) {
	require := require.New(t)

	builtMsg := RuleCommit{
		RuleHash:         ids.GenerateTestID(),
		LogicSignature:   "sig",
		ContextSignature: "support:standard",
		Agent:            ids.GenerateTestNodeID(),
		Timestamp:        1700000000,
		Confidence:       800000,
		EvidenceCount:    5,
		SourceIDs:        []string{"src-a", "src-b"},
	}
	builtMsgBytes, err := Build(&builtMsg)
	require.NoError(err)
	require.Equal(builtMsgBytes, builtMsg.Bytes())

	parsedMsgIntf, err := Parse(builtMsgBytes)
	require.NoError(err)
	require.Equal(builtMsgBytes, parsedMsgIntf.Bytes())

	require.IsType(&RuleCommit{}, parsedMsgIntf)
	parsedMsg := parsedMsgIntf.(*RuleCommit)

	require.Equal(builtMsg.RuleHash, parsedMsg.RuleHash)
	require.Equal(builtMsg.Agent, parsedMsg.Agent)
	require.Equal(builtMsg.Confidence, parsedMsg.Confidence)
	require.Equal(builtMsg.SourceIDs, parsedMsg.SourceIDs)
}

func TestVoteRoundTrip(t *testing.T) {
	require := require.New(t)

	builtMsg := Vote{
		NodeID:  ids.GenerateTestNodeID(),
		BlockID: ids.GenerateTestID(),
		Phase:   1,
		Height:  42,
		Round:   3,
	}
	builtMsgBytes, err := Build(&builtMsg)
	require.NoError(err)

	parsedMsgIntf, err := Parse(builtMsgBytes)
	require.NoError(err)
	require.IsType(&Vote{}, parsedMsgIntf)
	parsedMsg := parsedMsgIntf.(*Vote)

	require.Equal(builtMsg.NodeID, parsedMsg.NodeID)
	require.Equal(builtMsg.BlockID, parsedMsg.BlockID)
	require.Equal(builtMsg.Height, parsedMsg.Height)
	require.Equal(builtMsg.Round, parsedMsg.Round)
}

func TestBlockProposalRoundTrip(t *testing.T) {
	require := require.New(t)

	builtMsg := BlockProposal{
		Block: []byte{0, 1, 2, 3, 4},
	}
	builtMsgBytes, err := Build(&builtMsg)
	require.NoError(err)

	parsedMsgIntf, err := Parse(builtMsgBytes)
	require.NoError(err)
	require.IsType(&BlockProposal{}, parsedMsgIntf)
	require.Equal(builtMsg.Block, parsedMsgIntf.(*BlockProposal).Block)
}

func TestParseRejectsGarbage(t *testing.T) {
	require := require.New(t)

	_, err := Parse([]byte{0xff, 0xff, 0xff, 0xff})
	require.ErrorIs(err, ErrUnknownMessage)

	_, err = Parse(nil)
	require.ErrorIs(err, ErrUnknownMessage)
}
