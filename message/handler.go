// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
)

var _ Handler = NoopHandler{}

// Handler routes parsed messages to the chain core. Implementations run on
// the chain's event loop.
type Handler interface {
	HandleRuleCommit(nodeID ids.NodeID, msg *RuleCommit) error
	HandleVote(nodeID ids.NodeID, msg *Vote) error
	HandleBlockProposal(nodeID ids.NodeID, msg *BlockProposal) error
}

// NoopHandler drops everything, logging at debug.
type NoopHandler struct {
	Log log.Logger
}

func (h NoopHandler) HandleRuleCommit(nodeID ids.NodeID, _ *RuleCommit) error {
	h.Log.Debug("dropping unexpected RuleCommit message",
		"nodeID", nodeID,
	)
	return nil
}

func (h NoopHandler) HandleVote(nodeID ids.NodeID, _ *Vote) error {
	h.Log.Debug("dropping unexpected Vote message",
		"nodeID", nodeID,
	)
	return nil
}

func (h NoopHandler) HandleBlockProposal(nodeID ids.NodeID, _ *BlockProposal) error {
	h.Log.Debug("dropping unexpected BlockProposal message",
		"nodeID", nodeID,
	)
	return nil
}
