// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/message"
	"github.com/luxfi/cognition/poc"
	"github.com/luxfi/cognition/validator"
)

var (
	ErrSpoofedVote      = errors.New("vote sender does not match vote signer")
	ErrInvalidCommit    = errors.New("invalid rule commit")
	ErrUnknownValidator = errors.New("unknown validator")
)

var _ message.Handler = (*Chain)(nil)

// HandleRuleCommit ingests a gossiped rule commitment.
func (c *Chain) HandleRuleCommit(nodeID ids.NodeID, msg *message.RuleCommit) error {
	commit := &poc.RuleCommit{
		RuleHash:         msg.RuleHash,
		LogicSignature:   msg.LogicSignature,
		ContextSignature: msg.ContextSignature,
		Agent:            msg.Agent,
		Timestamp:        msg.Timestamp,
		Confidence:       consensus.UnscaleConfidence(msg.Confidence),
		EvidenceCount:    msg.EvidenceCount,
		SourceIDs:        msg.SourceIDs,
	}
	if err := validateCommit(commit); err != nil {
		c.log.Debug("dropping invalid rule commit",
			"nodeID", nodeID,
			"err", err,
		)
		return nil
	}
	return c.enqueue(func() { c.ingestCommit(commit) })
}

// HandleVote ingests a gossiped consensus vote.
func (c *Chain) HandleVote(nodeID ids.NodeID, msg *message.Vote) error {
	if nodeID != msg.NodeID {
		c.log.Warn("dropping spoofed vote",
			"sender", nodeID,
			"claimed", msg.NodeID,
		)
		return ErrSpoofedVote
	}
	v := &consensus.Vote{
		NodeID:  msg.NodeID,
		BlockID: msg.BlockID,
		Phase:   consensus.Phase(msg.Phase),
		Height:  msg.Height,
		Round:   msg.Round,
	}
	return c.enqueue(func() {
		if err := c.engine.HandleVote(v); err != nil {
			c.logEngineDrop("vote", err)
		}
	})
}

// HandleBlockProposal ingests a gossiped candidate block.
func (c *Chain) HandleBlockProposal(nodeID ids.NodeID, msg *message.BlockProposal) error {
	b, err := consensus.ParseBlock(msg.Block)
	if err != nil {
		c.log.Debug("dropping unparseable proposal",
			"nodeID", nodeID,
			"err", err,
		)
		return nil
	}
	return c.enqueue(func() {
		if _, ok := c.seen.Get(b.ID()); ok {
			return
		}
		c.seen.Put(b.ID(), struct{}{})
		if err := c.engine.HandleProposal(b); err != nil {
			c.logEngineDrop("proposal", err)
		}
	})
}

// Stale and future messages are routine on a gossip network; everything else
// deserves a warning.
func (c *Chain) logEngineDrop(kind string, err error) {
	switch {
	case errors.Is(err, consensus.ErrStaleMessage),
		errors.Is(err, consensus.ErrFutureMessage),
		errors.Is(err, consensus.ErrEquivocation):
		c.log.Debug("dropped "+kind, "err", err)
	default:
		c.log.Warn("rejected "+kind, "err", err)
	}
}

func (c *Chain) ingestCommit(commit *poc.RuleCommit) {
	id := commit.ID()
	if _, ok := c.seen.Get(id); ok {
		return
	}
	c.seen.Put(id, struct{}{})

	cl, added := c.pool.AddCommit(commit)
	if !added {
		return
	}
	c.metrics.IncCommitsIngested()
	c.log.Debug("ingested rule commit",
		"ruleHash", commit.RuleHash,
		"agent", commit.Agent,
		"clusterSize", cl.Len(),
	)
}

func validateCommit(commit *poc.RuleCommit) error {
	if commit.RuleHash == ids.Empty {
		return fmt.Errorf("%w: empty rule hash", ErrInvalidCommit)
	}
	if commit.LogicSignature == "" || commit.ContextSignature == "" {
		return fmt.Errorf("%w: empty signatures", ErrInvalidCommit)
	}
	if commit.Agent == ids.EmptyNodeID {
		return fmt.Errorf("%w: empty agent", ErrInvalidCommit)
	}
	if commit.Confidence < 0 || commit.Confidence > 1 {
		return fmt.Errorf("%w: confidence out of range", ErrInvalidCommit)
	}
	return nil
}

// SubmitRuleCommit gossips this node's own commitment and folds it into the
// local pool through the same path a received commit takes.
func (c *Chain) SubmitRuleCommit(commit *poc.RuleCommit) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	msgBytes, err := message.Build(&message.RuleCommit{
		RuleHash:         commit.RuleHash,
		LogicSignature:   commit.LogicSignature,
		ContextSignature: commit.ContextSignature,
		Agent:            commit.Agent,
		Timestamp:        commit.Timestamp,
		Confidence:       consensus.ScaleConfidence(commit.Confidence),
		EvidenceCount:    commit.EvidenceCount,
		SourceIDs:        commit.SourceIDs,
	})
	if err != nil {
		return err
	}
	c.gossiper.Gossip(msgBytes)
	return c.enqueue(func() { c.ingestCommit(commit) })
}

// RevokeLaw queues the governance revocation of a law. Revoking a revoked
// law succeeds without queuing anything.
func (c *Chain) RevokeLaw(lawID ids.ID) error {
	var err error
	if aerr := c.await(func() { err = c.queueRevoke(lawID) }); aerr != nil {
		return aerr
	}
	return err
}

func (c *Chain) queueRevoke(lawID ids.ID) error {
	l, err := c.laws.GetLaw(lawID)
	if err != nil {
		return err
	}
	if l.Status == law.StatusRevoked {
		return nil
	}
	// Validate against a copy; the real transition happens on commit.
	cp := *l
	if err := cp.Revoke(c.clock.Time()); err != nil {
		return err
	}
	c.pendingLaws[lawID] = &consensus.LawDelta{
		LawID:      lawID,
		Type:       l.Type,
		Status:     law.StatusRevoked,
		Expression: l.Expression,
		Context:    l.Context,
		Proposer:   l.Proposer,
	}
	c.tryPropose()
	return nil
}

// ReproposeLaw queues the re-entry of a deprecated law with fresh evidence.
func (c *Chain) ReproposeLaw(lawID ids.ID, evidenceRefs []string) error {
	var err error
	if aerr := c.await(func() { err = c.queueRepropose(lawID, evidenceRefs) }); aerr != nil {
		return aerr
	}
	return err
}

func (c *Chain) queueRepropose(lawID ids.ID, evidenceRefs []string) error {
	l, err := c.laws.GetLaw(lawID)
	if err != nil {
		return err
	}
	cp := *l
	cp.EvidenceRefs = append([]string{}, l.EvidenceRefs...)
	if err := cp.Repropose(evidenceRefs, c.clock.Time()); err != nil {
		return err
	}
	c.pendingLaws[lawID] = &consensus.LawDelta{
		LawID:        lawID,
		Type:         l.Type,
		Status:       law.StatusProposed,
		Expression:   l.Expression,
		Context:      l.Context,
		Proposer:     l.Proposer,
		EvidenceRefs: evidenceRefs,
	}
	c.tryPropose()
	return nil
}

// RegisterValidator queues a validator registration.
func (c *Chain) RegisterValidator(nodeID ids.NodeID, role validator.Role, stake uint64) error {
	if stake < role.MinStake(c.params.Validator) {
		return validator.ErrInsufficientStake
	}
	return c.await(func() {
		c.pendingVals[nodeID] = &consensus.ValidatorDelta{
			NodeID: nodeID,
			Action: consensus.ActionRegister,
			Role:   role,
			Stake:  stake,
		}
		c.tryPropose()
	})
}

// ActivateValidator queues the activation of a registered validator.
func (c *Chain) ActivateValidator(nodeID ids.NodeID) error {
	if _, err := c.vals.Get(nodeID); err != nil {
		return err
	}
	return c.await(func() {
		c.pendingVals[nodeID] = &consensus.ValidatorDelta{
			NodeID: nodeID,
			Action: consensus.ActionActivate,
		}
		c.tryPropose()
	})
}

// DeactivateValidator queues the deactivation of a validator.
func (c *Chain) DeactivateValidator(nodeID ids.NodeID, reason string) error {
	if _, err := c.vals.Get(nodeID); err != nil {
		return err
	}
	return c.await(func() {
		c.pendingVals[nodeID] = &consensus.ValidatorDelta{
			NodeID: nodeID,
			Action: consensus.ActionDeactivate,
			Reason: reason,
		}
		c.tryPropose()
	})
}

// GetLaw returns the law record, whatever its status.
func (c *Chain) GetLaw(lawID ids.ID) (*law.Law, error) {
	return c.laws.GetLaw(lawID)
}

// ListLawsByStatus returns every law in the status.
func (c *Chain) ListLawsByStatus(status law.Status) ([]*law.Law, error) {
	return c.laws.ListByStatus(status)
}

// ListLawsByContext returns every law in the exact context signature.
func (c *Chain) ListLawsByContext(context string) ([]*law.Law, error) {
	return c.laws.ListByContext(context)
}

// ListLawsByProposer returns every law the node proposed.
func (c *Chain) ListLawsByProposer(proposer ids.NodeID) ([]*law.Law, error) {
	return c.laws.ListByProposer(proposer)
}

// GetValidator returns the validator record.
func (c *Chain) GetValidator(nodeID ids.NodeID) (*validator.Validator, error) {
	return c.vals.Get(nodeID)
}

// ActiveValidators returns the active set in rotation order.
func (c *Chain) ActiveValidators() ([]*validator.Validator, error) {
	return c.vals.ActiveSet()
}

// GetBlock returns the committed block at the height.
func (c *Chain) GetBlock(height uint64) (*consensus.Block, error) {
	return c.blocks.GetBlock(height)
}

// LastAccepted returns the ledger tip.
func (c *Chain) LastAccepted() (uint64, ids.ID, error) {
	return c.blocks.LastAccepted()
}

// GetResolution returns an archived conflict resolution.
func (c *Chain) GetResolution(resolutionID ids.ID) (*conflict.Resolution, error) {
	return c.resolutions.GetResolution(resolutionID)
}

// ResolutionsForLaw returns every resolution that involved the law.
func (c *Chain) ResolutionsForLaw(lawID ids.ID) ([]*conflict.Resolution, error) {
	return c.resolutions.ByLaw(lawID)
}

// ConsensusState reports the engine's position. Serialized through the event
// loop because the engine is not safe for concurrent reads.
func (c *Chain) ConsensusState() (consensus.State, error) {
	var state consensus.State
	if err := c.await(func() { state = c.engine.State() }); err != nil {
		return consensus.State{}, err
	}
	return state, nil
}

// BlocksSince returns the committed blocks from the height to the tip, for
// re-syncing a lagging peer.
func (c *Chain) BlocksSince(from uint64) ([]*consensus.Block, error) {
	var out []*consensus.Block
	err := c.blocks.Replay(from, func(b *consensus.Block) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// IngestBlocks applies already-committed blocks fetched from a peer, then
// restarts consensus at the new tip. This is the re-sync path: a lagging
// node catches up by replaying the canonical sequence, never by forking.
func (c *Chain) IngestBlocks(blocks []*consensus.Block) error {
	var err error
	if aerr := c.await(func() { err = c.ingestBlocks(blocks) }); aerr != nil {
		return aerr
	}
	return err
}

func (c *Chain) ingestBlocks(blocks []*consensus.Block) error {
	applied := false
	for _, b := range blocks {
		if b.Height() <= c.blocks.Height() {
			continue
		}
		if err := c.applyBlock(b); err != nil {
			c.baseDB.Abort()
			return err
		}
		if err := c.blocks.Append(b); err != nil {
			c.baseDB.Abort()
			return err
		}
		if err := c.baseDB.Commit(); err != nil {
			return err
		}
		c.clearPending(b)
		applied = true
	}
	if !applied {
		return nil
	}

	tipHeight, tipID, err := c.blocks.LastAccepted()
	if err != nil {
		return err
	}
	c.refreshLawGauges()
	c.refreshValidatorGauges()
	c.scanConflicts(c.clock.Time())
	return c.engine.Start(tipID, tipHeight)
}

// RecordValidatorActivity reports watchdog-observed participation, updating
// the smoothed uptime and queuing a deactivation when it crosses the floor.
func (c *Chain) RecordValidatorActivity(nodeID ids.NodeID, participated bool) error {
	var err error
	aerr := c.await(func() {
		var crossed bool
		crossed, err = c.vals.RecordActivity(nodeID, participated, c.clock.Time())
		if err != nil {
			return
		}
		if cerr := c.baseDB.Commit(); cerr != nil {
			err = cerr
			return
		}
		if crossed {
			c.pendingVals[nodeID] = &consensus.ValidatorDelta{
				NodeID: nodeID,
				Action: consensus.ActionDeactivate,
				Reason: "uptime below floor",
			}
			c.tryPropose()
		}
	})
	if aerr != nil {
		return aerr
	}
	return err
}
