// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/message"
	"github.com/luxfi/cognition/metrics"
	"github.com/luxfi/cognition/validator"
)

// BuildBlock assembles a candidate block from the pending delta set. With
// nothing pending the proposer slot stays silent for the round.
func (c *Chain) BuildBlock(height uint64, parentID ids.ID) (*consensus.Block, error) {
	if len(c.pendingLaws)+len(c.pendingVals)+len(c.pendingRes) == 0 {
		return nil, consensus.ErrNoPendingWork
	}

	lawDeltas := make([]consensus.LawDelta, 0, len(c.pendingLaws))
	for _, d := range c.pendingLaws {
		lawDeltas = append(lawDeltas, *d)
	}
	valDeltas := make([]consensus.ValidatorDelta, 0, len(c.pendingVals))
	for _, d := range c.pendingVals {
		valDeltas = append(valDeltas, *d)
	}
	resDeltas := make([]consensus.ResolutionDelta, 0, len(c.pendingRes))
	for _, d := range c.pendingRes {
		resDeltas = append(resDeltas, *d)
	}

	return consensus.NewBlock(
		height,
		parentID,
		c.nodeID,
		c.clock.Time().Unix(),
		lawDeltas,
		valDeltas,
		resDeltas,
	)
}

// SendProposal gossips the candidate block. The engine folds in its own
// proposal directly, so there is no loopback.
func (c *Chain) SendProposal(b *consensus.Block) {
	msgBytes, err := message.Build(&message.BlockProposal{Block: b.Bytes()})
	if err != nil {
		c.log.Error("failed to build proposal message", "err", err)
		return
	}
	c.gossiper.Gossip(msgBytes)
}

// SendVote gossips this node's vote.
func (c *Chain) SendVote(v *consensus.Vote) {
	msgBytes, err := message.Build(&message.Vote{
		NodeID:  v.NodeID,
		BlockID: v.BlockID,
		Phase:   uint8(v.Phase),
		Height:  v.Height,
		Round:   v.Round,
	})
	if err != nil {
		c.log.Error("failed to build vote message", "err", err)
		return
	}
	c.gossiper.Gossip(msgBytes)
}

// ScheduleProposeTimeout arms the proposal deadline for the round. Expiry is
// delivered through the event loop; a stale expiry is a no-op in the engine.
func (c *Chain) ScheduleProposeTimeout(height uint64, round uint32) {
	if c.proposeTimer != nil {
		c.proposeTimer.Stop()
	}
	c.proposeTimer = time.AfterFunc(c.params.Consensus.ProposeTimeout, func() {
		_ = c.enqueue(func() {
			if err := c.engine.ProposeTimeout(height, round); err != nil {
				c.log.Warn("propose timeout failed",
					"height", height,
					"round", round,
					"err", err,
				)
			}
		})
	})
}

// ScheduleRoundTimeout arms the full-round deadline.
func (c *Chain) ScheduleRoundTimeout(height uint64, round uint32) {
	if c.roundTimer != nil {
		c.roundTimer.Stop()
	}
	c.roundTimer = time.AfterFunc(c.params.Consensus.RoundTimeout, func() {
		_ = c.enqueue(func() {
			before := c.engine.State()
			if err := c.engine.RoundTimeout(height, round); err != nil {
				c.log.Warn("round timeout failed",
					"height", height,
					"round", round,
					"err", err,
				)
				return
			}
			after := c.engine.State()
			if after.Height == before.Height && after.Round > before.Round {
				c.metrics.IncRoundsAdvanced()
			}
		})
	})
}

// CommitBlock applies every delta and appends the block, all staged on the
// versiondb and flushed in one atomic commit. Any error leaves the durable
// state at the previous height and halts the engine.
func (c *Chain) CommitBlock(b *consensus.Block) error {
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
	c.metrics.MarkCommitted(metrics.Block{
		Height:           b.Height(),
		LawDeltas:        len(b.LawDeltas),
		ValidatorDeltas:  len(b.ValidatorDeltas),
		ResolutionDeltas: len(b.ResolutionDeltas),
	})
	c.refreshLawGauges()
	c.refreshValidatorGauges()

	// The proposer demonstrably participated in this height. The uptime
	// write stages on the versiondb and flushes with the next commit.
	if _, err := c.vals.RecordActivity(b.Proposer, true, time.Unix(b.BlockTimestamp, 0)); err != nil &&
		!errors.Is(err, validator.ErrValidatorNotFound) {
		c.log.Warn("failed to record proposer activity", "err", err)
	}

	c.scanConflicts(c.clock.Time())
	return nil
}

func (c *Chain) applyBlock(b *consensus.Block) error {
	for _, d := range b.LawDeltas {
		if err := c.applyLawDelta(d, b.BlockTimestamp); err != nil {
			return fmt.Errorf("law delta %s: %w", d.LawID, err)
		}
	}
	for _, d := range b.ValidatorDeltas {
		if err := c.applyValidatorDelta(d, b.BlockTimestamp); err != nil {
			return fmt.Errorf("validator delta %s: %w", d.NodeID, err)
		}
	}
	for _, d := range b.ResolutionDeltas {
		if err := c.applyResolutionDelta(d, b.Proposer, b.BlockTimestamp); err != nil {
			return fmt.Errorf("resolution delta %s: %w", d.ResolutionID, err)
		}
	}
	return nil
}

// applyLawDelta folds one committed law mutation into the store. Deltas that
// violate the lifecycle are skipped, not fatal: every honest node shares the
// same prior state and skips the same delta.
func (c *Chain) applyLawDelta(d consensus.LawDelta, ts int64) error {
	now := time.Unix(ts, 0)

	l, err := c.laws.GetLaw(d.LawID)
	if errors.Is(err, law.ErrLawNotFound) {
		created := &law.Law{
			ID:                 d.LawID,
			Type:               d.Type,
			Expression:         d.Expression,
			Context:            d.Context,
			Status:             d.Status,
			Proposer:           d.Proposer,
			Confidence:         consensus.UnscaleConfidence(d.Confidence),
			SupportCount:       d.SupportDelta,
			ContradictionCount: d.ContradictionDelta,
			EvidenceRefs:       append([]string{}, d.EvidenceRefs...),
			DecayFactor:        1,
			CreatedAt:          ts,
			UpdatedAt:          ts,
		}
		return c.laws.PutLaw(created)
	}
	if err != nil {
		return err
	}

	reproposed := false
	switch {
	case d.Status == l.Status:
		// Counter or confidence refresh only.
	case l.Status == law.StatusDeprecated && d.Status == law.StatusProposed:
		if err := l.Repropose(d.EvidenceRefs, now); err != nil {
			c.log.Warn("skipping invalid re-proposal delta",
				"lawID", d.LawID,
				"err", err,
			)
			return nil
		}
		reproposed = true
	default:
		if err := l.Transition(d.Status, now); err != nil {
			c.log.Warn("skipping invalid law transition delta",
				"lawID", d.LawID,
				"from", l.Status,
				"to", d.Status,
			)
			return nil
		}
	}

	l.SupportCount += d.SupportDelta
	l.ContradictionCount += d.ContradictionDelta
	if d.Confidence > 0 {
		// Fresh corroborating evidence resets the decay clock.
		l.Confidence = consensus.UnscaleConfidence(d.Confidence)
		l.DecayFactor = 1
	}
	if !reproposed {
		l.EvidenceRefs = mergeRefs(l.EvidenceRefs, d.EvidenceRefs)
	}
	l.UpdatedAt = ts
	return c.laws.PutLaw(l)
}

func (c *Chain) applyValidatorDelta(d consensus.ValidatorDelta, ts int64) error {
	now := time.Unix(ts, 0)
	var err error
	switch d.Action {
	case consensus.ActionRegister:
		_, err = c.vals.Register(d.NodeID, d.Role, d.Stake, now)
	case consensus.ActionActivate:
		err = c.vals.Activate(d.NodeID)
	case consensus.ActionDeactivate:
		err = c.vals.Deactivate(d.NodeID)
	case consensus.ActionSlash:
		_, err = c.vals.Slash(d.NodeID, consensus.UnscaleConfidence(d.SlashFraction))
	default:
		c.log.Warn("skipping unknown validator action", "action", d.Action)
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, validator.ErrValidatorNotFound),
		errors.Is(err, validator.ErrAlreadyRegistered),
		errors.Is(err, validator.ErrInsufficientStake),
		errors.Is(err, validator.ErrValidatorDeactivated):
		c.log.Warn("skipping invalid validator delta",
			"nodeID", d.NodeID,
			"action", d.Action,
			"err", err,
		)
		return nil
	default:
		return err
	}
}

// applyResolutionDelta archives the resolution and enforces its decision on
// the conflicting laws.
func (c *Chain) applyResolutionDelta(d consensus.ResolutionDelta, proposer ids.NodeID, ts int64) error {
	now := time.Unix(ts, 0)
	res := &conflict.Resolution{
		ResolutionID:      d.ResolutionID,
		ConflictingLaws:   d.ConflictingLaws,
		Decision:          conflict.Decision(d.Decision),
		ContextBoundaries: d.ContextBoundaries,
		Winner:            d.Winner,
		Loser:             d.Loser,
		PriorResolution:   d.PriorResolution,
		CreatedAt:         ts,
	}
	if err := c.resolutions.PutResolution(res); err != nil {
		return err
	}
	c.metrics.IncConflictsResolved(res.Decision)

	switch res.Decision {
	case conflict.DecisionDeprecateOne:
		return c.applyDeprecateOne(res, proposer, now)
	case conflict.DecisionContextSplit:
		return c.applyContextSplit(res, now)
	case conflict.DecisionProvisional:
		for _, lawID := range res.ConflictingLaws {
			if err := c.transitionLaw(lawID, law.StatusConflicted, now); err != nil {
				return err
			}
		}
		return nil
	default:
		c.log.Warn("skipping unknown resolution decision", "decision", d.Decision)
		return nil
	}
}

func (c *Chain) applyDeprecateOne(res *conflict.Resolution, proposer ids.NodeID, now time.Time) error {
	winner, err := c.laws.GetLaw(res.Winner)
	if errors.Is(err, law.ErrLawNotFound) {
		c.log.Warn("resolution winner unknown", "lawID", res.Winner)
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.transitionLaw(res.Loser, law.StatusDeprecated, now); err != nil {
		return err
	}
	// A flagged winner survives the conflict; restore it.
	if winner.Status == law.StatusConflicted {
		if err := c.transitionLaw(res.Winner, law.StatusActive, now); err != nil {
			return err
		}
	}

	if err := c.laws.PutOverride(&law.OverrideEdge{
		Winner:       res.Winner,
		Loser:        res.Loser,
		Context:      winner.Context,
		ResolutionID: res.ResolutionID,
		CreatedAt:    now.Unix(),
	}); err != nil {
		return err
	}

	// The precedence becomes a law itself, so future conflict scans see it.
	metaExpr := fmt.Sprintf("OVERRIDES(%s, %s)", res.Winner, res.Loser)
	meta := law.New(law.TypeMetaRule, metaExpr, winner.Context, proposer, now)
	if _, err := c.laws.GetLaw(meta.ID); err == nil {
		return nil
	} else if !errors.Is(err, law.ErrLawNotFound) {
		return err
	}
	meta.Status = law.StatusActive
	meta.Confidence = winner.EffectiveConfidence()
	return c.laws.PutLaw(meta)
}

func (c *Chain) applyContextSplit(res *conflict.Resolution, now time.Time) error {
	for i, lawID := range res.ConflictingLaws {
		if i >= len(res.ContextBoundaries) {
			break
		}
		l, err := c.laws.GetLaw(lawID)
		if errors.Is(err, law.ErrLawNotFound) {
			c.log.Warn("context split law unknown", "lawID", lawID)
			continue
		}
		if err != nil {
			return err
		}
		l.Context = res.ContextBoundaries[i]
		if l.Status == law.StatusConflicted {
			if err := l.Transition(law.StatusActive, now); err != nil {
				c.log.Warn("context split law not restorable", "lawID", lawID, "err", err)
			}
		}
		l.UpdatedAt = now.Unix()
		if err := c.laws.PutLaw(l); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) transitionLaw(lawID ids.ID, to law.Status, now time.Time) error {
	l, err := c.laws.GetLaw(lawID)
	if errors.Is(err, law.ErrLawNotFound) {
		c.log.Warn("resolution references unknown law", "lawID", lawID)
		return nil
	}
	if err != nil {
		return err
	}
	if l.Status == to {
		return nil
	}
	if err := l.Transition(to, now); err != nil {
		c.log.Warn("skipping invalid resolution transition",
			"lawID", lawID,
			"from", l.Status,
			"to", to,
		)
		return nil
	}
	return c.laws.PutLaw(l)
}

func (c *Chain) clearPending(b *consensus.Block) {
	for _, d := range b.LawDeltas {
		delete(c.pendingLaws, d.LawID)
	}
	for _, d := range b.ValidatorDeltas {
		delete(c.pendingVals, d.NodeID)
	}
	for _, d := range b.ResolutionDeltas {
		delete(c.pendingRes, d.ResolutionID)
	}
}

// onEquivocation queues a slash for a double voter. One offense per
// (validator, height) makes it into a block even if the watchdog flags the
// node in both phases.
func (c *Chain) onEquivocation(nodeID ids.NodeID, v *consensus.Vote) {
	c.metrics.IncEquivocations()
	if _, ok := c.pendingVals[nodeID]; ok {
		return
	}
	c.log.Warn("equivocation detected",
		"nodeID", nodeID,
		"height", v.Height,
		"round", v.Round,
		"phase", v.Phase,
	)
	c.pendingVals[nodeID] = &consensus.ValidatorDelta{
		NodeID:        nodeID,
		Action:        consensus.ActionSlash,
		SlashFraction: consensus.ScaleConfidence(c.params.Validator.SlashFraction),
		Reason:        fmt.Sprintf("equivocation at height %d round %d", v.Height, v.Round),
	}
}

// scanConflicts examines the active law set after a commit and queues a
// resolution delta for every detected contradiction.
func (c *Chain) scanConflicts(now time.Time) {
	active, err := c.laws.ActiveLaws()
	if err != nil {
		c.log.Warn("conflict scan failed", "err", err)
		return
	}
	for _, pair := range c.resolver.Detect(active) {
		prior := c.priorResolution(pair)
		res, err := c.resolver.Resolve(pair.A, pair.B, prior, now)
		if err != nil {
			c.log.Warn("conflict resolution failed",
				"lawA", pair.A.ID,
				"lawB", pair.B.ID,
				"err", err,
			)
			continue
		}
		if _, ok := c.pendingRes[res.ResolutionID]; ok {
			continue
		}
		if _, err := c.resolutions.GetResolution(res.ResolutionID); err == nil {
			continue
		}
		c.log.Info("conflict detected",
			"lawA", pair.A.ID,
			"lawB", pair.B.ID,
			"decision", res.Decision,
		)
		c.pendingRes[res.ResolutionID] = &consensus.ResolutionDelta{
			ResolutionID:      res.ResolutionID,
			ConflictingLaws:   res.ConflictingLaws,
			Decision:          uint8(res.Decision),
			ContextBoundaries: res.ContextBoundaries,
			Winner:            res.Winner,
			Loser:             res.Loser,
			PriorResolution:   res.PriorResolution,
		}
	}
}

// priorResolution finds the newest archived resolution covering the pair,
// ids.Empty if the conflict is fresh.
func (c *Chain) priorResolution(pair conflict.Pair) ids.ID {
	history, err := c.resolutions.ByLaw(pair.A.ID)
	if err != nil {
		c.log.Warn("failed to load resolution history", "lawID", pair.A.ID, "err", err)
		return ids.Empty
	}
	prior := ids.Empty
	var newest int64
	for _, res := range history {
		covers := false
		for _, lawID := range res.ConflictingLaws {
			if lawID == pair.B.ID {
				covers = true
				break
			}
		}
		if covers && res.CreatedAt >= newest {
			prior = res.ResolutionID
			newest = res.CreatedAt
		}
	}
	return prior
}

func mergeRefs(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, ref := range existing {
		seen[ref] = struct{}{}
	}
	for _, ref := range incoming {
		if _, ok := seen[ref]; !ok {
			existing = append(existing, ref)
			seen[ref] = struct{}{}
		}
	}
	return existing
}
