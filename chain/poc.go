// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"sort"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/cognition/config"
	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/poc"
)

// tick re-examines pending clusters, applies due decay epochs, and collects
// expired clusters. Runs on the event loop.
func (c *Chain) tick() {
	now := c.clock.Time()
	c.evaluateClusters(now)
	c.runDecay(now)
	// Decay shifts dominance over time, so conflicts are re-scanned even
	// when no block landed since the last tick.
	c.scanConflicts(now)
	if removed := c.pool.GC(now); removed > 0 {
		c.log.Debug("collected expired clusters", "count", removed)
	}
	c.tryPropose()
}

// tryPropose nudges the engine after new pending work lands so an idle
// proposer does not sit silent until the next round start.
func (c *Chain) tryPropose() {
	if err := c.engine.TryPropose(); err != nil {
		c.log.Warn("proposal attempt failed", "err", err)
	}
}

func (c *Chain) evaluateClusters(now time.Time) {
	for _, cl := range c.pool.Clusters() {
		commits := cl.Commits()
		if len(commits) == 0 {
			continue
		}
		rep := commits[0]

		contradiction, contradictingLaw := c.strongestContradiction(rep.LogicSignature, rep.ContextSignature)
		result := c.evaluator.Evaluate(cl, contradiction, now)

		if last, ok := c.lastDecision[cl.RuleHash]; !ok || last != result.Decision {
			c.lastDecision[cl.RuleHash] = result.Decision
			if result.Decision != poc.DecisionPending {
				c.metrics.MarkEvaluation(result.Decision)
			}
		}

		switch result.Decision {
		case poc.DecisionPending, poc.DecisionRejected:
			// Pending clusters wait for the stability window; rejected ones
			// keep accepting commits until their TTL expires.
		case poc.DecisionAccepted:
			c.queueAcceptedLaw(cl, rep, result, now)
			c.pool.Remove(cl.RuleHash)
			delete(c.lastDecision, cl.RuleHash)
		case poc.DecisionWeakened:
			c.queueWeakenedLaw(cl, rep, result, contradictingLaw)
			c.pool.Remove(cl.RuleHash)
			delete(c.lastDecision, cl.RuleHash)
		}
	}
}

// queueAcceptedLaw turns an accepted cluster into a pending law delta. The
// law activates on commit, or enters Validating first when activation is
// gated on a governance supermajority.
func (c *Chain) queueAcceptedLaw(cl *poc.Cluster, rep *poc.RuleCommit, result poc.Result, now time.Time) {
	lawID := law.ComputeID(rep.LogicSignature, rep.ContextSignature)

	status := law.StatusActive
	if c.params.Consensus.ActivationPath == config.ActivationSupermajority {
		status = law.StatusValidating
	}
	if existing, err := c.laws.GetLaw(lawID); err == nil {
		// Re-discovered rule: corroborate rather than recreate.
		status = existing.Status
		if existing.Status == law.StatusDeprecated {
			status = law.StatusProposed
		}
	}

	c.log.Info("cluster accepted",
		"ruleHash", cl.RuleHash,
		"lawID", lawID,
		"confidence", result.Confidence,
		"agents", result.UniqueAgents,
	)
	c.pendingLaws[lawID] = &consensus.LawDelta{
		LawID:        lawID,
		Type:         law.TypeDiscovered,
		Status:       status,
		Expression:   rep.LogicSignature,
		Context:      rep.ContextSignature,
		Proposer:     rep.Agent,
		Confidence:   consensus.ScaleConfidence(result.Confidence),
		SupportDelta: uint64(result.UniqueAgents),
		EvidenceRefs: evidenceRefs(cl),
	}
}

// queueWeakenedLaw records the rule under Validating and flags the
// established law that outweighed it.
func (c *Chain) queueWeakenedLaw(cl *poc.Cluster, rep *poc.RuleCommit, result poc.Result, contradicting ids.ID) {
	lawID := law.ComputeID(rep.LogicSignature, rep.ContextSignature)

	c.log.Info("cluster weakened by established law",
		"ruleHash", cl.RuleHash,
		"lawID", lawID,
		"contradicting", contradicting,
	)
	c.pendingLaws[lawID] = &consensus.LawDelta{
		LawID:        lawID,
		Type:         law.TypeDiscovered,
		Status:       law.StatusValidating,
		Expression:   rep.LogicSignature,
		Context:      rep.ContextSignature,
		Proposer:     rep.Agent,
		Confidence:   consensus.ScaleConfidence(result.Confidence),
		SupportDelta: uint64(result.UniqueAgents),
		EvidenceRefs: evidenceRefs(cl),
	}

	if existing, err := c.laws.GetLaw(contradicting); err == nil {
		if _, queued := c.pendingLaws[contradicting]; !queued {
			status := existing.Status
			if status == law.StatusActive {
				status = law.StatusConflicted
			}
			c.pendingLaws[contradicting] = &consensus.LawDelta{
				LawID:              contradicting,
				Type:               existing.Type,
				Status:             status,
				Expression:         existing.Expression,
				Context:            existing.Context,
				Proposer:           existing.Proposer,
				ContradictionDelta: 1,
			}
		}
	}
}

// strongestContradiction returns the highest effective confidence among
// active laws contradicting the candidate rule, and which law holds it.
func (c *Chain) strongestContradiction(expression, context string) (float64, ids.ID) {
	active, err := c.laws.ActiveLaws()
	if err != nil {
		c.log.Warn("failed to load active laws", "err", err)
		return 0, ids.Empty
	}
	best := 0.0
	var bestID ids.ID
	for _, l := range active {
		if !conflict.Overlapping(l.Context, context) || !conflict.Contradicts(l.Expression, expression) {
			continue
		}
		if ec := l.EffectiveConfidence(); ec > best {
			best = ec
			bestID = l.ID
		}
	}
	return best, bestID
}

// runDecay applies every decay epoch elapsed since the last scan.
func (c *Chain) runDecay(now time.Time) {
	epoch := c.params.Law.DecayEpoch
	elapsed := now.Sub(c.lastDecay)
	if elapsed < epoch {
		return
	}
	epochs := uint64(elapsed / epoch)

	deprecated, err := c.laws.DecayScan(c.params.Law.DecayRate, c.params.Law.DecayFloor, epochs, now)
	if err != nil {
		c.log.Error("decay scan failed", "err", err)
		return
	}
	if err := c.baseDB.Commit(); err != nil {
		c.log.Error("failed to persist decay scan", "err", err)
		return
	}
	c.lastDecay = c.lastDecay.Add(time.Duration(epochs) * epoch)

	for _, lawID := range deprecated {
		c.log.Info("law deprecated by decay", "lawID", lawID)
	}
	if len(deprecated) > 0 {
		c.refreshLawGauges()
	}
}

// evidenceRefs collects the distinct declared sources across the cluster in
// a stable order.
func evidenceRefs(cl *poc.Cluster) []string {
	refs := make(set.Set[string])
	for _, commit := range cl.Commits() {
		for _, src := range commit.SourceIDs {
			refs.Add(src)
		}
	}
	out := refs.List()
	sort.Strings(out)
	return out
}
