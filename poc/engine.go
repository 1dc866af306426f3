// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poc

import (
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/cognition/config"
)

// Decision is the outcome of evaluating a cluster.
type Decision uint8

const (
	// DecisionPending defers judgement until the stability window elapses.
	DecisionPending Decision = iota
	// DecisionRejected fails a hard threshold. The cluster keeps accepting
	// commits until its TTL.
	DecisionRejected
	// DecisionWeakened accepts the rule but an established contradicting law
	// outweighs it; the existing law is flagged instead of replaced.
	DecisionWeakened
	// DecisionAccepted activates the rule's law.
	DecisionAccepted
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "pending"
	case DecisionRejected:
		return "rejected"
	case DecisionWeakened:
		return "weakened"
	case DecisionAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Result carries the evaluation outcome and its inputs for logging, metrics,
// and the law delta built from an acceptance.
type Result struct {
	Decision      Decision
	Reason        string
	Confidence    float64
	AvgConfidence float64
	Independence  float64
	UniqueAgents  int
}

// Engine evaluates clusters against the PoC thresholds. Evaluation is a pure
// function of the commit set, the contradiction strength, and the evaluation
// time: every node reaches the same decision for the same inputs regardless
// of commit arrival order.
type Engine struct {
	params config.PoCParams
}

// NewEngine returns an engine with the given thresholds.
func NewEngine(params config.PoCParams) *Engine {
	return &Engine{params: params}
}

// Evaluate runs the acceptance pipeline over the cluster.
// contradiction is the effective confidence of the strongest already-active
// contradicting law, or 0 if none exists.
func (e *Engine) Evaluate(cl *Cluster, contradiction float64, now time.Time) Result {
	if cl.UniqueAgents() < e.params.MinAgents {
		return Result{
			Decision:     DecisionRejected,
			Reason:       "insufficient independent agents",
			UniqueAgents: cl.UniqueAgents(),
		}
	}

	commits := cl.sorted()
	avg := avgConfidence(commits)
	if avg < e.params.MinConfidence {
		return Result{
			Decision:      DecisionRejected,
			Reason:        "average confidence below threshold",
			AvgConfidence: avg,
			UniqueAgents:  cl.UniqueAgents(),
		}
	}

	independence := e.independence(commits)
	if independence < e.params.MinIndependence {
		return Result{
			Decision:      DecisionRejected,
			Reason:        "commits are not independent enough",
			AvgConfidence: avg,
			Independence:  independence,
			UniqueAgents:  cl.UniqueAgents(),
		}
	}

	if cl.Age(now) < e.params.StabilityWindow {
		return Result{
			Decision:      DecisionPending,
			Reason:        "stability window not elapsed",
			AvgConfidence: avg,
			Independence:  independence,
			UniqueAgents:  cl.UniqueAgents(),
		}
	}

	confidence := e.finalConfidence(commits, contradiction, now)
	result := Result{
		Confidence:    confidence,
		AvgConfidence: avg,
		Independence:  independence,
		UniqueAgents:  cl.UniqueAgents(),
	}
	if contradiction >= confidence {
		result.Decision = DecisionWeakened
		result.Reason = "outweighed by contradicting active law"
		return result
	}
	result.Decision = DecisionAccepted
	return result
}

// finalConfidence folds the canonically sorted commits, computing the
// combined score at every prefix that clears the agent minimum, and keeps
// the running maximum. A corroborating commit observed while the cluster was
// still pending extends the fold and can only raise the maximum the fold has
// already reached.
func (e *Engine) finalConfidence(commits []*RuleCommit, contradiction float64, now time.Time) float64 {
	best := 0.0
	agents := set.NewSet[ids.NodeID](len(commits))
	for i := range commits {
		agents.Add(commits[i].Agent)
		if agents.Len() < e.params.MinAgents {
			continue
		}
		prefix := commits[:i+1]
		avg := avgConfidence(prefix)
		independence := e.independence(prefix)
		survival := e.survivalBonus(prefix, now)

		c := e.params.Alpha*avg +
			e.params.Beta*independence -
			e.params.Gamma*contradiction +
			e.params.Delta*survival
		if c > best {
			best = c
		}
	}
	return clamp01(best)
}

// independence scores how uncorrelated the commits are. Shared declared data
// sources and tight timestamp clustering both lower the score.
func (e *Engine) independence(commits []*RuleCommit) float64 {
	overlap := meanPairwiseOverlap(commits)
	temporal := e.temporalClustering(commits)
	penalty := e.params.SourceWeight*overlap + e.params.TemporalWeight*temporal
	return clamp01(1 - penalty)
}

// temporalClustering returns 1 when every commit landed within 1/24 of the
// stability window and decays linearly to 0 as the spread reaches the full
// saturation span.
func (e *Engine) temporalClustering(commits []*RuleCommit) float64 {
	if len(commits) < 2 {
		return 1
	}
	first := commits[0].Timestamp
	last := commits[0].Timestamp
	for _, c := range commits[1:] {
		if c.Timestamp < first {
			first = c.Timestamp
		}
		if c.Timestamp > last {
			last = c.Timestamp
		}
	}
	spread := time.Duration(last-first) * time.Second
	saturation := e.params.StabilityWindow / 24
	if spread >= saturation {
		return 0
	}
	return 1 - float64(spread)/float64(saturation)
}

// survivalBonus rewards clusters that outlived the stability window without
// being contradicted away.
func (e *Engine) survivalBonus(commits []*RuleCommit, now time.Time) float64 {
	first := commits[0].Timestamp
	for _, c := range commits[1:] {
		if c.Timestamp < first {
			first = c.Timestamp
		}
	}
	age := now.Sub(time.Unix(first, 0))
	if age <= e.params.StabilityWindow {
		return 0
	}
	extra := age - e.params.StabilityWindow
	return clamp01(float64(extra) / float64(e.params.StabilityWindow))
}

func avgConfidence(commits []*RuleCommit) float64 {
	if len(commits) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range commits {
		sum += c.Confidence
	}
	return sum / float64(len(commits))
}

// meanPairwiseOverlap is the mean Jaccard similarity of declared source-ID
// sets across all commit pairs. Commits with no declared sources contribute
// no overlap.
func meanPairwiseOverlap(commits []*RuleCommit) float64 {
	if len(commits) < 2 {
		return 0
	}
	sets := make([]set.Set[string], len(commits))
	for i, c := range commits {
		sets[i] = set.NewSet[string](len(c.SourceIDs))
		for _, s := range c.SourceIDs {
			sets[i].Add(s)
		}
	}
	sum := 0.0
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func jaccard(a, b set.Set[string]) float64 {
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	intersection := 0
	for s := range a {
		if b.Contains(s) {
			intersection++
		}
	}
	union := a.Len() + b.Len() - intersection
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
