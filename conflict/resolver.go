// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conflict

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/config"
	"github.com/luxfi/cognition/law"
)

var (
	ErrNotConflicting = errors.New("laws are not in conflict")
	ErrSameLaw        = errors.New("a law cannot conflict with itself")
)

// Decision is the resolution outcome.
type Decision uint8

const (
	// DecisionContextSplit narrows both laws to disjoint sub-contexts.
	DecisionContextSplit Decision = iota
	// DecisionDeprecateOne deprecates the dominated law and records a
	// meta-rule for the winner.
	DecisionDeprecateOne
	// DecisionProvisional freezes both laws as Conflicted pending evidence.
	DecisionProvisional
)

func (d Decision) String() string {
	switch d {
	case DecisionContextSplit:
		return "context_split"
	case DecisionDeprecateOne:
		return "deprecate_one"
	case DecisionProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// Resolution is the immutable record of one resolved conflict. Re-opening a
// conflict creates a new resolution referencing the prior one; history is
// never edited.
type Resolution struct {
	ResolutionID      ids.ID   `json:"resolutionId"`
	ConflictingLaws   []ids.ID `json:"conflictingLaws"`
	Decision          Decision `json:"decision"`
	ContextBoundaries []string `json:"contextBoundaries,omitempty"`
	Winner            ids.ID   `json:"winner,omitempty"`
	Loser             ids.ID   `json:"loser,omitempty"`
	PriorResolution   ids.ID   `json:"priorResolution,omitempty"`
	CreatedAt         int64    `json:"createdAt"`
}

// Pair is a detected conflict between two active laws.
type Pair struct {
	A, B *law.Law
}

// ProposerScores supplies the reliability term of the dominance score,
// normalized to [0,1]. Implemented by the validator registry via uptime.
type ProposerScores interface {
	ProposerScore(nodeID ids.NodeID) float64
}

// Resolver scans active laws for contradictions and decides resolutions
// deterministically: the same pair with the same inputs always yields the
// same resolution record.
type Resolver struct {
	params config.ConflictParams
	scores ProposerScores
}

// NewResolver returns a resolver using the given dominance weights.
func NewResolver(params config.ConflictParams, scores ProposerScores) *Resolver {
	return &Resolver{
		params: params,
		scores: scores,
	}
}

// Detect scans pairs of active laws sharing overlapping contexts for
// contradictory expressions. The scan order is by law ID, so every node
// reports the same pairs in the same order.
func (r *Resolver) Detect(active []*law.Law) []Pair {
	sorted := make([]*law.Law, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Compare(sorted[j].ID) < 0
	})

	var pairs []Pair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if !Overlapping(a.Context, b.Context) {
				continue
			}
			if !Contradicts(a.Expression, b.Expression) {
				continue
			}
			pairs = append(pairs, Pair{A: a, B: b})
		}
	}
	return pairs
}

// Dominance scores how strongly a law should survive a conflict. All terms
// are normalized to [0,1] before weighting.
func (r *Resolver) Dominance(l *law.Law, now time.Time) float64 {
	age := now.Sub(time.Unix(l.CreatedAt, 0))
	survival := clamp01(float64(age) / float64(r.params.SurvivalHorizon))

	sinceUpdate := now.Sub(time.Unix(l.UpdatedAt, 0))
	recency := 1 - clamp01(float64(sinceUpdate)/float64(r.params.SurvivalHorizon))

	proposer := clamp01(r.scores.ProposerScore(l.Proposer))

	return r.params.ConfidenceWeight*clamp01(l.EffectiveConfidence()) +
		r.params.SurvivalWeight*survival +
		r.params.ProposerWeight*proposer +
		r.params.RecencyWeight*recency
}

// Resolve decides the conflict between two laws. No branch deletes
// anything: the losing law of a DeprecateOne is deprecated and a meta-rule
// is recorded; a ContextSplit narrows both contexts; a Provisional freezes
// both as Conflicted.
func (r *Resolver) Resolve(a, b *law.Law, prior ids.ID, now time.Time) (*Resolution, error) {
	if a.ID == b.ID {
		return nil, ErrSameLaw
	}
	if !Overlapping(a.Context, b.Context) || !Contradicts(a.Expression, b.Expression) {
		return nil, ErrNotConflicting
	}

	// Canonical pair order makes resolution independent of argument order.
	if b.ID.Compare(a.ID) < 0 {
		a, b = b, a
	}

	dominanceA := r.Dominance(a, now)
	dominanceB := r.Dominance(b, now)

	res := &Resolution{
		ConflictingLaws: []ids.ID{a.ID, b.ID},
		PriorResolution: prior,
		CreatedAt:       now.Unix(),
	}

	gap := dominanceA - dominanceB
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap > r.params.DominanceThreshold:
		res.Decision = DecisionDeprecateOne
		if dominanceA >= dominanceB {
			res.Winner, res.Loser = a.ID, b.ID
		} else {
			res.Winner, res.Loser = b.ID, a.ID
		}
	case splittable(a, b):
		res.Decision = DecisionContextSplit
		res.ContextBoundaries = []string{
			splitBoundary(a),
			splitBoundary(b),
		}
	default:
		res.Decision = DecisionProvisional
	}

	res.ResolutionID = resolutionID(res, dominanceA, dominanceB)
	return res, nil
}

// splittable reports whether narrowing can separate the two laws: both
// contexts are bare domains, so each law can retreat into its own qualified
// sub-context. Identical qualified contexts have nothing left to narrow.
func splittable(a, b *law.Law) bool {
	_, qualA := SplitContext(a.Context)
	_, qualB := SplitContext(b.Context)
	return qualA == "" && qualB == ""
}

// splitBoundary derives the law's narrowed context deterministically from
// its ID, keeping the two sub-contexts disjoint.
func splitBoundary(l *law.Law) string {
	domain, _ := SplitContext(l.Context)
	return domain + ":" + hex.EncodeToString(l.ID[:4])
}

// resolutionID hashes the pair and every decision input, so resolving the
// same pair with the same inputs is idempotent and any input change produces
// a distinct record.
func resolutionID(res *Resolution, dominanceA, dominanceB float64) ids.ID {
	preimage := make([]byte, 0, 128)
	for _, lawID := range res.ConflictingLaws {
		preimage = append(preimage, lawID[:]...)
	}
	preimage = append(preimage, byte(res.Decision))
	preimage = binary.BigEndian.AppendUint64(preimage, uint64(dominanceA*1_000_000))
	preimage = binary.BigEndian.AppendUint64(preimage, uint64(dominanceB*1_000_000))
	for _, boundary := range res.ContextBoundaries {
		preimage = append(preimage, 0x00)
		preimage = append(preimage, boundary...)
	}
	preimage = append(preimage, res.Winner[:]...)
	preimage = append(preimage, res.Loser[:]...)
	preimage = append(preimage, res.PriorResolution[:]...)
	return hash.ComputeHash256Array(preimage)
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
