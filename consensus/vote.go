// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

var (
	ErrEquivocation = errors.New("equivocation detected")
	ErrWrongPhase   = errors.New("vote phase mismatch")
)

// Phase is the stage of a consensus round.
type Phase uint8

const (
	PhasePropose Phase = iota
	PhasePrevote
	PhasePrecommit
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhasePropose:
		return "propose"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Vote is one validator's voice in one phase of one round. A nil vote
// carries ids.Empty as its BlockID.
type Vote struct {
	NodeID  ids.NodeID `serialize:"true" json:"nodeId"`
	BlockID ids.ID     `serialize:"true" json:"blockId"`
	Phase   Phase      `serialize:"true" json:"phase"`
	Height  uint64     `serialize:"true" json:"height"`
	Round   uint32     `serialize:"true" json:"round"`
}

// ID is the vote's content hash, used for gossip deduplication.
func (v *Vote) ID() ids.ID {
	voteBytes, err := Codec.Marshal(codecVersion, v)
	if err != nil {
		// Votes are fixed-size structs; marshaling cannot fail at runtime.
		panic(err)
	}
	return hash.ComputeHash256Array(voteBytes)
}

// Nil reports whether this is a nil vote.
func (v *Vote) Nil() bool {
	return v.BlockID == ids.Empty
}

// VoteSet accumulates one phase's votes for a single (height, round). The
// first vote per validator wins: an identical duplicate is a no-op, a
// conflicting second vote is equivocation and never replaces the first.
type VoteSet struct {
	phase Phase

	votes   map[ids.NodeID]*Vote
	power   map[ids.ID]uint64
	flagged set.Set[ids.NodeID]
}

// NewVoteSet returns an empty vote set for the phase.
func NewVoteSet(phase Phase) *VoteSet {
	return &VoteSet{
		phase:   phase,
		votes:   make(map[ids.NodeID]*Vote),
		power:   make(map[ids.ID]uint64),
		flagged: make(set.Set[ids.NodeID]),
	}
}

// Add records a vote carrying the validator's voting power. It returns
// whether the vote was new. A conflicting second vote from the same
// validator returns ErrEquivocation and flags the validator; the recorded
// tally is unchanged.
func (vs *VoteSet) Add(v *Vote, power uint64) (bool, error) {
	if v.Phase != vs.phase {
		return false, fmt.Errorf("%w: got %s, want %s", ErrWrongPhase, v.Phase, vs.phase)
	}

	prev, ok := vs.votes[v.NodeID]
	if ok {
		if prev.BlockID == v.BlockID {
			return false, nil
		}
		vs.flagged.Add(v.NodeID)
		return false, fmt.Errorf("%w: %s voted %s then %s in %s",
			ErrEquivocation, v.NodeID, prev.BlockID, v.BlockID, vs.phase)
	}

	vs.votes[v.NodeID] = v
	vs.power[v.BlockID] += power
	return true, nil
}

// PowerFor returns the accumulated power behind a block ID.
func (vs *VoteSet) PowerFor(blockID ids.ID) uint64 {
	return vs.power[blockID]
}

// Leader returns the non-nil block ID with the most power.
func (vs *VoteSet) Leader() (ids.ID, uint64) {
	best := ids.Empty
	bestPower := uint64(0)
	for blockID, power := range vs.power {
		if blockID == ids.Empty {
			continue
		}
		if power > bestPower || (power == bestPower && blockID.Compare(best) < 0) {
			best = blockID
			bestPower = power
		}
	}
	return best, bestPower
}

// Len returns how many validators have voted.
func (vs *VoteSet) Len() int {
	return len(vs.votes)
}

// Flagged returns the validators caught equivocating in this set.
func (vs *VoteSet) Flagged() []ids.NodeID {
	return vs.flagged.List()
}

// Quorum reports whether power meets the num/den supermajority of total.
// Integer arithmetic only; no float rounding at the safety boundary.
func Quorum(power, total, num, den uint64) bool {
	if total == 0 {
		return false
	}
	return power*den >= total*num
}
