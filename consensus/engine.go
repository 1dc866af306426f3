// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/cognition/config"
)

var (
	ErrStaleMessage  = errors.New("stale message")
	ErrFutureMessage = errors.New("message for a future height")
	ErrUnknownVoter  = errors.New("vote from unknown or inactive validator")
	ErrNotStarted    = errors.New("engine not started")
)

// ValidatorSet supplies voting powers and the proposer rotation. Implemented
// by validator.Registry.
type ValidatorSet interface {
	ProposerForRound(height uint64, round uint32) (ids.NodeID, error)
	Power(nodeID ids.NodeID) uint64
	TotalPower() (uint64, error)
}

// Builder assembles a candidate block from the pending delta set.
type Builder interface {
	BuildBlock(height uint64, parentID ids.ID) (*Block, error)
}

// Sender broadcasts proposals and votes to the network. The engine also
// processes everything it sends as if it had received it.
type Sender interface {
	SendProposal(*Block)
	SendVote(*Vote)
}

// Committer applies a committed block atomically. An error is a storage
// failure: the engine halts on the current height rather than advance past a
// partial commit.
type Committer interface {
	CommitBlock(*Block) error
}

// Timers schedules the round deadlines. Expiry is delivered back through
// ProposeTimeout and RoundTimeout.
type Timers interface {
	ScheduleProposeTimeout(height uint64, round uint32)
	ScheduleRoundTimeout(height uint64, round uint32)
}

// State is the externally visible consensus position.
type State struct {
	Height uint64 `json:"height"`
	Round  uint32 `json:"round"`
	Phase  Phase  `json:"phase"`
}

type roundVotes struct {
	prevotes   *VoteSet
	precommits *VoteSet
}

// Engine is the per-height round state machine. It is not safe for
// concurrent use: the owning chain serializes every call through its event
// loop.
type Engine struct {
	log    log.Logger
	params config.ConsensusParams
	nodeID ids.NodeID

	vals      ValidatorSet
	builder   Builder
	sender    Sender
	committer Committer
	timers    Timers

	// OnEquivocation is invoked once per flagged (validator, phase) pair so
	// the watchdog can record the offense. May be nil.
	OnEquivocation func(nodeID ids.NodeID, vote *Vote)

	started      bool
	halted       bool
	height       uint64
	round        uint32
	phase        Phase
	parentID     ids.ID
	parentHeight uint64

	proposal  *Block
	proposals map[ids.ID]*Block
	votes     map[uint32]*roundVotes

	// sentPrevote/sentPrecommit guard against double-voting by this node
	// within the current round.
	sentPrevote   bool
	sentPrecommit bool
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(
	logger log.Logger,
	params config.ConsensusParams,
	nodeID ids.NodeID,
	vals ValidatorSet,
	builder Builder,
	sender Sender,
	committer Committer,
	timers Timers,
) *Engine {
	return &Engine{
		log:       logger,
		params:    params,
		nodeID:    nodeID,
		vals:      vals,
		builder:   builder,
		sender:    sender,
		committer: committer,
		timers:    timers,
	}
}

// Start begins consensus for the height following the given parent.
func (e *Engine) Start(parentID ids.ID, parentHeight uint64) error {
	e.started = true
	e.halted = false
	e.parentID = parentID
	e.parentHeight = parentHeight
	e.height = parentHeight + 1
	e.round = 0
	e.resetHeight()
	return e.startRound(0)
}

// State returns the current consensus position.
func (e *Engine) State() State {
	return State{
		Height: e.height,
		Round:  e.round,
		Phase:  e.phase,
	}
}

// Halted reports whether a storage failure stopped progress.
func (e *Engine) Halted() bool {
	return e.halted
}

func (e *Engine) resetHeight() {
	e.proposal = nil
	e.proposals = make(map[ids.ID]*Block)
	e.votes = make(map[uint32]*roundVotes)
}

func (e *Engine) startRound(round uint32) error {
	e.round = round
	e.phase = PhasePropose
	e.proposal = nil
	e.sentPrevote = false
	e.sentPrecommit = false

	// Vote sets for rounds quorum has moved past can no longer matter.
	for r := range e.votes {
		if r+1 < round {
			delete(e.votes, r)
		}
	}

	e.timers.ScheduleProposeTimeout(e.height, e.round)
	e.timers.ScheduleRoundTimeout(e.height, e.round)

	e.log.Debug("starting round",
		"height", e.height,
		"round", e.round,
	)
	return e.TryPropose()
}

// TryPropose builds and broadcasts a proposal if this node holds the current
// proposer slot and has not proposed or prevoted yet. The owning chain calls
// it again when pending work arrives mid-round, so an idle proposer that
// stayed silent at round start still proposes before the round times out.
func (e *Engine) TryPropose() error {
	if !e.started || e.halted {
		return nil
	}
	if e.phase != PhasePropose || e.proposal != nil || e.sentPrevote {
		return nil
	}

	proposer, err := e.vals.ProposerForRound(e.height, e.round)
	if err != nil {
		return err
	}
	if proposer != e.nodeID {
		return nil
	}

	block, err := e.builder.BuildBlock(e.height, e.parentID)
	if errors.Is(err, ErrNoPendingWork) {
		e.log.Debug("nothing to propose",
			"height", e.height,
			"round", e.round,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to build block: %w", err)
	}
	e.log.Info("proposing block",
		"height", e.height,
		"round", e.round,
		"blockID", block.ID(),
	)
	e.sender.SendProposal(block)
	return e.HandleProposal(block)
}

// HandleProposal ingests a candidate block for the current height. The first
// valid proposal of the round triggers this node's prevote.
func (e *Engine) HandleProposal(b *Block) error {
	if !e.started {
		return ErrNotStarted
	}
	if e.halted {
		return nil
	}
	if b.Height() < e.height {
		return fmt.Errorf("%w: proposal for height %d at height %d", ErrStaleMessage, b.Height(), e.height)
	}
	if b.Height() > e.height {
		return fmt.Errorf("%w: proposal for height %d at height %d", ErrFutureMessage, b.Height(), e.height)
	}

	proposer, err := e.vals.ProposerForRound(e.height, e.round)
	if err != nil {
		return err
	}
	if err := b.VerifyAgainst(e.parentID, e.parentHeight, proposer); err != nil {
		return err
	}

	e.proposals[b.ID()] = b
	if e.phase != PhasePropose || e.proposal != nil {
		return nil
	}
	e.proposal = b

	e.prevote(b.ID())
	e.phase = PhasePrevote
	return nil
}

// HandleVote ingests a prevote or precommit for the current height. Votes
// for an observed higher round abandon the current round first; votes for
// past rounds or heights are stale.
func (e *Engine) HandleVote(v *Vote) error {
	if !e.started {
		return ErrNotStarted
	}
	if e.halted {
		return nil
	}
	if v.Height < e.height {
		return fmt.Errorf("%w: vote for height %d at height %d", ErrStaleMessage, v.Height, e.height)
	}
	if v.Height > e.height {
		return fmt.Errorf("%w: vote for height %d at height %d", ErrFutureMessage, v.Height, e.height)
	}
	if v.Round < e.round {
		return fmt.Errorf("%w: vote for round %d at round %d", ErrStaleMessage, v.Round, e.round)
	}

	power := e.vals.Power(v.NodeID)
	if power == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, v.NodeID)
	}

	// A higher round means quorum moved on without us.
	if v.Round > e.round {
		e.log.Debug("observed higher round, abandoning current round",
			"height", e.height,
			"round", e.round,
			"observedRound", v.Round,
		)
		if err := e.startRound(v.Round); err != nil {
			return err
		}
	}

	rv := e.roundVotes(v.Round)
	var vs *VoteSet
	switch v.Phase {
	case PhasePrevote:
		vs = rv.prevotes
	case PhasePrecommit:
		vs = rv.precommits
	default:
		return fmt.Errorf("%w: %s", ErrWrongPhase, v.Phase)
	}

	added, err := vs.Add(v, power)
	if err != nil {
		if errors.Is(err, ErrEquivocation) && e.OnEquivocation != nil {
			e.OnEquivocation(v.NodeID, v)
		}
		return err
	}
	if !added {
		return nil
	}
	return e.checkThresholds(v.Round)
}

// ProposeTimeout fires when no proposal arrived in time: prevote nil so the
// round can still gather a decisive nil quorum.
func (e *Engine) ProposeTimeout(height uint64, round uint32) error {
	if !e.started || e.halted || height != e.height || round != e.round {
		return nil
	}
	if e.phase != PhasePropose {
		return nil
	}
	e.log.Debug("propose timeout, prevoting nil",
		"height", e.height,
		"round", e.round,
	)
	e.prevote(ids.Empty)
	e.phase = PhasePrevote
	return e.checkThresholds(e.round)
}

// RoundTimeout fires when the round failed to commit in time: advance to the
// next round and proposer. The abandoned candidate block is discarded, never
// partially applied.
func (e *Engine) RoundTimeout(height uint64, round uint32) error {
	if !e.started || e.halted || height != e.height || round != e.round {
		return nil
	}
	if e.phase == PhaseCommitted {
		return nil
	}
	e.log.Info("round timed out",
		"height", e.height,
		"round", e.round,
	)
	return e.startRound(e.round + 1)
}

func (e *Engine) roundVotes(round uint32) *roundVotes {
	rv, ok := e.votes[round]
	if !ok {
		rv = &roundVotes{
			prevotes:   NewVoteSet(PhasePrevote),
			precommits: NewVoteSet(PhasePrecommit),
		}
		e.votes[round] = rv
	}
	return rv
}

// checkThresholds advances the phase whenever a quorum forms.
func (e *Engine) checkThresholds(round uint32) error {
	if round != e.round {
		return nil
	}
	total, err := e.vals.TotalPower()
	if err != nil {
		return err
	}
	rv := e.roundVotes(round)

	// Prevote quorum for a specific block moves us to precommit for it. A
	// nil prevote quorum precommits nil.
	if e.phase == PhasePrevote && !e.sentPrecommit {
		leader, power := rv.prevotes.Leader()
		if leader != ids.Empty && e.quorum(power, total) {
			e.precommit(leader)
			e.phase = PhasePrecommit
		} else if e.quorum(rv.prevotes.PowerFor(ids.Empty), total) {
			e.precommit(ids.Empty)
			e.phase = PhasePrecommit
		}
	}

	// Precommit quorum for a block commits it; a nil quorum fails the round.
	leader, power := rv.precommits.Leader()
	if leader != ids.Empty && e.quorum(power, total) {
		block, ok := e.proposals[leader]
		if !ok {
			// Quorum exists but the proposal never reached us; the round
			// timeout will advance us and a re-sync fills the gap.
			e.log.Warn("precommit quorum for unknown block",
				"height", e.height,
				"round", e.round,
				"blockID", leader,
			)
			return nil
		}
		return e.commit(block)
	}
	if e.quorum(rv.precommits.PowerFor(ids.Empty), total) {
		e.log.Debug("nil precommit quorum, advancing round",
			"height", e.height,
			"round", e.round,
		)
		return e.startRound(e.round + 1)
	}
	return nil
}

func (e *Engine) commit(b *Block) error {
	e.phase = PhaseCommitted
	if err := e.committer.CommitBlock(b); err != nil {
		// A partial delta set must never become visible. Halt progress; a
		// restart resumes from the last durably committed height.
		e.halted = true
		return fmt.Errorf("storage failure committing height %d: %w", b.Height(), err)
	}
	e.log.Info("committed block",
		"height", b.Height(),
		"round", e.round,
		"blockID", b.ID(),
	)
	e.parentID = b.ID()
	e.parentHeight = b.Height()
	e.height = b.Height() + 1
	e.resetHeight()
	return e.startRound(0)
}

// prevote and precommit broadcast this node's vote and fold it into our own
// tally. Nodes without voting power observe silently.
func (e *Engine) prevote(blockID ids.ID) {
	if e.sentPrevote || e.vals.Power(e.nodeID) == 0 {
		return
	}
	e.sentPrevote = true
	e.castVote(blockID, PhasePrevote)
}

func (e *Engine) precommit(blockID ids.ID) {
	if e.sentPrecommit || e.vals.Power(e.nodeID) == 0 {
		return
	}
	e.sentPrecommit = true
	e.castVote(blockID, PhasePrecommit)
}

func (e *Engine) castVote(blockID ids.ID, phase Phase) {
	v := &Vote{
		NodeID:  e.nodeID,
		BlockID: blockID,
		Phase:   phase,
		Height:  e.height,
		Round:   e.round,
	}
	e.sender.SendVote(v)

	rv := e.roundVotes(e.round)
	vs := rv.prevotes
	if phase == PhasePrecommit {
		vs = rv.precommits
	}
	if _, err := vs.Add(v, e.vals.Power(e.nodeID)); err != nil {
		e.log.Error("failed to record own vote", "err", err)
	}
}

func (e *Engine) quorum(power, total uint64) bool {
	return Quorum(power, total, e.params.QuorumNum, e.params.QuorumDen)
}
