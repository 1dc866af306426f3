// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the round-based BFT block agreement protocol:
// block and vote types, per-round vote accounting with equivocation
// detection, and the propose/prevote/precommit/commit state machine.
package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/validator"
)

// ConfidenceScale converts [0,1] confidences to their wire form in parts per
// million. Block bytes carry integers only.
const ConfidenceScale = 1_000_000

var (
	ErrWrongHeight   = errors.New("block height is not parent height + 1")
	ErrWrongParent   = errors.New("block parent hash mismatch")
	ErrWrongProposer = errors.New("block proposer is not the round's proposer")

	// ErrNoPendingWork is returned by builders with nothing to include. The
	// proposer stays silent and the round resolves through nil votes.
	ErrNoPendingWork = errors.New("no pending work")
)

// ScaleConfidence converts a [0,1] confidence to wire form.
func ScaleConfidence(c float64) uint32 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return ConfidenceScale
	}
	return uint32(c * ConfidenceScale)
}

// UnscaleConfidence converts a wire confidence back to [0,1].
func UnscaleConfidence(c uint32) float64 {
	return float64(c) / ConfidenceScale
}

// LawDelta is one law mutation sequenced inside a block. Laws mutate only
// through committed deltas; mid-round mutations are provisional.
type LawDelta struct {
	LawID      ids.ID     `serialize:"true" json:"lawId"`
	Type       law.Type   `serialize:"true" json:"type"`
	Status     law.Status `serialize:"true" json:"status"`
	Expression string     `serialize:"true" json:"expression"`
	Context    string     `serialize:"true" json:"context"`
	Proposer   ids.NodeID `serialize:"true" json:"proposer"`

	// Confidence in parts per million; see ConfidenceScale.
	Confidence uint32 `serialize:"true" json:"confidence"`

	SupportDelta       uint64   `serialize:"true" json:"supportDelta"`
	ContradictionDelta uint64   `serialize:"true" json:"contradictionDelta"`
	EvidenceRefs       []string `serialize:"true" json:"evidenceRefs"`
}

// ValidatorAction selects what a ValidatorDelta does.
type ValidatorAction uint8

const (
	ActionRegister ValidatorAction = iota
	ActionActivate
	ActionDeactivate
	ActionSlash
)

func (a ValidatorAction) String() string {
	switch a {
	case ActionRegister:
		return "register"
	case ActionActivate:
		return "activate"
	case ActionDeactivate:
		return "deactivate"
	case ActionSlash:
		return "slash"
	default:
		return "unknown"
	}
}

// ValidatorDelta is one validator mutation sequenced inside a block.
type ValidatorDelta struct {
	NodeID ids.NodeID      `serialize:"true" json:"nodeId"`
	Action ValidatorAction `serialize:"true" json:"action"`
	Role   validator.Role  `serialize:"true" json:"role"`
	Stake  uint64          `serialize:"true" json:"stake"`

	// SlashFraction in parts per million, set for ActionSlash.
	SlashFraction uint32 `serialize:"true" json:"slashFraction"`

	// Reason is the evidence summary for slashes and deactivations.
	Reason string `serialize:"true" json:"reason"`
}

// ResolutionDelta records a conflict resolution inside a block.
type ResolutionDelta struct {
	ResolutionID      ids.ID   `serialize:"true" json:"resolutionId"`
	ConflictingLaws   []ids.ID `serialize:"true" json:"conflictingLaws"`
	Decision          uint8    `serialize:"true" json:"decision"`
	ContextBoundaries []string `serialize:"true" json:"contextBoundaries"`
	Winner            ids.ID   `serialize:"true" json:"winner"`
	Loser             ids.ID   `serialize:"true" json:"loser"`

	// PriorResolution links a re-opened conflict to the resolution it
	// supersedes; ids.Empty for first resolutions.
	PriorResolution ids.ID `serialize:"true" json:"priorResolution"`
}

// Block is one entry of the append-only ledger. It becomes immutable on
// commit; its hash covers every serialized field.
type Block struct {
	BlockHeight    uint64     `serialize:"true" json:"height"`
	ParentID       ids.ID     `serialize:"true" json:"parentId"`
	Proposer       ids.NodeID `serialize:"true" json:"proposer"`
	BlockTimestamp int64      `serialize:"true" json:"timestamp"`

	LawDeltas        []LawDelta        `serialize:"true" json:"lawDeltas"`
	ValidatorDeltas  []ValidatorDelta  `serialize:"true" json:"validatorDeltas"`
	ResolutionDeltas []ResolutionDelta `serialize:"true" json:"resolutionDeltas"`

	id    ids.ID
	bytes []byte
}

// NewBlock assembles a block from pending deltas. Deltas are sorted into the
// canonical order so every proposer builds byte-identical blocks from the
// same pending set.
func NewBlock(
	height uint64,
	parentID ids.ID,
	proposer ids.NodeID,
	timestamp int64,
	lawDeltas []LawDelta,
	validatorDeltas []ValidatorDelta,
	resolutionDeltas []ResolutionDelta,
) (*Block, error) {
	b := &Block{
		BlockHeight:      height,
		ParentID:         parentID,
		Proposer:         proposer,
		BlockTimestamp:   timestamp,
		LawDeltas:        lawDeltas,
		ValidatorDeltas:  validatorDeltas,
		ResolutionDeltas: resolutionDeltas,
	}
	b.sortDeltas()
	return b, b.initialize()
}

// ParseBlock decodes block bytes received from the network.
func ParseBlock(blockBytes []byte) (*Block, error) {
	b := &Block{}
	if _, err := Codec.Unmarshal(blockBytes, b); err != nil {
		return nil, fmt.Errorf("failed to parse block: %w", err)
	}
	b.bytes = blockBytes
	b.id = hash.ComputeHash256Array(blockBytes)
	return b, nil
}

func (b *Block) sortDeltas() {
	sort.Slice(b.LawDeltas, func(i, j int) bool {
		return b.LawDeltas[i].LawID.Compare(b.LawDeltas[j].LawID) < 0
	})
	sort.Slice(b.ValidatorDeltas, func(i, j int) bool {
		return bytes.Compare(
			b.ValidatorDeltas[i].NodeID.Bytes(),
			b.ValidatorDeltas[j].NodeID.Bytes(),
		) < 0
	})
	sort.Slice(b.ResolutionDeltas, func(i, j int) bool {
		return b.ResolutionDeltas[i].ResolutionID.Compare(b.ResolutionDeltas[j].ResolutionID) < 0
	})
}

func (b *Block) initialize() error {
	blockBytes, err := Codec.Marshal(codecVersion, b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	b.bytes = blockBytes
	b.id = hash.ComputeHash256Array(blockBytes)
	return nil
}

// ID is the block's content hash.
func (b *Block) ID() ids.ID {
	return b.id
}

// Height returns the block height.
func (b *Block) Height() uint64 {
	return b.BlockHeight
}

// Bytes returns the canonical serialized form.
func (b *Block) Bytes() []byte {
	return b.bytes
}

// Empty reports whether the block carries no deltas at all.
func (b *Block) Empty() bool {
	return len(b.LawDeltas) == 0 &&
		len(b.ValidatorDeltas) == 0 &&
		len(b.ResolutionDeltas) == 0
}

// VerifyAgainst checks the block's chain linkage and proposer assignment.
func (b *Block) VerifyAgainst(parentID ids.ID, parentHeight uint64, proposer ids.NodeID) error {
	if b.BlockHeight != parentHeight+1 {
		return fmt.Errorf("%w: got %d, parent %d", ErrWrongHeight, b.BlockHeight, parentHeight)
	}
	if b.ParentID != parentID {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongParent, b.ParentID, parentID)
	}
	if b.Proposer != proposer {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongProposer, b.Proposer, proposer)
	}
	return nil
}
