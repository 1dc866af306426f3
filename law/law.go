// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package law defines the symbolic law record, its lifecycle state machine,
// and the persistent law store.
package law

import (
	"errors"
	"time"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
)

var (
	ErrInvalidTransition = errors.New("invalid law status transition")
	ErrStaleEvidence     = errors.New("re-proposal requires fresh evidence")
)

// Status is the lifecycle state of a law. Deprecated and Revoked are
// terminal; records in terminal states are retained forever for audit.
type Status uint8

const (
	StatusProposed Status = iota
	StatusValidating
	StatusActive
	StatusConflicted
	StatusDeprecated
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusValidating:
		return "validating"
	case StatusActive:
		return "active"
	case StatusConflicted:
		return "conflicted"
	case StatusDeprecated:
		return "deprecated"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Terminal returns true for statuses that only Revoke can leave.
func (s Status) Terminal() bool {
	return s == StatusDeprecated || s == StatusRevoked
}

// Type classifies how a law came to exist.
type Type uint8

const (
	// TypeDiscovered laws originate from PoC clustering of agent commits.
	TypeDiscovered Type = iota
	// TypeGoverned laws originate from explicit validator votes.
	TypeGoverned
	// TypeMetaRule laws record conflict-resolution precedence
	// ("winner overrides loser in context").
	TypeMetaRule
)

func (t Type) String() string {
	switch t {
	case TypeDiscovered:
		return "discovered"
	case TypeGoverned:
		return "governed"
	case TypeMetaRule:
		return "meta_rule"
	default:
		return "unknown"
	}
}

// Law is a symbolic rule with a lifecycle status. The expression is opaque to
// the protocol; only the context signature is interpreted (by the conflict
// resolver).
type Law struct {
	ID                 ids.ID     `json:"id"`
	Type               Type       `json:"type"`
	Expression         string     `json:"expression"`
	Context            string     `json:"context"`
	Status             Status     `json:"status"`
	Proposer           ids.NodeID `json:"proposer"`
	Confidence         float64    `json:"confidence"`
	SupportCount       uint64     `json:"supportCount"`
	ContradictionCount uint64     `json:"contradictionCount"`
	EvidenceRefs       []string   `json:"evidenceRefs,omitempty"`
	DecayFactor        float64    `json:"decayFactor"`
	CreatedAt          int64      `json:"createdAt"`
	UpdatedAt          int64      `json:"updatedAt"`
}

// ComputeID derives the content-addressed law ID from the canonical
// expression/context pair. Two independently discovered identical rules
// collide into the same ID.
func ComputeID(expression, context string) ids.ID {
	preimage := make([]byte, 0, len(expression)+1+len(context))
	preimage = append(preimage, expression...)
	preimage = append(preimage, 0x00)
	preimage = append(preimage, context...)
	return hash.ComputeHash256Array(preimage)
}

// New returns a Proposed law with its ID derived from expression and context.
func New(typ Type, expression, context string, proposer ids.NodeID, now time.Time) *Law {
	ts := now.Unix()
	return &Law{
		ID:          ComputeID(expression, context),
		Type:        typ,
		Expression:  expression,
		Context:     context,
		Status:      StatusProposed,
		Proposer:    proposer,
		DecayFactor: 1,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

// validTransitions holds every permitted status edge. Revocation is handled
// separately because it is legal from any non-terminal state and idempotent
// from Revoked.
var validTransitions = map[Status][]Status{
	StatusProposed:   {StatusValidating},
	StatusValidating: {StatusActive, StatusDeprecated},
	StatusActive:     {StatusConflicted, StatusDeprecated},
	StatusConflicted: {StatusActive, StatusDeprecated},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	if to == StatusRevoked {
		return !from.Terminal() || from == StatusRevoked
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the law to the target status. Illegal edges fail with
// ErrInvalidTransition and leave the law untouched. Revoking an already
// revoked law is a no-op success.
func (l *Law) Transition(to Status, now time.Time) error {
	if to == StatusRevoked {
		return l.Revoke(now)
	}
	if !CanTransition(l.Status, to) {
		return errInvalidTransition(l.Status, to)
	}
	l.Status = to
	l.UpdatedAt = now.Unix()
	return nil
}

// Revoke is the explicit governance exit. It is idempotent and irreversible.
func (l *Law) Revoke(now time.Time) error {
	switch l.Status {
	case StatusRevoked:
		return nil
	case StatusDeprecated:
		return errInvalidTransition(l.Status, StatusRevoked)
	default:
		l.Status = StatusRevoked
		l.UpdatedAt = now.Unix()
		return nil
	}
}

// Repropose re-enters the lifecycle from Deprecated. It is the only legal way
// out of Deprecated and requires evidence refs not already attached to the
// record, so a mere re-discovery of the identical rule is rejected.
func (l *Law) Repropose(evidenceRefs []string, now time.Time) error {
	if l.Status != StatusDeprecated {
		return errInvalidTransition(l.Status, StatusProposed)
	}
	seen := make(map[string]struct{}, len(l.EvidenceRefs))
	for _, ref := range l.EvidenceRefs {
		seen[ref] = struct{}{}
	}
	fresh := false
	for _, ref := range evidenceRefs {
		if _, ok := seen[ref]; !ok {
			fresh = true
			break
		}
	}
	if !fresh {
		return ErrStaleEvidence
	}
	l.Status = StatusProposed
	l.EvidenceRefs = append(l.EvidenceRefs, evidenceRefs...)
	l.DecayFactor = 1
	l.UpdatedAt = now.Unix()
	return nil
}

// ApplyDecay applies epochs of multiplicative confidence decay. It returns
// true if the law crossed the floor and was deprecated. Laws in terminal
// states and laws that received confirming evidence this epoch are untouched
// by the caller's scan.
func (l *Law) ApplyDecay(rate, floor float64, epochs uint64, now time.Time) (bool, error) {
	if l.Status.Terminal() {
		return false, nil
	}
	for i := uint64(0); i < epochs; i++ {
		l.DecayFactor *= 1 - rate
	}
	l.UpdatedAt = now.Unix()
	if l.Confidence*l.DecayFactor > floor {
		return false, nil
	}
	if l.Status != StatusActive && l.Status != StatusConflicted {
		return false, nil
	}
	return true, l.Transition(StatusDeprecated, now)
}

// EffectiveConfidence is the decayed confidence used by conflict scoring.
func (l *Law) EffectiveConfidence() float64 {
	return l.Confidence * l.DecayFactor
}

func errInvalidTransition(from, to Status) error {
	return &transitionError{from: from, to: to}
}

type transitionError struct {
	from, to Status
}

func (e *transitionError) Error() string {
	return "invalid law status transition: " + e.from.String() + " -> " + e.to.String()
}

func (*transitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
