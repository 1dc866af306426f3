// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the protocol parameters shared by every node on a
// cognition chain. All parameter structs are immutable after construction and
// must match across validators.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Configuration errors
var (
	ErrInvalidMinAgents      = errors.New("min agents must be >= 2")
	ErrInvalidConfidence     = errors.New("confidence threshold must be in (0, 1]")
	ErrInvalidIndependence   = errors.New("independence threshold must be in (0, 1]")
	ErrInvalidWindow         = errors.New("stability window must be positive")
	ErrInvalidTTL            = errors.New("cluster TTL must be >= stability window")
	ErrInvalidWeights        = errors.New("weights must be non-negative")
	ErrInvalidQuorum         = errors.New("quorum numerator must be in (denominator/2, denominator]")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
	ErrInvalidThreshold      = errors.New("dominance threshold must be in (0, 1)")
	ErrInvalidStake          = errors.New("min stake must be positive")
	ErrInvalidUptime         = errors.New("uptime parameters must be in (0, 1)")
	ErrInvalidOffenses       = errors.New("max offenses must be positive")
	ErrInvalidSlashFraction  = errors.New("slash fraction must be in (0, 1]")
	ErrInvalidDecay          = errors.New("decay rate must be in (0, 1) and floor in (0, 1)")
	ErrInvalidActivationPath = errors.New("unknown activation path")
)

// ActivationPath selects which trigger moves a law from Validating to Active.
type ActivationPath uint8

const (
	// ActivationPoC activates only on PoC cluster acceptance.
	ActivationPoC ActivationPath = iota
	// ActivationSupermajority activates only on a 2/3 validator vote.
	ActivationSupermajority
	// ActivationEither activates on whichever trigger fires first.
	ActivationEither
)

func (p ActivationPath) String() string {
	switch p {
	case ActivationPoC:
		return "poc"
	case ActivationSupermajority:
		return "supermajority"
	case ActivationEither:
		return "either"
	default:
		return "unknown"
	}
}

// PoCParams governs the Proof-of-Cognition acceptance pipeline.
type PoCParams struct {
	// MinAgents is the minimum count of distinct agents that must commit to a
	// rule before it can be evaluated.
	MinAgents int `json:"minAgents"`

	// MinConfidence is the minimum average commit confidence.
	MinConfidence float64 `json:"minConfidence"`

	// MinIndependence is the minimum independence score. Commits sharing
	// declared data sources or arriving in a tight burst score low.
	MinIndependence float64 `json:"minIndependence"`

	// StabilityWindow is how long a cluster must survive before a terminal
	// decision is reached, even if every threshold already passes.
	StabilityWindow time.Duration `json:"stabilityWindow"`

	// ClusterTTL bounds how long a cluster below MinAgents is retained before
	// it is garbage collected without producing a law.
	ClusterTTL time.Duration `json:"clusterTTL"`

	// Final confidence weights:
	// C = Alpha*avgConfidence + Beta*independence -
	//     Gamma*contradiction + Delta*survival
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
	Delta float64 `json:"delta"`

	// Independence mixing coefficients. SourceWeight scales mean pairwise
	// source overlap, TemporalWeight scales timestamp clustering.
	SourceWeight   float64 `json:"sourceWeight"`
	TemporalWeight float64 `json:"temporalWeight"`
}

func (p PoCParams) Validate() error {
	if p.MinAgents < 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidMinAgents, p.MinAgents)
	}
	if p.MinConfidence <= 0 || p.MinConfidence > 1 {
		return ErrInvalidConfidence
	}
	if p.MinIndependence <= 0 || p.MinIndependence > 1 {
		return ErrInvalidIndependence
	}
	if p.StabilityWindow <= 0 {
		return ErrInvalidWindow
	}
	if p.ClusterTTL < p.StabilityWindow {
		return fmt.Errorf("%w: ttl=%s window=%s", ErrInvalidTTL, p.ClusterTTL, p.StabilityWindow)
	}
	for _, w := range []float64{p.Alpha, p.Beta, p.Gamma, p.Delta, p.SourceWeight, p.TemporalWeight} {
		if w < 0 {
			return ErrInvalidWeights
		}
	}
	return nil
}

// DefaultPoCParams returns the production PoC thresholds.
func DefaultPoCParams() PoCParams {
	return PoCParams{
		MinAgents:       3,
		MinConfidence:   0.7,
		MinIndependence: 0.8,
		StabilityWindow: 24 * time.Hour,
		ClusterTTL:      72 * time.Hour,
		Alpha:           0.6,
		Beta:            0.2,
		Gamma:           0.3,
		Delta:           0.1,
		SourceWeight:    0.6,
		TemporalWeight:  0.4,
	}
}

// ConsensusParams governs the round-based block agreement protocol.
type ConsensusParams struct {
	// QuorumNum/QuorumDen express the supermajority threshold as a fraction
	// of active voting power. Integer arithmetic only: power*QuorumDen >=
	// total*QuorumNum reaches quorum.
	QuorumNum uint64 `json:"quorumNum"`
	QuorumDen uint64 `json:"quorumDen"`

	// ProposeTimeout bounds how long validators wait for a proposal before
	// prevoting nil.
	ProposeTimeout time.Duration `json:"proposeTimeout"`

	// RoundTimeout bounds a full round. On expiry the round increments and
	// the next proposer is selected.
	RoundTimeout time.Duration `json:"roundTimeout"`

	// ActivationPath selects how laws reach Active (see ActivationPath).
	ActivationPath ActivationPath `json:"activationPath"`
}

func (p ConsensusParams) Validate() error {
	if p.QuorumDen == 0 || p.QuorumNum > p.QuorumDen || 2*p.QuorumNum <= p.QuorumDen {
		return fmt.Errorf("%w: %d/%d", ErrInvalidQuorum, p.QuorumNum, p.QuorumDen)
	}
	if p.ProposeTimeout <= 0 || p.RoundTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if p.RoundTimeout < p.ProposeTimeout {
		return fmt.Errorf("%w: round timeout %s < propose timeout %s",
			ErrInvalidTimeout, p.RoundTimeout, p.ProposeTimeout)
	}
	if p.ActivationPath > ActivationEither {
		return ErrInvalidActivationPath
	}
	return nil
}

// DefaultConsensusParams returns the 2/3 BFT configuration.
func DefaultConsensusParams() ConsensusParams {
	return ConsensusParams{
		QuorumNum:      2,
		QuorumDen:      3,
		ProposeTimeout: 3 * time.Second,
		RoundTimeout:   10 * time.Second,
		ActivationPath: ActivationEither,
	}
}

// ConflictParams governs dominance scoring between contradictory laws.
type ConflictParams struct {
	// Dominance weights over confidence, survival, proposer reliability, and
	// recency. All four terms are normalized to [0,1] before combination.
	ConfidenceWeight float64 `json:"confidenceWeight"`
	SurvivalWeight   float64 `json:"survivalWeight"`
	ProposerWeight   float64 `json:"proposerWeight"`
	RecencyWeight    float64 `json:"recencyWeight"`

	// DominanceThreshold is the minimum score gap for DeprecateOne.
	DominanceThreshold float64 `json:"dominanceThreshold"`

	// SurvivalHorizon is the age at which the survival term saturates at 1.
	SurvivalHorizon time.Duration `json:"survivalHorizon"`
}

func (p ConflictParams) Validate() error {
	for _, w := range []float64{p.ConfidenceWeight, p.SurvivalWeight, p.ProposerWeight, p.RecencyWeight} {
		if w < 0 {
			return ErrInvalidWeights
		}
	}
	if p.DominanceThreshold <= 0 || p.DominanceThreshold >= 1 {
		return ErrInvalidThreshold
	}
	if p.SurvivalHorizon <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// DefaultConflictParams returns the production dominance weights.
func DefaultConflictParams() ConflictParams {
	return ConflictParams{
		ConfidenceWeight:   0.4,
		SurvivalWeight:     0.25,
		ProposerWeight:     0.2,
		RecencyWeight:      0.15,
		DominanceThreshold: 0.3,
		SurvivalHorizon:    30 * 24 * time.Hour,
	}
}

// ValidatorParams governs registration, uptime accounting, and slashing.
type ValidatorParams struct {
	// MinStake maps role name to its registration minimum.
	MinStakeMiner     uint64 `json:"minStakeMiner"`
	MinStakeValidator uint64 `json:"minStakeValidator"`
	MinStakeResolver  uint64 `json:"minStakeResolver"`
	MinStakeWatchdog  uint64 `json:"minStakeWatchdog"`

	// UptimeFloor deactivates a validator whose smoothed uptime drops below it.
	UptimeFloor float64 `json:"uptimeFloor"`

	// UptimeSmoothing is the EMA coefficient applied per activity report.
	UptimeSmoothing float64 `json:"uptimeSmoothing"`

	// MaxOffenses deactivates a validator after this many cumulative offenses.
	MaxOffenses uint32 `json:"maxOffenses"`

	// SlashFraction is the stake fraction burned per offense.
	SlashFraction float64 `json:"slashFraction"`
}

func (p ValidatorParams) Validate() error {
	for _, s := range []uint64{p.MinStakeMiner, p.MinStakeValidator, p.MinStakeResolver, p.MinStakeWatchdog} {
		if s == 0 {
			return ErrInvalidStake
		}
	}
	if p.UptimeFloor <= 0 || p.UptimeFloor >= 1 || p.UptimeSmoothing <= 0 || p.UptimeSmoothing >= 1 {
		return ErrInvalidUptime
	}
	if p.MaxOffenses == 0 {
		return ErrInvalidOffenses
	}
	if p.SlashFraction <= 0 || p.SlashFraction > 1 {
		return ErrInvalidSlashFraction
	}
	return nil
}

// DefaultValidatorParams returns the production staking minimums.
func DefaultValidatorParams() ValidatorParams {
	return ValidatorParams{
		MinStakeMiner:     1000,
		MinStakeValidator: 1000,
		MinStakeResolver:  1500,
		MinStakeWatchdog:  500,
		UptimeFloor:       0.5,
		UptimeSmoothing:   0.1,
		MaxOffenses:       3,
		SlashFraction:     0.5,
	}
}

// LawParams governs law confidence decay.
type LawParams struct {
	// DecayRate is the per-epoch multiplicative confidence reduction applied
	// to laws with no fresh confirming evidence.
	DecayRate float64 `json:"decayRate"`

	// DecayFloor deprecates a law once its confidence decays to or below it.
	DecayFloor float64 `json:"decayFloor"`

	// DecayEpoch is the wall-clock length of one decay epoch.
	DecayEpoch time.Duration `json:"decayEpoch"`
}

func (p LawParams) Validate() error {
	if p.DecayRate <= 0 || p.DecayRate >= 1 || p.DecayFloor <= 0 || p.DecayFloor >= 1 {
		return ErrInvalidDecay
	}
	if p.DecayEpoch <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// DefaultLawParams returns the production decay schedule.
func DefaultLawParams() LawParams {
	return LawParams{
		DecayRate:  0.01,
		DecayFloor: 0.1,
		DecayEpoch: 24 * time.Hour,
	}
}

// Params aggregates every protocol parameter group.
type Params struct {
	PoC       PoCParams       `json:"poc"`
	Consensus ConsensusParams `json:"consensus"`
	Conflict  ConflictParams  `json:"conflict"`
	Validator ValidatorParams `json:"validator"`
	Law       LawParams       `json:"law"`
}

func (p Params) Validate() error {
	if err := p.PoC.Validate(); err != nil {
		return fmt.Errorf("poc params: %w", err)
	}
	if err := p.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus params: %w", err)
	}
	if err := p.Conflict.Validate(); err != nil {
		return fmt.Errorf("conflict params: %w", err)
	}
	if err := p.Validator.Validate(); err != nil {
		return fmt.Errorf("validator params: %w", err)
	}
	if err := p.Law.Validate(); err != nil {
		return fmt.Errorf("law params: %w", err)
	}
	return nil
}

// DefaultParams returns the full production parameter set.
func DefaultParams() Params {
	return Params{
		PoC:       DefaultPoCParams(),
		Consensus: DefaultConsensusParams(),
		Conflict:  DefaultConflictParams(),
		Validator: DefaultValidatorParams(),
		Law:       DefaultLawParams(),
	}
}
