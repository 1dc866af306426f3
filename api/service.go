// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api serves the JSON-RPC query and governance surface of a
// cognition chain.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/chain"
	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/ledger"
	"github.com/luxfi/cognition/poc"
	"github.com/luxfi/cognition/validator"
)

// Name is the JSON-RPC namespace: methods are called as "cognition.GetLaw".
const Name = "cognition"

var errNoFilter = errors.New("at least one of status, context, or proposer must be set")

// Service provides the cognition RPC service.
type Service struct {
	chain *chain.Chain
}

// NewService returns the RPC service over the chain.
func NewService(c *chain.Chain) *Service {
	return &Service{chain: c}
}

// HealthReply is the reply for Health
type HealthReply struct {
	Healthy bool   `json:"healthy"`
	Height  uint64 `json:"height"`
}

// Health reports whether consensus is progressing and at what height.
func (s *Service) Health(_ *http.Request, _ *struct{}, reply *HealthReply) error {
	healthy, err := s.chain.Healthy()
	if err != nil {
		return err
	}
	state, err := s.chain.ConsensusState()
	if err != nil {
		return err
	}
	reply.Healthy = healthy
	reply.Height = state.Height
	return nil
}

// GetLawArgs are the arguments for GetLaw
type GetLawArgs struct {
	LawID string `json:"lawID"`
}

// GetLawReply is the reply for GetLaw
type GetLawReply struct {
	Law *law.Law `json:"law"`
}

// GetLaw returns a law by ID, whatever its status.
func (s *Service) GetLaw(_ *http.Request, args *GetLawArgs, reply *GetLawReply) error {
	lawID, err := ids.FromString(args.LawID)
	if err != nil {
		return fmt.Errorf("invalid law ID: %w", err)
	}
	l, err := s.chain.GetLaw(lawID)
	if err != nil {
		return err
	}
	reply.Law = l
	return nil
}

// ListLawsArgs are the arguments for ListLaws
type ListLawsArgs struct {
	Status   string `json:"status"`
	Context  string `json:"context"`
	Proposer string `json:"proposer"`
}

// ListLawsReply is the reply for ListLaws
type ListLawsReply struct {
	Laws []*law.Law `json:"laws"`
}

// ListLaws returns the laws matching every filter that is set. At least one
// of status, context, or proposer is required.
func (s *Service) ListLaws(_ *http.Request, args *ListLawsArgs, reply *ListLawsReply) error {
	if args.Status == "" && args.Context == "" && args.Proposer == "" {
		return errNoFilter
	}

	var (
		laws []*law.Law
		err  error
	)
	switch {
	case args.Proposer != "":
		var proposer ids.NodeID
		proposer, err = ids.NodeIDFromString(args.Proposer)
		if err != nil {
			return fmt.Errorf("invalid proposer: %w", err)
		}
		laws, err = s.chain.ListLawsByProposer(proposer)
	case args.Context != "":
		laws, err = s.chain.ListLawsByContext(args.Context)
	default:
		var status law.Status
		status, err = parseStatus(args.Status)
		if err != nil {
			return err
		}
		laws, err = s.chain.ListLawsByStatus(status)
	}
	if err != nil {
		return err
	}

	if args.Context != "" && args.Proposer != "" {
		filtered := laws[:0]
		for _, l := range laws {
			if l.Context == args.Context {
				filtered = append(filtered, l)
			}
		}
		laws = filtered
	}
	if args.Status != "" && (args.Context != "" || args.Proposer != "") {
		status, err := parseStatus(args.Status)
		if err != nil {
			return err
		}
		filtered := laws[:0]
		for _, l := range laws {
			if l.Status == status {
				filtered = append(filtered, l)
			}
		}
		laws = filtered
	}
	reply.Laws = laws
	return nil
}

// GetValidatorArgs are the arguments for GetValidator
type GetValidatorArgs struct {
	NodeID string `json:"nodeID"`
}

// GetValidatorReply is the reply for GetValidator
type GetValidatorReply struct {
	Validator *validator.Validator `json:"validator"`
}

// GetValidator returns a validator record by node ID.
func (s *Service) GetValidator(_ *http.Request, args *GetValidatorArgs, reply *GetValidatorReply) error {
	nodeID, err := ids.NodeIDFromString(args.NodeID)
	if err != nil {
		return fmt.Errorf("invalid node ID: %w", err)
	}
	v, err := s.chain.GetValidator(nodeID)
	if err != nil {
		return err
	}
	reply.Validator = v
	return nil
}

// ListValidatorsReply is the reply for ListValidators
type ListValidatorsReply struct {
	Validators []*validator.Validator `json:"validators"`
}

// ListValidators returns the active validator set.
func (s *Service) ListValidators(_ *http.Request, _ *struct{}, reply *ListValidatorsReply) error {
	active, err := s.chain.ActiveValidators()
	if err != nil {
		return err
	}
	reply.Validators = active
	return nil
}

// GetBlockArgs are the arguments for GetBlock
type GetBlockArgs struct {
	Height uint64 `json:"height"`
}

// GetBlockReply is the reply for GetBlock
type GetBlockReply struct {
	BlockID string           `json:"blockID"`
	Block   *consensus.Block `json:"block"`
}

// GetBlock returns a committed block by height.
func (s *Service) GetBlock(_ *http.Request, args *GetBlockArgs, reply *GetBlockReply) error {
	b, err := s.chain.GetBlock(args.Height)
	if err != nil {
		return err
	}
	reply.BlockID = b.ID().String()
	reply.Block = b
	return nil
}

// GetConsensusStateReply is the reply for GetConsensusState
type GetConsensusStateReply struct {
	Height             uint64 `json:"height"`
	Round              uint32 `json:"round"`
	Phase              string `json:"phase"`
	LastAcceptedID     string `json:"lastAcceptedID"`
	LastAcceptedHeight uint64 `json:"lastAcceptedHeight"`
}

// GetConsensusState returns the engine position and the ledger tip.
func (s *Service) GetConsensusState(_ *http.Request, _ *struct{}, reply *GetConsensusStateReply) error {
	state, err := s.chain.ConsensusState()
	if err != nil {
		return err
	}
	reply.Height = state.Height
	reply.Round = state.Round
	reply.Phase = state.Phase.String()

	height, blkID, err := s.chain.LastAccepted()
	switch {
	case err == nil:
		reply.LastAcceptedHeight = height
		reply.LastAcceptedID = blkID.String()
	case errors.Is(err, ledger.ErrEmptyLedger):
		// Fresh chain: nothing committed yet.
	default:
		return err
	}
	return nil
}

// GetResolutionArgs are the arguments for GetResolution
type GetResolutionArgs struct {
	ResolutionID string `json:"resolutionID"`
}

// GetResolutionReply is the reply for GetResolution
type GetResolutionReply struct {
	Resolution *conflict.Resolution `json:"resolution"`
}

// GetResolution returns an archived conflict resolution by ID.
func (s *Service) GetResolution(_ *http.Request, args *GetResolutionArgs, reply *GetResolutionReply) error {
	resolutionID, err := ids.FromString(args.ResolutionID)
	if err != nil {
		return fmt.Errorf("invalid resolution ID: %w", err)
	}
	res, err := s.chain.GetResolution(resolutionID)
	if err != nil {
		return err
	}
	reply.Resolution = res
	return nil
}

// ListResolutionsArgs are the arguments for ListResolutions
type ListResolutionsArgs struct {
	LawID string `json:"lawID"`
}

// ListResolutionsReply is the reply for ListResolutions
type ListResolutionsReply struct {
	Resolutions []*conflict.Resolution `json:"resolutions"`
}

// ListResolutions returns every resolution that involved the law.
func (s *Service) ListResolutions(_ *http.Request, args *ListResolutionsArgs, reply *ListResolutionsReply) error {
	lawID, err := ids.FromString(args.LawID)
	if err != nil {
		return fmt.Errorf("invalid law ID: %w", err)
	}
	res, err := s.chain.ResolutionsForLaw(lawID)
	if err != nil {
		return err
	}
	reply.Resolutions = res
	return nil
}

// SubmitRuleCommitArgs are the arguments for SubmitRuleCommit
type SubmitRuleCommitArgs struct {
	LogicSignature   string   `json:"logicSignature"`
	ContextSignature string   `json:"contextSignature"`
	Agent            string   `json:"agent"`
	Confidence       float64  `json:"confidence"`
	EvidenceCount    uint32   `json:"evidenceCount"`
	SourceIDs        []string `json:"sourceIDs"`
}

// SubmitRuleCommitReply is the reply for SubmitRuleCommit
type SubmitRuleCommitReply struct {
	RuleHash string `json:"ruleHash"`
	CommitID string `json:"commitID"`
}

// SubmitRuleCommit gossips a rule commitment on behalf of a local agent. The
// rule hash is derived from the canonical logic/context pair.
func (s *Service) SubmitRuleCommit(_ *http.Request, args *SubmitRuleCommitArgs, reply *SubmitRuleCommitReply) error {
	agent, err := ids.NodeIDFromString(args.Agent)
	if err != nil {
		return fmt.Errorf("invalid agent ID: %w", err)
	}
	commit := &poc.RuleCommit{
		RuleHash:         law.ComputeID(args.LogicSignature, args.ContextSignature),
		LogicSignature:   args.LogicSignature,
		ContextSignature: args.ContextSignature,
		Agent:            agent,
		Timestamp:        s.chain.Clock().Time().Unix(),
		Confidence:       args.Confidence,
		EvidenceCount:    args.EvidenceCount,
		SourceIDs:        args.SourceIDs,
	}
	if err := s.chain.SubmitRuleCommit(commit); err != nil {
		return err
	}
	reply.RuleHash = commit.RuleHash.String()
	reply.CommitID = commit.ID().String()
	return nil
}

// RevokeLawArgs are the arguments for RevokeLaw
type RevokeLawArgs struct {
	LawID string `json:"lawID"`
}

// RevokeLaw queues a governance revocation.
func (s *Service) RevokeLaw(_ *http.Request, args *RevokeLawArgs, _ *struct{}) error {
	lawID, err := ids.FromString(args.LawID)
	if err != nil {
		return fmt.Errorf("invalid law ID: %w", err)
	}
	return s.chain.RevokeLaw(lawID)
}

// ReproposeLawArgs are the arguments for ReproposeLaw
type ReproposeLawArgs struct {
	LawID        string   `json:"lawID"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

// ReproposeLaw queues the re-entry of a deprecated law with fresh evidence.
func (s *Service) ReproposeLaw(_ *http.Request, args *ReproposeLawArgs, _ *struct{}) error {
	lawID, err := ids.FromString(args.LawID)
	if err != nil {
		return fmt.Errorf("invalid law ID: %w", err)
	}
	return s.chain.ReproposeLaw(lawID, args.EvidenceRefs)
}

func parseStatus(s string) (law.Status, error) {
	for _, status := range []law.Status{
		law.StatusProposed,
		law.StatusValidating,
		law.StatusActive,
		law.StatusConflicted,
		law.StatusDeprecated,
		law.StatusRevoked,
	} {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown law status %q", s)
}
