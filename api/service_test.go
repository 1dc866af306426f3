// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/chain"
	"github.com/luxfi/cognition/config"
	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/validator"
)

const (
	seedExpression = "IF spend > limit THEN reject"
	seedContext    = "treasury"
)

func newTestService(t *testing.T) (*Service, ids.NodeID) {
	t.Helper()
	require := require.New(t)

	nodeID := ids.GenerateTestNodeID()
	start := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	genesisBytes, err := chain.BuildGenesis(&chain.Genesis{
		Timestamp: start.Unix(),
		Validators: []chain.GenesisValidator{
			{
				NodeID: nodeID,
				Role:   validator.RoleValidator,
				Stake:  1000,
			},
		},
		Laws: []chain.GenesisLaw{
			{
				Type:       law.TypeGoverned,
				Expression: seedExpression,
				Context:    seedContext,
				Confidence: 900_000,
			},
		},
	})
	require.NoError(err)

	params := config.DefaultParams()
	params.Consensus.ProposeTimeout = time.Hour
	params.Consensus.RoundTimeout = 2 * time.Hour

	c, err := chain.New(chain.Config{
		Params:       params,
		NodeID:       nodeID,
		Log:          log.NoLog{},
		DB:           memdb.New(),
		Registerer:   metric.NewRegistry(),
		Genesis:      genesisBytes,
		EvalInterval: time.Hour,
	})
	require.NoError(err)
	c.Clock().Set(start)
	require.NoError(c.Start())
	t.Cleanup(c.Shutdown)

	return NewService(c), nodeID
}

func TestServiceHealth(t *testing.T) {
	require := require.New(t)
	service, _ := newTestService(t)

	reply := HealthReply{}
	require.NoError(service.Health(nil, nil, &reply))
	require.True(reply.Healthy)
	require.Equal(uint64(1), reply.Height)
}

func TestServiceLawQueries(t *testing.T) {
	require := require.New(t)
	service, _ := newTestService(t)

	seedID := law.ComputeID(seedExpression, seedContext)

	lawReply := GetLawReply{}
	require.NoError(service.GetLaw(nil, &GetLawArgs{LawID: seedID.String()}, &lawReply))
	require.Equal(law.StatusActive, lawReply.Law.Status)
	require.Equal(seedExpression, lawReply.Law.Expression)

	err := service.GetLaw(nil, &GetLawArgs{LawID: "not-an-id"}, &GetLawReply{})
	require.ErrorContains(err, "invalid law ID")
	err = service.GetLaw(nil, &GetLawArgs{LawID: ids.GenerateTestID().String()}, &GetLawReply{})
	require.ErrorIs(err, law.ErrLawNotFound)

	listReply := ListLawsReply{}
	require.NoError(service.ListLaws(nil, &ListLawsArgs{Status: "active"}, &listReply))
	require.Len(listReply.Laws, 1)

	listReply = ListLawsReply{}
	require.NoError(service.ListLaws(nil, &ListLawsArgs{Context: seedContext}, &listReply))
	require.Len(listReply.Laws, 1)

	listReply = ListLawsReply{}
	require.NoError(service.ListLaws(nil, &ListLawsArgs{Status: "revoked", Context: seedContext}, &listReply))
	require.Empty(listReply.Laws)

	listReply = ListLawsReply{}
	require.NoError(service.ListLaws(nil, &ListLawsArgs{Proposer: ids.GenerateTestNodeID().String()}, &listReply))
	require.Empty(listReply.Laws)

	require.ErrorIs(service.ListLaws(nil, &ListLawsArgs{}, &ListLawsReply{}), errNoFilter)
	err = service.ListLaws(nil, &ListLawsArgs{Status: "bogus"}, &ListLawsReply{})
	require.ErrorContains(err, "unknown law status")
	err = service.ListLaws(nil, &ListLawsArgs{Proposer: "not-a-node"}, &ListLawsReply{})
	require.ErrorContains(err, "invalid proposer")
}

func TestServiceValidators(t *testing.T) {
	require := require.New(t)
	service, nodeID := newTestService(t)

	reply := GetValidatorReply{}
	require.NoError(service.GetValidator(nil, &GetValidatorArgs{NodeID: nodeID.String()}, &reply))
	require.True(reply.Validator.Active)
	require.Equal(uint64(1000), reply.Validator.Stake)

	err := service.GetValidator(nil, &GetValidatorArgs{NodeID: "not-a-node"}, &GetValidatorReply{})
	require.ErrorContains(err, "invalid node ID")
	err = service.GetValidator(nil, &GetValidatorArgs{NodeID: ids.GenerateTestNodeID().String()}, &GetValidatorReply{})
	require.ErrorIs(err, validator.ErrValidatorNotFound)

	listReply := ListValidatorsReply{}
	require.NoError(service.ListValidators(nil, nil, &listReply))
	require.Len(listReply.Validators, 1)
}

func TestServiceGovernanceAndBlocks(t *testing.T) {
	require := require.New(t)
	service, nodeID := newTestService(t)

	stateReply := GetConsensusStateReply{}
	require.NoError(service.GetConsensusState(nil, nil, &stateReply))
	require.Equal(uint64(1), stateReply.Height)
	require.Equal("propose", stateReply.Phase)
	require.Empty(stateReply.LastAcceptedID)

	// The lone validator revokes the seed law; the delta commits at once.
	seedID := law.ComputeID(seedExpression, seedContext)
	require.NoError(service.RevokeLaw(nil, &RevokeLawArgs{LawID: seedID.String()}, nil))

	lawReply := GetLawReply{}
	require.NoError(service.GetLaw(nil, &GetLawArgs{LawID: seedID.String()}, &lawReply))
	require.Equal(law.StatusRevoked, lawReply.Law.Status)

	blockReply := GetBlockReply{}
	require.NoError(service.GetBlock(nil, &GetBlockArgs{Height: 1}, &blockReply))
	require.Equal(nodeID, blockReply.Block.Proposer)
	require.Len(blockReply.Block.LawDeltas, 1)

	stateReply = GetConsensusStateReply{}
	require.NoError(service.GetConsensusState(nil, nil, &stateReply))
	require.Equal(uint64(2), stateReply.Height)
	require.Equal(uint64(1), stateReply.LastAcceptedHeight)
	require.Equal(blockReply.BlockID, stateReply.LastAcceptedID)

	// Revoked laws never re-enter the lifecycle.
	err := service.ReproposeLaw(nil, &ReproposeLawArgs{
		LawID:        seedID.String(),
		EvidenceRefs: []string{"audit-1"},
	}, nil)
	require.ErrorIs(err, law.ErrInvalidTransition)
}

func TestServiceResolutions(t *testing.T) {
	require := require.New(t)
	service, _ := newTestService(t)

	err := service.GetResolution(nil, &GetResolutionArgs{ResolutionID: "nope"}, &GetResolutionReply{})
	require.ErrorContains(err, "invalid resolution ID")
	err = service.GetResolution(nil, &GetResolutionArgs{ResolutionID: ids.GenerateTestID().String()}, &GetResolutionReply{})
	require.ErrorIs(err, conflict.ErrResolutionNotFound)

	listReply := ListResolutionsReply{}
	require.NoError(service.ListResolutions(nil, &ListResolutionsArgs{LawID: ids.GenerateTestID().String()}, &listReply))
	require.Empty(listReply.Resolutions)
}

func TestServiceSubmitRuleCommit(t *testing.T) {
	require := require.New(t)
	service, _ := newTestService(t)

	args := &SubmitRuleCommitArgs{
		LogicSignature:   "cap_velocity",
		ContextSignature: "risk",
		Agent:            ids.GenerateTestNodeID().String(),
		Confidence:       0.85,
		EvidenceCount:    3,
		SourceIDs:        []string{"trace-a"},
	}
	reply := SubmitRuleCommitReply{}
	require.NoError(service.SubmitRuleCommit(nil, args, &reply))
	require.Equal(law.ComputeID("cap_velocity", "risk").String(), reply.RuleHash)
	require.NotEmpty(reply.CommitID)

	err := service.SubmitRuleCommit(nil, &SubmitRuleCommitArgs{Agent: "nope"}, &SubmitRuleCommitReply{})
	require.ErrorContains(err, "invalid agent ID")
}

func TestHandlerServesJSONRPC(t *testing.T) {
	require := require.New(t)
	service, _ := newTestService(t)

	handler, err := NewHandler(service.chain)
	require.NoError(err)

	body := `{"jsonrpc":"2.0","id":1,"method":"cognition.Health","params":[{}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(http.StatusOK, rec.Code)
	require.Contains(rec.Body.String(), `"healthy":true`)
}
