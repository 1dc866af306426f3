// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/config"
	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/ledger"
	"github.com/luxfi/cognition/message"
	"github.com/luxfi/cognition/poc"
	"github.com/luxfi/cognition/validator"
)

// testParams stretches the round deadlines so no timer fires mid-test; the
// clock is faked and every round resolves synchronously on the event loop.
func testParams() config.Params {
	params := config.DefaultParams()
	params.Consensus.ProposeTimeout = time.Hour
	params.Consensus.RoundTimeout = 2 * time.Hour
	return params
}

type testChain struct {
	*Chain

	nodeID ids.NodeID
	start  time.Time

	genesisBytes []byte
}

// newTestChain boots a chain whose node is the sole genesis validator, so it
// holds every proposer slot and reaches quorum alone.
func newTestChain(t *testing.T, edit func(*Genesis)) *testChain {
	t.Helper()
	require := require.New(t)

	nodeID := ids.GenerateTestNodeID()
	start := time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)
	g := &Genesis{
		Timestamp: start.Unix(),
		Validators: []GenesisValidator{
			{
				NodeID: nodeID,
				Role:   validator.RoleValidator,
				Stake:  1000,
			},
		},
	}
	if edit != nil {
		edit(g)
	}
	genesisBytes, err := BuildGenesis(g)
	require.NoError(err)

	c, err := New(Config{
		Params:       testParams(),
		NodeID:       nodeID,
		Log:          log.NoLog{},
		DB:           memdb.New(),
		Registerer:   metric.NewRegistry(),
		Genesis:      genesisBytes,
		EvalInterval: time.Hour,
	})
	require.NoError(err)
	c.Clock().Set(start)
	t.Cleanup(c.Shutdown)

	return &testChain{
		Chain:        c,
		nodeID:       nodeID,
		start:        start,
		genesisBytes: genesisBytes,
	}
}

// commitFor builds one of three independent commitments to the same rule.
func commitFor(ruleHash ids.ID, expr, ctx, source string, ts time.Time, confidence float64) *poc.RuleCommit {
	return &poc.RuleCommit{
		RuleHash:         ruleHash,
		LogicSignature:   expr,
		ContextSignature: ctx,
		Agent:            ids.GenerateTestNodeID(),
		Timestamp:        ts.Unix(),
		Confidence:       confidence,
		EvidenceCount:    4,
		SourceIDs:        []string{source},
	}
}

func TestChainCommitsAcceptedLaw(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	expr, ctx := "IF latency > slo THEN shed_load", "scheduler"
	ruleHash := law.ComputeID(expr, ctx)
	for i, source := range []string{"trace-a", "trace-b", "trace-c"} {
		ts := tc.start.Add(time.Duration(i) * 2 * time.Hour)
		require.NoError(tc.SubmitRuleCommit(commitFor(ruleHash, expr, ctx, source, ts, 0.9)))
	}
	require.NoError(tc.await(func() {}))
	require.Equal(1, tc.pool.Len())

	// Thresholds pass but the stability window has not elapsed: no law, no
	// block, and the cluster stays live.
	tc.Clock().Set(tc.start.Add(12 * time.Hour))
	require.NoError(tc.await(tc.tick))
	_, err := tc.GetLaw(ruleHash)
	require.ErrorIs(err, law.ErrLawNotFound)
	_, _, err = tc.LastAccepted()
	require.ErrorIs(err, ledger.ErrEmptyLedger)
	require.Equal(1, tc.pool.Len())

	tc.Clock().Set(tc.start.Add(25 * time.Hour))
	require.NoError(tc.await(tc.tick))

	l, err := tc.GetLaw(ruleHash)
	require.NoError(err)
	require.Equal(law.StatusActive, l.Status)
	require.Equal(law.TypeDiscovered, l.Type)
	require.Equal(uint64(3), l.SupportCount)
	require.Equal([]string{"trace-a", "trace-b", "trace-c"}, l.EvidenceRefs)
	// C = 0.6*avg + 0.2*independence + 0.1*survival with no contradiction:
	// 0.6*0.9 + 0.2*1 + 0.1*(1h/24h).
	require.InDelta(0.7442, l.Confidence, 1e-3)
	require.Zero(tc.pool.Len())

	height, blkID, err := tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(1), height)

	blk, err := tc.GetBlock(1)
	require.NoError(err)
	require.Equal(blkID, blk.ID())
	require.Equal(tc.nodeID, blk.Proposer)
	require.Len(blk.LawDeltas, 1)
	require.Empty(blk.ValidatorDeltas)

	state, err := tc.ConsensusState()
	require.NoError(err)
	require.Equal(uint64(2), state.Height)
	require.Equal(consensus.PhasePropose, state.Phase)
}

func TestChainRejectsSparseCluster(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	expr, ctx := "retry_on_timeout", "gateway"
	ruleHash := law.ComputeID(expr, ctx)
	for i, source := range []string{"trace-a", "trace-b"} {
		ts := tc.start.Add(time.Duration(i) * 2 * time.Hour)
		require.NoError(tc.SubmitRuleCommit(commitFor(ruleHash, expr, ctx, source, ts, 0.9)))
	}
	require.NoError(tc.await(func() {}))

	// Two agents never clear the minimum. The cluster lingers in case a
	// third arrives, then the TTL collects it.
	tc.Clock().Set(tc.start.Add(25 * time.Hour))
	require.NoError(tc.await(tc.tick))
	require.Equal(1, tc.pool.Len())
	_, err := tc.GetLaw(ruleHash)
	require.ErrorIs(err, law.ErrLawNotFound)

	tc.Clock().Set(tc.start.Add(73 * time.Hour))
	require.NoError(tc.await(tc.tick))
	require.Zero(tc.pool.Len())
	_, _, err = tc.LastAccepted()
	require.ErrorIs(err, ledger.ErrEmptyLedger)
}

func TestChainDeduplicatesGossip(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	expr, ctx := "retry_on_timeout", "gateway"
	commit := commitFor(law.ComputeID(expr, ctx), expr, ctx, "trace-a", tc.start, 0.9)
	msg := &message.RuleCommit{
		RuleHash:         commit.RuleHash,
		LogicSignature:   commit.LogicSignature,
		ContextSignature: commit.ContextSignature,
		Agent:            commit.Agent,
		Timestamp:        commit.Timestamp,
		Confidence:       consensus.ScaleConfidence(commit.Confidence),
		EvidenceCount:    commit.EvidenceCount,
		SourceIDs:        commit.SourceIDs,
	}

	sender := ids.GenerateTestNodeID()
	require.NoError(tc.HandleRuleCommit(sender, msg))
	require.NoError(tc.HandleRuleCommit(sender, msg))
	require.NoError(tc.await(func() {}))

	cl, ok := tc.pool.Cluster(commit.RuleHash)
	require.True(ok)
	require.Equal(1, cl.Len())

	// Invalid commits are dropped before they reach the pool.
	require.NoError(tc.HandleRuleCommit(sender, &message.RuleCommit{}))
	require.NoError(tc.await(func() {}))
	require.Equal(1, tc.pool.Len())
}

func TestChainSlashesEquivocation(t *testing.T) {
	require := require.New(t)
	other := ids.GenerateTestNodeID()
	tc := newTestChain(t, func(g *Genesis) {
		g.Validators = append(g.Validators, GenesisValidator{
			NodeID: other,
			Role:   validator.RoleValidator,
			Stake:  1000,
		})
	})
	require.NoError(tc.Start())

	vote := func(blockID ids.ID) *message.Vote {
		return &message.Vote{
			NodeID:  other,
			BlockID: blockID,
			Phase:   uint8(consensus.PhasePrevote),
			Height:  1,
			Round:   0,
		}
	}
	require.NoError(tc.HandleVote(other, vote(ids.GenerateTestID())))
	require.NoError(tc.HandleVote(other, vote(ids.GenerateTestID())))

	var delta *consensus.ValidatorDelta
	require.NoError(tc.await(func() { delta = tc.pendingVals[other] }))
	require.NotNil(delta)
	require.Equal(consensus.ActionSlash, delta.Action)
	require.Equal(consensus.ScaleConfidence(0.5), delta.SlashFraction)
	require.Contains(delta.Reason, "equivocation")

	// A third conflicting vote does not queue a second slash.
	require.NoError(tc.HandleVote(other, vote(ids.GenerateTestID())))
	require.NoError(tc.await(func() { delta = tc.pendingVals[other] }))
	require.Equal(consensus.ActionSlash, delta.Action)

	// Spoofed votes never reach the engine.
	err := tc.HandleVote(ids.GenerateTestNodeID(), vote(ids.GenerateTestID()))
	require.ErrorIs(err, ErrSpoofedVote)
}

func TestChainResolvesConflict(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)

	created := tc.start.Add(-48 * time.Hour)
	strong := law.New(law.TypeDiscovered, "throttle_free_tier", "billing", ids.EmptyNodeID, created)
	strong.Status = law.StatusActive
	strong.Confidence = 0.95
	weak := law.New(law.TypeDiscovered, "NOT(throttle_free_tier)", "billing", ids.EmptyNodeID, created)
	weak.Status = law.StatusActive
	weak.Confidence = 0.1
	require.NoError(tc.laws.PutLaw(strong))
	require.NoError(tc.laws.PutLaw(weak))
	require.NoError(tc.baseDB.Commit())

	require.NoError(tc.Start())
	require.NoError(tc.await(tc.tick))

	got, err := tc.GetLaw(weak.ID)
	require.NoError(err)
	require.Equal(law.StatusDeprecated, got.Status)
	got, err = tc.GetLaw(strong.ID)
	require.NoError(err)
	require.Equal(law.StatusActive, got.Status)

	resolutions, err := tc.ResolutionsForLaw(strong.ID)
	require.NoError(err)
	require.Len(resolutions, 1)
	require.Equal(conflict.DecisionDeprecateOne, resolutions[0].Decision)
	require.Equal(strong.ID, resolutions[0].Winner)
	require.Equal(weak.ID, resolutions[0].Loser)

	// The precedence is recorded both as an override edge and a meta-rule.
	_, err = tc.laws.GetOverride(strong.ID, weak.ID)
	require.NoError(err)
	metaID := law.ComputeID(fmt.Sprintf("OVERRIDES(%s, %s)", strong.ID, weak.ID), "billing")
	meta, err := tc.GetLaw(metaID)
	require.NoError(err)
	require.Equal(law.TypeMetaRule, meta.Type)
	require.Equal(law.StatusActive, meta.Status)

	// The resolved pair stays resolved: another scan commits nothing new.
	height, _, err := tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(1), height)
	require.NoError(tc.await(tc.tick))
	height, _, err = tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(1), height)
}

func TestChainRevokeAndRepropose(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)

	active := law.New(law.TypeGoverned, "audit_all_writes", "storage", ids.EmptyNodeID, tc.start)
	active.Status = law.StatusActive
	active.Confidence = 0.9
	deprecated := law.New(law.TypeDiscovered, "cache_everything", "storage", ids.EmptyNodeID, tc.start)
	deprecated.Status = law.StatusDeprecated
	deprecated.Confidence = 0.3
	deprecated.EvidenceRefs = []string{"audit-1"}
	require.NoError(tc.laws.PutLaw(active))
	require.NoError(tc.laws.PutLaw(deprecated))
	require.NoError(tc.baseDB.Commit())

	require.NoError(tc.Start())

	require.ErrorIs(tc.RevokeLaw(ids.GenerateTestID()), law.ErrLawNotFound)

	require.NoError(tc.RevokeLaw(active.ID))
	got, err := tc.GetLaw(active.ID)
	require.NoError(err)
	require.Equal(law.StatusRevoked, got.Status)
	height, _, err := tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(1), height)

	// Revoking a revoked law is a no-op, not a new block.
	require.NoError(tc.RevokeLaw(active.ID))
	height, _, err = tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(1), height)

	// Deprecated laws leave through re-proposal, never revocation.
	require.ErrorIs(tc.RevokeLaw(deprecated.ID), law.ErrInvalidTransition)
	require.ErrorIs(tc.ReproposeLaw(deprecated.ID, []string{"audit-1"}), law.ErrStaleEvidence)
	require.ErrorIs(tc.ReproposeLaw(active.ID, []string{"audit-7"}), law.ErrInvalidTransition)

	require.NoError(tc.ReproposeLaw(deprecated.ID, []string{"audit-7"}))
	got, err = tc.GetLaw(deprecated.ID)
	require.NoError(err)
	require.Equal(law.StatusProposed, got.Status)
	require.Equal([]string{"audit-1", "audit-7"}, got.EvidenceRefs)
	height, _, err = tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(2), height)
}

func TestChainResync(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	expr, ctx := "IF latency > slo THEN shed_load", "scheduler"
	ruleHash := law.ComputeID(expr, ctx)
	for i, source := range []string{"trace-a", "trace-b", "trace-c"} {
		ts := tc.start.Add(time.Duration(i) * 2 * time.Hour)
		require.NoError(tc.SubmitRuleCommit(commitFor(ruleHash, expr, ctx, source, ts, 0.9)))
	}
	tc.Clock().Set(tc.start.Add(25 * time.Hour))
	require.NoError(tc.await(tc.tick))

	blocks, err := tc.BlocksSince(1)
	require.NoError(err)
	require.Len(blocks, 1)

	// A lagging replica replays the canonical sequence instead of forking.
	replica, err := New(Config{
		Params:       testParams(),
		NodeID:       ids.GenerateTestNodeID(),
		Log:          log.NoLog{},
		DB:           memdb.New(),
		Registerer:   metric.NewRegistry(),
		Genesis:      tc.genesisBytes,
		EvalInterval: time.Hour,
	})
	require.NoError(err)
	replica.Clock().Set(tc.start.Add(25 * time.Hour))
	t.Cleanup(replica.Shutdown)
	require.NoError(replica.Start())

	require.NoError(replica.IngestBlocks(blocks))

	l, err := replica.GetLaw(ruleHash)
	require.NoError(err)
	require.Equal(law.StatusActive, l.Status)

	wantHeight, wantID, err := tc.LastAccepted()
	require.NoError(err)
	gotHeight, gotID, err := replica.LastAccepted()
	require.NoError(err)
	require.Equal(wantHeight, gotHeight)
	require.Equal(wantID, gotID)

	state, err := replica.ConsensusState()
	require.NoError(err)
	require.Equal(uint64(2), state.Height)

	// Re-ingesting already-applied blocks changes nothing.
	require.NoError(replica.IngestBlocks(blocks))
	gotHeight, _, err = replica.LastAccepted()
	require.NoError(err)
	require.Equal(wantHeight, gotHeight)
}

func TestChainValidatorLifecycle(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	joining := ids.GenerateTestNodeID()
	require.ErrorIs(
		tc.RegisterValidator(joining, validator.RoleResolver, 100),
		validator.ErrInsufficientStake,
	)

	require.NoError(tc.RegisterValidator(joining, validator.RoleResolver, 1500))
	v, err := tc.GetValidator(joining)
	require.NoError(err)
	require.False(v.Active)

	require.NoError(tc.ActivateValidator(joining))
	v, err = tc.GetValidator(joining)
	require.NoError(err)
	require.True(v.Active)

	// Registration and activation each landed in their own committed block.
	height, _, err := tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(2), height)

	// With two active validators the lone node no longer reaches quorum, so
	// the deactivation stays pending instead of committing unilaterally.
	require.NoError(tc.DeactivateValidator(joining, "maintenance"))
	var pending bool
	require.NoError(tc.await(func() { _, pending = tc.pendingVals[joining] }))
	require.True(pending)
	v, err = tc.GetValidator(joining)
	require.NoError(err)
	require.True(v.Active)
	height, _, err = tc.LastAccepted()
	require.NoError(err)
	require.Equal(uint64(2), height)
}

func TestChainClosedAfterShutdown(t *testing.T) {
	require := require.New(t)
	tc := newTestChain(t, nil)
	require.NoError(tc.Start())

	tc.Shutdown()
	tc.Shutdown()

	expr, ctx := "retry_on_timeout", "gateway"
	commit := commitFor(law.ComputeID(expr, ctx), expr, ctx, "trace-a", tc.start, 0.9)
	require.ErrorIs(tc.SubmitRuleCommit(commit), ErrClosed)
	require.ErrorIs(tc.RevokeLaw(ids.GenerateTestID()), ErrClosed)
	_, err := tc.ConsensusState()
	require.ErrorIs(err, ErrClosed)
}
