// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/poc"
)

func TestMetricsRegister(t *testing.T) {
	require := require.New(t)

	m, err := New(metric.NewRegistry())
	require.NoError(err)

	// Exercise every path once; values are asserted by prometheus itself
	// panicking on unregistered or mislabeled series.
	m.MarkCommitted(Block{
		Height:           1,
		LawDeltas:        2,
		ValidatorDeltas:  1,
		ResolutionDeltas: 1,
	})
	m.IncRoundsAdvanced()
	m.IncEquivocations()
	m.IncCommitsIngested()
	m.MarkEvaluation(poc.DecisionAccepted)
	m.MarkEvaluation(poc.DecisionRejected)
	m.SetLawCount(law.StatusActive, 3)
	m.IncConflictsResolved(conflict.DecisionContextSplit)
	m.SetActiveValidators(4)
	m.SetTotalPower(4000)
}

func TestMetricsRejectsPlainRegisterer(t *testing.T) {
	require := require.New(t)

	_, err := New(nil)
	require.Error(err)
}
