// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"errors"

	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/poc"
	utilmetric "github.com/luxfi/cognition/utils/metric"
	"github.com/luxfi/cognition/utils/wrappers"
)

const (
	StatusLabel   = "status"
	DecisionLabel = "decision"
)

var _ Metrics = (*metricsImpl)(nil)

// Block summarizes a committed block for metric accounting.
type Block struct {
	Height           uint64
	LawDeltas        int
	ValidatorDeltas  int
	ResolutionDeltas int
}

type Metrics interface {
	utilmetric.APIInterceptor

	// Mark that the given block was committed.
	MarkCommitted(Block)

	// Mark that consensus advanced to a new round without committing.
	IncRoundsAdvanced()
	// Mark that a validator voted twice in the same phase of a round.
	IncEquivocations()

	// Mark that a rule commit was ingested into the pending pool.
	IncCommitsIngested()
	// Mark the outcome of a cluster evaluation.
	MarkEvaluation(poc.Decision)

	// Mark how many laws currently hold the given status.
	SetLawCount(law.Status, int)
	// Mark that a conflict was resolved with the given decision.
	IncConflictsResolved(conflict.Decision)

	// Mark the size and power of the active validator set.
	SetActiveValidators(int)
	SetTotalPower(uint64)
}

func New(registerer metric.Registerer) (Metrics, error) {
	m := &metricsImpl{
		height: metric.NewGauge(metric.GaugeOpts{
			Name: "last_committed_height",
			Help: "Height of the last committed block",
		}),
		blocksCommitted: metric.NewCounter(metric.CounterOpts{
			Name: "blocks_committed",
			Help: "Total number of blocks committed",
		}),
		deltasCommitted: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "deltas_committed",
				Help: "Total number of state deltas committed, by kind",
			},
			[]string{"kind"},
		),
		roundsAdvanced: metric.NewCounter(metric.CounterOpts{
			Name: "rounds_advanced",
			Help: "Total number of consensus rounds abandoned without a commit",
		}),
		equivocations: metric.NewCounter(metric.CounterOpts{
			Name: "equivocations",
			Help: "Total number of double votes observed",
		}),

		commitsIngested: metric.NewCounter(metric.CounterOpts{
			Name: "rule_commits_ingested",
			Help: "Total number of rule commits accepted into the pending pool",
		}),
		evaluations: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "cluster_evaluations",
				Help: "Total number of cluster evaluations, by outcome",
			},
			[]string{DecisionLabel},
		),

		lawCount: metric.NewGaugeVec(
			metric.GaugeOpts{
				Name: "laws",
				Help: "Number of laws currently in each lifecycle status",
			},
			[]string{StatusLabel},
		),
		conflictsResolved: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "conflicts_resolved",
				Help: "Total number of conflicts resolved, by decision",
			},
			[]string{DecisionLabel},
		),

		activeValidators: metric.NewGauge(metric.GaugeOpts{
			Name: "active_validators",
			Help: "Number of validators in the active set",
		}),
		totalPower: metric.NewGauge(metric.GaugeOpts{
			Name: "total_power",
			Help: "Total voting power of the active validator set",
		}),
	}

	errs := wrappers.Errs{}
	registry, ok := registerer.(metric.Registry)
	if !ok {
		return nil, errors.New("registerer must be a Registry")
	}
	apiRequestMetrics, err := utilmetric.NewAPIInterceptor(registry)
	errs.Add(err)
	m.APIInterceptor = apiRequestMetrics

	errs.Add(
		registerer.Register(metric.AsCollector(m.height)),
		registerer.Register(metric.AsCollector(m.blocksCommitted)),
		registerer.Register(metric.AsCollector(m.deltasCommitted)),
		registerer.Register(metric.AsCollector(m.roundsAdvanced)),
		registerer.Register(metric.AsCollector(m.equivocations)),

		registerer.Register(metric.AsCollector(m.commitsIngested)),
		registerer.Register(metric.AsCollector(m.evaluations)),

		registerer.Register(metric.AsCollector(m.lawCount)),
		registerer.Register(metric.AsCollector(m.conflictsResolved)),

		registerer.Register(metric.AsCollector(m.activeValidators)),
		registerer.Register(metric.AsCollector(m.totalPower)),
	)

	return m, errs.Err
}

type metricsImpl struct {
	utilmetric.APIInterceptor

	// Consensus metrics
	height          metric.Gauge
	blocksCommitted metric.Counter
	deltasCommitted metric.CounterVec
	roundsAdvanced  metric.Counter
	equivocations   metric.Counter

	// Rule acceptance metrics
	commitsIngested metric.Counter
	evaluations     metric.CounterVec

	// Law and conflict metrics
	lawCount          metric.GaugeVec
	conflictsResolved metric.CounterVec

	// Validator metrics
	activeValidators metric.Gauge
	totalPower       metric.Gauge
}

func (m *metricsImpl) MarkCommitted(b Block) {
	m.height.Set(float64(b.Height))
	m.blocksCommitted.Inc()
	m.deltasCommitted.With(metric.Labels{"kind": "law"}).Add(float64(b.LawDeltas))
	m.deltasCommitted.With(metric.Labels{"kind": "validator"}).Add(float64(b.ValidatorDeltas))
	m.deltasCommitted.With(metric.Labels{"kind": "resolution"}).Add(float64(b.ResolutionDeltas))
}

func (m *metricsImpl) IncRoundsAdvanced() {
	m.roundsAdvanced.Inc()
}

func (m *metricsImpl) IncEquivocations() {
	m.equivocations.Inc()
}

func (m *metricsImpl) IncCommitsIngested() {
	m.commitsIngested.Inc()
}

func (m *metricsImpl) MarkEvaluation(d poc.Decision) {
	m.evaluations.With(metric.Labels{DecisionLabel: d.String()}).Inc()
}

func (m *metricsImpl) SetLawCount(s law.Status, n int) {
	m.lawCount.With(metric.Labels{StatusLabel: s.String()}).Set(float64(n))
}

func (m *metricsImpl) IncConflictsResolved(d conflict.Decision) {
	m.conflictsResolved.With(metric.Labels{DecisionLabel: d.String()}).Inc()
}

func (m *metricsImpl) SetActiveValidators(n int) {
	m.activeValidators.Set(float64(n))
}

func (m *metricsImpl) SetTotalPower(p uint64) {
	m.totalPower.Set(float64(p))
}
