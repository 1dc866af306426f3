// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chain runs the node core: it ingests gossiped rule commits, votes,
// and proposals, drives the consensus engine, evaluates pending clusters, and
// applies committed blocks atomically to the law, validator, resolution, and
// ledger stores.
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cache"
	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/config"
	"github.com/luxfi/cognition/conflict"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/ledger"
	"github.com/luxfi/cognition/metrics"
	"github.com/luxfi/cognition/poc"
	utilmetric "github.com/luxfi/cognition/utils/metric"
	"github.com/luxfi/cognition/utils/timer/mockable"
	"github.com/luxfi/cognition/validator"
)

const (
	defaultEvalInterval = 15 * time.Second
	mailboxSize         = 1024
	seenCacheSize       = 8192
)

var (
	lawDBPrefix        = []byte("law")
	validatorDBPrefix  = []byte("validator")
	resolutionDBPrefix = []byte("resolution")
	ledgerDBPrefix     = []byte("ledger")

	ErrClosed     = errors.New("chain closed")
	ErrNotStarted = errors.New("chain not started")
)

var (
	_ consensus.Builder   = (*Chain)(nil)
	_ consensus.Sender    = (*Chain)(nil)
	_ consensus.Committer = (*Chain)(nil)
	_ consensus.Timers    = (*Chain)(nil)
)

// Gossiper broadcasts a serialized message to every peer. The chain never
// waits on delivery; gossip is best-effort and dedup happens on receive.
type Gossiper interface {
	Gossip(msgBytes []byte)
}

// NoopGossiper drops every message. Used by single-node deployments and
// tests.
type NoopGossiper struct{}

func (NoopGossiper) Gossip([]byte) {}

// Config wires a chain to its node.
type Config struct {
	Params   config.Params
	NodeID   ids.NodeID
	Log      log.Logger
	DB       database.Database
	Gossiper Gossiper

	// Registerer receives every chain metric.
	Registerer metric.Registerer

	// Genesis holds the serialized genesis state, applied once when the
	// database is fresh.
	Genesis []byte

	// EvalInterval is how often pending clusters and law decay are
	// re-examined. Zero selects the default.
	EvalInterval time.Duration
}

// Chain is the node core. All protocol state mutation happens on the event
// loop goroutine; network handlers and public mutators enqueue onto it.
type Chain struct {
	log      log.Logger
	params   config.Params
	nodeID   ids.NodeID
	clock    mockable.Clock
	gossiper Gossiper

	baseDB      *versiondb.Database
	laws        *law.Store
	vals        *validator.Registry
	resolutions *conflict.Store
	blocks      *ledger.Ledger

	pool      *poc.Pool
	evaluator *poc.Engine
	resolver  *conflict.Resolver
	engine    *consensus.Engine
	metrics   metrics.Metrics

	// Pending deltas accumulate between commits, keyed for dedup. Only the
	// event loop touches them.
	pendingLaws map[ids.ID]*consensus.LawDelta
	pendingVals map[ids.NodeID]*consensus.ValidatorDelta
	pendingRes  map[ids.ID]*consensus.ResolutionDelta

	// seen deduplicates at-least-once gossip by content hash.
	seen *cache.LRU[ids.ID, struct{}]

	// lastDecision tracks the most recent evaluation outcome per cluster so
	// a long-lived rejected cluster is counted once, not once per tick.
	lastDecision map[ids.ID]poc.Decision

	mailbox   chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   bool

	proposeTimer *time.Timer
	roundTimer   *time.Timer

	evalInterval time.Duration
	lastDecay    time.Time
}

// New assembles a chain over the database. Nothing runs until Start.
func New(cfg Config) (*Chain, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if cfg.Gossiper == nil {
		cfg.Gossiper = NoopGossiper{}
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = defaultEvalInterval
	}

	m, err := metrics.New(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	// Every store writes through one versiondb so a block's deltas flush
	// atomically or not at all.
	baseDB := versiondb.New(cfg.DB)
	blocks, err := ledger.New(prefixdb.New(ledgerDBPrefix, baseDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	c := &Chain{
		log:      cfg.Log,
		params:   cfg.Params,
		nodeID:   cfg.NodeID,
		gossiper: cfg.Gossiper,

		baseDB:      baseDB,
		laws:        law.NewStore(prefixdb.New(lawDBPrefix, baseDB)),
		vals:        validator.NewRegistry(prefixdb.New(validatorDBPrefix, baseDB), cfg.Params.Validator),
		resolutions: conflict.NewStore(prefixdb.New(resolutionDBPrefix, baseDB)),
		blocks:      blocks,

		pool:      poc.NewPool(cfg.Params.PoC.ClusterTTL, cfg.Params.PoC.MinAgents),
		evaluator: poc.NewEngine(cfg.Params.PoC),
		metrics:   m,

		pendingLaws: make(map[ids.ID]*consensus.LawDelta),
		pendingVals: make(map[ids.NodeID]*consensus.ValidatorDelta),
		pendingRes:  make(map[ids.ID]*consensus.ResolutionDelta),

		seen:         &cache.LRU[ids.ID, struct{}]{Size: seenCacheSize},
		lastDecision: make(map[ids.ID]poc.Decision),

		mailbox: make(chan func(), mailboxSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),

		evalInterval: cfg.EvalInterval,
	}
	c.resolver = conflict.NewResolver(cfg.Params.Conflict, c.vals)
	c.engine = consensus.NewEngine(
		cfg.Log,
		cfg.Params.Consensus,
		cfg.NodeID,
		c.vals,
		c, c, c, c,
	)
	c.engine.OnEquivocation = c.onEquivocation

	if len(cfg.Genesis) > 0 {
		if err := c.initGenesis(cfg.Genesis); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Start resumes consensus from the ledger tip and launches the event loop.
func (c *Chain) Start() error {
	c.lastDecay = c.clock.Time()

	tipHeight, tipID, err := c.blocks.LastAccepted()
	if errors.Is(err, ledger.ErrEmptyLedger) {
		tipHeight, tipID = 0, ids.Empty
	} else if err != nil {
		return err
	}

	if err := c.engine.Start(tipID, tipHeight); err != nil {
		return fmt.Errorf("failed to start consensus: %w", err)
	}
	c.refreshValidatorGauges()
	c.refreshLawGauges()

	c.started = true
	go c.run()
	return nil
}

// Shutdown stops the event loop and every scheduled timer. Safe to call more
// than once.
func (c *Chain) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	if !c.started {
		return
	}
	<-c.done
	if c.proposeTimer != nil {
		c.proposeTimer.Stop()
	}
	if c.roundTimer != nil {
		c.roundTimer.Stop()
	}
}

func (c *Chain) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case fn := <-c.mailbox:
			fn()
		case <-ticker.C:
			c.tick()
		}
	}
}

// enqueue posts fn to the event loop.
func (c *Chain) enqueue(fn func()) error {
	select {
	case <-c.closing:
		return ErrClosed
	case c.mailbox <- fn:
		return nil
	}
}

// await runs fn on the event loop and blocks until it finishes.
func (c *Chain) await(fn func()) error {
	ran := make(chan struct{})
	if err := c.enqueue(func() {
		fn()
		close(ran)
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-c.closing:
		return ErrClosed
	}
}

// Clock returns the chain's clock for tests to fake.
func (c *Chain) Clock() *mockable.Clock {
	return &c.clock
}

// APIInterceptor exposes the request metrics hooks for the RPC server.
func (c *Chain) APIInterceptor() utilmetric.APIInterceptor {
	return c.metrics
}

// Healthy reports whether consensus is progressing. It turns false once a
// storage failure halts the engine.
func (c *Chain) Healthy() (bool, error) {
	var halted bool
	if err := c.await(func() { halted = c.engine.Halted() }); err != nil {
		return false, err
	}
	return !halted, nil
}

func (c *Chain) refreshLawGauges() {
	for _, status := range []law.Status{
		law.StatusProposed,
		law.StatusValidating,
		law.StatusActive,
		law.StatusConflicted,
		law.StatusDeprecated,
		law.StatusRevoked,
	} {
		laws, err := c.laws.ListByStatus(status)
		if err != nil {
			c.log.Warn("failed to count laws", "status", status, "err", err)
			return
		}
		c.metrics.SetLawCount(status, len(laws))
	}
}

func (c *Chain) refreshValidatorGauges() {
	active, err := c.vals.ActiveSet()
	if err != nil {
		c.log.Warn("failed to read active set", "err", err)
		return
	}
	c.metrics.SetActiveValidators(len(active))
	total, err := c.vals.TotalPower()
	if err != nil {
		c.log.Warn("failed to compute total power", "err", err)
		return
	}
	c.metrics.SetTotalPower(total)
}
