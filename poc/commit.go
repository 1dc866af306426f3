// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package poc implements the Proof-of-Cognition acceptance protocol: rule
// commitments from independent agents are clustered per rule hash and a pure,
// order-independent evaluation decides acceptance.
package poc

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/luxfi/crypto/hash"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// RuleCommit is a single agent's claim that it independently discovered a
// rule. Commits are ephemeral network artifacts and are never mutated.
type RuleCommit struct {
	RuleHash         ids.ID     `json:"ruleHash"`
	LogicSignature   string     `json:"logicSignature"`
	ContextSignature string     `json:"contextSignature"`
	Agent            ids.NodeID `json:"agent"`
	Timestamp        int64      `json:"timestamp"`
	Confidence       float64    `json:"confidence"`
	EvidenceCount    uint32     `json:"evidenceCount"`

	// SourceIDs are the agent's declared data-source identifiers. Pairwise
	// overlap between agents lowers the cluster's independence score.
	SourceIDs []string `json:"sourceIds,omitempty"`
}

// ID is the commit's content hash, used to deduplicate at-least-once gossip
// delivery.
func (c *RuleCommit) ID() ids.ID {
	sources := append([]string{}, c.SourceIDs...)
	sort.Strings(sources)

	preimage := make([]byte, 0, 128)
	preimage = append(preimage, c.RuleHash[:]...)
	preimage = append(preimage, c.Agent.Bytes()...)
	preimage = binary.BigEndian.AppendUint64(preimage, uint64(c.Timestamp))
	preimage = binary.BigEndian.AppendUint64(preimage, scaleConfidence(c.Confidence))
	preimage = binary.BigEndian.AppendUint32(preimage, c.EvidenceCount)
	preimage = append(preimage, c.LogicSignature...)
	preimage = append(preimage, 0x00)
	preimage = append(preimage, c.ContextSignature...)
	for _, s := range sources {
		preimage = append(preimage, 0x00)
		preimage = append(preimage, s...)
	}
	return hash.ComputeHash256Array(preimage)
}

// scaleConfidence gives the [0,1] float a stable integer form for hashing.
func scaleConfidence(c float64) uint64 {
	return uint64(c * 1_000_000)
}

// Cluster groups every commit observed for one rule hash.
type Cluster struct {
	RuleHash ids.ID

	commits map[ids.ID]*RuleCommit
	agents  set.Set[ids.NodeID]

	firstCommit time.Time
	lastCommit  time.Time
}

// NewCluster returns an empty cluster for the rule hash.
func NewCluster(ruleHash ids.ID) *Cluster {
	return &Cluster{
		RuleHash: ruleHash,
		commits:  make(map[ids.ID]*RuleCommit),
		agents:   set.NewSet[ids.NodeID](4),
	}
}

// Add records a commit. Duplicates (same content hash) are ignored and
// reported as false.
func (cl *Cluster) Add(c *RuleCommit) bool {
	id := c.ID()
	if _, ok := cl.commits[id]; ok {
		return false
	}
	cl.commits[id] = c
	cl.agents.Add(c.Agent)

	ts := time.Unix(c.Timestamp, 0)
	if cl.firstCommit.IsZero() || ts.Before(cl.firstCommit) {
		cl.firstCommit = ts
	}
	if ts.After(cl.lastCommit) {
		cl.lastCommit = ts
	}
	return true
}

// Len returns the commit count, counting duplicates once.
func (cl *Cluster) Len() int {
	return len(cl.commits)
}

// UniqueAgents returns the count of distinct committing agents.
func (cl *Cluster) UniqueAgents() int {
	return cl.agents.Len()
}

// Age is the time since the earliest commit.
func (cl *Cluster) Age(now time.Time) time.Duration {
	if cl.firstCommit.IsZero() {
		return 0
	}
	return now.Sub(cl.firstCommit)
}

// Commits returns the commits in canonical order. The first entry is the
// cluster's representative commit.
func (cl *Cluster) Commits() []*RuleCommit {
	return cl.sorted()
}

// sorted returns the commits in canonical order: timestamp, then agent bytes,
// then commit hash. Every node folds the same commit set in the same order
// regardless of delivery order.
func (cl *Cluster) sorted() []*RuleCommit {
	out := make([]*RuleCommit, 0, len(cl.commits))
	idOf := make(map[*RuleCommit]ids.ID, len(cl.commits))
	for id, c := range cl.commits {
		out = append(out, c)
		idOf[c] = id
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if cmp := a.Agent.Compare(b.Agent); cmp != 0 {
			return cmp < 0
		}
		ai, bi := idOf[a], idOf[b]
		return ai.Compare(bi) < 0
	})
	return out
}
