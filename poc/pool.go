// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poc

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
)

// Pool holds the live clusters, one per rule hash, and garbage collects
// clusters that never reach the agent minimum within the TTL.
type Pool struct {
	mu       sync.Mutex
	clusters map[ids.ID]*Cluster
	ttl      time.Duration
	minAgent int
}

// NewPool returns an empty pool. Clusters below minAgents older than ttl are
// dropped by GC without producing a law.
func NewPool(ttl time.Duration, minAgents int) *Pool {
	return &Pool{
		clusters: make(map[ids.ID]*Cluster),
		ttl:      ttl,
		minAgent: minAgents,
	}
}

// AddCommit routes the commit to its rule's cluster, creating the cluster on
// first sight. It returns the cluster and whether the commit was new.
func (p *Pool) AddCommit(c *RuleCommit) (*Cluster, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cl, ok := p.clusters[c.RuleHash]
	if !ok {
		cl = NewCluster(c.RuleHash)
		p.clusters[c.RuleHash] = cl
	}
	return cl, cl.Add(c)
}

// Cluster returns the live cluster for the rule hash, if any.
func (p *Pool) Cluster(ruleHash ids.ID) (*Cluster, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cl, ok := p.clusters[ruleHash]
	return cl, ok
}

// Clusters snapshots the live clusters for a periodic evaluation tick.
func (p *Pool) Clusters() []*Cluster {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Cluster, 0, len(p.clusters))
	for _, cl := range p.clusters {
		out = append(out, cl)
	}
	return out
}

// Remove discards a cluster after a terminal decision. The decision lives on
// the law record, not the cluster.
func (p *Pool) Remove(ruleHash ids.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clusters, ruleHash)
}

// GC drops clusters that are still below the agent minimum past the TTL and
// returns how many were dropped.
func (p *Pool) GC(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := 0
	for ruleHash, cl := range p.clusters {
		if cl.UniqueAgents() < p.minAgent && cl.Age(now) > p.ttl {
			delete(p.clusters, ruleHash)
			dropped++
		}
	}
	return dropped
}

// Len returns the live cluster count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clusters)
}
