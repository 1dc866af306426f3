// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package poc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/ids"
)

func TestPoolRoutesCommitsByRule(t *testing.T) {
	require := require.New(t)
	pool := NewPool(72*time.Hour, 3)

	ruleA := ids.GenerateTestID()
	ruleB := ids.GenerateTestID()

	clusterA, added := pool.AddCommit(commitAt(ruleA, ids.GenerateTestNodeID(), 0.8, 0, "src-a"))
	require.True(added)
	require.Equal(ruleA, clusterA.RuleHash)

	again, ok := pool.Cluster(ruleA)
	require.True(ok)
	require.Same(clusterA, again)

	clusterB, added := pool.AddCommit(commitAt(ruleB, ids.GenerateTestNodeID(), 0.7, 0, "src-b"))
	require.True(added)
	require.NotSame(clusterA, clusterB)
	require.Equal(2, pool.Len())

	_, ok = pool.Cluster(ids.GenerateTestID())
	require.False(ok)

	pool.Remove(ruleA)
	require.Equal(1, pool.Len())
	_, ok = pool.Cluster(ruleA)
	require.False(ok)
}

func TestPoolDeduplicatesCommits(t *testing.T) {
	require := require.New(t)
	pool := NewPool(72*time.Hour, 3)

	ruleHash := ids.GenerateTestID()
	commit := commitAt(ruleHash, ids.GenerateTestNodeID(), 0.8, 0, "src-a")

	cluster, added := pool.AddCommit(commit)
	require.True(added)
	_, added = pool.AddCommit(commit)
	require.False(added)
	require.Equal(1, cluster.Len())

	// A second commit from the same agent counts once toward the agent
	// minimum but still lands in the cluster.
	later := commitAt(ruleHash, commit.Agent, 0.85, time.Hour, "src-a")
	_, added = pool.AddCommit(later)
	require.True(added)
	require.Equal(2, cluster.Len())
	require.Equal(1, cluster.UniqueAgents())
}

func TestPoolGCDropsSparseClusters(t *testing.T) {
	require := require.New(t)
	pool := NewPool(72*time.Hour, 3)

	sparse := ids.GenerateTestID()
	_, _ = pool.AddCommit(commitAt(sparse, ids.GenerateTestNodeID(), 0.8, 0, "src-a"))

	full := ids.GenerateTestID()
	for _, src := range []string{"src-a", "src-b", "src-c"} {
		_, _ = pool.AddCommit(commitAt(full, ids.GenerateTestNodeID(), 0.8, 0, src))
	}

	// Inside the TTL both clusters survive.
	require.Zero(pool.GC(testStart.Add(71 * time.Hour)))
	require.Equal(2, pool.Len())

	// Past the TTL only the under-populated cluster is dropped.
	require.Equal(1, pool.GC(testStart.Add(73*time.Hour)))
	require.Equal(1, pool.Len())
	_, ok := pool.Cluster(full)
	require.True(ok)
}

func TestClusterCanonicalOrder(t *testing.T) {
	require := require.New(t)

	ruleHash := ids.GenerateTestID()
	first := commitAt(ruleHash, ids.GenerateTestNodeID(), 0.8, 0, "src-a")
	second := commitAt(ruleHash, ids.GenerateTestNodeID(), 0.9, time.Hour, "src-b")
	third := commitAt(ruleHash, ids.GenerateTestNodeID(), 0.7, 2*time.Hour, "src-c")

	forward := NewCluster(ruleHash)
	require.True(forward.Add(first))
	require.True(forward.Add(second))
	require.True(forward.Add(third))

	reverse := NewCluster(ruleHash)
	require.True(reverse.Add(third))
	require.True(reverse.Add(second))
	require.True(reverse.Add(first))

	require.Equal(forward.Commits(), reverse.Commits())
	require.Equal(first, forward.Commits()[0])
	require.Equal(2*time.Hour, forward.Age(testStart.Add(2*time.Hour)))
}
