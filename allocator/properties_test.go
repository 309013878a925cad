package allocator_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/allocator/allocatortest"
	pb "go.shardkv.dev/core/protocol"
)

func TestRandomClustersConverge(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		var rng = rand.New(rand.NewSource(seed))
		var c = randomCluster(rng, 3)
		var a = newAllocator(t, c, allocator.DefaultConfig())

		var shards = c.ShardIDs()
		var rounds = converge(t, a, c, 200)
		t.Logf("seed %d converged in %d rounds", seed, rounds)

		// Shards were moved, never dropped or duplicated.
		require.Equal(t, shards, c.ShardIDs(), "seed %d", seed)

		// A converged cluster is stable.
		for i := 0; i != 2; i++ {
			requireGroupAction(t, a, allocator.GroupAction{Kind: allocator.Noop})
			requireReplicaActions(t, a, nil)
			requireShardActions(t, a, nil)
		}
		for _, g := range c.Groups() {
			require.Len(t, g.Replicas, 3, "seed %d", seed)
		}
		requireShardsBalanced(t, c, allocator.DefaultConfig().BalanceTolerance)
	}
}

// requireShardsBalanced verifies that group shard counts differ by at most
// one, or else fall within |tolerance| of their mean.
func requireShardsBalanced(t *testing.T, c *allocatortest.Cluster, tolerance float64) {
	var groups = c.Groups()
	if len(groups) == 0 {
		return
	}
	var total, lo, hi = 0, len(groups[0].Shards), len(groups[0].Shards)
	for _, g := range groups {
		total += len(g.Shards)
		if n := len(g.Shards); n < lo {
			lo = n
		} else if n > hi {
			hi = n
		}
	}
	if hi-lo <= 1 {
		return
	}
	var mean = float64(total) / float64(len(groups))
	require.GreaterOrEqual(t, float64(lo), mean*(1-tolerance)-1e-9)
	require.LessOrEqual(t, float64(hi), mean*(1+tolerance)+1e-9)
}

func TestConvergedClusterIsUnchangedByRecompute(t *testing.T) {
	var c = randomCluster(rand.New(rand.NewSource(42)), 3)
	var a = newAllocator(t, c, allocator.DefaultConfig())
	converge(t, a, c, 200)

	var before = c.Groups()
	requireGroupAction(t, a, allocator.GroupAction{Kind: allocator.Noop})
	requireReplicaActions(t, a, nil)
	requireShardActions(t, a, nil)
	_, _ = a.PlaceGroupForShard(context.Background(), 5)
	_, _ = a.AllocateGroupReplica(context.Background(), nil, 3)
	require.Equal(t, before, c.Groups())
}

// randomCluster builds a cluster of random nodes, and groups having up to
// |replicas| replicas which own random shards.
func randomCluster(rng *rand.Rand, replicas int) *allocatortest.Cluster {
	var c = allocatortest.NewCluster()

	var numNodes = replicas + rng.Intn(6)
	var nodes []pb.NodeDesc
	for i := 0; i != numNodes; i++ {
		nodes = append(nodes, allocatortest.Node(pb.NodeID(i+1), float64(1+rng.Intn(8))))
	}
	c.SetNodes(nodes...)

	var groups []pb.GroupDesc
	for i, n := 0, rng.Intn(2*numNodes); i != n; i++ {
		var ids []pb.NodeID
		for _, p := range rng.Perm(numNodes)[:replicas-rng.Intn(2)] {
			ids = append(ids, pb.NodeID(p+1))
		}
		groups = append(groups, allocatortest.Group(pb.GroupID(i+1), ids...))
	}
	c.SetGroups(groups...)

	if len(groups) != 0 {
		for i, n := 0, rng.Intn(40); i != n; i++ {
			if _, err := c.AssignShard(groups[rng.Intn(len(groups))].ID); err != nil {
				panic(err)
			}
		}
	}
	return c
}

// converge drives rounds of compute and apply until no actions remain,
// checking invariants after each round. It returns the number of rounds.
func converge(t *testing.T, a *allocator.Allocator, c *allocatortest.Cluster, maxRounds int) int {
	var ctx = context.Background()
	var r = a.Config().ReplicasPerGroup

	for round := 0; round != maxRounds; round++ {
		var applied int
		var epochs = groupEpochs(c)

		var action, err = a.ComputeGroupAction(ctx)
		require.NoError(t, err)
		for i := 0; action.Kind == allocator.Add && i != action.Count; i++ {
			var nodes, err = a.AllocateGroupReplica(ctx, nil, r)
			require.NoError(t, err)
			_, err = c.CreateGroup(ctx, nodes)
			require.NoError(t, err)
			applied++
		}

		replicas, err := a.ComputeReplicaAction(ctx)
		require.NoError(t, err)
		for _, ra := range replicas {
			switch ra.Kind {
			case allocator.Replenish:
				require.NoError(t, c.AddReplica(ctx, *ra.Replenish))
			case allocator.Migrate:
				require.NoError(t, c.MoveReplica(ctx, *ra.Migrate))
			}
			applied++
		}

		shards, err := a.ComputeShardAction(ctx)
		require.NoError(t, err)
		var named = make(map[pb.GroupID]struct{})
		for _, sa := range shards {
			for _, id := range []pb.GroupID{sa.Migrate.SourceGroup, sa.Migrate.TargetGroup} {
				var _, ok = named[id]
				require.False(t, ok, "group %d is named twice by one batch", id)
				named[id] = struct{}{}
			}
			require.NoError(t, c.MoveShard(ctx, *sa.Migrate))
			applied++
		}

		requireNoColocation(t, c)
		for id, epoch := range groupEpochs(c) {
			require.GreaterOrEqual(t, epoch, epochs[id])
		}
		if applied == 0 {
			return round
		}
	}
	require.FailNow(t, "cluster didn't converge", "after %d rounds", maxRounds)
	return maxRounds
}

func groupEpochs(c *allocatortest.Cluster) map[pb.GroupID]uint64 {
	var out = make(map[pb.GroupID]uint64)
	for _, g := range c.Groups() {
		out[g.ID] = g.Epoch
	}
	return out
}
