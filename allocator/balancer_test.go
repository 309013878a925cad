package allocator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/allocator/allocatortest"
	pb "go.shardkv.dev/core/protocol"
)

func TestReplenishUnderReplicatedGroups(t *testing.T) {
	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, allocator.DefaultConfig())

	c.SetNodes(
		allocatortest.Node(1, 4),
		allocatortest.Node(2, 4),
		allocatortest.Node(3, 4),
		allocatortest.Node(4, 4),
	)
	c.SetGroups(
		allocatortest.Group(1, 1, 2, 3),
		allocatortest.Group(2, 1),
		allocatortest.Group(3, 2, 3),
	)
	var actions, err = a.ComputeReplicaAction(context.Background())
	require.NoError(t, err)

	// Each under-replicated group gets one replica per round. Group 3 also
	// lands on node 4, which the round's tally shows as less loaded than node 1.
	require.Equal(t, []allocator.ReplicaAction{
		{Kind: allocator.Replenish, Replenish: &allocator.ReplenishReplica{Group: 2, TargetNode: c.Nodes()[3]}},
		{Kind: allocator.Replenish, Replenish: &allocator.ReplenishReplica{Group: 3, TargetNode: c.Nodes()[3]}},
	}, actions)
	require.Equal(t, "replenish group 2 on node 4", actions[0].String())

	// Growth waits on the repair.
	requireGroupAction(t, a, allocator.GroupAction{Kind: allocator.Noop})
}

func TestReplicaMigrationPrefersLearners(t *testing.T) {
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	var learner = allocatortest.Group(2, 1)
	learner.Replicas[0].Role = pb.Learner

	c.SetNodes(allocatortest.Node(1, 1), allocatortest.Node(2, 1), allocatortest.Node(3, 1))
	c.SetGroups(allocatortest.Group(1, 1), learner, allocatortest.Group(3, 1))

	var actions = requireReplicaActions(t, a, []replicaMove{{group: 2, from: 1, to: 2}})
	require.Equal(t, pb.ReplicaID(2001), actions[0].Migrate.SourceReplica)
	require.Equal(t, "migrate group 2 replica 2001 from node 1 to node 2", actions[0].String())
}

func TestReplicaSourcesRankByLeaders(t *testing.T) {
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	c.SetNodes(allocatortest.Node(1, 1), allocatortest.Node(2, 1), allocatortest.Node(3, 1))
	c.SetGroups(
		allocatortest.Group(1, 1),
		allocatortest.Group(2, 1),
		allocatortest.Group(3, 2),
		allocatortest.Group(4, 2),
	)
	// Without leaders, node 1 sheds first.
	requireReplicaActions(t, a, []replicaMove{{group: 1, from: 1, to: 3}})

	// Node 2 leads more groups, and sheds instead.
	c.SetLeaderCount(2, 2)
	requireReplicaActions(t, a, []replicaMove{{group: 3, from: 2, to: 3}})
}

func TestReplicaMigrationNeverColocates(t *testing.T) {
	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, allocator.DefaultConfig())

	c.SetNodes(
		allocatortest.Node(1, 1),
		allocatortest.Node(2, 1),
		allocatortest.Node(3, 1),
		allocatortest.Node(4, 1),
		allocatortest.Node(5, 1),
	)
	c.SetGroups(
		allocatortest.Group(1, 1, 2, 4),
		allocatortest.Group(2, 1, 2, 3),
		allocatortest.Group(3, 1, 2, 3),
		allocatortest.Group(4, 1, 3, 5),
	)
	// Counts are 1:4, 2:3, 3:3, 4:1, 5:1. Node 4 already hosts group 1,
	// so node 1 sheds group 2 to it instead. Node 2 then sheds group 1 to
	// node 5, which doesn't host it.
	requireReplicaActions(t, a, []replicaMove{
		{group: 2, from: 1, to: 4},
		{group: 1, from: 2, to: 5},
	})
}

func TestReplicaConvergenceBound(t *testing.T) {
	var ctx = context.Background()
	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, allocator.DefaultConfig())

	// Three nodes hosting three replicas each, and an empty fourth.
	c.SetNodes(
		allocatortest.Node(1, 1),
		allocatortest.Node(2, 1),
		allocatortest.Node(3, 1),
		allocatortest.Node(4, 1),
	)
	c.SetGroups(
		allocatortest.Group(1, 1, 2, 3),
		allocatortest.Group(2, 1, 2, 3),
		allocatortest.Group(3, 1, 2, 3),
	)
	// Apply only the first proposal of each round.
	var bound, rounds = 3, 0
	for ; rounds <= bound; rounds++ {
		var actions, err = a.ComputeReplicaAction(ctx)
		require.NoError(t, err)
		if len(actions) == 0 {
			break
		}
		require.NoError(t, c.MoveReplica(ctx, *actions[0].Migrate))
		requireNoColocation(t, c)
	}
	require.LessOrEqual(t, rounds, bound)
	require.Equal(t, map[pb.NodeID]int{1: 2, 2: 2, 3: 3, 4: 2}, c.ReplicaCounts())
}

func TestShardMigrationOrdering(t *testing.T) {
	var ctx = context.Background()
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	c.SetNodes(allocatortest.Node(1, 1))
	var g1 = allocatortest.Group(1, 1)
	for _, id := range []pb.ShardID{4, 2, 9, 7} {
		g1.Shards = append(g1.Shards, pb.ShardDesc{ID: id})
	}
	c.SetGroups(g1, allocatortest.Group(2, 1), allocatortest.Group(3, 1))

	// The lowest shard moves to the emptiest group, lowest ID first.
	var actions = requireShardActions(t, a, []allocator.ReallocateShard{
		{Shard: 2, SourceGroup: 1, TargetGroup: 2},
	})
	require.Equal(t, "migrate shard 2 from group 1 to group 2", actions[0].String())
	require.NoError(t, c.MoveShard(ctx, *actions[0].Migrate))

	actions = requireShardActions(t, a, []allocator.ReallocateShard{
		{Shard: 4, SourceGroup: 1, TargetGroup: 3},
	})
	require.NoError(t, c.MoveShard(ctx, *actions[0].Migrate))

	requireShardActions(t, a, nil)
	require.Equal(t, map[pb.GroupID]int{1: 2, 2: 1, 3: 1}, c.ShardCounts())
	require.Equal(t, []pb.ShardID{2, 4, 7, 9}, c.ShardIDs())
}

func TestShardActionWithinTolerance(t *testing.T) {
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1
	cfg.BalanceTolerance = 0.5

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	// No groups.
	requireShardActions(t, a, nil)

	c.SetNodes(allocatortest.Node(1, 1))
	c.SetGroups(allocatortest.Group(1, 1), allocatortest.Group(2, 1))
	var _, err = c.AssignShards(3, []pb.GroupDesc{{ID: 1}, {ID: 1}, {ID: 2}})
	require.NoError(t, err)

	// Counts of 2 & 1 fall within [0.75, 2.25] around a mean of 1.5.
	requireShardActions(t, a, nil)
}

func TestReplicaImbalanceNearTheMeanIsCorrected(t *testing.T) {
	var ctx = context.Background()
	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, allocator.DefaultConfig())

	c.SetNodes(
		allocatortest.Node(1, 1),
		allocatortest.Node(2, 1),
		allocatortest.Node(3, 1),
		allocatortest.Node(4, 1),
		allocatortest.Node(5, 1),
		allocatortest.Node(6, 1),
	)
	c.SetGroups(
		allocatortest.Group(1, 1, 2, 3),
		allocatortest.Group(2, 1, 2, 3),
		allocatortest.Group(3, 1, 2, 3),
		allocatortest.Group(4, 1, 2, 3),
		allocatortest.Group(5, 1, 4, 5),
		allocatortest.Group(6, 1, 5, 6),
		allocatortest.Group(7, 2, 4, 6),
		allocatortest.Group(8, 2, 4, 5),
		allocatortest.Group(9, 3, 5, 6),
		allocatortest.Group(10, 3, 4, 6),
	)
	require.Equal(t, map[pb.NodeID]int{1: 6, 2: 6, 3: 6, 4: 4, 5: 4, 6: 4}, c.ReplicaCounts())

	// Counts of 6 and 4 both fall outside [4.75, 5.25] around a mean of 5.
	var actions = requireReplicaActions(t, a, []replicaMove{
		{group: 1, from: 1, to: 4},
		{group: 2, from: 2, to: 5},
		{group: 3, from: 3, to: 6},
	})
	for _, ra := range actions {
		require.NoError(t, c.MoveReplica(ctx, *ra.Migrate))
	}
	requireNoColocation(t, c)
	requireReplicaActions(t, a, nil)
	require.Equal(t, map[pb.NodeID]int{1: 5, 2: 5, 3: 5, 4: 5, 5: 5, 6: 5}, c.ReplicaCounts())
}

func TestShardImbalanceNearTheMeanIsCorrected(t *testing.T) {
	var ctx = context.Background()
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	c.SetNodes(allocatortest.Node(1, 1))
	c.SetGroups(
		allocatortest.Group(1, 1),
		allocatortest.Group(2, 1),
		allocatortest.Group(3, 1),
		allocatortest.Group(4, 1),
	)
	var _, err = c.AssignShards(8, []pb.GroupDesc{{ID: 1}, {ID: 1}, {ID: 1}, {ID: 2}, {ID: 2}, {ID: 3}, {ID: 3}, {ID: 4}})
	require.NoError(t, err)

	// Counts of 3, 2, 2, 1 around a mean of 2 are not balanced.
	var actions = requireShardActions(t, a, []allocator.ReallocateShard{
		{Shard: 1, SourceGroup: 1, TargetGroup: 4},
	})
	require.NoError(t, c.MoveShard(ctx, *actions[0].Migrate))

	requireShardActions(t, a, nil)
	require.Equal(t, map[pb.GroupID]int{1: 2, 2: 2, 3: 2, 4: 2}, c.ShardCounts())
}

func TestShardBatchNamesEachGroupOnce(t *testing.T) {
	var ctx = context.Background()
	var cfg = allocator.DefaultConfig()
	cfg.ReplicasPerGroup = 1

	var c = allocatortest.NewCluster()
	var a = newAllocator(t, c, cfg)

	c.SetNodes(allocatortest.Node(1, 1))
	c.SetGroups(
		allocatortest.Group(1, 1),
		allocatortest.Group(2, 1),
		allocatortest.Group(3, 1),
		allocatortest.Group(4, 1),
	)
	var _, err = c.AssignShards(9, []pb.GroupDesc{{ID: 1}, {ID: 1}, {ID: 1}, {ID: 2}, {ID: 2}, {ID: 2}, {ID: 3}, {ID: 3}, {ID: 3}})
	require.NoError(t, err)

	// Group 4 is the emptiest target of groups 1, 2 and 3, but receives only
	// one shard per batch. Groups 2 and 3 have no other eligible target.
	var actions = requireShardActions(t, a, []allocator.ReallocateShard{
		{Shard: 1, SourceGroup: 1, TargetGroup: 4},
	})
	require.NoError(t, c.MoveShard(ctx, *actions[0].Migrate))

	actions = requireShardActions(t, a, []allocator.ReallocateShard{
		{Shard: 4, SourceGroup: 2, TargetGroup: 4},
	})
	require.NoError(t, c.MoveShard(ctx, *actions[0].Migrate))

	requireShardActions(t, a, nil)
	require.Equal(t, map[pb.GroupID]int{1: 2, 2: 2, 3: 3, 4: 2}, c.ShardCounts())
}

func requireNoColocation(t *testing.T, c *allocatortest.Cluster) {
	for _, g := range c.Groups() {
		require.NoError(t, g.Validate())
	}
}
