package allocator

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
	pb "go.shardkv.dev/core/protocol"
)

// ComputeReplicaAction proposes a batch of replica actions which move the
// cluster towards an even count of replicas per node.
//
// Under-replicated groups are repaired first: while any exist, only Replenish
// actions are returned, one per under-replicated group. Otherwise, nodes
// hosting more replicas than the balance band allows each propose migrating
// one replica to the least-loaded node which doesn't already host a replica
// of its group. A returned batch touches each group at most once, and
// several rounds of apply-then-recompute may be required before
// ComputeReplicaAction returns an empty batch.
func (a *Allocator) ComputeReplicaAction(ctx context.Context) ([]ReplicaAction, error) {
	var s, err = a.snapshot(ctx)
	if err != nil {
		return nil, err
	} else if len(s.nodes) == 0 {
		return nil, nil
	}
	// |tally| tracks replica counts as they'd be after applying the batch.
	var tally = append([]int(nil), s.replicaCount...)

	if out := s.replenish(tally); len(out) != 0 {
		allocatorReplicaReplenishesTotal.Add(float64(len(out)))
		log.WithField("replenish", len(out)).Info("proposed repair of under-replicated groups")
		return out, nil
	}

	var band = newBalanceBand(s.totalReplicas, len(s.nodes), a.cfg.BalanceTolerance)
	var meanLeaders = s.meanLeaders()
	allocatorMeanReplicas.Set(band.mean)
	allocatorMeanLeaders.Set(meanLeaders)

	if band.within(tally) {
		return nil, nil
	}

	// Rank sources by descending replicas, then descending leaders. Among
	// equally loaded nodes, shedding from a node leading more groups also
	// sheds leadership load.
	var order = make([]int, len(s.nodes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		var ni, nj = order[i], order[j]
		if tally[ni] != tally[nj] {
			return tally[ni] > tally[nj]
		} else if s.leaderCount[ni] != s.leaderCount[nj] {
			return s.leaderCount[ni] > s.leaderCount[nj]
		}
		return s.nodes[ni].ID < s.nodes[nj].ID
	})

	var touched = make(map[pb.GroupID]struct{})
	var out []ReplicaAction

	for _, src := range order {
		if band.within(tally) {
			break
		} else if !band.isSource(tally[src], tally) {
			continue
		}
		var c, ok = s.pickReplicaMigration(src, tally, touched)
		if !ok {
			log.WithFields(log.Fields{"node": s.nodes[src].ID, "replicas": tally[src]}).
				Debug("no eligible replica migration from overloaded node")
			continue
		}

		out = append(out, ReplicaAction{
			Kind: Migrate,
			Migrate: &ReallocateReplica{
				Group:         c.group,
				SourceNode:    s.nodes[src].ID,
				SourceReplica: c.replica.ID,
				TargetNode:    s.nodes[c.target].Copy(),
			},
		})
		tally[src]--
		tally[c.target]++
		touched[c.group] = struct{}{}
	}

	if len(out) != 0 {
		allocatorReplicaMigrationsTotal.Add(float64(len(out)))
		log.WithField("meanLeaders", meanLeaders).Debug("leader load")
		logBalance("replica", band, s.replicaCount, len(out))
	}
	return out, nil
}

// replenish proposes a replica for each under-replicated group, placed on
// the least-loaded node not already hosting the group. It updates |tally|.
func (s *snapshot) replenish(tally []int) []ReplicaAction {
	var out []ReplicaAction

	for _, gi := range s.underReplicated {
		var g = &s.groups[gi]
		var target = -1

		for n := range s.nodes {
			if g.HasNode(s.nodes[n].ID) {
				continue
			} else if target == -1 || tally[n] < tally[target] {
				target = n // Ties retain the lower node ID.
			}
		}
		if target == -1 {
			log.WithFields(log.Fields{"group": g.ID, "replicas": len(g.Replicas)}).
				Warn("under-replicated group has no eligible node")
			continue
		}

		out = append(out, ReplicaAction{
			Kind: Replenish,
			Replenish: &ReplenishReplica{
				Group:      g.ID,
				TargetNode: s.nodes[target].Copy(),
			},
		})
		tally[target]++
	}
	return out
}

// replicaMigration is a candidate migration of a replica from a source node.
type replicaMigration struct {
	group   pb.GroupID
	replica pb.ReplicaDesc
	target  int // Index of the target node.
}

// pickReplicaMigration selects the migration of a replica hosted by node
// |src| which lands on the least-loaded eligible target. Replicas of groups
// in |touched| are not considered. A target is eligible if it doesn't host a
// replica of the group and hosts at least two fewer replicas than |src|,
// so that the migration strictly narrows the spread. Ties on target load
// break on ascending node ID, then prefer Learners, then ascending group ID.
func (s *snapshot) pickReplicaMigration(src int, tally []int, touched map[pb.GroupID]struct{}) (replicaMigration, bool) {
	var best replicaMigration
	var found bool

	var less = func(a, b replicaMigration) bool {
		if tally[a.target] != tally[b.target] {
			return tally[a.target] < tally[b.target]
		} else if a.target != b.target {
			return a.target < b.target // |nodes| are ordered on ID.
		} else if a.replica.Role != b.replica.Role {
			return a.replica.Role == pb.Learner
		}
		return a.group < b.group
	}

	for _, nr := range s.nodeReplicas[src] {
		if _, ok := touched[nr.Group]; ok {
			continue
		}
		var g = s.group(nr.Group)

		for t := range s.nodes {
			if t == src || tally[t] > tally[src]-2 || g.HasNode(s.nodes[t].ID) {
				continue
			}
			var c = replicaMigration{group: nr.Group, replica: nr.ReplicaDesc, target: t}
			if !found || less(c, best) {
				best, found = c, true
			}
		}
	}
	return best, found
}
