package allocator

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
	pb "go.shardkv.dev/core/protocol"
)

// ComputeShardAction proposes a batch of shard migrations which move the
// cluster towards an even count of shards per group. Each group holding more
// shards than the balance band allows proposes migrating its lowest shard ID
// to the group holding the fewest shards, with ties broken by ascending
// group ID. A group is named by at most one proposal of a batch, as either
// source or target. Proposals are independent of those of
// ComputeReplicaAction.
func (a *Allocator) ComputeShardAction(ctx context.Context) ([]ShardAction, error) {
	var s, err = a.snapshot(ctx)
	if err != nil {
		return nil, err
	} else if len(s.groups) == 0 {
		return nil, nil
	}

	var tally = make([]int, len(s.groups))
	for i := range s.groups {
		tally[i] = len(s.groups[i].Shards)
	}
	var band = newBalanceBand(s.totalShards, len(s.groups), a.cfg.BalanceTolerance)

	if band.within(tally) {
		return nil, nil
	}

	var order = make([]int, len(s.groups))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		if tally[order[i]] != tally[order[j]] {
			return tally[order[i]] > tally[order[j]]
		}
		return order[i] < order[j] // |groups| are ordered on ID.
	})

	var out []ShardAction
	var touched = make(map[int]struct{})

	for _, src := range order {
		if band.within(tally) {
			break
		} else if _, ok := touched[src]; ok {
			continue
		} else if !band.isSource(tally[src], tally) {
			continue
		}

		var target = -1
		for t := range s.groups {
			if _, ok := touched[t]; ok || t == src {
				continue
			} else if target == -1 || tally[t] < tally[target] {
				target = t
			}
		}
		if target == -1 || tally[target] > tally[src]-2 {
			continue
		}

		out = append(out, ShardAction{
			Kind: Migrate,
			Migrate: &ReallocateShard{
				Shard:       lowestShard(&s.groups[src]),
				SourceGroup: s.groups[src].ID,
				TargetGroup: s.groups[target].ID,
			},
		})
		tally[src]--
		tally[target]++
		touched[src], touched[target] = struct{}{}, struct{}{}
	}

	if len(out) != 0 {
		allocatorShardMigrationsTotal.Add(float64(len(out)))
		var counts = make([]int, len(s.groups))
		for i := range s.groups {
			counts[i] = len(s.groups[i].Shards)
		}
		logBalance("shard", band, counts, len(out))
	} else {
		log.WithField("mean", band.mean).Debug("shards are imbalanced but no migration narrows the spread")
	}
	return out, nil
}

func lowestShard(g *pb.GroupDesc) pb.ShardID {
	var id = g.Shards[0].ID
	for _, s := range g.Shards[1:] {
		if s.ID < id {
			id = s.ID
		}
	}
	return id
}
