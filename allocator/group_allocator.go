package allocator

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.shardkv.dev/core/protocol"
)

// ComputeGroupAction determines whether new groups are needed so that every
// node can host a share of group replicas proportional to its CPUs.
//
// No groups are requested while the cluster has fewer than ReplicasPerGroup
// nodes, as no full group could be seated. Nor while any group is
// under-replicated: those are repaired by ComputeReplicaAction, and a
// repaired group may itself absorb the shortage. Groups are never removed.
func (a *Allocator) ComputeGroupAction(ctx context.Context) (GroupAction, error) {
	var s, err = a.snapshot(ctx)
	if err != nil {
		return GroupAction{}, err
	}
	var r = a.cfg.ReplicasPerGroup

	if len(s.nodes) < r {
		log.WithFields(log.Fields{"nodes": len(s.nodes), "replicas": r}).
			Debug("too few nodes to seat a group")
		return GroupAction{Kind: Noop}, nil
	} else if len(s.underReplicated) != 0 {
		log.WithField("underReplicated", len(s.underReplicated)).
			Debug("deferring group growth until groups are repaired")
		return GroupAction{Kind: Noop}, nil
	}

	var desired = desiredGroups(s.nodes, r, a.cfg.GroupsPerCPU)
	if cur := len(s.groups); cur < desired {
		log.WithFields(log.Fields{"current": cur, "desired": desired}).
			Info("cluster needs more groups")
		allocatorGroupsRequestedTotal.Add(float64(desired - cur))
		return AddGroups(desired - cur), nil
	}
	return GroupAction{Kind: Noop}, nil
}

// desiredGroups is the number of groups of |replicasPerGroup| replicas which
// seat |groupsPerCPU| replicas for each CPU of |nodes|, rounded up.
func desiredGroups(nodes []pb.NodeDesc, replicasPerGroup int, groupsPerCPU float64) int {
	var slots float64
	for i := range nodes {
		slots += nodes[i].CPUWeight() * groupsPerCPU
	}
	return int(math.Ceil(slots/float64(replicasPerGroup) - epsilon))
}

// AllocateGroupReplica selects |count| distinct nodes to host the replicas of
// a new group, excluding nodes of |exclude|. Nodes are preferred in ascending
// order of hosted replicas, with ties broken by ascending node ID. It returns
// ErrInsufficientNodes if fewer than |count| nodes are eligible.
// AllocateGroupReplica doesn't record the selection: the caller must.
func (a *Allocator) AllocateGroupReplica(ctx context.Context, exclude []pb.NodeID, count int) ([]pb.NodeDesc, error) {
	var s, err = a.snapshot(ctx)
	if err != nil {
		return nil, err
	} else if count <= 0 {
		return nil, nil
	}

	var excluded = make(map[pb.NodeID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	var candidates []int
	for i := range s.nodes {
		if _, ok := excluded[s.nodes[i].ID]; !ok {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) < count {
		return nil, errors.WithMessagef(ErrInsufficientNodes,
			"need %d nodes but %d are eligible", count, len(candidates))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		var ci, cj = candidates[i], candidates[j]
		if s.replicaCount[ci] != s.replicaCount[cj] {
			return s.replicaCount[ci] < s.replicaCount[cj]
		}
		return s.nodes[ci].ID < s.nodes[cj].ID
	})

	var out = make([]pb.NodeDesc, count)
	for i := range out {
		out[i] = s.nodes[candidates[i]].Copy()
	}
	return out, nil
}
