package allocator

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.shardkv.dev/core/protocol"
)

// snapshot is an extracted and validated representation of a View, indexed
// for the Allocator's policies. A snapshot is built once per Allocator call
// and is read-only thereafter.
type snapshot struct {
	nodes  []pb.NodeDesc  // Ordered on ascending ID.
	groups []pb.GroupDesc // Ordered on ascending ID.

	// Indexed 1:1 with |nodes|.
	nodeReplicas [][]NodeReplica // Replicas hosted by each node.
	replicaCount []int           // Number of replicas hosted by each node.
	leaderCount  []int           // Reported leaders of each node.

	nodeInd  map[pb.NodeID]int
	groupInd map[pb.GroupID]int

	totalReplicas   int
	totalShards     int
	underReplicated []int // Indices of |groups| having fewer than R replicas.
}

// extractSnapshot reads |v| into a snapshot, verifying that it's internally
// consistent. Inconsistencies are returned as ErrInvalidState.
func extractSnapshot(v View, replicasPerGroup int) (*snapshot, error) {
	if vv, ok := v.(Verifier); ok {
		if err := vv.Verify(); err != nil {
			return nil, invalidState(err)
		}
	}
	var s = &snapshot{
		nodes:    append([]pb.NodeDesc(nil), v.Nodes()...),
		groups:   append([]pb.GroupDesc(nil), v.Groups()...),
		nodeInd:  make(map[pb.NodeID]int),
		groupInd: make(map[pb.GroupID]int),
	}
	sort.Slice(s.nodes, func(i, j int) bool { return s.nodes[i].ID < s.nodes[j].ID })
	sort.Slice(s.groups, func(i, j int) bool { return s.groups[i].ID < s.groups[j].ID })

	s.nodeReplicas = make([][]NodeReplica, len(s.nodes))
	s.replicaCount = make([]int, len(s.nodes))
	s.leaderCount = make([]int, len(s.nodes))

	for i := range s.nodes {
		var n = &s.nodes[i]

		if err := n.Validate(); err != nil {
			return nil, invalidState(pb.ExtendContext(err, "Nodes[%d]", n.ID))
		} else if i != 0 && s.nodes[i-1].ID == n.ID {
			return nil, invalidState(pb.NewValidationError("duplicate node ID (%d)", n.ID))
		}
		s.nodeInd[n.ID] = i
		s.leaderCount[i] = n.LeaderCount()
	}

	// Walk groups to:
	//  * Validate each group, and cross-group uniqueness of replicas and shards.
	//  * Accumulate per-node replica counts.
	//  * Collect under-replicated groups.
	var replicaIDs = make(map[pb.ReplicaID]pb.GroupID)
	var shardIDs = make(map[pb.ShardID]pb.GroupID)

	for i := range s.groups {
		var g = &s.groups[i]

		if err := g.Validate(); err != nil {
			return nil, invalidState(pb.ExtendContext(err, "Groups[%d]", g.ID))
		} else if i != 0 && s.groups[i-1].ID == g.ID {
			return nil, invalidState(pb.NewValidationError("duplicate group ID (%d)", g.ID))
		}
		s.groupInd[g.ID] = i

		for _, r := range g.Replicas {
			if other, ok := replicaIDs[r.ID]; ok {
				return nil, invalidState(pb.NewValidationError(
					"replica %d appears in groups %d and %d", r.ID, other, g.ID))
			}
			replicaIDs[r.ID] = g.ID

			var ind, ok = s.nodeInd[r.NodeID]
			if !ok {
				return nil, invalidState(pb.NewValidationError(
					"replica %d of group %d references unknown node %d", r.ID, g.ID, r.NodeID))
			}
			s.replicaCount[ind]++
		}
		for _, shard := range g.Shards {
			if other, ok := shardIDs[shard.ID]; ok {
				return nil, invalidState(pb.NewValidationError(
					"shard %d is owned by groups %d and %d", shard.ID, other, g.ID))
			}
			shardIDs[shard.ID] = g.ID
		}

		s.totalReplicas += len(g.Replicas)
		s.totalShards += len(g.Shards)

		if len(g.Replicas) < replicasPerGroup {
			s.underReplicated = append(s.underReplicated, i)
		}
	}

	// Join nodes with their hosted replicas, as reported by the View, and
	// verify agreement with the replica sets of groups.
	for i := range s.nodes {
		var id = s.nodes[i].ID
		var hosted = append([]NodeReplica(nil), v.NodeReplicas(id)...)
		sortNodeReplicas(hosted)

		for _, nr := range hosted {
			var gi, ok = s.groupInd[nr.Group]
			if !ok {
				return nil, invalidState(pb.NewValidationError(
					"node %d hosts replica %d of unknown group %d", id, nr.ID, nr.Group))
			}
			var ri = s.groups[gi].ReplicaIndex(nr.ID)
			if ri == -1 || s.groups[gi].Replicas[ri].NodeID != id {
				return nil, invalidState(pb.NewValidationError(
					"node %d hosts replica %d which group %d doesn't place there", id, nr.ID, nr.Group))
			}
		}
		if len(hosted) != s.replicaCount[i] {
			return nil, invalidState(pb.NewValidationError(
				"node %d reports %d replicas, but groups place %d there", id, len(hosted), s.replicaCount[i]))
		}
		s.nodeReplicas[i] = hosted

		if c := s.nodes[i].Capacity; c != nil && int(c.ReplicaCount) != s.replicaCount[i] {
			log.WithFields(log.Fields{
				"node":     id,
				"reported": c.ReplicaCount,
				"placed":   s.replicaCount[i],
			}).Debug("node capacity replica count lags placement")
		}
	}
	return s, nil
}

func invalidState(err error) error {
	allocatorInvalidStateTotal.Inc()
	return errors.WithMessage(ErrInvalidState, err.Error())
}

// group returns the group having |id|. It must exist.
func (s *snapshot) group(id pb.GroupID) *pb.GroupDesc {
	return &s.groups[s.groupInd[id]]
}

func (s *snapshot) meanLeaders() float64 {
	if len(s.nodes) == 0 {
		return 0
	}
	var total int
	for _, c := range s.leaderCount {
		total += c
	}
	return float64(total) / float64(len(s.nodes))
}

func (s *snapshot) debugLog() {
	if log.GetLevel() < log.DebugLevel {
		return
	}
	log.WithFields(log.Fields{
		"nodes":           len(s.nodes),
		"groups":          len(s.groups),
		"replicas":        s.totalReplicas,
		"shards":          s.totalShards,
		"replicaCounts":   s.replicaCount,
		"leaderCounts":    s.leaderCount,
		"underReplicated": len(s.underReplicated),
	}).Debug("extracted snapshot")
}
