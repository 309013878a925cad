package protocol

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

// NodeID uniquely identifies a storage node within the cluster.
type NodeID uint64

// GroupID uniquely identifies a replica group.
type GroupID uint64

// ReplicaID uniquely identifies a replica, cluster-wide.
type ReplicaID uint64

// ShardID uniquely identifies a shard, cluster-wide.
type ShardID uint64

// ReplicaRole is the role of a replica within its group.
type ReplicaRole int32

const (
	// Voter replicas participate in group consensus.
	Voter ReplicaRole = 0
	// Learner replicas receive the group log but don't vote.
	Learner ReplicaRole = 1
)

func (r ReplicaRole) String() string {
	switch r {
	case Voter:
		return "voter"
	case Learner:
		return "learner"
	default:
		return fmt.Sprintf("ReplicaRole(%d)", int32(r))
	}
}

// MarshalText encodes the role by name.
func (r ReplicaRole) MarshalText() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name. An empty name decodes as Voter.
func (r *ReplicaRole) UnmarshalText(b []byte) error {
	switch string(b) {
	case "voter", "":
		*r = Voter
	case "learner":
		*r = Learner
	default:
		return NewValidationError("unknown replica role (%q)", string(b))
	}
	return nil
}

// Validate returns an error if the ReplicaRole is not a known role.
func (r ReplicaRole) Validate() error {
	if r != Voter && r != Learner {
		return NewValidationError("invalid replica role (%d)", int32(r))
	}
	return nil
}

// NodeCapacity is the capacity and current load reported by a node.
type NodeCapacity struct {
	// CPUNums is the number of CPUs available to the node. It weights the
	// node's share of the cluster's desired group count.
	CPUNums      float64 `json:"cpu_nums" yaml:"cpu_nums"`
	ReplicaCount uint64  `json:"replica_count" yaml:"replica_count"`
	LeaderCount  uint64  `json:"leader_count" yaml:"leader_count"`
}

// Validate returns an error if the NodeCapacity is not well-formed.
func (c *NodeCapacity) Validate() error {
	if math.IsNaN(c.CPUNums) || math.IsInf(c.CPUNums, 0) || c.CPUNums < 0 {
		return NewValidationError("invalid CPUNums (%v; expected finite >= 0)", c.CPUNums)
	} else if c.LeaderCount > c.ReplicaCount {
		return NewValidationError("LeaderCount exceeds ReplicaCount (%d > %d)", c.LeaderCount, c.ReplicaCount)
	}
	return nil
}

// NodeDesc describes a storage node.
type NodeDesc struct {
	ID       NodeID        `json:"id" yaml:"id"`
	Addr     string        `json:"addr,omitempty" yaml:"addr,omitempty"`
	Capacity *NodeCapacity `json:"capacity,omitempty" yaml:"capacity,omitempty"`
}

// Validate returns an error if the NodeDesc is not well-formed.
func (n *NodeDesc) Validate() error {
	if n.ID == 0 {
		return NewValidationError("expected ID")
	} else if err := ValidateAddress(n.Addr); err != nil {
		return ExtendContext(err, "Addr")
	} else if n.Capacity == nil {
		// Capacity is optional.
	} else if err = n.Capacity.Validate(); err != nil {
		return ExtendContext(err, "Capacity")
	}
	return nil
}

// CPUWeight is the node's CPU count, or one if the node hasn't reported it.
func (n *NodeDesc) CPUWeight() float64 {
	if n.Capacity == nil || n.Capacity.CPUNums <= 0 {
		return 1
	}
	return n.Capacity.CPUNums
}

// LeaderCount is the node's reported number of group leaders.
func (n *NodeDesc) LeaderCount() int {
	if n.Capacity == nil {
		return 0
	}
	return int(n.Capacity.LeaderCount)
}

// ReplicaDesc describes one replica of a group.
type ReplicaDesc struct {
	ID     ReplicaID   `json:"id" yaml:"id"`
	NodeID NodeID      `json:"node_id" yaml:"node_id"`
	Role   ReplicaRole `json:"role" yaml:"role"`
}

// Validate returns an error if the ReplicaDesc is not well-formed.
func (r *ReplicaDesc) Validate() error {
	if r.ID == 0 {
		return NewValidationError("expected ID")
	} else if r.NodeID == 0 {
		return NewValidationError("expected NodeID")
	} else if err := r.Role.Validate(); err != nil {
		return ExtendContext(err, "Role")
	}
	return nil
}

// ShardDesc describes a shard: a contiguous slice of a collection's keyspace.
type ShardDesc struct {
	ID           ShardID `json:"id" yaml:"id"`
	CollectionID uint64  `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	// Start and End bound the shard's key range [Start, End). An empty End is
	// unbounded.
	Start []byte `json:"start,omitempty" yaml:"start,omitempty"`
	End   []byte `json:"end,omitempty" yaml:"end,omitempty"`
}

// Validate returns an error if the ShardDesc is not well-formed.
func (s *ShardDesc) Validate() error {
	if s.ID == 0 {
		return NewValidationError("expected ID")
	} else if len(s.End) != 0 && bytes.Compare(s.Start, s.End) >= 0 {
		return NewValidationError("expected Start < End (%q vs %q)", s.Start, s.End)
	}
	return nil
}

// GroupDesc describes a replica group, its replicas, and the shards it owns.
type GroupDesc struct {
	ID GroupID `json:"id" yaml:"id"`
	// Epoch increases with each applied change of the group's replicas or shards.
	Epoch    uint64        `json:"epoch" yaml:"epoch"`
	Replicas []ReplicaDesc `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Shards   []ShardDesc   `json:"shards,omitempty" yaml:"shards,omitempty"`
}

// Validate returns an error if the GroupDesc is not well-formed. Beyond the
// validity of each replica and shard, no two replicas may share an ID or a
// node, and no shard may appear twice.
func (g *GroupDesc) Validate() error {
	if g.ID == 0 {
		return NewValidationError("expected ID")
	}
	var ids = make(map[ReplicaID]struct{}, len(g.Replicas))
	var nodes = make(map[NodeID]ReplicaID, len(g.Replicas))

	for i := range g.Replicas {
		var r = &g.Replicas[i]

		if err := r.Validate(); err != nil {
			return ExtendContext(err, "Replicas[%d]", i)
		} else if _, ok := ids[r.ID]; ok {
			return ExtendContext(NewValidationError("duplicate replica ID (%d)", r.ID), "Replicas[%d]", i)
		} else if other, ok := nodes[r.NodeID]; ok {
			return ExtendContext(NewValidationError(
				"replicas %d and %d share node %d", other, r.ID, r.NodeID), "Replicas[%d]", i)
		}
		ids[r.ID] = struct{}{}
		nodes[r.NodeID] = r.ID
	}

	var shards = make(map[ShardID]struct{}, len(g.Shards))
	for i := range g.Shards {
		if err := g.Shards[i].Validate(); err != nil {
			return ExtendContext(err, "Shards[%d]", i)
		} else if _, ok := shards[g.Shards[i].ID]; ok {
			return ExtendContext(NewValidationError("duplicate shard ID (%d)", g.Shards[i].ID), "Shards[%d]", i)
		}
		shards[g.Shards[i].ID] = struct{}{}
	}
	return nil
}

// NodeIDs returns the ordered IDs of nodes hosting replicas of the group.
func (g *GroupDesc) NodeIDs() []NodeID {
	var out = make([]NodeID, 0, len(g.Replicas))
	for _, r := range g.Replicas {
		out = append(out, r.NodeID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasNode returns true if a replica of the group is hosted by node |id|.
func (g *GroupDesc) HasNode(id NodeID) bool {
	for _, r := range g.Replicas {
		if r.NodeID == id {
			return true
		}
	}
	return false
}

// ReplicaIndex returns the index of replica |id|, or -1.
func (g *GroupDesc) ReplicaIndex(id ReplicaID) int {
	for i, r := range g.Replicas {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// ShardIndex returns the index of shard |id|, or -1.
func (g *GroupDesc) ShardIndex(id ShardID) int {
	for i, s := range g.Shards {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Copy returns a deep copy of the GroupDesc.
func (g GroupDesc) Copy() GroupDesc {
	var out = g
	out.Replicas = append([]ReplicaDesc(nil), g.Replicas...)
	out.Shards = make([]ShardDesc, len(g.Shards))

	for i, s := range g.Shards {
		s.Start = append([]byte(nil), s.Start...)
		s.End = append([]byte(nil), s.End...)
		out.Shards[i] = s
	}
	if g.Shards == nil {
		out.Shards = nil
	}
	return out
}

// Copy returns a deep copy of the NodeDesc.
func (n NodeDesc) Copy() NodeDesc {
	if n.Capacity != nil {
		var c = *n.Capacity
		n.Capacity = &c
	}
	return n
}
