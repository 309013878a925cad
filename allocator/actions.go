package allocator

import (
	"fmt"

	pb "go.shardkv.dev/core/protocol"
)

// ActionKind tags the variant of a GroupAction, ReplicaAction, or ShardAction.
type ActionKind int

const (
	// Noop means no change is needed. It's a valid, non-error outcome.
	Noop ActionKind = iota
	// Add requests the creation of new groups.
	Add
	// Migrate moves a replica between nodes, or a shard between groups.
	Migrate
	// Replenish adds a replica to an under-replicated group.
	Replenish
)

func (k ActionKind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Add:
		return "add"
	case Migrate:
		return "migrate"
	case Replenish:
		return "replenish"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// MarshalText encodes the ActionKind by name.
func (k ActionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// GroupAction is the outcome of ComputeGroupAction.
type GroupAction struct {
	Kind ActionKind `json:"kind" yaml:"kind"`
	// Count of groups to create, when Kind is Add.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
}

// AddGroups returns a GroupAction requesting |n| new groups.
func AddGroups(n int) GroupAction { return GroupAction{Kind: Add, Count: n} }

// ReallocateReplica moves SourceReplica of Group from SourceNode to TargetNode.
type ReallocateReplica struct {
	Group         pb.GroupID   `json:"group" yaml:"group"`
	SourceNode    pb.NodeID    `json:"source_node" yaml:"source_node"`
	SourceReplica pb.ReplicaID `json:"source_replica" yaml:"source_replica"`
	TargetNode    pb.NodeDesc  `json:"target_node" yaml:"target_node"`
}

// ReplenishReplica adds a replica of under-replicated Group on TargetNode.
type ReplenishReplica struct {
	Group      pb.GroupID  `json:"group" yaml:"group"`
	TargetNode pb.NodeDesc `json:"target_node" yaml:"target_node"`
}

// ReplicaAction is a proposal of ComputeReplicaAction. Exactly one of
// Migrate or Replenish is set, as indicated by Kind.
type ReplicaAction struct {
	Kind      ActionKind         `json:"kind" yaml:"kind"`
	Migrate   *ReallocateReplica `json:"migrate,omitempty" yaml:"migrate,omitempty"`
	Replenish *ReplenishReplica  `json:"replenish,omitempty" yaml:"replenish,omitempty"`
}

// ReallocateShard moves Shard from SourceGroup to TargetGroup.
type ReallocateShard struct {
	Shard       pb.ShardID `json:"shard" yaml:"shard"`
	SourceGroup pb.GroupID `json:"source_group" yaml:"source_group"`
	TargetGroup pb.GroupID `json:"target_group" yaml:"target_group"`
}

// ShardAction is a proposal of ComputeShardAction.
type ShardAction struct {
	Kind    ActionKind       `json:"kind" yaml:"kind"`
	Migrate *ReallocateShard `json:"migrate,omitempty" yaml:"migrate,omitempty"`
}

func (a ReplicaAction) String() string {
	switch a.Kind {
	case Migrate:
		return fmt.Sprintf("migrate group %d replica %d from node %d to node %d",
			a.Migrate.Group, a.Migrate.SourceReplica, a.Migrate.SourceNode, a.Migrate.TargetNode.ID)
	case Replenish:
		return fmt.Sprintf("replenish group %d on node %d", a.Replenish.Group, a.Replenish.TargetNode.ID)
	default:
		return a.Kind.String()
	}
}

func (a ShardAction) String() string {
	if a.Kind == Migrate {
		return fmt.Sprintf("migrate shard %d from group %d to group %d",
			a.Migrate.Shard, a.Migrate.SourceGroup, a.Migrate.TargetGroup)
	}
	return a.Kind.String()
}
