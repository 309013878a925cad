package allocator

import (
	"context"
	"sort"

	pb "go.shardkv.dev/core/protocol"
)

// NodeReplica is a replica hosted on a node, composed with its owning group.
type NodeReplica struct {
	pb.ReplicaDesc
	Group pb.GroupID
}

// View is a read-only snapshot of cluster topology. All methods of a View
// must reflect the same snapshot.
type View interface {
	// Nodes of the cluster.
	Nodes() []pb.NodeDesc
	// Groups of the cluster, each with its replicas and shards.
	Groups() []pb.GroupDesc
	// NodeReplicas returns the replicas currently hosted by node |id|.
	NodeReplicas(id pb.NodeID) []NodeReplica
}

// Source supplies snapshots of cluster topology to the Allocator. The
// Allocator never mutates a Source.
type Source interface {
	// RefreshAll pulls a fresh, consistent snapshot from the backing store.
	// It may block on network I/O, and must respect |ctx| cancellation.
	RefreshAll(ctx context.Context) error

	View
}

// Pinner is optionally implemented by Sources which can pin their current
// snapshot as an immutable View. The Allocator reads through a pinned View
// when available, so that concurrent RefreshAll calls by other callers can't
// tear the reads of a single Allocator call.
type Pinner interface {
	Pin() View
}

// Verifier is optionally implemented by Views which can hold metadata that
// failed to read, such as an undecodable descriptor. A Verify error is
// surfaced by the Allocator as ErrInvalidState.
type Verifier interface {
	Verify() error
}

// NewView returns an immutable View over the given nodes and groups. The
// NodeReplicas index is derived from |groups|. Callers must not mutate
// |nodes| or |groups| after calling NewView.
func NewView(nodes []pb.NodeDesc, groups []pb.GroupDesc) View {
	var v = &staticView{
		nodes:    nodes,
		groups:   groups,
		replicas: make(map[pb.NodeID][]NodeReplica),
	}
	for _, g := range groups {
		for _, r := range g.Replicas {
			v.replicas[r.NodeID] = append(v.replicas[r.NodeID], NodeReplica{ReplicaDesc: r, Group: g.ID})
		}
	}
	for _, rs := range v.replicas {
		sortNodeReplicas(rs)
	}
	return v
}

type staticView struct {
	nodes    []pb.NodeDesc
	groups   []pb.GroupDesc
	replicas map[pb.NodeID][]NodeReplica
}

func (v *staticView) Nodes() []pb.NodeDesc   { return v.nodes }
func (v *staticView) Groups() []pb.GroupDesc { return v.groups }

func (v *staticView) NodeReplicas(id pb.NodeID) []NodeReplica { return v.replicas[id] }

func sortNodeReplicas(rs []NodeReplica) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Group != rs[j].Group {
			return rs[i].Group < rs[j].Group
		}
		return rs[i].ID < rs[j].ID
	})
}
