// Package allocatortest provides an in-memory cluster which implements
// allocator.Source and applies allocator proposals, for use in tests and
// simulations.
package allocatortest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.shardkv.dev/core/allocator"
	pb "go.shardkv.dev/core/protocol"
)

// Cluster is an in-memory, mutex-guarded cluster topology. It implements
// allocator.Source and allocator.Pinner, and applies proposed actions the way
// a metadata authority would: each application is checked against current
// state, and bumps the Epoch of every group it touches.
type Cluster struct {
	mu     sync.Mutex
	nodes  []pb.NodeDesc
	groups []pb.GroupDesc
	view   allocator.View

	refreshErr   error
	refreshDelay time.Duration
	refreshes    int
}

var _ allocator.Source = (*Cluster)(nil)
var _ allocator.Pinner = (*Cluster)(nil)

// NewCluster returns an empty Cluster.
func NewCluster() *Cluster {
	var c = new(Cluster)
	c.publish()
	return c
}

// Node returns a NodeDesc of |id| having |cpus| CPUs.
func Node(id pb.NodeID, cpus float64) pb.NodeDesc {
	return pb.NodeDesc{
		ID:       id,
		Capacity: &pb.NodeCapacity{CPUNums: cpus},
	}
}

// Group returns a GroupDesc of |id| with a Voter replica on each of |nodes|.
// Replica IDs are derived from the group ID: replica i of group g has ID
// g*1000+i+1.
func Group(id pb.GroupID, nodes ...pb.NodeID) pb.GroupDesc {
	var g = pb.GroupDesc{ID: id, Epoch: 1}
	for i, n := range nodes {
		g.Replicas = append(g.Replicas, pb.ReplicaDesc{
			ID:     pb.ReplicaID(uint64(id)*1000 + uint64(i) + 1),
			NodeID: n,
			Role:   pb.Voter,
		})
	}
	return g
}

// RefreshAll returns an error set by SetRefreshError, after waiting for a
// delay set by SetRefreshDelay. It honors |ctx| cancellation while waiting.
func (c *Cluster) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	var err, delay = c.refreshErr, c.refreshDelay
	c.refreshes++
	c.mu.Unlock()

	if delay != 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Pin returns the Cluster's current immutable View.
func (c *Cluster) Pin() allocator.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Nodes of the current View.
func (c *Cluster) Nodes() []pb.NodeDesc { return c.Pin().Nodes() }

// Groups of the current View.
func (c *Cluster) Groups() []pb.GroupDesc { return c.Pin().Groups() }

// NodeReplicas of the current View.
func (c *Cluster) NodeReplicas(id pb.NodeID) []allocator.NodeReplica {
	return c.Pin().NodeReplicas(id)
}

// Refreshes returns the number of RefreshAll calls.
func (c *Cluster) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// SetRefreshError sets an error to be returned by RefreshAll. A nil error clears it.
func (c *Cluster) SetRefreshError(err error) {
	c.mu.Lock()
	c.refreshErr = err
	c.mu.Unlock()
}

// SetRefreshDelay sets a delay of each RefreshAll call.
func (c *Cluster) SetRefreshDelay(d time.Duration) {
	c.mu.Lock()
	c.refreshDelay = d
	c.mu.Unlock()
}

// SetNodes replaces all nodes of the Cluster.
func (c *Cluster) SetNodes(nodes ...pb.NodeDesc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = c.nodes[:0]
	for _, n := range nodes {
		c.nodes = append(c.nodes, n.Copy())
	}
	c.publish()
}

// AddNodes adds nodes to the Cluster, replacing nodes having the same ID.
func (c *Cluster) AddNodes(nodes ...pb.NodeDesc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		if i := c.nodeIndex(n.ID); i != -1 {
			c.nodes[i] = n.Copy()
		} else {
			c.nodes = append(c.nodes, n.Copy())
		}
	}
	c.publish()
}

// RemoveNode removes node |id| and any replicas it hosts, as when a node
// fails permanently. Groups losing a replica have their Epoch bumped.
func (c *Cluster) RemoveNode(id pb.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.nodeIndex(id); i != -1 {
		c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
	}
	for gi := range c.groups {
		var g = &c.groups[gi]
		for ri := range g.Replicas {
			if g.Replicas[ri].NodeID == id {
				g.Replicas = append(g.Replicas[:ri], g.Replicas[ri+1:]...)
				g.Epoch++
				break
			}
		}
	}
	c.publish()
}

// SetGroups replaces all groups of the Cluster.
func (c *Cluster) SetGroups(groups ...pb.GroupDesc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.groups = c.groups[:0]
	for _, g := range groups {
		c.groups = append(c.groups, g.Copy())
	}
	c.publish()
}

// SetLeaderCount sets the reported leader count of node |id|.
func (c *Cluster) SetLeaderCount(id pb.NodeID, leaders uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.nodeIndex(id); i != -1 {
		if c.nodes[i].Capacity == nil {
			c.nodes[i].Capacity = new(pb.NodeCapacity)
		}
		c.nodes[i].Capacity.LeaderCount = leaders
	}
	c.publish()
}

// AssignShard creates a new shard owned by group |id|, returning its ID.
// Shard IDs are allocated sequentially from one.
func (c *Cluster) AssignShard(id pb.GroupID) (pb.ShardID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gi = c.groupIndex(id)
	if gi == -1 {
		return 0, errors.WithMessagef(allocator.ErrConflict, "group %d doesn't exist", id)
	}
	var shard = pb.ShardDesc{ID: c.nextShardID()}
	c.groups[gi].Shards = append(c.groups[gi].Shards, shard)
	c.groups[gi].Epoch++
	c.publish()

	return shard.ID, nil
}

// AssignShards creates |count| new shards, assigning shard i to
// candidates[i % len(candidates)]. It returns the new shard IDs.
func (c *Cluster) AssignShards(count int, candidates []pb.GroupDesc) ([]pb.ShardID, error) {
	if count > 0 && len(candidates) == 0 {
		return nil, errors.New("no candidate groups")
	}
	var out []pb.ShardID
	for i := 0; i < count; i++ {
		var id, err = c.AssignShard(candidates[i%len(candidates)].ID)
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, nil
}

// CreateGroup creates a group with a Voter replica on each of |nodes|.
func (c *Cluster) CreateGroup(_ context.Context, nodes []pb.NodeDesc) (pb.GroupDesc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var g = pb.GroupDesc{ID: c.nextGroupID(), Epoch: 1}
	var replicaID = c.nextReplicaID()

	for i, n := range nodes {
		if c.nodeIndex(n.ID) == -1 {
			return pb.GroupDesc{}, errors.WithMessagef(allocator.ErrConflict, "node %d doesn't exist", n.ID)
		}
		g.Replicas = append(g.Replicas, pb.ReplicaDesc{
			ID:     replicaID + pb.ReplicaID(i),
			NodeID: n.ID,
			Role:   pb.Voter,
		})
	}
	if err := g.Validate(); err != nil {
		return pb.GroupDesc{}, errors.WithMessage(allocator.ErrConflict, err.Error())
	}
	c.groups = append(c.groups, g)
	c.publish()

	return g.Copy(), nil
}

// AddReplica adds a Voter replica of an under-replicated group.
func (c *Cluster) AddReplica(_ context.Context, r allocator.ReplenishReplica) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gi = c.groupIndex(r.Group)
	if gi == -1 {
		return errors.WithMessagef(allocator.ErrConflict, "group %d doesn't exist", r.Group)
	} else if c.nodeIndex(r.TargetNode.ID) == -1 {
		return errors.WithMessagef(allocator.ErrConflict, "node %d doesn't exist", r.TargetNode.ID)
	}
	var g = &c.groups[gi]

	if g.HasNode(r.TargetNode.ID) {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d already has a replica on node %d", g.ID, r.TargetNode.ID)
	}
	g.Replicas = append(g.Replicas, pb.ReplicaDesc{
		ID:     c.nextReplicaID(),
		NodeID: r.TargetNode.ID,
		Role:   pb.Voter,
	})
	g.Epoch++
	c.publish()

	return nil
}

// MoveReplica replaces the source replica with a new replica of the same
// role on the target node.
func (c *Cluster) MoveReplica(_ context.Context, m allocator.ReallocateReplica) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gi = c.groupIndex(m.Group)
	if gi == -1 {
		return errors.WithMessagef(allocator.ErrConflict, "group %d doesn't exist", m.Group)
	} else if c.nodeIndex(m.TargetNode.ID) == -1 {
		return errors.WithMessagef(allocator.ErrConflict, "node %d doesn't exist", m.TargetNode.ID)
	}
	var g = &c.groups[gi]
	var ri = g.ReplicaIndex(m.SourceReplica)

	if ri == -1 || g.Replicas[ri].NodeID != m.SourceNode {
		return errors.WithMessagef(allocator.ErrConflict,
			"replica %d of group %d isn't on node %d", m.SourceReplica, g.ID, m.SourceNode)
	} else if g.HasNode(m.TargetNode.ID) {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d already has a replica on node %d", g.ID, m.TargetNode.ID)
	}
	g.Replicas[ri] = pb.ReplicaDesc{
		ID:     c.nextReplicaID(),
		NodeID: m.TargetNode.ID,
		Role:   g.Replicas[ri].Role,
	}
	g.Epoch++
	c.publish()

	return nil
}

// MoveShard moves a shard between groups.
func (c *Cluster) MoveShard(_ context.Context, m allocator.ReallocateShard) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var si, ti = c.groupIndex(m.SourceGroup), c.groupIndex(m.TargetGroup)
	if si == -1 || ti == -1 || si == ti {
		return errors.WithMessagef(allocator.ErrConflict,
			"invalid groups for shard move (%d => %d)", m.SourceGroup, m.TargetGroup)
	}
	var src, tgt = &c.groups[si], &c.groups[ti]
	var ind = src.ShardIndex(m.Shard)

	if ind == -1 {
		return errors.WithMessagef(allocator.ErrConflict, "shard %d isn't owned by group %d", m.Shard, src.ID)
	}
	tgt.Shards = append(tgt.Shards, src.Shards[ind])
	src.Shards = append(src.Shards[:ind], src.Shards[ind+1:]...)
	src.Epoch++
	tgt.Epoch++
	c.publish()

	return nil
}

// ReplicaCounts returns the number of replicas hosted by each node.
func (c *Cluster) ReplicaCounts() map[pb.NodeID]int {
	var v = c.Pin()
	var out = make(map[pb.NodeID]int)
	for _, n := range v.Nodes() {
		out[n.ID] = len(v.NodeReplicas(n.ID))
	}
	return out
}

// ShardCounts returns the number of shards owned by each group.
func (c *Cluster) ShardCounts() map[pb.GroupID]int {
	var out = make(map[pb.GroupID]int)
	for _, g := range c.Groups() {
		out[g.ID] = len(g.Shards)
	}
	return out
}

// ShardIDs returns the ordered IDs of all shards of the Cluster.
func (c *Cluster) ShardIDs() []pb.ShardID {
	var out []pb.ShardID
	for _, g := range c.Groups() {
		for _, s := range g.Shards {
			out = append(out, s.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// publish recomputes node capacities from group placements and publishes a
// new immutable View. The caller must hold |mu|.
func (c *Cluster) publish() {
	sort.Slice(c.nodes, func(i, j int) bool { return c.nodes[i].ID < c.nodes[j].ID })
	sort.Slice(c.groups, func(i, j int) bool { return c.groups[i].ID < c.groups[j].ID })

	var counts = make(map[pb.NodeID]uint64)
	for _, g := range c.groups {
		for _, r := range g.Replicas {
			counts[r.NodeID]++
		}
	}
	for i := range c.nodes {
		var nc = c.nodes[i].Capacity
		if nc == nil {
			continue
		}
		nc.ReplicaCount = counts[c.nodes[i].ID]
		if nc.LeaderCount > nc.ReplicaCount {
			nc.LeaderCount = nc.ReplicaCount
		}
	}

	var nodes = make([]pb.NodeDesc, len(c.nodes))
	for i := range c.nodes {
		nodes[i] = c.nodes[i].Copy()
	}
	var groups = make([]pb.GroupDesc, len(c.groups))
	for i := range c.groups {
		groups[i] = c.groups[i].Copy()
	}
	c.view = allocator.NewView(nodes, groups)
}

func (c *Cluster) nodeIndex(id pb.NodeID) int {
	for i := range c.nodes {
		if c.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Cluster) groupIndex(id pb.GroupID) int {
	for i := range c.groups {
		if c.groups[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Cluster) nextGroupID() (id pb.GroupID) {
	for _, g := range c.groups {
		if g.ID > id {
			id = g.ID
		}
	}
	return id + 1
}

func (c *Cluster) nextReplicaID() (id pb.ReplicaID) {
	for _, g := range c.groups {
		for _, r := range g.Replicas {
			if r.ID > id {
				id = r.ID
			}
		}
	}
	return id + 1
}

func (c *Cluster) nextShardID() (id pb.ShardID) {
	for _, g := range c.groups {
		for _, s := range g.Shards {
			if s.ID > id {
				id = s.ID
			}
		}
	}
	return id + 1
}
