package etcdsource

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/keyspace"
	pb "go.shardkv.dev/core/protocol"
)

// Applier applies allocator proposals to Etcd metadata. Each application is
// a single transaction which verifies that every group it rewrites is
// unchanged from the Source's most recent View, the View against which the
// proposal was computed. If the group has since changed, the application
// fails with allocator.ErrConflict and the proposal should be re-computed.
// Every application increments the Epoch of each group it rewrites.
type Applier struct {
	src *Source
}

// NewApplier returns an Applier of proposals computed over |src|.
func NewApplier(src *Source) *Applier { return &Applier{src: src} }

// CreateGroup creates a new group having a Voter replica on each of |nodes|.
func (a *Applier) CreateGroup(ctx context.Context, nodes []pb.NodeDesc) (pb.GroupDesc, error) {
	if len(nodes) == 0 {
		return pb.GroupDesc{}, pb.NewValidationError("expected at least one node")
	}
	var root, v = a.src.KS.Root, a.src.pinned()
	var txn = &guardedTxn{op: "create-group"}

	var groupID, err = a.reserveIDs(ctx, txn, "group", uint64(v.maxGroup), 1)
	if err != nil {
		return pb.GroupDesc{}, err
	}
	replicaID, err := a.reserveIDs(ctx, txn, "replica", uint64(v.maxRepl), len(nodes))
	if err != nil {
		return pb.GroupDesc{}, err
	}

	var group = pb.GroupDesc{ID: pb.GroupID(groupID), Epoch: 1}
	for i, n := range nodes {
		group.Replicas = append(group.Replicas, pb.ReplicaDesc{
			ID:     pb.ReplicaID(replicaID + uint64(i)),
			NodeID: n.ID,
			Role:   pb.Voter,
		})
		txn.If(keyExists(NodeKey(root, n.ID)))
	}
	if err = group.Validate(); err != nil {
		return pb.GroupDesc{}, err
	}

	var key = GroupKey(root, group.ID)
	txn.If(keyAbsent(key))
	if err = putGroup(txn, key, group); err != nil {
		return pb.GroupDesc{}, err
	} else if _, err = txn.Commit(ctx, a.src.Client); err != nil {
		return pb.GroupDesc{}, err
	}

	log.WithFields(log.Fields{
		"group": group.ID,
		"nodes": group.NodeIDs(),
	}).Info("created group")
	return group, nil
}

// AddReplica adds a Voter replica of the group on the target node.
func (a *Applier) AddReplica(ctx context.Context, r allocator.ReplenishReplica) error {
	var kv, group, err = a.group(r.Group)
	if err != nil {
		return err
	} else if group.HasNode(r.TargetNode.ID) {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d already has a replica on node %d", r.Group, r.TargetNode.ID)
	}

	var txn = &guardedTxn{op: "add-replica"}
	replicaID, err := a.reserveIDs(ctx, txn, "replica", uint64(a.src.pinned().maxRepl), 1)
	if err != nil {
		return err
	}
	group.Replicas = append(group.Replicas, pb.ReplicaDesc{
		ID:     pb.ReplicaID(replicaID),
		NodeID: r.TargetNode.ID,
		Role:   pb.Voter,
	})
	group.Epoch++

	txn.If(modRevisionUnchanged(kv), keyExists(NodeKey(a.src.KS.Root, r.TargetNode.ID)))
	if err = putGroup(txn, string(kv.Raw.Key), group); err != nil {
		return err
	} else if _, err = txn.Commit(ctx, a.src.Client); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"group":   group.ID,
		"replica": replicaID,
		"node":    r.TargetNode.ID,
		"epoch":   group.Epoch,
	}).Info("added replica")
	return nil
}

// MoveReplica replaces the source replica of the group with a new replica,
// of the same role, on the target node.
func (a *Applier) MoveReplica(ctx context.Context, m allocator.ReallocateReplica) error {
	var kv, group, err = a.group(m.Group)
	if err != nil {
		return err
	}
	var ind = group.ReplicaIndex(m.SourceReplica)

	if ind == -1 || group.Replicas[ind].NodeID != m.SourceNode {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d has no replica %d on node %d", m.Group, m.SourceReplica, m.SourceNode)
	} else if group.HasNode(m.TargetNode.ID) {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d already has a replica on node %d", m.Group, m.TargetNode.ID)
	}

	var txn = &guardedTxn{op: "move-replica"}
	replicaID, err := a.reserveIDs(ctx, txn, "replica", uint64(a.src.pinned().maxRepl), 1)
	if err != nil {
		return err
	}
	group.Replicas[ind] = pb.ReplicaDesc{
		ID:     pb.ReplicaID(replicaID),
		NodeID: m.TargetNode.ID,
		Role:   group.Replicas[ind].Role,
	}
	group.Epoch++

	txn.If(modRevisionUnchanged(kv), keyExists(NodeKey(a.src.KS.Root, m.TargetNode.ID)))
	if err = putGroup(txn, string(kv.Raw.Key), group); err != nil {
		return err
	} else if _, err = txn.Commit(ctx, a.src.Client); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"group":       group.ID,
		"fromReplica": m.SourceReplica,
		"fromNode":    m.SourceNode,
		"toReplica":   replicaID,
		"toNode":      m.TargetNode.ID,
		"epoch":       group.Epoch,
	}).Info("moved replica")
	return nil
}

// MoveShard moves the shard from the source group to the target group.
func (a *Applier) MoveShard(ctx context.Context, m allocator.ReallocateShard) error {
	if m.SourceGroup == m.TargetGroup {
		return errors.WithMessagef(allocator.ErrConflict,
			"shard %d can't move from group %d to itself", m.Shard, m.SourceGroup)
	}
	var srcKV, src, err = a.group(m.SourceGroup)
	if err != nil {
		return err
	}
	tgtKV, tgt, err := a.group(m.TargetGroup)
	if err != nil {
		return err
	}

	var ind = src.ShardIndex(m.Shard)
	if ind == -1 {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d doesn't own shard %d", m.SourceGroup, m.Shard)
	} else if tgt.ShardIndex(m.Shard) != -1 {
		return errors.WithMessagef(allocator.ErrConflict,
			"group %d already owns shard %d", m.TargetGroup, m.Shard)
	}

	tgt.Shards = append(tgt.Shards, src.Shards[ind])
	src.Shards = append(src.Shards[:ind], src.Shards[ind+1:]...)
	src.Epoch++
	tgt.Epoch++

	var txn = &guardedTxn{op: "move-shard"}
	txn.If(modRevisionUnchanged(srcKV), modRevisionUnchanged(tgtKV))

	if err = putGroup(txn, string(srcKV.Raw.Key), src); err != nil {
		return err
	} else if err = putGroup(txn, string(tgtKV.Raw.Key), tgt); err != nil {
		return err
	} else if _, err = txn.Commit(ctx, a.src.Client); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"shard":     m.Shard,
		"fromGroup": m.SourceGroup,
		"toGroup":   m.TargetGroup,
	}).Info("moved shard")
	return nil
}

// group returns the KeyValue and a deep copy of group |id| from the most
// recent View.
func (a *Applier) group(id pb.GroupID) (keyspace.KeyValue, pb.GroupDesc, error) {
	var kv, ok = a.src.pinned().groups[id]
	if !ok {
		return keyspace.KeyValue{}, pb.GroupDesc{}, errors.WithMessagef(allocator.ErrConflict, "group %d not found", id)
	}
	return kv, kv.Decoded.(pb.GroupDesc).Copy(), nil
}

// reserveIDs reserves |n| consecutive IDs of the named counter, returning the
// first. IDs are always greater than |floor|, the largest ID observed in use.
// The reservation is effected by |txn|, which also verifies the counter is
// unchanged since it was read.
func (a *Applier) reserveIDs(ctx context.Context, txn *guardedTxn, name string, floor uint64, n int) (uint64, error) {
	var key = counterKey(a.src.KS.Root, name)
	var resp, err = a.src.Client.Get(ctx, key)
	if err != nil {
		return 0, errors.WithMessagef(err, "reading %s", key)
	}

	var last = floor
	if len(resp.Kvs) == 0 {
		txn.If(keyAbsent(key))
	} else {
		var cur, err = strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
		if err != nil {
			return 0, errors.WithMessagef(err, "parsing %s", key)
		} else if cur > last {
			last = cur
		}
		txn.If(clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision))
	}
	txn.Then(clientv3.OpPut(key, strconv.FormatUint(last+uint64(n), 10)))

	return last + 1, nil
}

func putGroup(txn *guardedTxn, key string, group pb.GroupDesc) error {
	var b, err = json.Marshal(group)
	if err != nil {
		return errors.WithMessage(err, "encoding GroupDesc")
	}
	txn.Then(clientv3.OpPut(key, string(b)))
	return nil
}

// PutNode writes the validated NodeDesc beneath |root|. Nodes register and
// update their own descriptors.
func PutNode(ctx context.Context, kv clientv3.KV, root string, node pb.NodeDesc) error {
	var value, err = marshalNode(node)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, NodeKey(root, node.ID), value)
	return err
}

// DeleteNode removes node |id| from beneath |root|.
func DeleteNode(ctx context.Context, kv clientv3.KV, root string, id pb.NodeID) error {
	var _, err = kv.Delete(ctx, NodeKey(root, id))
	return err
}

// PutGroup writes the validated GroupDesc beneath |root|, without regard to
// its current value. It's intended for bootstrap and tests; proposals should
// be applied through an Applier.
func PutGroup(ctx context.Context, kv clientv3.KV, root string, group pb.GroupDesc) error {
	if err := group.Validate(); err != nil {
		return err
	}
	var b, err = json.Marshal(group)
	if err != nil {
		return errors.WithMessage(err, "encoding GroupDesc")
	}
	_, err = kv.Put(ctx, GroupKey(root, group.ID), string(b))
	return err
}
