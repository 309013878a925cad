package etcdsource

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	pb "go.shardkv.dev/core/protocol"
)

// DefaultRoot is the default Etcd prefix of cluster metadata.
const DefaultRoot = "/shardkv"

const (
	// NodesPrefix is appended to the root to form the prefix of node keys.
	NodesPrefix = "/nodes/"
	// GroupsPrefix is appended to the root to form the prefix of group keys.
	GroupsPrefix = "/groups/"
	// IDsPrefix is appended to the root to form the prefix of ID counters.
	IDsPrefix = "/ids/"
)

// NodeKey returns the Etcd key of node |id| under |root|.
func NodeKey(root string, id pb.NodeID) string {
	return root + NodesPrefix + fmt.Sprintf("%020d", uint64(id))
}

// GroupKey returns the Etcd key of group |id| under |root|.
func GroupKey(root string, id pb.GroupID) string {
	return root + GroupsPrefix + fmt.Sprintf("%020d", uint64(id))
}

func counterKey(root, name string) string { return root + IDsPrefix + name }

// newDecoder returns a KeyValueDecoder of metadata keys beneath |root|.
// Descriptors are decoded but not validated: the allocator validates the
// assembled snapshot. A key which fails to decode is absent from the View,
// and its decode error fails the View's Verify as invalid cluster state.
func newDecoder(root string) func(*mvccpb.KeyValue) (interface{}, error) {
	return func(raw *mvccpb.KeyValue) (interface{}, error) {
		var key = string(raw.Key)

		switch {
		case strings.HasPrefix(key, root+NodesPrefix):
			var id, err = parseKeyID(key[len(root+NodesPrefix):])
			if err != nil {
				return nil, err
			}
			var node pb.NodeDesc
			if err = json.Unmarshal(raw.Value, &node); err != nil {
				return nil, errors.WithMessage(err, "decoding NodeDesc")
			} else if uint64(node.ID) != id {
				return nil, fmt.Errorf("node ID doesn't match key (%d vs %d)", node.ID, id)
			}
			return node, nil

		case strings.HasPrefix(key, root+GroupsPrefix):
			var id, err = parseKeyID(key[len(root+GroupsPrefix):])
			if err != nil {
				return nil, err
			}
			var group pb.GroupDesc
			if err = json.Unmarshal(raw.Value, &group); err != nil {
				return nil, errors.WithMessage(err, "decoding GroupDesc")
			} else if uint64(group.ID) != id {
				return nil, fmt.Errorf("group ID doesn't match key (%d vs %d)", group.ID, id)
			}
			return group, nil

		case strings.HasPrefix(key, root+IDsPrefix):
			return strconv.ParseUint(string(raw.Value), 10, 64)

		default:
			return nil, fmt.Errorf("unexpected key %q", key)
		}
	}
}

func parseKeyID(s string) (uint64, error) {
	if len(s) != 20 {
		return 0, fmt.Errorf("expected 20-digit ID (%q)", s)
	}
	var id, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.WithMessage(err, "parsing key ID")
	}
	return id, nil
}
