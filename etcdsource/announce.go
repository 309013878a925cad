package etcdsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.shardkv.dev/core/protocol"
)

// Announcement manages the key of a node which is "announced" to the cluster
// through Etcd, under a lease. The node's descriptor may be updated over time
// (eg, as its capacity changes), and the node leaves the cluster when its
// lease is revoked or expires.
type Announcement struct {
	Key      string
	Revision int64

	etcd *clientv3.Client
}

// Announce the NodeDesc beneath |root| under the LeaseID, asserting the node
// key doesn't already exist. If the key does exist, Announce will retry until
// it disappears (eg, due to a former lease timeout) or |ctx| is done.
func Announce(ctx context.Context, etcd *clientv3.Client, root string, node pb.NodeDesc, lease clientv3.LeaseID) (*Announcement, error) {
	var value, err = marshalNode(node)
	if err != nil {
		return nil, err
	}
	var key = NodeKey(root, node.ID)

	for {
		var resp *clientv3.TxnResponse
		resp, err = etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, value, clientv3.WithLease(lease))).
			Else(clientv3.OpGet(key)).
			Commit()

		if err == nil {
			if resp.Succeeded {
				return &Announcement{Key: key, Revision: resp.Header.Revision, etcd: etcd}, nil
			}
			// The key exists. It's ours if a prior attempt of this lease succeeded.
			var kv = resp.Responses[0].GetResponseRange().Kvs[0]
			if clientv3.LeaseID(kv.Lease) == lease {
				return &Announcement{Key: key, Revision: kv.ModRevision, etcd: etcd}, nil
			}
			err = fmt.Errorf("node key exists with a different lease")
		}

		log.WithFields(log.Fields{"err": err, "key": key}).
			Warn("failed to announce node (will retry)")

		select {
		case <-time.After(announceConflictRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Update the NodeDesc of a current Announcement. It fails if the node key was
// modified or deleted since it was last announced or updated.
func (a *Announcement) Update(ctx context.Context, node pb.NodeDesc) error {
	var value, err = marshalNode(node)
	if err != nil {
		return err
	} else if !strings.HasSuffix(a.Key, NodeKey("", node.ID)) {
		return fmt.Errorf("node %d doesn't match announced key %s", node.ID, a.Key)
	}

	resp, err := a.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(a.Key), "=", a.Revision)).
		Then(clientv3.OpPut(a.Key, value, clientv3.WithIgnoreLease())).
		Commit()

	if err == nil && !resp.Succeeded {
		err = fmt.Errorf("node key modified or deleted externally (expected revision %d)", a.Revision)
	}
	if err == nil {
		a.Revision = resp.Header.Revision
	}
	return err
}

func marshalNode(node pb.NodeDesc) (string, error) {
	if err := node.Validate(); err != nil {
		return "", err
	}
	var b, err = json.Marshal(node)
	if err != nil {
		return "", errors.WithMessage(err, "encoding NodeDesc")
	}
	return string(b), nil
}

var announceConflictRetryInterval = time.Second * 10
