package etcdsource

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/keyspace"
	pb "go.shardkv.dev/core/protocol"
)

// Source is an allocator.Source of cluster metadata held in Etcd. Each
// RefreshAll loads the metadata KeySpace at a single revision, from which an
// immutable View is rebuilt.
type Source struct {
	Client *clientv3.Client
	KS     *keyspace.KeySpace

	view *view // Guarded by KS.Mu.
}

var _ allocator.Source = (*Source)(nil)
var _ allocator.Pinner = (*Source)(nil)
var _ allocator.Verifier = (*view)(nil)

// view composes an allocator.View with the KeyValues it was built from, and
// indexes groups for use by the Applier.
type view struct {
	allocator.View
	kvs        keyspace.KeyValues
	decodeErrs []error
	revision   int64
	groups     map[pb.GroupID]keyspace.KeyValue
	maxGroup   pb.GroupID
	maxRepl    pb.ReplicaID
}

// NewSource returns a Source of metadata beneath |root|. The Source is empty
// until its first RefreshAll.
func NewSource(client *clientv3.Client, root string) *Source {
	var s = &Source{
		Client: client,
		KS:     keyspace.NewKeySpace(root, newDecoder(root)),
	}
	s.view = buildView(s.KS.Root, nil, nil, 0)
	s.KS.Observers = append(s.KS.Observers, s.onLoad)
	return s
}

// RefreshAll loads the metadata KeySpace at the current Etcd revision.
func (s *Source) RefreshAll(ctx context.Context) error {
	return s.KS.Load(ctx, s.Client, 0)
}

// Pin returns the View of the most recent RefreshAll.
func (s *Source) Pin() allocator.View { return s.pinned() }

// Nodes of the most recent RefreshAll.
func (s *Source) Nodes() []pb.NodeDesc { return s.pinned().Nodes() }

// Groups of the most recent RefreshAll.
func (s *Source) Groups() []pb.GroupDesc { return s.pinned().Groups() }

// NodeReplicas of the most recent RefreshAll.
func (s *Source) NodeReplicas(id pb.NodeID) []allocator.NodeReplica {
	return s.pinned().NodeReplicas(id)
}

// Revision is the Etcd revision of the most recent RefreshAll.
func (s *Source) Revision() int64 { return s.pinned().revision }

func (s *Source) pinned() *view {
	s.KS.Mu.RLock()
	defer s.KS.Mu.RUnlock()
	return s.view
}

// onLoad is a KeySpace Observer, and is called with KS.Mu write-locked.
func (s *Source) onLoad() {
	if s.view.kvs.EqualKeyRevisions(s.KS.KeyValues) {
		// Unchanged metadata. Retain the prior View under the new revision.
		var next = *s.view
		next.revision = s.KS.Header.Revision
		next.decodeErrs = s.KS.DecodeErrors
		s.view = &next
		return
	}
	s.view = buildView(s.KS.Root, s.KS.KeyValues, s.KS.DecodeErrors, s.KS.Header.Revision)
	etcdsourceViewRebuildsTotal.Inc()

	log.WithFields(log.Fields{
		"revision": s.view.revision,
		"nodes":    len(s.view.Nodes()),
		"groups":   len(s.view.Groups()),
	}).Debug("rebuilt cluster view")
}

func buildView(root string, kvs keyspace.KeyValues, decodeErrs []error, revision int64) *view {
	var groups []pb.GroupDesc
	var v = &view{
		kvs:        kvs,
		decodeErrs: decodeErrs,
		revision:   revision,
		groups:     make(map[pb.GroupID]keyspace.KeyValue),
	}

	for _, kv := range kvs.Prefixed(root + GroupsPrefix) {
		var g = kv.Decoded.(pb.GroupDesc)
		groups = append(groups, g)
		v.groups[g.ID] = kv

		if g.ID > v.maxGroup {
			v.maxGroup = g.ID
		}
		for _, r := range g.Replicas {
			if r.ID > v.maxRepl {
				v.maxRepl = r.ID
			}
		}
	}
	v.View = allocator.NewView(keyspace.DecodedAs[pb.NodeDesc](kvs.Prefixed(root+NodesPrefix)), groups)
	return v
}

// Verify returns an error if any metadata key of the View failed to decode.
func (v *view) Verify() error {
	if len(v.decodeErrs) == 0 {
		return nil
	}
	return errors.WithMessagef(v.decodeErrs[0], "%d metadata key(s) failed to decode", len(v.decodeErrs))
}
