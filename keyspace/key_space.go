package keyspace

import (
	"context"
	"fmt"
	"path"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/mirror"
)

// KeySpace mirrors the decoded key/values of an Etcd prefix, as loaded in
// full at a single revision. Each Load swaps in newly built KeyValues, and
// never mutates KeyValues retained from a prior Load. Fields may be accessed
// directly only under a read-lock of Mu.
type KeySpace struct {
	// Root is the Etcd prefix of the KeySpace.
	Root string
	// Header of the revision at which KeyValues were loaded.
	Header etcdserverpb.ResponseHeader
	// KeyValues of all decodable keys beneath Root.
	KeyValues
	// DecodeErrors of keys beneath Root which failed to decode at the loaded
	// revision. Those keys are absent from KeyValues.
	DecodeErrors []error
	// Observers are called in order after each Load, while Mu is still
	// write-locked. An Observer may derive state from the loaded KeySpace,
	// which read-lockers then see change atomically with it.
	Observers []func()
	// Mu guards all of the above.
	Mu sync.RWMutex

	decode KeyValueDecoder
}

// NewKeySpace returns a KeySpace of |prefix| which decodes with |decoder|.
// |prefix| must equal path.Clean(prefix) (eg, it has no trailing slash), or
// NewKeySpace panics.
func NewKeySpace(prefix string, decoder KeyValueDecoder) *KeySpace {
	if c := path.Clean(prefix); c != prefix {
		panic(fmt.Sprintf("expected prefix to be a cleaned path (%s != %s)", c, prefix))
	}
	return &KeySpace{
		Root:   prefix,
		decode: decoder,
	}
}

// Load the KeySpace at revision |rev|, or at the current revision if |rev| is
// zero. Revisions older than the KeySpace's current Header are an error.
func (ks *KeySpace) Load(ctx context.Context, client *clientv3.Client, rev int64) error {
	if rev == 0 {
		// SyncBase also accepts a zero revision, but doesn't report the
		// revision it then reads at. Resolve one explicitly.
		var resp, err = client.Get(ctx, ks.Root, clientv3.WithCountOnly())
		if err != nil {
			return err
		}
		rev = resp.Header.Revision
	}

	ks.Mu.RLock()
	var hdr = ks.Header
	ks.Mu.RUnlock()

	if rev < hdr.Revision {
		return fmt.Errorf("etcd Revision mismatch (expected >= %d, got %d)", hdr.Revision, rev)
	}
	var next KeyValues
	var decodeErrs []error
	var respCh, errCh = mirror.NewSyncer(client, ks.Root, rev).SyncBase(ctx)

	// Drain |respCh| and |errCh| until both close.
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
			} else if err := patchHeader(&hdr, *resp.Header); err != nil {
				return err
			} else {
				for _, kv := range resp.Kvs {
					if next, err = appendKeyValue(next, ks.decode, kv); err != nil {
						log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
							Error("key/value decode failed while loading")
						decodeErrs = append(decodeErrs, fmt.Errorf("decoding %s: %w", kv.Key, err))
					}
				}
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
			} else {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Response headers carry the store revision as of the read. Record the
	// revision actually read instead.
	hdr.Revision = rev

	ks.Mu.Lock()
	ks.Header, ks.KeyValues, ks.DecodeErrors = hdr, next, decodeErrs
	for _, obv := range ks.Observers {
		obv()
	}
	ks.Mu.Unlock()

	return nil
}

// patchHeader replaces |h| with |update|, which must be of the same Etcd
// cluster and must not regress its Revision.
func patchHeader(h *etcdserverpb.ResponseHeader, update etcdserverpb.ResponseHeader) error {
	if h.ClusterId != 0 && h.ClusterId != update.ClusterId {
		return fmt.Errorf("etcd ClusterID mismatch (expected %d, got %d)", h.ClusterId, update.ClusterId)
	} else if update.Revision < h.Revision {
		return fmt.Errorf("etcd Revision mismatch (expected >= %d, got %d)", h.Revision, update.Revision)
	}

	if h.ClusterId != 0 && (h.MemberId != update.MemberId || h.RaftTerm != update.RaftTerm) {
		log.WithFields(log.Fields{
			"memberId":        h.MemberId,
			"raftTerm":        h.RaftTerm,
			"update.MemberId": update.MemberId,
			"update.RaftTerm": update.RaftTerm,
		}).Info("etcd MemberId/RaftTerm changed")
	}

	*h = update
	return nil
}
