package etcdsource

import (
	"context"
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/keyspace"
)

// guardedTxn accumulates the comparisons and mutations of one application.
// Unlike clientv3.Txn, If and Then may be called many times, and there is no
// Else: a transaction which fails its comparisons is an ErrConflict.
type guardedTxn struct {
	op   string
	cmps []clientv3.Cmp
	ops  []clientv3.Op
}

func (t *guardedTxn) If(c ...clientv3.Cmp) *guardedTxn {
	t.cmps = append(t.cmps, c...)
	return t
}

func (t *guardedTxn) Then(o ...clientv3.Op) *guardedTxn {
	t.ops = append(t.ops, o...)
	return t
}

// Commit issues the transaction.
func (t *guardedTxn) Commit(ctx context.Context, kv clientv3.KV) (*clientv3.TxnResponse, error) {
	var response, err = kv.Txn(ctx).If(t.cmps...).Then(t.ops...).Commit()

	if log.GetLevel() >= log.DebugLevel {
		t.debugLog(response, err)
	}

	if err != nil {
		etcdsourceTxnTotal.WithLabelValues(t.op, outcomeError).Inc()
		return nil, errors.WithMessage(err, t.op)
	} else if !response.Succeeded {
		etcdsourceTxnTotal.WithLabelValues(t.op, outcomeConflict).Inc()
		return response, errors.WithMessagef(allocator.ErrConflict,
			"%s: transaction checks did not succeed at revision %d", t.op, response.Header.Revision)
	}
	etcdsourceTxnTotal.WithLabelValues(t.op, outcomeApplied).Inc()
	return response, nil
}

func (t *guardedTxn) debugLog(response *clientv3.TxnResponse, err error) {
	var dbgCmps, dbgOps []string
	for _, c := range t.cmps {
		dbgCmps = append(dbgCmps, proto.CompactTextString((*etcdserverpb.Compare)(&c)))
	}
	for _, o := range t.ops {
		if o.IsPut() {
			dbgOps = append(dbgOps, fmt.Sprintf("PUT %q", string(o.KeyBytes())))
		} else if o.IsDelete() {
			dbgOps = append(dbgOps, fmt.Sprintf("DEL %q", string(o.KeyBytes())))
		}
	}

	var rev int64
	var succeeded bool
	if err == nil {
		rev, succeeded = response.Header.Revision, response.Succeeded
	}

	log.WithFields(log.Fields{
		"op":        t.op,
		"cmps":      dbgCmps,
		"ops":       dbgOps,
		"rev":       rev,
		"succeeded": succeeded,
		"err":       err,
	}).Debug("applier etcd txn")
}

// modRevisionUnchanged returns a Cmp which verifies the key has not changed
// from the current KeyValue.
func modRevisionUnchanged(kv keyspace.KeyValue) clientv3.Cmp {
	return clientv3.Compare(clientv3.ModRevision(string(kv.Raw.Key)), "=", kv.Raw.ModRevision)
}

// keyExists returns a Cmp which verifies the key exists.
func keyExists(key string) clientv3.Cmp {
	return clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
}

// keyAbsent returns a Cmp which verifies the key doesn't exist.
func keyAbsent(key string) clientv3.Cmp {
	return clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
}
