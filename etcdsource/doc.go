// Package etcdsource implements allocator.Source over cluster metadata held
// in Etcd, and applies allocator proposals to that metadata as guarded Etcd
// transactions.
//
// Metadata is laid out beneath a root prefix as:
//
//	<root>/nodes/<node-id>   JSON-encoded protocol.NodeDesc
//	<root>/groups/<group-id> JSON-encoded protocol.GroupDesc
//	<root>/ids/group         Last allocated GroupID
//	<root>/ids/replica       Last allocated ReplicaID
//
// IDs within keys are zero-padded to twenty digits, so that lexicographic key
// order matches numeric ID order.
package etcdsource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	etcdsourceTxnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_etcdsource_txn_total",
		Help: "Cumulative number of Etcd transactions applying proposals, by operation and outcome.",
	}, []string{"op", "outcome"})
	etcdsourceViewRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_etcdsource_view_rebuilds_total",
		Help: "Cumulative number of cluster views rebuilt from a changed KeySpace.",
	})
)

const (
	outcomeApplied  = "applied"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)
