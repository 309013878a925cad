// Package allocator decides the placement of replica groups across the nodes
// of a sharded key-value cluster, and the placement of shards across groups.
// It determines when new groups are needed and which nodes should host them,
// and proposes incremental replica and shard migrations which converge the
// cluster towards an even load.
//
// The Allocator is stateless and never mutates the cluster. Each operation
// refreshes its Source, reads one consistent snapshot of cluster topology,
// and returns proposals which are a pure function of that snapshot and the
// Allocator's Config. Callers apply proposals through a separate path (see
// package scheduler), and then re-invoke the Allocator until it returns Noop.
package allocator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocatorGroupsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_groups_requested_total",
		Help: "Cumulative number of new groups requested by the allocator.",
	})
	allocatorReplicaMigrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_replica_migrations_proposed_total",
		Help: "Cumulative number of replica migrations proposed by the allocator.",
	})
	allocatorReplicaReplenishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_replica_replenishes_proposed_total",
		Help: "Cumulative number of replicas proposed to repair under-replicated groups.",
	})
	allocatorShardMigrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_shard_migrations_proposed_total",
		Help: "Cumulative number of shard migrations proposed by the allocator.",
	})
	allocatorRefreshFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_refresh_failed_total",
		Help: "Cumulative number of failed or timed-out metadata refreshes.",
	})
	allocatorInvalidStateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_allocator_invalid_state_total",
		Help: "Cumulative number of snapshots rejected as internally inconsistent.",
	})
	allocatorRefreshSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "shardkv_allocator_refresh_seconds",
		Help: "Duration required to refresh the metadata source.",
	})
	allocatorNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_allocator_nodes",
		Help: "Number of nodes known to the allocator.",
	})
	allocatorGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_allocator_groups",
		Help: "Number of groups known to the allocator.",
	})
	allocatorShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_allocator_shards",
		Help: "Number of shards known to the allocator.",
	})
	allocatorMeanReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_allocator_mean_replicas_per_node",
		Help: "Mean number of group replicas hosted by each node.",
	})
	allocatorMeanLeaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardkv_allocator_mean_leaders_per_node",
		Help: "Mean number of group leaders reported by each node.",
	})
)
