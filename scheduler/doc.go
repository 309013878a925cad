// Package scheduler drives an Allocator: it computes proposals, applies them
// through an Applier one at a time, and repeats on an interval. It's the
// caller which serializes application of proposals to cluster metadata.
package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	schedulerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_scheduler_ticks_total",
		Help: "Cumulative number of scheduler ticks, by outcome.",
	}, []string{"outcome"})
	schedulerAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardkv_scheduler_applied_total",
		Help: "Cumulative number of applied proposals, by kind.",
	}, []string{"kind"})
	schedulerConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardkv_scheduler_conflicts_total",
		Help: "Cumulative number of proposals which conflicted with current cluster state.",
	})
	schedulerTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "shardkv_scheduler_tick_seconds",
		Help: "Duration of scheduler ticks.",
	})
)

const (
	kindCreateGroup = "create_group"
	kindAddReplica  = "add_replica"
	kindMoveReplica = "move_replica"
	kindMoveShard   = "move_shard"
)
