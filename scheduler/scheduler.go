package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.shardkv.dev/core/allocator"
	pb "go.shardkv.dev/core/protocol"
)

// Applier applies proposals of an Allocator to cluster metadata. An
// application which no longer fits current metadata must fail with
// allocator.ErrConflict. Each application increments the Epoch of every group
// it touches.
type Applier interface {
	// CreateGroup creates a group having a replica on each of |nodes|.
	CreateGroup(ctx context.Context, nodes []pb.NodeDesc) (pb.GroupDesc, error)
	// AddReplica adds a replica of an under-replicated group.
	AddReplica(ctx context.Context, r allocator.ReplenishReplica) error
	// MoveReplica moves a replica of a group between nodes.
	MoveReplica(ctx context.Context, m allocator.ReallocateReplica) error
	// MoveShard moves a shard between groups.
	MoveShard(ctx context.Context, m allocator.ReallocateShard) error
}

// TickResult summarizes the proposals applied by a Tick.
type TickResult struct {
	GroupsCreated int
	ReplicasAdded int
	ReplicasMoved int
	ShardsMoved   int
	// Conflicts is the number of batches abandoned because an application
	// conflicted with current cluster state.
	Conflicts int
}

// Applied is the total number of applied proposals.
func (r TickResult) Applied() int {
	return r.GroupsCreated + r.ReplicasAdded + r.ReplicasMoved + r.ShardsMoved
}

// Idle is true if the Tick had nothing to apply, and saw no conflicts.
func (r TickResult) Idle() bool { return r.Applied() == 0 && r.Conflicts == 0 }

// Scheduler drives an Allocator, applying its proposals through an Applier.
type Scheduler struct {
	alloc *allocator.Allocator
	app   Applier

	mu      sync.Mutex  // Serializes Ticks.
	healthy atomic.Bool // Whether the last Tick completed without error.
}

// New returns a Scheduler of the Allocator and Applier.
func New(alloc *allocator.Allocator, app Applier) *Scheduler {
	return &Scheduler{alloc: alloc, app: app}
}

// Healthy returns true if the most recent Tick completed without error.
func (s *Scheduler) Healthy() bool { return s.healthy.Load() }

// Tick runs one round of group creation, then replica balancing, then shard
// balancing. Each proposal of a round is applied before the next round is
// computed, and each round re-reads the cluster. A proposal which conflicts
// with current state abandons the remainder of its batch: it's recomputed on
// a following Tick. ErrInsufficientNodes defers group creation without error.
// Other errors end the Tick, and are returned.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var startTime = time.Now()
	var result, err = s.tick(ctx)
	schedulerTickSeconds.Observe(time.Since(startTime).Seconds())

	if err != nil {
		schedulerTicksTotal.WithLabelValues("error").Inc()
	} else if result.Idle() {
		schedulerTicksTotal.WithLabelValues("idle").Inc()
	} else {
		schedulerTicksTotal.WithLabelValues("applied").Inc()
	}
	s.healthy.Store(err == nil)

	if !result.Idle() {
		log.WithFields(log.Fields{
			"groupsCreated": result.GroupsCreated,
			"replicasAdded": result.ReplicasAdded,
			"replicasMoved": result.ReplicasMoved,
			"shardsMoved":   result.ShardsMoved,
			"conflicts":     result.Conflicts,
		}).Info("scheduler tick")
	}
	return result, err
}

func (s *Scheduler) tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	if err := s.createGroups(ctx, &result); err != nil {
		return result, errors.WithMessage(err, "creating groups")
	} else if err = s.balanceReplicas(ctx, &result); err != nil {
		return result, errors.WithMessage(err, "balancing replicas")
	} else if err = s.balanceShards(ctx, &result); err != nil {
		return result, errors.WithMessage(err, "balancing shards")
	}
	return result, nil
}

func (s *Scheduler) createGroups(ctx context.Context, result *TickResult) error {
	var action, err = s.alloc.ComputeGroupAction(ctx)
	if err != nil || action.Kind != allocator.Add {
		return err
	}
	var r = s.alloc.Config().ReplicasPerGroup

	for i := 0; i != action.Count; i++ {
		var nodes, err = s.alloc.AllocateGroupReplica(ctx, nil, r)
		if errors.Is(err, allocator.ErrInsufficientNodes) {
			log.WithField("err", err).Warn("deferring group creation")
			return nil
		} else if err != nil {
			return err
		}

		group, err := s.app.CreateGroup(ctx, nodes)
		if abandon, err := s.onApplied(kindCreateGroup, err, result); abandon || err != nil {
			return err
		}
		result.GroupsCreated++

		log.WithFields(log.Fields{
			"group": group.ID,
			"nodes": group.NodeIDs(),
		}).Debug("applied group creation")
	}
	return nil
}

func (s *Scheduler) balanceReplicas(ctx context.Context, result *TickResult) error {
	var actions, err = s.alloc.ComputeReplicaAction(ctx)
	if err != nil {
		return err
	}
	for _, action := range actions {
		var kind string
		var counter *int

		switch action.Kind {
		case allocator.Replenish:
			kind, counter = kindAddReplica, &result.ReplicasAdded
			err = s.app.AddReplica(ctx, *action.Replenish)
		case allocator.Migrate:
			kind, counter = kindMoveReplica, &result.ReplicasMoved
			err = s.app.MoveReplica(ctx, *action.Migrate)
		default:
			continue
		}

		if abandon, err := s.onApplied(kind, err, result); abandon || err != nil {
			return err
		}
		*counter++
		log.WithField("action", action.String()).Debug("applied replica action")
	}
	return nil
}

func (s *Scheduler) balanceShards(ctx context.Context, result *TickResult) error {
	var actions, err = s.alloc.ComputeShardAction(ctx)
	if err != nil {
		return err
	}
	for _, action := range actions {
		if action.Kind != allocator.Migrate {
			continue
		}
		err = s.app.MoveShard(ctx, *action.Migrate)

		if abandon, err := s.onApplied(kindMoveShard, err, result); abandon || err != nil {
			return err
		}
		result.ShardsMoved++
		log.WithField("action", action.String()).Debug("applied shard action")
	}
	return nil
}

// onApplied accounts for the outcome of an application. It returns true if
// the remainder of the batch should be abandoned due to a conflict, or an
// error if the Tick should fail.
func (s *Scheduler) onApplied(kind string, err error, result *TickResult) (bool, error) {
	if errors.Is(err, allocator.ErrConflict) {
		result.Conflicts++
		schedulerConflictsTotal.Inc()

		log.WithFields(log.Fields{
			"kind": kind,
			"err":  err,
		}).Warn("proposal conflicted with current state (will re-plan)")
		return true, nil
	} else if err != nil {
		return true, err
	}
	schedulerAppliedTotal.WithLabelValues(kind).Inc()
	return false, nil
}

// RunUntilIdle runs Ticks until one is Idle, returning the number of Ticks
// which applied proposals or saw conflicts. It fails if the cluster is not
// idle after |maxTicks| Ticks.
func (s *Scheduler) RunUntilIdle(ctx context.Context, maxTicks int) (int, error) {
	for ticks := 0; ticks != maxTicks; ticks++ {
		if result, err := s.Tick(ctx); err != nil {
			return ticks, err
		} else if result.Idle() {
			return ticks, nil
		}
	}
	return maxTicks, errors.Errorf("cluster not idle after %d ticks", maxTicks)
}

// Serve runs a Tick every |interval| until |ctx| is done. Tick errors are
// logged and retried on the next interval.
func (s *Scheduler) Serve(ctx context.Context, interval time.Duration) error {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			var fields = log.Fields{"err": err, "interval": interval}

			if errors.Is(err, allocator.ErrSourceUnavailable) {
				log.WithFields(fields).Warn("scheduler tick failed (will retry)")
			} else {
				log.WithFields(fields).Error("scheduler tick failed (will retry)")
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
