package allocator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Allocator computes placement and rebalancing proposals over snapshots of a
// Source. It holds no state beyond its static Config: each operation refreshes
// the Source, pins a snapshot, and returns a pure function of it. Proposals
// are applied by the caller, which then re-invokes the Allocator until it
// returns Noop. Allocator operations may be called concurrently.
type Allocator struct {
	src Source
	cfg Config
}

// NewAllocator returns an Allocator of the Source and Config.
func NewAllocator(src Source, cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "allocator config")
	}
	return &Allocator{src: src, cfg: cfg}, nil
}

// Config returns the Allocator's Config.
func (a *Allocator) Config() Config { return a.cfg }

// snapshot refreshes the Source and extracts a validated snapshot of it.
func (a *Allocator) snapshot(ctx context.Context) (*snapshot, error) {
	var startTime = time.Now()

	if a.cfg.RefreshTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RefreshTimeout)
		defer cancel()
	}
	var err = a.src.RefreshAll(ctx)
	if err == nil {
		err = ctx.Err() // A refresh which ignored cancellation still failed.
	}
	if err != nil {
		allocatorRefreshFailedTotal.Inc()
		return nil, errors.Wrapf(ErrSourceUnavailable, "refresh: %v", err)
	}
	allocatorRefreshSeconds.Observe(time.Since(startTime).Seconds())

	var view View = a.src
	if p, ok := a.src.(Pinner); ok {
		view = p.Pin()
	}
	s, err := extractSnapshot(view, a.cfg.ReplicasPerGroup)
	if err != nil {
		return nil, err
	}

	allocatorNodes.Set(float64(len(s.nodes)))
	allocatorGroups.Set(float64(len(s.groups)))
	allocatorShards.Set(float64(s.totalShards))
	s.debugLog()

	return s, nil
}

// balanceBand is the band of acceptable per-entity counts around their mean.
// Bounds are not rounded: an integer count is compared directly with
// mean*(1-tolerance) and mean*(1+tolerance).
type balanceBand struct {
	mean, lower, upper float64
}

// epsilon absorbs floating-point error in band arithmetic.
const epsilon = 1e-9

func newBalanceBand(total, entities int, tolerance float64) balanceBand {
	if entities == 0 {
		return balanceBand{}
	}
	var mean = float64(total) / float64(entities)

	return balanceBand{
		mean:  mean,
		lower: mean * (1 - tolerance),
		upper: mean * (1 + tolerance),
	}
}

// within returns true if all |counts| fall within the band, or if they
// differ by at most one. No single migration can narrow the latter.
func (b balanceBand) within(counts []int) bool {
	var lo, hi = minMax(counts)
	return hi-lo <= 1 || (!b.below(lo) && !b.above(hi))
}

// isSource returns true if an entity with |count| should shed load, given
// all current |counts|. Entities above the band always shed. When another
// entity is below the band, any entity above the mean sheds towards it.
func (b balanceBand) isSource(count int, counts []int) bool {
	if b.above(count) {
		return true
	}
	var lo, _ = minMax(counts)
	return b.below(lo) && float64(count) > b.mean+epsilon
}

func (b balanceBand) above(count int) bool { return float64(count) > b.upper+epsilon }
func (b balanceBand) below(count int) bool { return float64(count) < b.lower-epsilon }

func minMax(counts []int) (lo, hi int) {
	for i, c := range counts {
		if i == 0 || c < lo {
			lo = c
		}
		if i == 0 || c > hi {
			hi = c
		}
	}
	return
}

func logBalance(kind string, b balanceBand, counts []int, proposed int) {
	var lo, hi = minMax(counts)
	log.WithFields(log.Fields{
		"mean":     b.mean,
		"lower":    b.lower,
		"upper":    b.upper,
		"min":      lo,
		"max":      hi,
		"proposed": proposed,
	}).Info("proposed " + kind + " migrations")
}
