package allocator

import (
	"math"
	"time"

	pb "go.shardkv.dev/core/protocol"
)

// Config is static configuration of an Allocator, supplied at construction.
type Config struct {
	ReplicasPerGroup int           `long:"replicas" env:"REPLICAS" default:"3" description:"Desired number of replicas of each group"`
	BalanceTolerance float64       `long:"tolerance" env:"TOLERANCE" default:"0.05" description:"Allowed fractional deviation from the mean replica or shard count before migrations are proposed"`
	GroupsPerCPU     float64       `long:"groups-per-cpu" env:"GROUPS_PER_CPU" default:"1" description:"Desired group replicas per node CPU"`
	RefreshTimeout   time.Duration `long:"refresh-timeout" env:"REFRESH_TIMEOUT" default:"5s" description:"Timeout of each metadata refresh"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		ReplicasPerGroup: 3,
		BalanceTolerance: 0.05,
		GroupsPerCPU:     1,
		RefreshTimeout:   5 * time.Second,
	}
}

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	if c.ReplicasPerGroup < 1 {
		return pb.NewValidationError("invalid ReplicasPerGroup (%d; expected >= 1)", c.ReplicasPerGroup)
	} else if !(c.BalanceTolerance >= 0 && c.BalanceTolerance < 1) {
		return pb.NewValidationError("invalid BalanceTolerance (%v; expected 0 <= tolerance < 1)", c.BalanceTolerance)
	} else if !(c.GroupsPerCPU > 0) || math.IsInf(c.GroupsPerCPU, 1) {
		return pb.NewValidationError("invalid GroupsPerCPU (%v; expected finite and > 0)", c.GroupsPerCPU)
	} else if c.RefreshTimeout < 0 {
		return pb.NewValidationError("invalid RefreshTimeout (%s; expected >= 0)", c.RefreshTimeout)
	}
	return nil
}
