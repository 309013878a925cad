package shardctlcmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/allocator/allocatortest"
	pb "go.shardkv.dev/core/protocol"
	"go.shardkv.dev/core/scheduler"
)

type cmdSimulate struct {
	Nodes    int     `long:"nodes" default:"3" description:"Number of initial nodes"`
	CPUs     float64 `long:"cpus" default:"4" description:"CPUs of each node"`
	Shards   int     `long:"shards" default:"32" description:"Number of shards to place once initial groups are created"`
	Join     int     `long:"join" default:"1" description:"Number of nodes which join after shards are placed"`
	MaxTicks int     `long:"max-ticks" default:"100" description:"Maximum scheduler ticks of each step"`
}

func init() {
	CommandRegistry.AddCommand("", "simulate", "Simulate placement over an in-memory cluster", `
Simulate the allocator over an in-memory cluster, without Etcd. Each step is
driven by the scheduler until it proposes no further actions, and the
resulting cluster is printed:

1) --nodes nodes join, and initial groups are created.
2) --shards shards are placed onto the least-loaded groups.
3) --join further nodes join, and groups, replicas and shards rebalance.

Allocator configuration (eg, --allocator.replicas) applies to the simulation.
`, &cmdSimulate{})
}

func (cmd *cmdSimulate) Execute([]string) error {
	startup()

	var _, err = runSimulation(context.Background(), os.Stdout, *cmd, baseCfg.Allocator)
	return err
}

// runSimulation drives the steps of |sim| over an in-memory Cluster, writing
// the Cluster after each step to |w|.
func runSimulation(ctx context.Context, w io.Writer, sim cmdSimulate, cfg allocator.Config) (*allocatortest.Cluster, error) {
	var cluster = allocatortest.NewCluster()
	var alloc, err = allocator.NewAllocator(cluster, cfg)
	if err != nil {
		return nil, err
	}
	var sched = scheduler.New(alloc, cluster)

	var step = func(desc string) error {
		var ticks, err = sched.RunUntilIdle(ctx, sim.MaxTicks)
		if err != nil {
			return errors.WithMessage(err, desc)
		}
		log.WithFields(log.Fields{"step": desc, "ticks": ticks}).Info("simulation step converged")

		if _, err = fmt.Fprintf(w, "\n%s (%d ticks):\n", desc, ticks); err != nil {
			return err
		}
		return cluster.Display(w)
	}

	var id pb.NodeID
	var join = func(n int) {
		for i := 0; i != n; i++ {
			id++
			cluster.AddNodes(allocatortest.Node(id, sim.CPUs))
		}
	}

	join(sim.Nodes)
	if err = step(fmt.Sprintf("%d nodes joined", sim.Nodes)); err != nil {
		return cluster, err
	}

	if sim.Shards != 0 {
		var groups, err = alloc.PlaceGroupForShard(ctx, sim.Shards)
		if err != nil {
			return cluster, err
		} else if _, err = cluster.AssignShards(sim.Shards, groups); err != nil {
			return cluster, errors.WithMessage(err, "placing shards")
		}
	}
	if err = step(fmt.Sprintf("%d shards placed", sim.Shards)); err != nil {
		return cluster, err
	}

	join(sim.Join)
	if err = step(fmt.Sprintf("%d nodes joined", sim.Join)); err != nil {
		return cluster, err
	}
	return cluster, nil
}
