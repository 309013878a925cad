package shardctlcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"go.shardkv.dev/core/allocator"
	mbp "go.shardkv.dev/core/mainboilerplate"
	pb "go.shardkv.dev/core/protocol"
	"gopkg.in/yaml.v2"
)

type cmdPlan struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "plan", "Print proposed placement actions", `
Print the actions the allocator would currently propose, without applying them.

Proposals are computed from cluster metadata held in Etcd: whether new groups
are needed (and the nodes which would host the next of them), migrations of
replicas between nodes, and migrations of shards between groups.

Results can be output in a variety of --format options:
yaml:  Prints the plan in YAML form
table: Prints each proposed action as a table row
`, &cmdPlan{})
}

// plan is the set of proposals of an Allocator at a point in time.
type plan struct {
	Groups allocator.GroupAction `yaml:"groups"`
	// NextGroupNodes are nodes which would host the next created group.
	NextGroupNodes []pb.NodeID                `yaml:"next_group_nodes,omitempty"`
	Replicas       []allocator.ReplicaAction `yaml:"replicas,omitempty"`
	Shards         []allocator.ShardAction   `yaml:"shards,omitempty"`
}

func (cmd *cmdPlan) Execute([]string) error {
	startup()

	var etcd, _, alloc = mustEtcdAllocator()
	defer etcd.Close()

	var p, err = computePlan(context.Background(), alloc)
	mbp.Must(err, "failed to compute plan")

	return writePlan(os.Stdout, cmd.Format, p)
}

func computePlan(ctx context.Context, alloc *allocator.Allocator) (plan, error) {
	var p plan
	var err error

	if p.Groups, err = alloc.ComputeGroupAction(ctx); err != nil {
		return p, err
	}
	if p.Groups.Kind == allocator.Add {
		var nodes, err = alloc.AllocateGroupReplica(ctx, nil, alloc.Config().ReplicasPerGroup)
		if err != nil {
			return p, err
		}
		for _, n := range nodes {
			p.NextGroupNodes = append(p.NextGroupNodes, n.ID)
		}
	}
	if p.Replicas, err = alloc.ComputeReplicaAction(ctx); err != nil {
		return p, err
	}
	if p.Shards, err = alloc.ComputeShardAction(ctx); err != nil {
		return p, err
	}
	return p, nil
}

func writePlan(w io.Writer, format string, p plan) error {
	if format == "yaml" {
		var b, err = yaml.Marshal(p)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.Header("Kind", "Action")

	var groups = p.Groups.Kind.String()
	if p.Groups.Kind == allocator.Add {
		var ids []string
		for _, id := range p.NextGroupNodes {
			ids = append(ids, fmt.Sprint(id))
		}
		groups = fmt.Sprintf("add %d groups, next on nodes %s", p.Groups.Count, strings.Join(ids, ","))
	}
	if err := table.Append([]string{"group", groups}); err != nil {
		return err
	}
	for _, r := range p.Replicas {
		if err := table.Append([]string{"replica", r.String()}); err != nil {
			return err
		}
	}
	for _, s := range p.Shards {
		if err := table.Append([]string{"shard", s.String()}); err != nil {
			return err
		}
	}
	return table.Render()
}
