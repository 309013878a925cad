package allocatortest

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"go.shardkv.dev/core/allocator"
	pb "go.shardkv.dev/core/protocol"
)

// Display writes tables of the View's nodes and groups to |w|.
func Display(w io.Writer, v allocator.View) error {
	var nodes = tablewriter.NewWriter(w)
	nodes.Header("Node", "Addr", "CPUs", "Replicas", "Leaders", "Groups")

	for _, n := range v.Nodes() {
		var groups []string
		for _, nr := range v.NodeReplicas(n.ID) {
			groups = append(groups, strconv.FormatUint(uint64(nr.Group), 10))
		}
		var row = []string{
			strconv.FormatUint(uint64(n.ID), 10),
			n.Addr,
			strconv.FormatFloat(n.CPUWeight(), 'g', -1, 64),
			strconv.Itoa(len(groups)),
			strconv.Itoa(n.LeaderCount()),
			strings.Join(groups, ","),
		}
		if err := nodes.Append(row); err != nil {
			return err
		}
	}
	if err := nodes.Render(); err != nil {
		return err
	}

	var groups = tablewriter.NewWriter(w)
	groups.Header("Group", "Epoch", "Nodes", "Shards")

	for _, g := range v.Groups() {
		var row = []string{
			strconv.FormatUint(uint64(g.ID), 10),
			strconv.FormatUint(g.Epoch, 10),
			joinIDs(g.NodeIDs()),
			joinIDs(shardIDs(g.Shards)),
		}
		if err := groups.Append(row); err != nil {
			return err
		}
	}
	return groups.Render()
}

// Display writes tables of the Cluster's nodes and groups to |w|.
func (c *Cluster) Display(w io.Writer) error { return Display(w, c.Pin()) }

func shardIDs(shards []pb.ShardDesc) []pb.ShardID {
	var out = make([]pb.ShardID, len(shards))
	for i := range shards {
		out[i] = shards[i].ID
	}
	return out
}

func joinIDs[T ~uint64](ids []T) string {
	var parts = make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(uint64(id))
	}
	return strings.Join(parts, ",")
}
