package shardctlcmd

import (
	"context"
	"os"

	"go.shardkv.dev/core/allocator/allocatortest"
	mbp "go.shardkv.dev/core/mainboilerplate"
)

type cmdStatus struct{}

func init() {
	CommandRegistry.AddCommand("", "status", "Print cluster nodes and groups", `
Print tables of the nodes and groups of the cluster, as held in Etcd.
`, &cmdStatus{})
}

func (cmd *cmdStatus) Execute([]string) error {
	startup()

	var etcd, src, _ = mustEtcdAllocator()
	defer etcd.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), baseCfg.Allocator.RefreshTimeout)
	defer cancel()

	mbp.Must(src.RefreshAll(ctx), "failed to load cluster metadata")
	return allocatortest.Display(os.Stdout, src.Pin())
}
