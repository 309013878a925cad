package shardctlcmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.shardkv.dev/core/etcdsource"
	mbp "go.shardkv.dev/core/mainboilerplate"
	pb "go.shardkv.dev/core/protocol"
)

type cmdAnnounce struct {
	ID       uint64        `long:"id" required:"true" description:"ID of the announced node"`
	Addr     string        `long:"addr" description:"Advertised host:port of the node"`
	CPUs     float64       `long:"cpus" default:"1" description:"CPUs of the node"`
	LeaseTTL time.Duration `long:"lease" default:"20s" description:"Time-to-live of the node's Etcd lease"`
}

func init() {
	CommandRegistry.AddCommand("", "announce", "Announce a node to the cluster", `
Announce a node to the cluster, under an Etcd lease which is kept alive until
the command is signaled. The node then leaves the cluster, and groups having a
replica on it become under-replicated and are repaired by the allocator.

Announce is useful for bootstrapping and testing clusters, and for nodes which
don't announce themselves.
`, &cmdAnnounce{})
}

func (cmd *cmdAnnounce) Execute([]string) error {
	startup()

	var etcd = baseCfg.Etcd.MustDial()
	defer etcd.Close()

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var session, err = concurrency.NewSession(etcd, concurrency.WithTTL(int(cmd.LeaseTTL.Seconds())))
	mbp.Must(err, "establishing Etcd lease")

	var node = pb.NodeDesc{
		ID:       pb.NodeID(cmd.ID),
		Addr:     cmd.Addr,
		Capacity: &pb.NodeCapacity{CPUNums: cmd.CPUs},
	}
	ann, err := etcdsource.Announce(ctx, etcd, baseCfg.Etcd.Root, node, session.Lease())
	mbp.Must(err, "failed to announce node")

	log.WithFields(log.Fields{
		"key":      ann.Key,
		"revision": ann.Revision,
		"lease":    session.Lease(),
	}).Info("announced node")

	select {
	case <-ctx.Done():
	case <-session.Done():
		log.Warn("node lease expired")
	}
	return session.Close()
}
