package shardctlcmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.shardkv.dev/core/etcdsource"
	mbp "go.shardkv.dev/core/mainboilerplate"
	"go.shardkv.dev/core/scheduler"
	"golang.org/x/sync/errgroup"
)

type cmdServe struct {
	Interval    time.Duration         `long:"interval" env:"INTERVAL" default:"10s" description:"Interval between scheduler ticks"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"diagnostics" env-namespace:"DIAGNOSTICS"`
}

func init() {
	CommandRegistry.AddCommand("", "serve", "Continuously apply placement actions", `
Serve the allocator: on each --interval, compute proposed actions from cluster
metadata held in Etcd, and apply them. Applications are guarded Etcd
transactions which fail (and are re-planned) if they race another writer of
the metadata.

Prometheus metrics are served at /debug/metrics, and readiness at /debug/ready,
on --diagnostics.port.
`, &cmdServe{})
}

func (cmd *cmdServe) Execute([]string) error {
	startup()

	var etcd, src, alloc = mustEtcdAllocator()
	defer etcd.Close()

	var sched = scheduler.New(alloc, etcdsource.NewApplier(src))
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics, sched.Healthy)()

	log.WithFields(log.Fields{
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
		"root":      baseCfg.Etcd.Root,
		"interval":  cmd.Interval,
		"replicas":  alloc.Config().ReplicasPerGroup,
	}).Info("serving allocator")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var g, gCtx = errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Serve(gCtx, cmd.Interval) })

	if cmd.Diagnostics.Port != "" {
		var srv = &http.Server{Addr: ":" + cmd.Diagnostics.Port}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	var err = g.Wait()
	log.WithField("err", err).Info("allocator stopped")
	return err
}
