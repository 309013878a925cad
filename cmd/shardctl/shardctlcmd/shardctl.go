// Package shardctlcmd implements the sub-commands of shardctl, a tool for
// inspecting and driving placement of a shardkv cluster.
package shardctlcmd

import (
	"github.com/jessevdk/go-flags"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.shardkv.dev/core/allocator"
	"go.shardkv.dev/core/etcdsource"
	mbp "go.shardkv.dev/core/mainboilerplate"
)

const iniFilename = "shardctl.ini"

var (
	baseCfg = new(struct {
		Log       mbp.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Etcd      mbp.EtcdConfig   `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
		Allocator allocator.Config `group:"Allocator" namespace:"allocator" env-namespace:"ALLOCATOR"`
	})

	// CommandRegistry holds sub-commands of shardctl, which register
	// themselves from init().
	CommandRegistry = mbp.NewCommandRegistry()
)

func startup() {
	mbp.InitLog(baseCfg.Log)
}

// mustEtcdAllocator dials Etcd, and returns an Allocator over an Etcd Source.
func mustEtcdAllocator() (*clientv3.Client, *etcdsource.Source, *allocator.Allocator) {
	var etcd = baseCfg.Etcd.MustDial()
	var src = etcdsource.NewSource(etcd, baseCfg.Etcd.Root)
	var alloc, err = allocator.NewAllocator(src, baseCfg.Allocator)
	mbp.Must(err, "failed to build allocator")

	return etcd, src, alloc
}

// Execute parses configuration and runs the selected sub-command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `shardctl is a tool for inspecting and driving the placement of replica
groups and shards across the nodes of a shardkv cluster.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure shardctl with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/shardkv/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`
	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}
