package main

import "go.shardkv.dev/core/cmd/shardctl/shardctlcmd"

func main() { shardctlcmd.Execute() }
